//go:build !linux

package procutil

// Load returns the one-minute load average.
func Load() (float64, error) {
	return 0, ErrLoadUnsupported
}
