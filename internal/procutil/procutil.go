// Package procutil answers host questions the coordinator needs: is a process
// still running, and how loaded is the machine.
package procutil

import (
	"errors"
	"runtime"

	"golang.org/x/sys/unix"
)

// ErrLoadUnsupported is returned by Load on platforms without a load probe.
var ErrLoadUnsupported = errors.New("host load probe unsupported on this platform")

// Alive reports whether pid refers to a running process, using the signal-0
// probe. EPERM means the process exists but belongs to someone else.
//
// PID reuse makes this inherently racy; callers treat it as best effort.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

// Checker is the liveness capability consumed by the lock scanner.
type Checker interface {
	Alive(pid int) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(pid int) bool

func (f CheckerFunc) Alive(pid int) bool { return f(pid) }

// System is the Checker backed by Alive.
var System Checker = CheckerFunc(Alive)

// LoadRatio returns the one-minute load average divided by the CPU count.
func LoadRatio() (float64, error) {
	avg, err := Load()
	if err != nil {
		return 0, err
	}
	cpus := runtime.NumCPU()
	if cpus <= 0 {
		cpus = 1
	}
	return avg / float64(cpus), nil
}
