package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// ValidateLocalFilesystem ensures path lives on a local filesystem. Both the
// SQLite registry and flock(2) lock files are unreliable on network mounts.
func ValidateLocalFilesystem(path string) error {
	return validateLocalFilesystemWithDetector(path, detectFilesystemType)
}

// FilesystemType reports the detected filesystem type for the nearest
// existing ancestor of path.
func FilesystemType(path string) (string, error) {
	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return "", err
	}
	return detectFilesystemType(inspectPath)
}

func validateLocalFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Unsupported platforms cannot tell us; do not block on it.
		if errors.Is(err, errDetectUnsupported) {
			return nil
		}
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if IsNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"path %q is on network filesystem %q; advisory locks and SQLite require a local filesystem. Point state.path and state.lock_dir at local disk",
			path,
			fsType,
		)
	}

	return nil
}

var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

// IsNetworkFilesystem reports whether fsType names a known network filesystem.
func IsNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
