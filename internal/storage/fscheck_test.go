package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateLocalFilesystemWithDetector_AllowsLocalFS(t *testing.T) {
	t.Parallel()

	lockDir := filepath.Join(t.TempDir(), "locks")
	err := validateLocalFilesystemWithDetector(lockDir, func(path string) (string, error) {
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestValidateLocalFilesystemWithDetector_RejectsNetworkFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "convoy.db")
	err := validateLocalFilesystemWithDetector(dbPath, func(path string) (string, error) {
		return "nfs", nil
	})
	if err == nil {
		t.Fatal("expected network filesystem validation error")
	}

	msg := err.Error()
	for _, want := range []string{"nfs", "require a local filesystem", "state.lock_dir"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to contain %q, got %q", want, msg)
		}
	}
}

func TestValidateLocalFilesystemWithDetector_UnsupportedPlatformPasses(t *testing.T) {
	t.Parallel()

	err := validateLocalFilesystemWithDetector(t.TempDir(), func(path string) (string, error) {
		return "", fmt.Errorf("wrapped: %w", errDetectUnsupported)
	})
	if err != nil {
		t.Fatalf("expected unsupported detection to pass, got: %v", err)
	}
}

func TestValidateLocalFilesystemWithDetector_UsesNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	lockPath := filepath.Join(root, "nested", "dir", "api.lock")

	var inspectedPath string
	err := validateLocalFilesystemWithDetector(lockPath, func(path string) (string, error) {
		inspectedPath = path
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}

	if inspectedPath != root {
		t.Fatalf("expected detector to inspect nearest existing path %q, got %q", root, inspectedPath)
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fs   string
		want bool
	}{
		{name: "nfs", fs: "nfs", want: true},
		{name: "smbfs uppercase", fs: "SMBFS", want: true},
		{name: "ceph", fs: "ceph", want: true},
		{name: "9p", fs: "9p", want: true},
		{name: "local apfs", fs: "apfs", want: false},
		{name: "hex linux magic", fs: "0x6969", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := IsNetworkFilesystem(tc.fs)
			if got != tc.want {
				t.Fatalf("IsNetworkFilesystem(%q)=%v, want %v", tc.fs, got, tc.want)
			}
		})
	}
}
