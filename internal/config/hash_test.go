package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockFilesDryRun(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "convoy.yaml", minimalYAML)

	reports, err := LockFiles([]string{path}, true)
	if err != nil {
		t.Fatalf("LockFiles() failed: %v", err)
	}
	if len(reports) != 1 || reports[0].Written {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if len(reports[0].Files) != 1 || reports[0].Files[0].Hash == "" {
		t.Fatal("expected one hashed file")
	}
	if _, err := os.Stat(filepath.Join(dir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockThenLoadVerifies(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "convoy.yaml", minimalYAML)

	files, err := DiscoverFiles(path)
	if err != nil {
		t.Fatalf("DiscoverFiles() failed: %v", err)
	}
	if _, err := LockFiles(files, false); err != nil {
		t.Fatalf("LockFiles() failed: %v", err)
	}
	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 1 {
		t.Fatalf("len(manifest.Hashes) = %d, want 1", len(manifest.Hashes))
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}

	if err := os.WriteFile(path, []byte(minimalYAML+"\n# tampered\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestLoadRejectsUnlistedFileWhenManifestExists(t *testing.T) {
	dir := t.TempDir()
	root := writeConfig(t, dir, "convoy.yaml", "include: [extra.yaml]\n")
	writeConfig(t, dir, "extra.yaml", "rate_limits:\n  git: {capacity: 1, window: 1s}\n")

	if _, err := LockFiles([]string{root}, false); err != nil {
		t.Fatal(err)
	}
	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "no hash") {
		t.Fatalf("expected missing hash error, got %v", err)
	}
}

func TestVerifyFileHash(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "x.yaml", "a: 1\n")

	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != 64 {
		t.Fatalf("hash length = %d, want 64", len(hash))
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Fatalf("VerifyFileHash() failed: %v", err)
	}
	if err := VerifyFileHash(path, strings.Repeat("0", 64)); err == nil {
		t.Fatal("expected mismatch")
	}
}
