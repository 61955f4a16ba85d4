package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to config files.
const ChecksumFile = ".checksums"

// ChecksumManifest maps file basenames in one directory to BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashUpdateFileResult captures checksum generation outcome for one file.
type HashUpdateFileResult struct {
	Filename string
	Path     string
	Hash     string
}

// HashUpdateReport captures checksum generation for one directory.
type HashUpdateReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []HashUpdateFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// LockFiles hashes every file in paths and writes one manifest per directory.
// With dryRun the hashes are computed and reported but nothing is written.
func LockFiles(paths []string, dryRun bool) ([]*HashUpdateReport, error) {
	byDir := make(map[string][]string)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %q: %w", p, err)
		}
		dir := filepath.Dir(abs)
		byDir[dir] = append(byDir[dir], abs)
	}

	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	reports := make([]*HashUpdateReport, 0, len(dirs))
	for _, dir := range dirs {
		report, err := lockDir(dir, byDir[dir], dryRun)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func lockDir(dir string, files []string, dryRun bool) (*HashUpdateReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	report := &HashUpdateReport{
		ConfigDir:    dir,
		ChecksumPath: filepath.Join(dir, ChecksumFile),
	}

	sort.Strings(files)
	for _, path := range files {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		name := filepath.Base(path)
		manifest.Hashes[name] = hash
		report.Files = append(report.Files, HashUpdateFileResult{Filename: name, Path: path, Hash: hash})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'convoy config lock'): %w", err)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifyAllConfigHashes checks every loaded file against its directory's
// manifest. Directories without a manifest are not verified; once a manifest
// exists every file loaded from that directory must be listed and match.
func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in %s\n"+
					"Run: convoy config lock", basename, filepath.Join(dir, ChecksumFile))
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: convoy config lock", path, err)
			}
		}
	}
	return nil
}
