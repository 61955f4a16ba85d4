package config

import (
	"fmt"
	"os"
	"path/filepath"
)

var configFileNames = []string{"convoy.yaml", "convoy.yml", "convoy.toml"}

// Discover finds the config file by checking standard locations.
// Priority order: $CONVOY_CONFIG, ./convoy.{yaml,yml,toml}, ~/.config/convoy/, /etc/convoy/.
func Discover() (string, error) {
	if p := os.Getenv("CONVOY_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("CONVOY_CONFIG points at %s which does not exist", p)
	}

	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "convoy"))
	}
	dirs = append(dirs, "/etc/convoy")

	for _, dir := range dirs {
		for _, name := range configFileNames {
			candidate := filepath.Join(dir, name)
			if fileExists(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("no config found (checked: $CONVOY_CONFIG, ./convoy.yaml, ~/.config/convoy, /etc/convoy)")
}

// DiscoverFiles returns the root config file and every file it includes,
// as absolute paths, without verifying or validating them.
func DiscoverFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{absPath}
	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}
	return cfg.SourceFiles, nil
}
