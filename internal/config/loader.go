package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, merges, verifies and validates configuration from a file.
// Files ending in .toml are parsed as TOML, everything else as YAML. A
// directory argument resolves to convoy.yaml or convoy.toml inside it.
func Load(configPath string) (*Config, error) {
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

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates a single in-memory document. Includes and
// checksums are not processed; relative paths stay relative.
func Parse(data []byte, format string) (*Config, error) {
	var cfg Config
	if err := decode([]byte(interpolateEnv(string(data))), format, &cfg); err != nil {
		return nil, err
	}
	out := applyConfigDefaults(&cfg)
	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if !info.IsDir() {
		return absPath, nil
	}
	for _, name := range configFileNames {
		candidate := filepath.Join(absPath, name)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("directory provided but no %s found in %s", strings.Join(configFileNames, " or "), absPath)
}

// loadIncludes merges phases, rules and rate limits from included files.
// Included files may include further files; cycles are rejected.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolved := includePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolved)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if !fileExists(absPath) {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, absPath, baseDir)
		}
		visited[absPath] = true
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if err := mergeConfig(cfg, included, absPath); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var cfg Config
	if err := decode([]byte(interpolateEnv(string(data))), formatOf(path), &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

func decode(data []byte, format string, cfg *Config) error {
	switch format {
	case "toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	return nil
}

// mergeConfig grafts an included file onto dst. Phases and rate limits are
// additive; a phase or category defined twice is an error. Rules append in
// include order so declared precedence is preserved.
func mergeConfig(dst, src *Config, srcPath string) error {
	for name, groups := range src.Phases {
		if dst.Phases == nil {
			dst.Phases = make(map[string][]Group)
		}
		if _, dup := dst.Phases[name]; dup {
			return Invalidf("phases.%s: defined again in %s", name, srcPath)
		}
		dst.Phases[name] = groups
	}
	for name, rl := range src.RateLimits {
		if dst.RateLimits == nil {
			dst.RateLimits = make(map[string]RateLimitConfig)
		}
		if _, dup := dst.RateLimits[name]; dup {
			return Invalidf("rate_limits.%s: defined again in %s", name, srcPath)
		}
		dst.RateLimits[name] = rl
	}
	dst.Rules = append(dst.Rules, src.Rules...)
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.LockDir == "" {
		cfg.State.LockDir = filepath.Join(filepath.Dir(cfg.State.Path), "locks")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Locks.AcquireTimeout == 0 {
		cfg.Locks.AcquireTimeout = defaults.Locks.AcquireTimeout
	}
	if cfg.Locks.MaxLockAge == 0 {
		cfg.Locks.MaxLockAge = defaults.Locks.MaxLockAge
	}
	if cfg.Locks.PollInterval == 0 {
		cfg.Locks.PollInterval = defaults.Locks.PollInterval
	}
	if cfg.Locks.ScanInterval == 0 {
		cfg.Locks.ScanInterval = defaults.Locks.ScanInterval
	}
	if cfg.Orchestrator.GroupTimeout == 0 {
		cfg.Orchestrator.GroupTimeout = defaults.Orchestrator.GroupTimeout
	}
	if cfg.Orchestrator.KillGrace == 0 {
		cfg.Orchestrator.KillGrace = defaults.Orchestrator.KillGrace
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = defaults.RateLimits
	}
	if cfg.Phases == nil {
		cfg.Phases = defaults.Phases
	}
	return cfg
}

// resolvePaths anchors relative state paths at the config file's directory.
func resolvePaths(cfg *Config, baseDir string) {
	if !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(baseDir, cfg.State.Path)
	}
	if !filepath.IsAbs(cfg.State.LockDir) {
		cfg.State.LockDir = filepath.Join(baseDir, cfg.State.LockDir)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
