package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidConfig is wrapped by every ConfigurationError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigurationError reports malformed groups, rules or settings. It is fatal
// for planning: nothing runs when one is returned.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems):\n  %s", len(e.Problems), strings.Join(e.Problems, "\n  "))
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfig }

// Reason is the machine-readable failure reason.
func (e *ConfigurationError) Reason() string { return "CONFIGURATION_ERROR" }

// Invalidf builds a single-problem ConfigurationError.
func Invalidf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

type problems []string

func (p *problems) add(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return &ConfigurationError{Problems: p}
}

// validate performs structural validation. All problems are collected so an
// operator can fix a file in one pass.
func validate(cfg *Config) error {
	var p problems

	if cfg.State.Path == "" {
		p.add("state.path is required")
	}
	if cfg.State.LockDir == "" {
		p.add("state.lock_dir is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		p.add("log.level must be one of: debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		p.add("log.format must be json or text (got %q)", cfg.Log.Format)
	}

	if cfg.Locks.AcquireTimeout <= 0 {
		p.add("locks.acquire_timeout must be positive")
	}
	if cfg.Locks.MaxLockAge <= 0 {
		p.add("locks.max_lock_age must be positive")
	}
	if cfg.Locks.PollInterval <= 0 {
		p.add("locks.poll_interval must be positive")
	}
	if cfg.Locks.ScanInterval < 0 {
		p.add("locks.scan_interval must not be negative")
	}

	if cfg.Orchestrator.LoadThreshold < 0 {
		p.add("orchestrator.load_threshold must not be negative")
	}
	if cfg.Orchestrator.MaxParallel < 0 {
		p.add("orchestrator.max_parallel must not be negative")
	}
	if cfg.Orchestrator.GroupTimeout < 0 {
		p.add("orchestrator.group_timeout must not be negative")
	}

	for name, rl := range cfg.RateLimits {
		if rl.Capacity <= 0 {
			p.add("rate_limits.%s.capacity must be positive", name)
		}
		if rl.Window <= 0 {
			p.add("rate_limits.%s.window must be positive", name)
		}
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		p.add("api.listen is required when the api is enabled")
	}

	for phase, groups := range cfg.Phases {
		validatePhase(&p, phase, groups)
	}
	validateRules(&p, cfg.Rules)

	return p.err()
}

func validatePhase(p *problems, phase string, groups []Group) {
	if phase == "" {
		p.add("phases: phase name must not be empty")
	}
	seen := make(map[string]bool, len(groups))
	for i, g := range groups {
		where := fmt.Sprintf("phases.%s[%d]", phase, i)
		if g.ID == "" {
			p.add("%s.id is required", where)
		} else {
			where = fmt.Sprintf("phases.%s.%s", phase, g.ID)
			if seen[g.ID] {
				p.add("%s: duplicate group id", where)
			}
			seen[g.ID] = true
		}
		if len(g.Command) == 0 || g.Command[0] == "" {
			p.add("%s.command is required", where)
		}
		for j, pat := range g.Paths {
			if err := checkPattern(pat); err != nil {
				p.add("%s.paths[%d]: %v", where, j, err)
			}
		}
		for _, arg := range g.Command {
			if m := envVarPattern.FindStringSubmatch(arg); m != nil {
				p.add("%s.command: environment variable ${%s} is not set", where, m[1])
			}
		}
		for k, v := range g.Env {
			if m := envVarPattern.FindStringSubmatch(v); m != nil {
				p.add("%s.env.%s: environment variable ${%s} is not set", where, k, m[1])
			}
		}
		if g.Timeout < 0 {
			p.add("%s.timeout must not be negative", where)
		}
	}
}

func validateRules(p *problems, rules []Rule) {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		where := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			p.add("%s.name is required", where)
		} else {
			where = fmt.Sprintf("rules[%d] (%s)", i, r.Name)
			if seen[r.Name] {
				p.add("%s: duplicate rule name", where)
			}
			seen[r.Name] = true
		}
		if !r.Severity.Valid() {
			p.add("%s.severity must be one of MINOR, MAJOR, CRITICAL (got %q)", where, r.Severity)
		}
		if !r.Action.Valid() {
			p.add("%s.action must be one of downgrade_to_serial, mutex_lock, queue_execution, serialize_operations, abort (got %q)", where, r.Action)
		}
		if len(r.Paths) == 0 {
			p.add("%s.paths must be non-empty", where)
		}
		for j, pat := range r.Paths {
			if err := checkPattern(pat); err != nil {
				p.add("%s.paths[%d]: %v", where, j, err)
			}
		}
	}
}

func checkPattern(pat string) error {
	if strings.TrimSpace(pat) == "" {
		return fmt.Errorf("empty pattern")
	}
	if !doublestar.ValidatePattern(pat) {
		return fmt.Errorf("invalid glob pattern %q", pat)
	}
	return nil
}
