package config

import (
	"fmt"
	"time"
)

// Config represents the complete convoy configuration.
type Config struct {
	Include      []string                   `yaml:"include,omitempty" toml:"include,omitempty"`
	State        StateConfig                `yaml:"state" toml:"state"`
	Log          LogConfig                  `yaml:"log" toml:"log"`
	Locks        LocksConfig                `yaml:"locks" toml:"locks"`
	Orchestrator OrchestratorConfig         `yaml:"orchestrator" toml:"orchestrator"`
	RateLimits   map[string]RateLimitConfig `yaml:"rate_limits,omitempty" toml:"rate_limits,omitempty"`
	API          APIConfig                  `yaml:"api" toml:"api"`
	Phases       map[string][]Group         `yaml:"phases" toml:"phases"`
	Rules        []Rule                     `yaml:"rules,omitempty" toml:"rules,omitempty"`

	// SourceFiles lists the root config file and every include, absolute.
	SourceFiles []string `yaml:"-" toml:"-"`
}

// StateConfig defines where persistent coordination state lives.
type StateConfig struct {
	Path    string `yaml:"path" toml:"path"`
	LockDir string `yaml:"lock_dir" toml:"lock_dir"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// LocksConfig tunes the lock manager and the deadlock scanner.
type LocksConfig struct {
	AcquireTimeout Duration `yaml:"acquire_timeout" toml:"acquire_timeout"`
	MaxLockAge     Duration `yaml:"max_lock_age" toml:"max_lock_age"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	ScanInterval   Duration `yaml:"scan_interval" toml:"scan_interval"`
}

// OrchestratorConfig tunes execution mode selection and process fan-out.
type OrchestratorConfig struct {
	// LoadThreshold is the 1-minute load average per CPU above which
	// multi-group runs go serial. Zero disables the probe.
	LoadThreshold   float64  `yaml:"load_threshold" toml:"load_threshold"`
	MaxParallel     int      `yaml:"max_parallel" toml:"max_parallel"`
	GroupTimeout    Duration `yaml:"group_timeout" toml:"group_timeout"`
	KillGrace       Duration `yaml:"kill_grace" toml:"kill_grace"`
	RequireParallel bool     `yaml:"require_parallel" toml:"require_parallel"`
}

// RateLimitConfig is a token bucket for one operation category.
type RateLimitConfig struct {
	Capacity int      `yaml:"capacity" toml:"capacity"`
	Window   Duration `yaml:"window" toml:"window"`
}

// APIConfig defines the status HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" toml:"listen"`
	// Token guards the admin endpoints. Empty leaves them open.
	Token string `yaml:"token,omitempty" toml:"token,omitempty"`
}

// Group is a unit of work within a phase.
type Group struct {
	ID      string            `yaml:"id" toml:"id"`
	Paths   []string          `yaml:"paths" toml:"paths"`
	Command []string          `yaml:"command" toml:"command"`
	Dir     string            `yaml:"dir,omitempty" toml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

// Severity ranks a conflict rule.
type Severity string

const (
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
)

// Action is what the orchestrator does when a rule matches a conflict.
type Action string

const (
	ActionDowngradeToSerial   Action = "downgrade_to_serial"
	ActionMutexLock           Action = "mutex_lock"
	ActionQueueExecution      Action = "queue_execution"
	ActionSerializeOperations Action = "serialize_operations"
	ActionAbort               Action = "abort"
)

// Rule is a conflict policy matched against conflicting paths. Order is
// significant: the first matching rule wins.
type Rule struct {
	Name     string   `yaml:"name" toml:"name"`
	Severity Severity `yaml:"severity" toml:"severity"`
	Action   Action   `yaml:"action" toml:"action"`
	Paths    []string `yaml:"paths" toml:"paths"`
}

// DefaultRule applies when no configured rule matches.
var DefaultRule = Rule{Name: "default", Severity: SeverityMajor, Action: ActionDowngradeToSerial}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityMinor, SeverityMajor, SeverityCritical:
		return true
	}
	return false
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionDowngradeToSerial, ActionMutexLock, ActionQueueExecution, ActionSerializeOperations, ActionAbort:
		return true
	}
	return false
}

// Duration is a time.Duration that reads and writes as "30s" in both YAML
// and TOML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		State: StateConfig{
			Path:    "./data/convoy.db",
			LockDir: "./data/locks",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Locks: LocksConfig{
			AcquireTimeout: Duration(30 * time.Second),
			MaxLockAge:     Duration(2 * time.Hour),
			PollInterval:   Duration(100 * time.Millisecond),
			ScanInterval:   Duration(time.Minute),
		},
		Orchestrator: OrchestratorConfig{
			GroupTimeout: Duration(30 * time.Minute),
			KillGrace:    Duration(5 * time.Second),
		},
		RateLimits: make(map[string]RateLimitConfig),
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8787",
		},
		Phases: make(map[string][]Group),
	}
}

// Phase returns the groups declared for name.
func (c *Config) Phase(name string) ([]Group, error) {
	groups, ok := c.Phases[name]
	if !ok {
		return nil, Invalidf("phases.%s: phase is not defined", name)
	}
	return groups, nil
}
