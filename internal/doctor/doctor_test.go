package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/convoy/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(dir, "convoy.db")
	cfg.State.LockDir = filepath.Join(dir, "locks")
	cfg.Phases = map[string][]config.Group{
		"build": {
			{ID: "api", Paths: []string{"src/api/**"}, Command: []string{"true"}},
			{ID: "db", Paths: []string{"src/db/**"}, Command: []string{"true"}},
		},
	}
	cfg.Rules = []config.Rule{
		{Name: "schema", Severity: config.SeverityCritical, Action: config.ActionAbort, Paths: []string{"db/schema/**"}},
	}
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg, "/work/repo")
	d.fsType = func(string) (string, error) { return "ext4", nil }
	d.lookPath = func(string) (string, error) { return "/usr/bin/true", nil }
	d.getenv = func(string) string { return "" }
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_LockDirOnNetworkFilesystem(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t))
	d.fsType = func(string) (string, error) { return "nfs", nil }
	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "state", "network filesystem (nfs)")
}

func TestValidate_FilesystemProbeFailureIsIgnored(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t))
	d.fsType = func(string) (string, error) { return "", errors.New("unsupported") }
	if r := d.Validate(context.Background()); !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
}

func TestValidate_LockDirIsAFile(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	if err := os.WriteFile(cfg.State.LockDir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := newDoctor(cfg).Validate(context.Background())
	assertHasError(t, r, "state", "not a directory")
}

func TestValidate_ZeroPathGroup(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Phases["build"] = append(cfg.Phases["build"], config.Group{ID: "docs", Command: []string{"true"}})
	r := newDoctor(cfg).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("zero-path group is a warning, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "phases", `group "docs" declares no paths`)
}

func TestValidate_UnknownSeverityAndAction(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Rules = append(cfg.Rules, config.Rule{Name: "odd", Severity: "SEVERE", Action: "explode", Paths: []string{"x/**"}})
	r := newDoctor(cfg).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "rules", `unknown severity "SEVERE"`)
	assertHasError(t, r, "rules", `unknown action "explode"`)
}

func TestValidate_ShadowedRule(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Rules = append(cfg.Rules,
		config.Rule{Name: "schema-again", Severity: config.SeverityMinor, Action: config.ActionDowngradeToSerial, Paths: []string{"./db/schema/**"}},
		config.Rule{Name: "partial", Severity: config.SeverityMinor, Action: config.ActionDowngradeToSerial, Paths: []string{"db/schema/**", "docs/**"}},
	)
	r := newDoctor(cfg).Validate(context.Background())
	assertHasWarning(t, r, "rules", `rule "schema-again" is shadowed by rules[0] (schema)`)
	for _, w := range r.Warnings {
		if strings.Contains(w.Message, `rule "partial"`) {
			t.Fatalf("partial overlap must not be reported as shadowed: %v", w)
		}
	}
}

func TestValidate_DuplicateRuleName(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Rules = append(cfg.Rules, config.Rule{Name: "schema", Severity: config.SeverityMinor, Action: config.ActionMutexLock, Paths: []string{"x"}})
	r := newDoctor(cfg).Validate(context.Background())
	assertHasError(t, r, "rules", `rule name "schema" duplicates rules[0]`)
}

func TestValidate_DuplicateGroupIDs(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Phases["build"] = append(cfg.Phases["build"], config.Group{ID: "api", Paths: []string{"other/**"}, Command: []string{"true"}})
	cfg.Phases["test"] = []config.Group{{ID: "db", Paths: []string{"tests/**"}, Command: []string{"true"}}}
	r := newDoctor(cfg).Validate(context.Background())
	assertHasError(t, r, "phases", `duplicate group id "api"`)
	assertHasWarning(t, r, "phases", `group id "db" also appears in phase "build"`)
}

func TestValidate_MissingCommand(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	d := newDoctor(cfg)
	d.lookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }
	r := d.Validate(context.Background())
	assertHasWarning(t, r, "phases", `command "true" not found`)
}

func TestValidate_OverlapReport(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Phases["build"] = append(cfg.Phases["build"], config.Group{ID: "users", Paths: []string{"src/api/users.go"}, Command: []string{"true"}})
	cfg.Phases["deploy"] = []config.Group{
		{ID: "migrate", Paths: []string{"db/schema/001.sql"}, Command: []string{"true"}},
		{ID: "seed", Paths: []string{"db/schema/**"}, Command: []string{"true"}},
	}
	r := newDoctor(cfg).Validate(context.Background())
	assertHasWarning(t, r, "overlap", `phase "build" will run serially`)
	assertHasWarning(t, r, "overlap", `phase "deploy" will abort: rule "schema"`)

	cfg.Orchestrator.RequireParallel = true
	r = newDoctor(cfg).Validate(context.Background())
	assertHasWarning(t, r, "overlap", `phase "build" will be refused`)
}

func TestValidate_LockTimings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Locks.AcquireTimeout = cfg.Locks.MaxLockAge
	cfg.Locks.ScanInterval = 0
	r := newDoctor(cfg).Validate(context.Background())
	assertHasWarning(t, r, "locks", "waiters may outlive reclamation")
	assertHasWarning(t, r, "locks", "will not reclaim")
}

func TestValidate_APIOnPublicInterface(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "0.0.0.0:8787"
	r := newDoctor(cfg).Validate(context.Background())
	assertHasWarning(t, r, "api", "without authentication")

	cfg.API.Token = "s3cret"
	r = newDoctor(cfg).Validate(context.Background())
	for _, w := range r.Warnings {
		if w.Category == "api" {
			t.Fatalf("token-protected API should not warn: %v", w)
		}
	}

	cfg.API.Listen = "not-an-address"
	r = newDoctor(cfg).Validate(context.Background())
	assertHasError(t, r, "api", "invalid listen address")
}

func TestValidate_UnresolvedEnvVars(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Phases["build"][0].Command = []string{"make", "${TARGET}"}
	cfg.Phases["build"][0].Env = map[string]string{"TOKEN": "${API_TOKEN}"}
	d := newDoctor(cfg)
	r := d.Validate(context.Background())
	assertHasWarning(t, r, "env_vars", "${TARGET} not set")
	assertHasWarning(t, r, "env_vars", "${API_TOKEN} not set")

	d.getenv = func(string) string { return "set" }
	r = d.Validate(context.Background())
	for _, w := range r.Warnings {
		if w.Category == "env_vars" {
			t.Fatalf("unexpected env warning: %v", w)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	r := &Result{Valid: false, Errors: []Issue{{Category: "rules", Message: "bad"}}}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": false`) || !strings.Contains(out, `"category": "rules"`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	out := FormatHuman(&Result{Valid: true})
	if out != "Configuration healthy.\n" {
		t.Fatalf("got %q", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "state", Field: "state.lock_dir", Message: "on nfs"}},
		Warnings: []Issue{{Category: "phases", Message: "no paths"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "Configuration invalid (1 error(s), 1 warning(s))") {
		t.Fatalf("missing summary: %s", out)
	}
	if !strings.Contains(out, "ERROR [state] state.lock_dir: on nfs") {
		t.Fatalf("missing error line: %s", out)
	}
	if !strings.Contains(out, "WARN  [phases] no paths") {
		t.Fatalf("missing warning line: %s", out)
	}
}

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
