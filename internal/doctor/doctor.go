// Package doctor checks a convoy configuration and the host it runs on for
// problems that structural validation cannot see.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/conflict"
	"github.com/mattjoyce/convoy/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects a loaded configuration.
type Doctor struct {
	cfg  *config.Config
	root string

	// Overridable for tests.
	fsType   func(string) (string, error)
	lookPath func(string) (string, error)
	getenv   func(string) string
}

// New creates a Doctor. root anchors relative group paths for the overlap
// report; empty means the working directory.
func New(cfg *config.Config, root string) *Doctor {
	return &Doctor{
		cfg:      cfg,
		root:     root,
		fsType:   storage.FilesystemType,
		lookPath: exec.LookPath,
		getenv:   os.Getenv,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateLocks(r)
	d.validateRules(r)
	d.validatePhases(r)
	d.reportOverlaps(ctx, r)
	d.validateAPI(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateState checks that the lock directory and database live on a local
// filesystem; flock is unreliable over network mounts.
func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
	}
	if d.cfg.State.LockDir == "" {
		d.addError(r, "state", "state.lock_dir", "state.lock_dir is required")
		return
	}

	if fi, err := os.Stat(d.cfg.State.LockDir); err == nil && !fi.IsDir() {
		d.addError(r, "state", "state.lock_dir", fmt.Sprintf("%s exists and is not a directory", d.cfg.State.LockDir))
	}

	dirs := []struct{ field, path string }{{"state.lock_dir", d.cfg.State.LockDir}}
	if d.cfg.State.Path != "" {
		dirs = append(dirs, struct{ field, path string }{"state.path", filepath.Dir(d.cfg.State.Path)})
	}
	for _, dir := range dirs {
		field, p := dir.field, dir.path
		fs, err := d.fsType(nearestExisting(p))
		if err != nil {
			continue
		}
		if storage.IsNetworkFilesystem(fs) {
			d.addError(r, "state", field,
				fmt.Sprintf("%s is on a network filesystem (%s); flock and SQLite locking are not reliable there", p, fs))
		}
	}
}

// validateLocks flags timing combinations that defeat the lock manager.
func (d *Doctor) validateLocks(r *Result) {
	l := d.cfg.Locks
	if l.AcquireTimeout > 0 && l.MaxLockAge > 0 && l.AcquireTimeout >= l.MaxLockAge {
		d.addWarning(r, "locks", "locks.acquire_timeout",
			fmt.Sprintf("acquire_timeout %s is not shorter than max_lock_age %s; waiters may outlive reclamation", l.AcquireTimeout, l.MaxLockAge))
	}
	if l.PollInterval > 0 && l.AcquireTimeout > 0 && l.PollInterval >= l.AcquireTimeout {
		d.addWarning(r, "locks", "locks.poll_interval",
			fmt.Sprintf("poll_interval %s is not shorter than acquire_timeout %s; acquisition gets a single attempt", l.PollInterval, l.AcquireTimeout))
	}
	if l.ScanInterval == 0 {
		d.addWarning(r, "locks", "locks.scan_interval", "scan_interval is 0; convoy serve will not reclaim abandoned locks")
	}
	if g := d.cfg.Orchestrator.GroupTimeout; g > 0 && l.MaxLockAge > 0 && g > l.MaxLockAge {
		d.addWarning(r, "locks", "orchestrator.group_timeout",
			fmt.Sprintf("group_timeout %s exceeds max_lock_age %s; a running group's lock may be reported stale", g, l.MaxLockAge))
	}
}

// validateRules checks rule vocabulary and flags rules that can never win.
func (d *Doctor) validateRules(r *Result) {
	seenName := make(map[string]int)
	// pattern text -> index of first rule declaring it
	owner := make(map[string]int)

	for i, rule := range d.cfg.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if prev, ok := seenName[rule.Name]; ok {
			d.addError(r, "rules", field+".name", fmt.Sprintf("rule name %q duplicates rules[%d]", rule.Name, prev))
		} else {
			seenName[rule.Name] = i
		}
		if !rule.Severity.Valid() {
			d.addError(r, "rules", field+".severity",
				fmt.Sprintf("unknown severity %q (expected MINOR, MAJOR or CRITICAL)", rule.Severity))
		}
		if !rule.Action.Valid() {
			d.addError(r, "rules", field+".action",
				fmt.Sprintf("unknown action %q", rule.Action))
		}
		if len(rule.Paths) == 0 {
			d.addWarning(r, "rules", field+".paths", fmt.Sprintf("rule %q has no paths and never matches", rule.Name))
			continue
		}

		shadowedBy := -1
		for _, p := range rule.Paths {
			prev, ok := owner[filepath.Clean(p)]
			if !ok {
				shadowedBy = -1
				break
			}
			shadowedBy = prev
		}
		if shadowedBy >= 0 {
			d.addWarning(r, "rules", field,
				fmt.Sprintf("rule %q is shadowed by rules[%d] (%s): every pattern is declared earlier",
					rule.Name, shadowedBy, d.cfg.Rules[shadowedBy].Name))
		}
		for _, p := range rule.Paths {
			if _, ok := owner[filepath.Clean(p)]; !ok {
				owner[filepath.Clean(p)] = i
			}
		}
	}
}

// validatePhases checks groups for missing paths, commands and directories.
// Group ids are lock keys, so the same id in two phases shares one lock.
func (d *Doctor) validatePhases(r *Result) {
	phases := sortedPhases(d.cfg)
	lockOwner := make(map[string]string)

	for _, phase := range phases {
		seen := make(map[string]bool)
		for i, g := range d.cfg.Phases[phase] {
			field := fmt.Sprintf("phases.%s[%d]", phase, i)
			if g.ID == "" {
				d.addError(r, "phases", field+".id", "group id is required")
				continue
			}
			if seen[g.ID] {
				d.addError(r, "phases", field+".id", fmt.Sprintf("duplicate group id %q in phase %q", g.ID, phase))
			}
			seen[g.ID] = true

			if prev, ok := lockOwner[g.ID]; ok && prev != phase {
				d.addWarning(r, "phases", field+".id",
					fmt.Sprintf("group id %q also appears in phase %q; both share one lock", g.ID, prev))
			} else {
				lockOwner[g.ID] = phase
			}

			if len(g.Paths) == 0 {
				d.addWarning(r, "phases", field+".paths",
					fmt.Sprintf("group %q declares no paths; it is assumed to conflict with nothing", g.ID))
			}
			if len(g.Command) == 0 {
				d.addError(r, "phases", field+".command", fmt.Sprintf("group %q has no command", g.ID))
			} else if bin := g.Command[0]; !strings.Contains(bin, "${") {
				if strings.Contains(bin, "/") && !filepath.IsAbs(bin) && g.Dir != "" {
					bin = filepath.Join(g.Dir, bin)
				}
				if _, err := d.lookPath(bin); err != nil {
					d.addWarning(r, "phases", field+".command",
						fmt.Sprintf("group %q command %q not found: %v", g.ID, g.Command[0], err))
				}
			}
			if g.Dir != "" {
				if fi, err := os.Stat(g.Dir); err != nil || !fi.IsDir() {
					d.addWarning(r, "phases", field+".dir",
						fmt.Sprintf("group %q working directory %s does not exist", g.ID, g.Dir))
				}
			}
		}
	}
}

// reportOverlaps runs the conflict detector over each phase so operators see
// which phases will be downgraded or aborted before running them.
func (d *Doctor) reportOverlaps(ctx context.Context, r *Result) {
	det, err := conflict.NewDetector(conflict.Options{
		Root:   d.root,
		Rules:  d.cfg.Rules,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		d.addError(r, "rules", "rules", err.Error())
		return
	}

	for _, phase := range sortedPhases(d.cfg) {
		res, err := det.DetectConflicts(ctx, phase, d.cfg.Phases[phase])
		if err != nil {
			// Structural problems were already reported by validatePhases.
			continue
		}
		if res.OK() {
			continue
		}
		field := "phases." + phase
		if c, ok := res.Aborting(); ok {
			d.addWarning(r, "overlap", field,
				fmt.Sprintf("phase %q will abort: rule %q matches %s (%s) vs %s (%s)",
					phase, c.Rule.Name, c.GroupA, c.PathA, c.GroupB, c.PathB))
			continue
		}
		pairs := make(map[string]bool)
		for _, c := range res.Conflicts {
			pairs[c.GroupA+"/"+c.GroupB] = true
		}
		msg := fmt.Sprintf("phase %q will run serially: %d overlapping path pair(s) across %d group pair(s)",
			phase, len(res.Conflicts), len(pairs))
		if d.cfg.Orchestrator.RequireParallel {
			msg = fmt.Sprintf("phase %q will be refused (require_parallel): %d overlapping path pair(s)", phase, len(res.Conflicts))
		}
		d.addWarning(r, "overlap", field, msg)
	}
}

// validateAPI warns when the admin endpoints are reachable off-host without a
// token.
func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if d.cfg.API.Token != "" {
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("status API listens on %s without authentication; POST /scan is reachable from the network", d.cfg.API.Listen))
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnMissingEnvVars warns about ${VAR} references left unresolved at load.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for _, phase := range sortedPhases(d.cfg) {
		for i, g := range d.cfg.Phases[phase] {
			field := fmt.Sprintf("phases.%s[%d]", phase, i)
			for _, arg := range g.Command {
				d.checkEnvRefs(r, field+".command", arg)
			}
			keys := make([]string, 0, len(g.Env))
			for k := range g.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				d.checkEnvRefs(r, field+".env."+k, g.Env[k])
			}
		}
	}
}

func (d *Doctor) checkEnvRefs(r *Result, field, s string) {
	for _, m := range envVarRe.FindAllStringSubmatch(s, -1) {
		if d.getenv(m[1]) == "" {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

func sortedPhases(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Phases))
	for name := range cfg.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// nearestExisting walks up from p to the closest path that exists, so a lock
// directory that has not been created yet is checked on its parent's mount.
func nearestExisting(p string) string {
	p = filepath.Clean(p)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration healthy.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
