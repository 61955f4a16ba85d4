// Package conflict decides whether task groups touch overlapping resources
// and which configured policy applies to an overlap.
//
// The detector is stateless: it reads group and rule definitions and writes
// nothing but audit entries.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/log"
)

// Type classifies how two paths overlap.
type Type string

const (
	Exact         Type = "EXACT"
	ParentChild   Type = "PARENT_CHILD"
	SameDirectory Type = "SAME_DIRECTORY"
	GlobMatch     Type = "GLOB_MATCH"
	None          Type = "NONE"
)

// Strategy is the advisory execution recommendation.
type Strategy string

const (
	StrategyParallel Strategy = "PARALLEL"
	StrategySerial   Strategy = "SERIAL"
)

// ErrConflictDetected is wrapped by Result.Err when any conflict exists.
var ErrConflictDetected = errors.New("conflict detected")

// Conflict is one overlapping pattern pair. GroupA sorts before GroupB and
// PathA belongs to GroupA, so the same overlap always produces the same tuple
// regardless of input order.
type Conflict struct {
	Phase  string      `json:"phase"`
	GroupA string      `json:"group_a"`
	GroupB string      `json:"group_b"`
	Type   Type        `json:"type"`
	PathA  string      `json:"path_a"`
	PathB  string      `json:"path_b"`
	Rule   config.Rule `json:"rule"`
}

// Result is the outcome of DetectConflicts.
type Result struct {
	Phase     string     `json:"phase"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	// Smells are configuration oddities that do not stop planning, such as a
	// group with no declared paths.
	Smells []string `json:"smells,omitempty"`
}

// OK reports whether no conflicts were found.
func (r Result) OK() bool { return len(r.Conflicts) == 0 }

// Err returns nil when OK, otherwise an error wrapping ErrConflictDetected.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	c := r.Conflicts[0]
	return fmt.Errorf("%w: %d in phase %q (first: %s %s vs %s %s, %s)",
		ErrConflictDetected, len(r.Conflicts), r.Phase, c.GroupA, c.PathA, c.GroupB, c.PathB, c.Type)
}

// Reason is the machine-readable outcome.
func (r Result) Reason() string {
	if r.OK() {
		return "OK"
	}
	return "CONFLICT_DETECTED"
}

// Aborting returns the first conflict whose rule action is abort.
func (r Result) Aborting() (Conflict, bool) {
	for _, c := range r.Conflicts {
		if c.Rule.Action == config.ActionAbort {
			return c, true
		}
	}
	return Conflict{}, false
}

// Options configures a Detector.
type Options struct {
	// Root anchors relative patterns. Defaults to the working directory.
	Root   string
	Rules  []config.Rule
	Audit  audit.Sink
	Logger *slog.Logger
}

// Detector compares group path patterns and resolves conflict rules.
type Detector struct {
	root   string
	rules  []compiledRule
	audit  audit.Sink
	logger *slog.Logger
}

type compiledRule struct {
	rule     config.Rule
	patterns []Pattern
}

// NewDetector compiles every rule pattern once. Invalid patterns are a
// ConfigurationError.
func NewDetector(opts Options) (*Detector, error) {
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", opts.Root, err)
	}

	d := &Detector{
		root:   root,
		audit:  opts.Audit,
		logger: opts.Logger,
	}
	if d.audit == nil {
		d.audit = audit.Nop{}
	}
	if d.logger == nil {
		d.logger = log.WithComponent("conflict")
	}

	var bad []string
	for i, r := range opts.Rules {
		cr := compiledRule{rule: r}
		for _, raw := range r.Paths {
			p, err := Compile(root, raw)
			if err != nil {
				bad = append(bad, fmt.Sprintf("rules[%d] (%s): %v", i, r.Name, err))
				continue
			}
			cr.patterns = append(cr.patterns, p)
		}
		d.rules = append(d.rules, cr)
	}
	if len(bad) > 0 {
		return nil, &config.ConfigurationError{Problems: bad}
	}
	return d, nil
}

// Root returns the directory relative patterns are resolved against.
func (d *Detector) Root() string { return d.root }

// CheckConflict normalizes both paths against the detector root and
// classifies their relationship. It is symmetric.
func (d *Detector) CheckConflict(p1, p2 string) Type {
	return checkAbs(d.abs(p1), d.abs(p2))
}

// CheckConflict classifies two paths after resolving them against the
// working directory.
func CheckConflict(p1, p2 string) Type {
	a, err1 := filepath.Abs(p1)
	b, err2 := filepath.Abs(p2)
	if err1 != nil || err2 != nil {
		return None
	}
	return checkAbs(filepath.ToSlash(a), filepath.ToSlash(b))
}

func (d *Detector) abs(p string) string {
	s := filepath.ToSlash(p)
	if !path.IsAbs(s) {
		s = path.Join(filepath.ToSlash(d.root), s)
	}
	return path.Clean(s)
}

func checkAbs(a, b string) Type {
	switch {
	case a == b:
		return Exact
	case within(a, b) || within(b, a):
		return ParentChild
	case path.Dir(a) == path.Dir(b):
		return SameDirectory
	default:
		return None
	}
}

// Overlap classifies two compiled patterns.
//
// Literal pairs use CheckConflict. When a glob is involved the pair is a
// GLOB_MATCH if either side matches the other's text, and PARENT_CHILD if
// one side's literal base contains the other's or the glob matches a
// directory above the literal. A literal sitting directly in a glob's base
// directory is SAME_DIRECTORY. Sibling directories of globs are not
// conflicts.
func Overlap(a, b Pattern) Type {
	switch {
	case !a.glob && !b.glob:
		return checkAbs(a.abs, b.abs)
	case a.glob && b.glob:
		if a.Match(b.abs) || b.Match(a.abs) {
			return GlobMatch
		}
		if within(a.base, b.base) || within(b.base, a.base) {
			return ParentChild
		}
		return None
	default:
		g, l := a, b
		if !g.glob {
			g, l = b, a
		}
		if g.Match(l.abs) {
			return GlobMatch
		}
		if within(l.abs, g.base) {
			return ParentChild
		}
		if path.Dir(l.abs) == g.base {
			return SameDirectory
		}
		// The glob may name a directory that contains the literal.
		for dir := path.Dir(l.abs); within(g.base, dir) && dir != g.base; dir = path.Dir(dir) {
			if g.Match(dir) {
				return ParentChild
			}
		}
		return None
	}
}

// DetectConflicts compares every pattern of every unordered pair of distinct
// groups. Each overlap is returned and audited. Empty or duplicate group ids
// and invalid patterns are a ConfigurationError; a group with no paths
// conflicts with nothing and is reported as a smell.
func (d *Detector) DetectConflicts(ctx context.Context, phase string, groups []config.Group) (Result, error) {
	res := Result{Phase: phase}
	compiled, smells, err := d.compileGroups(groups)
	if err != nil {
		return res, err
	}
	res.Smells = smells
	for _, s := range smells {
		d.logger.Warn("configuration smell", "phase", phase, "smell", s)
	}

	for i := 0; i < len(compiled); i++ {
		for j := i + 1; j < len(compiled); j++ {
			a, b := compiled[i], compiled[j]
			for _, pa := range a.patterns {
				for _, pb := range b.patterns {
					t := Overlap(pa, pb)
					if t == None {
						continue
					}
					c := Conflict{
						Phase:  phase,
						GroupA: a.id,
						GroupB: b.id,
						Type:   t,
						PathA:  pa.String(),
						PathB:  pb.String(),
						Rule:   d.ruleFor(pa, pb),
					}
					res.Conflicts = append(res.Conflicts, c)
					d.report(ctx, c)
				}
			}
		}
	}
	return res, nil
}

// RecommendExecutionStrategy returns SERIAL iff DetectConflicts finds any
// conflict. The recommendation is advisory.
func (d *Detector) RecommendExecutionStrategy(ctx context.Context, phase string, groups []config.Group) (Strategy, error) {
	res, err := d.DetectConflicts(ctx, phase, groups)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return StrategySerial, nil
	}
	return StrategyParallel, nil
}

// FindMatchingRule returns the first rule, in declared order, with a pattern
// that covers p. Unparseable paths and unmatched paths get the default rule.
func (d *Detector) FindMatchingRule(p string) config.Rule {
	cp, err := Compile(d.root, p)
	if err != nil {
		return config.DefaultRule
	}
	return d.ruleFor(cp, cp)
}

func (d *Detector) ruleFor(pa, pb Pattern) config.Rule {
	for _, r := range d.rules {
		for _, rp := range r.patterns {
			if covers(rp, pa) || covers(rp, pb) {
				return r.rule
			}
		}
	}
	return config.DefaultRule
}

// covers reports whether a rule pattern protects the resource named by p.
// A rule does not apply to mere siblings.
func covers(rule, p Pattern) bool {
	switch Overlap(rule, p) {
	case Exact, ParentChild, GlobMatch:
		return true
	}
	return false
}

type compiledGroup struct {
	id       string
	patterns []Pattern
}

func (d *Detector) compileGroups(groups []config.Group) ([]compiledGroup, []string, error) {
	var bad, smells []string
	seen := make(map[string]bool, len(groups))
	out := make([]compiledGroup, 0, len(groups))

	for i, g := range groups {
		if g.ID == "" {
			bad = append(bad, fmt.Sprintf("groups[%d]: id is required", i))
			continue
		}
		if seen[g.ID] {
			bad = append(bad, fmt.Sprintf("group %q: duplicate id", g.ID))
			continue
		}
		seen[g.ID] = true

		cg := compiledGroup{id: g.ID}
		for j, raw := range g.Paths {
			p, err := Compile(d.root, raw)
			if err != nil {
				bad = append(bad, fmt.Sprintf("group %q paths[%d]: %v", g.ID, j, err))
				continue
			}
			cg.patterns = append(cg.patterns, p)
		}
		if len(g.Paths) == 0 {
			smells = append(smells, fmt.Sprintf("group %q declares no paths; assumed to conflict with nothing", g.ID))
		}
		out = append(out, cg)
	}
	if len(bad) > 0 {
		return nil, nil, &config.ConfigurationError{Problems: bad}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, smells, nil
}

func (d *Detector) report(ctx context.Context, c Conflict) {
	d.logger.Warn("resource conflict",
		"phase", c.Phase,
		"group_a", c.GroupA,
		"group_b", c.GroupB,
		"type", c.Type,
		"path_a", c.PathA,
		"path_b", c.PathB,
		"rule", c.Rule.Name,
	)
	err := d.audit.Record(ctx, audit.Entry{
		Kind:  audit.KindConflict,
		Phase: c.Phase,
		Fields: map[string]any{
			"group_a":  c.GroupA,
			"group_b":  c.GroupB,
			"type":     string(c.Type),
			"path_a":   c.PathA,
			"path_b":   c.PathB,
			"rule":     c.Rule.Name,
			"severity": string(c.Rule.Severity),
			"action":   string(c.Rule.Action),
		},
	})
	if err != nil {
		d.logger.Error("failed to write audit entry", "kind", audit.KindConflict, "error", err)
	}
}
