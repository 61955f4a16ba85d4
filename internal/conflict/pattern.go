package conflict

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern is a resource-path pattern compiled once against a root. Literal
// patterns name a single file or directory; glob patterns follow doublestar
// semantics, where "**" matches zero or more path segments.
type Pattern struct {
	raw  string
	abs  string // absolute, slash-separated, cleaned
	base string // longest literal directory prefix of abs
	glob bool
}

// Compile normalizes raw to an absolute slash path under root and validates
// its glob syntax.
func Compile(root, raw string) (Pattern, error) {
	if strings.TrimSpace(raw) == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	p := filepath.ToSlash(raw)
	if !path.IsAbs(p) {
		p = path.Join(filepath.ToSlash(root), p)
	}
	p = path.Clean(p)
	if !doublestar.ValidatePattern(p) {
		return Pattern{}, fmt.Errorf("invalid glob pattern %q", raw)
	}
	c := Pattern{raw: raw, abs: p, glob: hasMeta(p)}
	c.base = c.abs
	if c.glob {
		c.base = staticBase(p)
	}
	return c, nil
}

// MustCompile is Compile for patterns known to be valid.
func MustCompile(root, raw string) Pattern {
	p, err := Compile(root, raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern as configured.
func (p Pattern) String() string { return p.raw }

// Abs returns the normalized absolute pattern.
func (p Pattern) Abs() string { return p.abs }

// IsGlob reports whether the pattern contains wildcards.
func (p Pattern) IsGlob() bool { return p.glob }

// Match reports whether the absolute slash path name is matched.
func (p Pattern) Match(name string) bool {
	if !p.glob {
		return p.abs == name
	}
	ok, _ := doublestar.Match(p.abs, name)
	return ok
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, `*?[{\`)
}

// staticBase returns the directory prefix before the first segment that
// contains a wildcard.
func staticBase(p string) string {
	segs := strings.Split(p, "/")
	var out []string
	for _, s := range segs {
		if hasMeta(s) {
			break
		}
		out = append(out, s)
	}
	base := strings.Join(out, "/")
	if base == "" {
		return "/"
	}
	return base
}

// within reports whether child is equal to or beneath parent.
func within(parent, child string) bool {
	if parent == child {
		return true
	}
	if parent == "/" {
		return strings.HasPrefix(child, "/")
	}
	return strings.HasPrefix(child, parent+"/")
}
