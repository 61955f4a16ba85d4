package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value using a dot-notation path ("locks.max_lock_age")
// or an entity address ("phase:build", "group:build/api", "rule:schema",
// "ratelimit:git").
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

// GetEntity retrieves a first-class entity by type:name.
func (c *Config) GetEntity(address string) (any, error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}
	entityType, name := parts[0], parts[1]

	switch entityType {
	case "phase":
		if name == "*" {
			return c.Phases, nil
		}
		groups, ok := c.Phases[name]
		if !ok {
			return nil, fmt.Errorf("phase %q not found", name)
		}
		return groups, nil

	case "group":
		phase, id, ok := strings.Cut(name, "/")
		if !ok {
			return nil, fmt.Errorf("group address must be phase/id (got %q)", name)
		}
		for _, g := range c.Phases[phase] {
			if g.ID == id {
				return g, nil
			}
		}
		return nil, fmt.Errorf("group %q not found in phase %q", id, phase)

	case "rule":
		if name == "*" {
			return c.Rules, nil
		}
		for _, r := range c.Rules {
			if r.Name == name {
				return r, nil
			}
		}
		return nil, fmt.Errorf("rule %q not found", name)

	case "ratelimit":
		if name == "*" {
			return c.RateLimits, nil
		}
		rl, ok := c.RateLimits[name]
		if !ok {
			return nil, fmt.Errorf("rate limit %q not found", name)
		}
		return rl, nil

	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}
