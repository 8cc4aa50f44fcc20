package rbac

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultCapabilities maps the well-known capability names used by the node
// automation endpoints onto permission keys.
func DefaultCapabilities() map[string]PermissionKey {
	return map[string]PermissionKey{
		"nodes.read":           {Resource: "nodes", Action: "read"},
		"nodes.list":           {Resource: "nodes", Action: "read"},
		"facts.read":           {Resource: "facts", Action: "read"},
		"facts.gather":         {Resource: "facts", Action: "gather"},
		"bolt.command.execute": {Resource: "commands", Action: "execute"},
		"bolt.task.list":       {Resource: "tasks", Action: "read"},
		"bolt.task.execute":    {Resource: "tasks", Action: "execute"},
		"bolt.package.install": {Resource: "packages", Action: "install"},
		"puppet.run":           {Resource: "puppet", Action: "run"},
		"history.read":         {Resource: "history", Action: "read"},
		"users.read":           {Resource: "users", Action: "read"},
		"users.write":          {Resource: "users", Action: "write"},
		"roles.read":           {Resource: "roles", Action: "read"},
		"roles.write":          {Resource: "roles", Action: "write"},
		"groups.read":          {Resource: "groups", Action: "read"},
		"groups.write":         {Resource: "groups", Action: "write"},
	}
}

// CapabilityMapper translates capability names like "bolt.command.execute"
// into permission keys. Explicit mappings win; anything else is split on the
// first dot.
type CapabilityMapper struct {
	mu    sync.RWMutex
	table map[string]PermissionKey
}

// NewCapabilityMapper creates a mapper seeded with DefaultCapabilities plus extra
func NewCapabilityMapper(extra map[string]PermissionKey) *CapabilityMapper {
	table := DefaultCapabilities()
	for name, key := range extra {
		table[name] = key
	}
	return &CapabilityMapper{table: table}
}

// Register adds or replaces a mapping
func (m *CapabilityMapper) Register(capability string, key PermissionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table[capability] = key
}

// Map resolves a capability to a permission key
func (m *CapabilityMapper) Map(capability string) (PermissionKey, error) {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return PermissionKey{}, fmt.Errorf("empty capability: %w", ErrInvalidInput)
	}

	if m != nil {
		m.mu.RLock()
		key, ok := m.table[capability]
		m.mu.RUnlock()
		if ok {
			return key, nil
		}
	}

	resource, action, ok := strings.Cut(capability, ".")
	if !ok || resource == "" || action == "" {
		return PermissionKey{}, fmt.Errorf("capability %q is not of the form resource.action: %w", capability, ErrInvalidInput)
	}
	return PermissionKey{Resource: resource, Action: action}, nil
}

// MatchCapability reports whether capability matches a dot separated glob
// pattern:
//
//	"puppet.run"   matches "puppet.run" exactly
//	"bolt.*"       matches "bolt.plan" but not "bolt.task.execute"
//	"bolt.**"      matches "bolt.plan" and "bolt.task.execute"
//	"**"           matches any capability
func MatchCapability(pattern, capability string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(capability, "."))
}

func matchSegments(pattern, value []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == "**" {
			if len(pattern) == 1 {
				return len(value) > 0
			}
			for i := 0; i <= len(value); i++ {
				if matchSegments(pattern[1:], value[i:]) {
					return true
				}
			}
			return false
		}
		if len(value) == 0 {
			return false
		}
		if head != "*" && head != value[0] {
			return false
		}
		pattern = pattern[1:]
		value = value[1:]
	}
	return len(value) == 0
}
