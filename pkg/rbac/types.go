package rbac

import (
	"sort"
	"strings"
	"time"
)

// Wildcard is the action (or resource) value that only the admin override satisfies.
const Wildcard = "*"

// PermissionKey identifies a permission by its resource and action pair
type PermissionKey struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// String returns a string representation of the permission key
func (k PermissionKey) String() string {
	return k.Resource + ":" + k.Action
}

// IsWildcard reports whether the key can only be matched by the admin override.
func (k PermissionKey) IsWildcard() bool {
	return k.Resource == Wildcard || k.Action == Wildcard
}

// ParsePermissionKey parses "resource:action".
func ParsePermissionKey(s string) (PermissionKey, bool) {
	resource, action, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || resource == "" || action == "" {
		return PermissionKey{}, false
	}
	return PermissionKey{Resource: resource, Action: action}, true
}

// User is an account known to the authorization core. Users are never hard
// deleted; IsActive=false is the deletion mechanism.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subject returns the identity used for permission checks.
func (u User) Subject() Subject {
	return Subject{ID: u.ID, Username: u.Username, IsActive: u.IsActive, IsAdmin: u.IsAdmin}
}

// UserUpdate carries the fields to change on a user; nil fields are left untouched
type UserUpdate struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
	IsAdmin  *bool   `json:"is_admin,omitempty"`
}

// affectsPermissions reports whether applying the update can change a decision.
func (u UserUpdate) affectsPermissions() bool {
	return u.IsActive != nil || u.IsAdmin != nil
}

// Role represents a named bundle of permissions
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsBuiltIn   bool      `json:"is_built_in"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleUpdate carries the fields to change on a role
type RoleUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Permission is the atomic capability unit, unique on (resource, action)
type Permission struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key returns the (resource, action) pair of the permission
func (p Permission) Key() PermissionKey {
	return PermissionKey{Resource: p.Resource, Action: p.Action}
}

// Group is a named collection of users that can also hold roles
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GroupUpdate carries the fields to change on a group
type GroupUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// ListOptions controls pagination, filtering and ordering of list queries
type ListOptions struct {
	Search   string
	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int
}

const (
	// DefaultPageSize is applied when ListOptions.Limit is not set
	DefaultPageSize = 50
	// MaxPageSize caps ListOptions.Limit
	MaxPageSize = 500
)

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultPageSize
	}
	if o.Limit > MaxPageSize {
		o.Limit = MaxPageSize
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	o.Search = strings.TrimSpace(o.Search)
	return o
}

// Subject is the authenticated identity handed to CheckPermission by the
// authentication layer.
type Subject struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsActive bool   `json:"is_active"`
	IsAdmin  bool   `json:"is_admin"`
}

// CheckContext carries optional scoping data for a check. The resolver ignores
// it; ContextPolicy hooks may use it to further restrict a decision.
type CheckContext struct {
	NodeID   string            `json:"node_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Decision is the result of an authorization check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Capability string        `json:"capability"`
	Permission PermissionKey `json:"permission"`
	Cached     bool          `json:"cached"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// ResolvedPermissions is the effective permission state of one user.
type ResolvedPermissions struct {
	UserID      string
	Found       bool
	Active      bool
	Admin       bool
	Permissions map[PermissionKey]struct{}
	ResolvedAt  time.Time
}

// Allows reports whether the resolved state grants key. Inactive wins over admin.
func (rp *ResolvedPermissions) Allows(key PermissionKey) bool {
	if rp == nil || !rp.Found || !rp.Active {
		return false
	}
	if rp.Admin {
		return true
	}
	if key.IsWildcard() {
		return false
	}
	_, ok := rp.Permissions[key]
	return ok
}

// Keys returns the concrete permission keys in a stable order. Admins are
// reported through the Admin flag instead of an enumerated set.
func (rp *ResolvedPermissions) Keys() []PermissionKey {
	if rp == nil || !rp.Found || !rp.Active {
		return []PermissionKey{}
	}
	keys := make([]PermissionKey, 0, len(rp.Permissions))
	for k := range rp.Permissions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Resource != keys[j].Resource {
			return keys[i].Resource < keys[j].Resource
		}
		return keys[i].Action < keys[j].Action
	})
	return keys
}

// Built-in role names
const (
	RoleViewer        = "Viewer"
	RoleOperator      = "Operator"
	RoleAdministrator = "Administrator"
)

// RoleTemplate describes a role to seed together with its permissions
type RoleTemplate struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Permissions []PermissionKey `json:"permissions" yaml:"permissions"`
}

// PermissionTemplate describes a permission to seed
type PermissionTemplate struct {
	Resource    string `json:"resource" yaml:"resource"`
	Action      string `json:"action" yaml:"action"`
	Description string `json:"description" yaml:"description"`
}

// Key returns the (resource, action) pair of the template
func (t PermissionTemplate) Key() PermissionKey {
	return PermissionKey{Resource: t.Resource, Action: t.Action}
}

// DefaultPermissions returns the seeded permission catalogue
func DefaultPermissions() []PermissionTemplate {
	return []PermissionTemplate{
		{Resource: "nodes", Action: "read", Description: "View inventory nodes"},
		{Resource: "facts", Action: "read", Description: "View node facts"},
		{Resource: "facts", Action: "gather", Description: "Gather facts from nodes"},
		{Resource: "commands", Action: "execute", Description: "Run ad-hoc commands on nodes"},
		{Resource: "tasks", Action: "read", Description: "List available tasks"},
		{Resource: "tasks", Action: "execute", Description: "Run tasks on nodes"},
		{Resource: "puppet", Action: "run", Description: "Trigger puppet runs"},
		{Resource: "packages", Action: "install", Description: "Install packages on nodes"},
		{Resource: "history", Action: "read", Description: "View execution history"},
		{Resource: "users", Action: "read", Description: "View users"},
		{Resource: "users", Action: "write", Description: "Create and modify users"},
		{Resource: "roles", Action: "read", Description: "View roles"},
		{Resource: "roles", Action: "write", Description: "Create and modify roles"},
		{Resource: "groups", Action: "read", Description: "View groups"},
		{Resource: "groups", Action: "write", Description: "Create and modify groups"},
	}
}

// BuiltInRoles returns all built-in role definitions
func BuiltInRoles() []RoleTemplate {
	viewer := []PermissionKey{
		{Resource: "nodes", Action: "read"},
		{Resource: "facts", Action: "read"},
		{Resource: "tasks", Action: "read"},
		{Resource: "history", Action: "read"},
	}
	operator := append(append([]PermissionKey{}, viewer...),
		PermissionKey{Resource: "facts", Action: "gather"},
		PermissionKey{Resource: "commands", Action: "execute"},
		PermissionKey{Resource: "tasks", Action: "execute"},
		PermissionKey{Resource: "puppet", Action: "run"},
		PermissionKey{Resource: "packages", Action: "install"},
	)
	administrator := make([]PermissionKey, 0, len(DefaultPermissions()))
	for _, p := range DefaultPermissions() {
		administrator = append(administrator, p.Key())
	}

	return []RoleTemplate{
		{
			Name:        RoleViewer,
			Description: "Read-only access to inventory, facts and history",
			Permissions: viewer,
		},
		{
			Name:        RoleOperator,
			Description: "Viewer plus command, task and puppet execution",
			Permissions: operator,
		},
		{
			Name:        RoleAdministrator,
			Description: "Full access including user, role and group management",
			Permissions: administrator,
		},
	}
}
