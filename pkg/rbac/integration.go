package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
)

// Config holds RBAC configuration
type Config struct {
	// CacheTTL is how long a resolved permission set is reused. Zero disables caching.
	CacheTTL time.Duration

	// CacheSize bounds the number of cached users
	CacheSize int

	// SweepSchedule is the cron schedule of the expired-entry sweeper. Empty disables it.
	SweepSchedule string

	// Capabilities extends the default capability table
	Capabilities map[string]PermissionKey

	// Permissions and Roles are seeded in addition to the built-in catalogue
	Permissions []PermissionTemplate
	Roles       []RoleTemplate
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		CacheTTL:      DefaultCacheTTL,
		CacheSize:     DefaultCacheSize,
		SweepSchedule: "@every 1m",
	}
}

// Manager wires the RBAC components together and is the management API
// used by admin endpoints. Every mutation that can change a decision
// invalidates the affected cache entries before returning.
type Manager struct {
	store      *Store
	resolver   *Resolver
	cache      *PermissionCache
	service    *AuthorizationService
	middleware *PermissionMiddleware
	handlers   *Handlers
	metrics    *Metrics
	logger     *logrus.Logger
	config     Config
}

// ManagerOption configures a Manager
type ManagerOption func(*managerOptions)

type managerOptions struct {
	logger     *logrus.Logger
	registerer prometheus.Registerer
	policies   []ContextPolicy
}

// WithLogger sets the logger shared by all components
func WithLogger(logger *logrus.Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = logger }
}

// WithRegisterer registers the RBAC metrics on r
func WithRegisterer(r prometheus.Registerer) ManagerOption {
	return func(o *managerOptions) { o.registerer = r }
}

// WithPolicies adds context policies to the authorization service
func WithPolicies(policies ...ContextPolicy) ManagerOption {
	return func(o *managerOptions) { o.policies = append(o.policies, policies...) }
}

// NewManager creates a new RBAC manager
func NewManager(db *sql.DB, config Config, opts ...ManagerOption) (*Manager, error) {
	if db == nil {
		return nil, ErrNotConfigured
	}

	o := &managerOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
	}

	metrics := NewMetrics(o.registerer)
	store := NewStore(db)
	resolver := NewResolver(store)

	cache, err := NewPermissionCache(config.CacheSize, config.CacheTTL,
		WithCacheMetrics(metrics), WithCacheLogger(o.logger))
	if err != nil {
		return nil, err
	}

	serviceOpts := []ServiceOption{
		WithCapabilityMapper(NewCapabilityMapper(config.Capabilities)),
		WithServiceMetrics(metrics),
		WithServiceLogger(o.logger),
	}
	for _, p := range o.policies {
		serviceOpts = append(serviceOpts, WithContextPolicy(p))
	}
	service, err := NewAuthorizationService(resolver, cache, serviceOpts...)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:    store,
		resolver: resolver,
		cache:    cache,
		service:  service,
		metrics:  metrics,
		logger:   o.logger,
		config:   config,
	}
	m.middleware = NewPermissionMiddleware(service, o.logger)
	m.handlers = NewHandlers(m, o.logger)
	return m, nil
}

// Initialize runs migrations and seeds the permission catalogue and roles
func (m *Manager) Initialize(ctx context.Context) error {
	if err := RunMigrations(ctx, m.store.db, m.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := InitializeBuiltInRoles(ctx, m.store, m.logger); err != nil {
		return fmt.Errorf("failed to initialize built-in roles: %w", err)
	}

	if err := SeedPermissions(ctx, m.store, m.config.Permissions, m.logger); err != nil {
		return fmt.Errorf("failed to seed permissions: %w", err)
	}
	if err := SeedRoles(ctx, m.store, m.config.Roles, false, m.logger); err != nil {
		return fmt.Errorf("failed to seed roles: %w", err)
	}

	m.cache.InvalidateAll()
	return nil
}

// RegisterRoutes registers RBAC routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// StartSweeper starts the cache sweeper if a schedule is configured
func (m *Manager) StartSweeper() (func(), error) {
	if m.config.SweepSchedule == "" {
		return func() {}, nil
	}
	return m.cache.StartSweeper(m.config.SweepSchedule)
}

// Store returns the RBAC store
func (m *Manager) Store() *Store {
	return m.store
}

// Service returns the authorization service
func (m *Manager) Service() *AuthorizationService {
	return m.service
}

// Cache returns the permission cache
func (m *Manager) Cache() *PermissionCache {
	return m.cache
}

// Middleware returns the permission middleware
func (m *Manager) Middleware() *PermissionMiddleware {
	return m.middleware
}

// CheckPermission is a convenience method for checking permissions
func (m *Manager) CheckPermission(ctx context.Context, subject Subject, capability string, cc CheckContext) (Decision, error) {
	return m.service.CheckPermission(ctx, subject, capability, cc)
}

// LookupIdentity resolves an authenticated username to an identity. It
// satisfies middleware.IdentityLookup.
func (m *Manager) LookupIdentity(ctx context.Context, username string) (*auth.Identity, error) {
	user, err := m.store.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, middleware.ErrUnknownIdentity
	}
	if err != nil {
		return nil, err
	}
	return &auth.Identity{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		IsActive: user.IsActive,
		IsAdmin:  user.IsAdmin,
	}, nil
}

// Users

func (m *Manager) CreateUser(ctx context.Context, user *User) error {
	if err := m.store.CreateUser(ctx, user); err != nil {
		return err
	}
	m.cache.Invalidate(user.ID)
	return nil
}

func (m *Manager) GetUser(ctx context.Context, userID string) (*User, error) {
	return m.store.GetUser(ctx, userID)
}

func (m *Manager) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return m.store.GetUserByUsername(ctx, username)
}

func (m *Manager) ListUsers(ctx context.Context, opts ListOptions) ([]*User, int, error) {
	return m.store.ListUsers(ctx, opts)
}

// UpdateUser updates a user and invalidates its cache entry when the active or
// admin flag was touched.
func (m *Manager) UpdateUser(ctx context.Context, userID string, update UserUpdate) (*User, error) {
	if update.affectsPermissions() {
		defer m.cache.Invalidate(userID)
	}
	return m.store.UpdateUser(ctx, userID, update)
}

// SetUserActive activates or deactivates a user. Deactivation is the only
// form of user deletion.
func (m *Manager) SetUserActive(ctx context.Context, userID string, active bool) (*User, error) {
	return m.UpdateUser(ctx, userID, UserUpdate{IsActive: &active})
}

// SetUserAdmin grants or revokes the administrator flag
func (m *Manager) SetUserAdmin(ctx context.Context, userID string, admin bool) (*User, error) {
	return m.UpdateUser(ctx, userID, UserUpdate{IsAdmin: &admin})
}

// Roles

func (m *Manager) CreateRole(ctx context.Context, role *Role) error {
	role.IsBuiltIn = false
	return m.store.CreateRole(ctx, role)
}

func (m *Manager) GetRole(ctx context.Context, roleID string) (*Role, error) {
	return m.store.GetRole(ctx, roleID)
}

func (m *Manager) ListRoles(ctx context.Context, opts ListOptions) ([]*Role, int, error) {
	return m.store.ListRoles(ctx, opts)
}

func (m *Manager) UpdateRole(ctx context.Context, roleID string, update RoleUpdate) (*Role, error) {
	return m.store.UpdateRole(ctx, roleID, update)
}

// DeleteRole deletes a custom role and all of its grants
func (m *Manager) DeleteRole(ctx context.Context, roleID string) error {
	defer m.cache.InvalidateAll()
	return m.store.DeleteRole(ctx, roleID)
}

// Groups

func (m *Manager) CreateGroup(ctx context.Context, group *Group) error {
	return m.store.CreateGroup(ctx, group)
}

func (m *Manager) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	return m.store.GetGroup(ctx, groupID)
}

func (m *Manager) ListGroups(ctx context.Context, opts ListOptions) ([]*Group, int, error) {
	return m.store.ListGroups(ctx, opts)
}

func (m *Manager) UpdateGroup(ctx context.Context, groupID string, update GroupUpdate) (*Group, error) {
	return m.store.UpdateGroup(ctx, groupID, update)
}

// DeleteGroup deletes a group, its memberships and its role grants
func (m *Manager) DeleteGroup(ctx context.Context, groupID string) error {
	defer m.cache.InvalidateAll()
	return m.store.DeleteGroup(ctx, groupID)
}

// Permissions

func (m *Manager) CreatePermission(ctx context.Context, perm *Permission) error {
	return m.store.CreatePermission(ctx, perm)
}

func (m *Manager) GetPermission(ctx context.Context, permissionID string) (*Permission, error) {
	return m.store.GetPermission(ctx, permissionID)
}

func (m *Manager) ListPermissions(ctx context.Context, opts ListOptions) ([]*Permission, int, error) {
	return m.store.ListPermissions(ctx, opts)
}

// Associations. Invalidation runs even when the store call fails so that an
// ambiguous commit never leaves a stale entry behind.

func (m *Manager) AssignRole(ctx context.Context, userID, roleID string) error {
	defer m.cache.Invalidate(userID)
	return m.store.AddUserRole(ctx, userID, roleID)
}

func (m *Manager) RevokeRole(ctx context.Context, userID, roleID string) error {
	defer m.cache.Invalidate(userID)
	return m.store.RemoveUserRole(ctx, userID, roleID)
}

func (m *Manager) ListUserRoles(ctx context.Context, userID string) ([]*Role, error) {
	return m.store.ListUserRoles(ctx, userID)
}

func (m *Manager) AddGroupMember(ctx context.Context, groupID, userID string) error {
	defer m.cache.Invalidate(userID)
	return m.store.AddUserGroup(ctx, userID, groupID)
}

func (m *Manager) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	defer m.cache.Invalidate(userID)
	return m.store.RemoveUserGroup(ctx, userID, groupID)
}

func (m *Manager) ListUserGroups(ctx context.Context, userID string) ([]*Group, error) {
	return m.store.ListUserGroups(ctx, userID)
}

func (m *Manager) ListGroupMembers(ctx context.Context, groupID string) ([]*User, error) {
	return m.store.ListGroupMembers(ctx, groupID)
}

func (m *Manager) AssignGroupRole(ctx context.Context, groupID, roleID string) error {
	defer m.invalidateGroupMembers(ctx, groupID)
	return m.store.AddGroupRole(ctx, groupID, roleID)
}

func (m *Manager) RevokeGroupRole(ctx context.Context, groupID, roleID string) error {
	defer m.invalidateGroupMembers(ctx, groupID)
	return m.store.RemoveGroupRole(ctx, groupID, roleID)
}

func (m *Manager) ListGroupRoles(ctx context.Context, groupID string) ([]*Role, error) {
	return m.store.ListGroupRoles(ctx, groupID)
}

func (m *Manager) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	defer m.cache.InvalidateAll()
	return m.store.AddRolePermission(ctx, roleID, permissionID)
}

func (m *Manager) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	defer m.cache.InvalidateAll()
	return m.store.RemoveRolePermission(ctx, roleID, permissionID)
}

func (m *Manager) ListRolePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	return m.store.ListRolePermissions(ctx, roleID)
}

// invalidateGroupMembers drops the cache entry of every member of groupID,
// falling back to a full flush when the members cannot be listed.
func (m *Manager) invalidateGroupMembers(ctx context.Context, groupID string) {
	members, err := m.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		m.logger.WithField("group_id", groupID).WithError(err).
			Warn("Could not list group members, invalidating all cached permissions")
		m.cache.InvalidateAll()
		return
	}
	for _, u := range members {
		m.cache.Invalidate(u.ID)
	}
}

// EffectivePermissions returns the resolved permission state of a user
func (m *Manager) EffectivePermissions(ctx context.Context, userID string) (*ResolvedPermissions, error) {
	return m.service.EffectivePermissions(ctx, userID)
}

// Stats returns statistics about the RBAC system
type Stats struct {
	EntityCounts
	Cache CacheStats `json:"cache"`
}

// GetStats returns RBAC statistics
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := m.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{EntityCounts: counts, Cache: m.cache.Stats()}, nil
}
