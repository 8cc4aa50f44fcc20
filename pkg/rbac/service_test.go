package rbac

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, store *Store, opts ...ServiceOption) *AuthorizationService {
	t.Helper()

	cache, err := NewPermissionCache(100, time.Minute)
	require.NoError(t, err)

	opts = append([]ServiceOption{WithServiceLogger(quietLogger())}, opts...)
	svc, err := NewAuthorizationService(NewResolver(store), cache, opts...)
	require.NoError(t, err)
	return svc
}

func TestNewAuthorizationService_RequiresResolver(t *testing.T) {
	svc, err := NewAuthorizationService(nil, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Nil(t, svc)
}

func TestAuthorizationService_NotConfigured(t *testing.T) {
	var svc *AuthorizationService

	decision, err := svc.CheckPermission(context.Background(), Subject{ID: "u1", IsActive: true}, "nodes.read", CheckContext{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNotConfigured, decision.Reason)

	ok, err := svc.Check(context.Background(), "u1", "nodes", "read")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, ok)

	_, err = svc.EffectivePermissions(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotConfigured)

	// Invalidation on an unconfigured service is a no-op.
	svc.InvalidateCache("u1")
	svc.InvalidateAllCaches()
}

func TestAuthorizationService_Decisions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)

	operator := createTestUser(t, store, "operator", true, false)
	admin := createTestUser(t, store, "admin", true, true)
	disabled := createTestUser(t, store, "disabled", false, false)
	role := createTestRole(t, store, "runners")
	perm := permission(t, store, "commands", "execute")
	require.NoError(t, store.AddRolePermission(ctx, role.ID, perm.ID))
	require.NoError(t, store.AddUserRole(ctx, operator.ID, role.ID))

	tests := []struct {
		name       string
		subject    Subject
		capability string
		allowed    bool
		reason     string
	}{
		{"granted by role", operator.Subject(), "bolt.command.execute", true, "granted by permission commands:execute"},
		{"missing permission", operator.Subject(), "puppet.run", false, "missing permission puppet:run"},
		{"admin override", admin.Subject(), "anything.whatsoever", true, ReasonAdmin},
		{"admin wildcard", admin.Subject(), "admin.*", true, ReasonAdmin},
		{"wildcard for non-admin", operator.Subject(), "admin.*", false, ReasonAdminRequired},
		{"inactive subject", disabled.Subject(), "nodes.read", false, ReasonInactive},
		{"unauthenticated", Subject{}, "nodes.read", false, ReasonUnauthenticated},
		{"unknown user", Subject{ID: "ghost", IsActive: true}, "nodes.read", false, ReasonUnknownUser},
		{"invalid capability", operator.Subject(), "nodes", false, `invalid capability "nodes"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := svc.CheckPermission(ctx, tt.subject, tt.capability, CheckContext{})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed)
			assert.Equal(t, tt.reason, decision.Reason)
			assert.Equal(t, tt.capability, decision.Capability)
			assert.False(t, decision.CheckedAt.IsZero())
		})
	}
}

func TestAuthorizationService_StoreIsAuthoritative(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)

	user := createTestUser(t, store, "kate", true, false)

	// A subject claiming admin does not gain privileges the store does not record.
	claimed := user.Subject()
	claimed.IsAdmin = true
	decision, err := svc.CheckPermission(ctx, claimed, "nodes.read", CheckContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	// A deactivation is honoured even when the caller passes a stale subject.
	stale := user.Subject()
	inactive := false
	_, err = store.UpdateUser(ctx, user.ID, UserUpdate{IsActive: &inactive})
	require.NoError(t, err)
	svc.InvalidateCache(user.ID)

	decision, err = svc.CheckPermission(ctx, stale, "nodes.read", CheckContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonInactive, decision.Reason)
}

func TestAuthorizationService_UsesCache(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)

	user := createTestUser(t, store, "liam", true, false)
	role := createTestRole(t, store, "viewers")
	perm := permission(t, store, "nodes", "read")
	require.NoError(t, store.AddRolePermission(ctx, role.ID, perm.ID))
	require.NoError(t, store.AddUserRole(ctx, user.ID, role.ID))

	first, err := svc.CheckPermission(ctx, user.Subject(), "nodes.read", CheckContext{})
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.False(t, first.Cached)

	second, err := svc.CheckPermission(ctx, user.Subject(), "nodes.read", CheckContext{})
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.True(t, second.Cached)

	// Without invalidation the cached grant survives a revoke until the TTL.
	require.NoError(t, store.RemoveUserRole(ctx, user.ID, role.ID))
	stale, err := svc.CheckPermission(ctx, user.Subject(), "nodes.read", CheckContext{})
	require.NoError(t, err)
	assert.True(t, stale.Allowed)

	svc.InvalidateCache(user.ID)
	fresh, err := svc.CheckPermission(ctx, user.Subject(), "nodes.read", CheckContext{})
	require.NoError(t, err)
	assert.False(t, fresh.Allowed)
	assert.False(t, fresh.Cached)

	resolved, err := svc.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, resolved.Keys())
}

func TestAuthorizationService_ContextPolicyCanOnlyVeto(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var consulted []string
	policy := func(ctx context.Context, subject Subject, key PermissionKey, cc CheckContext) (bool, string) {
		consulted = append(consulted, key.String())
		if cc.NodeID == "prod-db-01" {
			return false, "node is locked"
		}
		return true, ""
	}
	svc := newTestService(t, store, WithContextPolicy(policy))

	user := createTestUser(t, store, "mia", true, false)
	role := createTestRole(t, store, "puppeteers")
	perm := permission(t, store, "puppet", "run")
	require.NoError(t, store.AddRolePermission(ctx, role.ID, perm.ID))
	require.NoError(t, store.AddUserRole(ctx, user.ID, role.ID))

	decision, err := svc.CheckPermission(ctx, user.Subject(), "puppet.run", CheckContext{NodeID: "web-01"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = svc.CheckPermission(ctx, user.Subject(), "puppet.run", CheckContext{NodeID: "prod-db-01"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "node is locked", decision.Reason)

	// Denies never reach the policy.
	decision, err = svc.CheckPermission(ctx, user.Subject(), "facts.gather", CheckContext{NodeID: "web-01"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{"puppet:run", "puppet:run"}, consulted)
}

func TestAuthorizationService_FailsClosed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cause := errors.New("pq: connection refused to 10.0.0.5")
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id = \\$1").
		WithArgs("u1").
		WillReturnError(cause)

	svc := newTestService(t, NewStore(db))

	decision, err := svc.CheckPermission(context.Background(), Subject{ID: "u1", IsActive: true}, "nodes.read", CheckContext{})
	require.Error(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonCheckFailed, decision.Reason)
	assert.NotContains(t, decision.Reason, "10.0.0.5")

	assert.ErrorIs(t, err, ErrCheckFailed)
	assert.ErrorIs(t, err, cause)

	var checkErr *CheckError
	require.ErrorAs(t, err, &checkErr)
	assert.Equal(t, "u1", checkErr.UserID)
	assert.Equal(t, "nodes.read", checkErr.Capability)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorizationService_FailsClosedOnPartialResolution(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id = \\$1").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "is_active", "is_admin", "created_at", "updated_at"}).
			AddRow("u1", "alice", "alice@example.com", true, false, now, now))
	mock.ExpectQuery("FROM user_roles").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectQuery("FROM user_groups").WillReturnError(errors.New("deadlock detected"))

	svc := newTestService(t, NewStore(db))

	decision, err := svc.CheckPermission(context.Background(), Subject{ID: "u1", IsActive: true}, "nodes.read", CheckContext{})
	assert.ErrorIs(t, err, ErrCheckFailed)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonCheckFailed, decision.Reason)

	ok, err := svc.Check(context.Background(), "u1", "nodes", "read")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestAuthorizationService_Metrics(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	svc := newTestService(t, store, WithServiceMetrics(metrics))

	admin := createTestUser(t, store, "nina", true, true)
	plain := createTestUser(t, store, "oscar", true, false)

	_, err := svc.CheckPermission(ctx, admin.Subject(), "nodes.read", CheckContext{})
	require.NoError(t, err)
	_, err = svc.CheckPermission(ctx, plain.Subject(), "nodes.read", CheckContext{})
	require.NoError(t, err)
	_, err = svc.CheckPermission(ctx, plain.Subject(), "facts.read", CheckContext{})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("allow")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("deny")))

	count, err := testutil.GatherAndCount(reg, "gatekeeper_authz_check_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expected := `
		# HELP gatekeeper_authz_decisions_total Total number of authorization decisions
		# TYPE gatekeeper_authz_decisions_total counter
		gatekeeper_authz_decisions_total{result="allow"} 1
		gatekeeper_authz_decisions_total{result="deny"} 2
	`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "gatekeeper_authz_decisions_total"))
}

func TestCheckError(t *testing.T) {
	cause := errors.New("timeout")
	err := error(&CheckError{UserID: "u1", Capability: "nodes.read", Err: cause})

	assert.ErrorIs(t, err, ErrCheckFailed)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "nodes.read")
	assert.False(t, errors.Is(err, ErrNotFound))
}
