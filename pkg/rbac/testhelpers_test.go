package rbac

import (
	"context"
	"database/sql"
	"io"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testDSN is an in-memory SQLite database with foreign keys enforced
const testDSN = ":memory:?_foreign_keys=1"

// setupTestDB opens a migrated in-memory SQLite database. A single connection
// is used because every :memory: connection is its own database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", testDSN)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrations(context.Background(), db, quietLogger()))
	return db
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(setupTestDB(t))
}

// setupTestManager returns an initialized manager with built-in roles seeded
func setupTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()

	db := setupTestDB(t)
	opts = append([]ManagerOption{WithLogger(quietLogger())}, opts...)
	m, err := NewManager(db, DefaultConfig(), opts...)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func createTestUser(t *testing.T, store *Store, username string, active, admin bool) *User {
	t.Helper()

	user := &User{Username: username, Email: username + "@example.com", IsActive: active, IsAdmin: admin}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

func createTestRole(t *testing.T, store *Store, name string) *Role {
	t.Helper()

	role := &Role{Name: name, Description: name + " role"}
	require.NoError(t, store.CreateRole(context.Background(), role))
	return role
}

func createTestGroup(t *testing.T, store *Store, name string) *Group {
	t.Helper()

	group := &Group{Name: name, Description: name + " group"}
	require.NoError(t, store.CreateGroup(context.Background(), group))
	return group
}

// permission returns the permission for resource:action, creating it if needed
func permission(t *testing.T, store *Store, resource, action string) *Permission {
	t.Helper()

	ctx := context.Background()
	perm, err := store.GetPermissionByKey(ctx, PermissionKey{Resource: resource, Action: action})
	if err == nil {
		return perm
	}
	require.ErrorIs(t, err, ErrNotFound)

	perm = &Permission{Resource: resource, Action: action}
	require.NoError(t, store.CreatePermission(ctx, perm))
	return perm
}
