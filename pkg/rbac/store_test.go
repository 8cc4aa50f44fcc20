package rbac

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_UserCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user := &User{Username: "  alice ", Email: "Alice@Example.COM", IsActive: true}
	require.NoError(t, store.CreateUser(ctx, user))
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.False(t, user.CreatedAt.IsZero())

	got, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Username, got.Username)
	assert.True(t, got.IsActive)
	assert.False(t, got.IsAdmin)

	byName, err := store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)

	admin := true
	email := "alice@corp.example.com"
	updated, err := store.UpdateUser(ctx, user.ID, UserUpdate{IsAdmin: &admin, Email: &email})
	require.NoError(t, err)
	assert.True(t, updated.IsAdmin)
	assert.Equal(t, email, updated.Email)
	assert.Equal(t, "alice", updated.Username)

	got, err = store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAdmin)
	assert.Equal(t, email, got.Email)
}

func TestStore_GetUserNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetUserByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	inactive := false
	_, err = store.UpdateUser(context.Background(), "missing", UserUpdate{IsActive: &inactive})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UserUniqueness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &User{Username: "alice", Email: "alice@example.com", IsActive: true}))

	t.Run("duplicate username", func(t *testing.T) {
		err := store.CreateUser(ctx, &User{Username: "alice", Email: "other@example.com", IsActive: true})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("duplicate email", func(t *testing.T) {
		err := store.CreateUser(ctx, &User{Username: "bob", Email: "ALICE@example.com", IsActive: true})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("rename onto existing username", func(t *testing.T) {
		carol := createTestUser(t, store, "carol", true, false)
		name := "alice"
		_, err := store.UpdateUser(ctx, carol.ID, UserUpdate{Username: &name})
		assert.ErrorIs(t, err, ErrConflict)
	})

	users, total, err := store.ListUsers(ctx, ListOptions{Search: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
}

func TestStore_UserValidation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		user User
	}{
		{"missing username", User{Email: "a@example.com"}},
		{"blank username", User{Username: "   ", Email: "a@example.com"}},
		{"missing email", User{Username: "a"}},
		{"malformed email", User{Username: "a", Email: "not-an-email"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := tt.user
			err := store.CreateUser(ctx, &user)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Empty(t, user.ID)
		})
	}

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Users)
}

func TestStore_ListUsers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		createTestUser(t, store, fmt.Sprintf("user%02d", i), true, false)
	}
	createTestUser(t, store, "ops_admin", true, true)

	t.Run("default ordering", func(t *testing.T) {
		users, total, err := store.ListUsers(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, 13, total)
		require.Len(t, users, 13)
		assert.Equal(t, "ops_admin", users[0].Username)
		assert.Equal(t, "user00", users[1].Username)
	})

	t.Run("pagination", func(t *testing.T) {
		users, total, err := store.ListUsers(ctx, ListOptions{Search: "user", Limit: 5, Offset: 10})
		require.NoError(t, err)
		assert.Equal(t, 12, total)
		require.Len(t, users, 2)
		assert.Equal(t, "user10", users[0].Username)
		assert.Equal(t, "user11", users[1].Username)
	})

	t.Run("descending sort", func(t *testing.T) {
		users, _, err := store.ListUsers(ctx, ListOptions{SortBy: "username", SortDesc: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "user11", users[0].Username)
	})

	t.Run("unknown sort column falls back", func(t *testing.T) {
		users, _, err := store.ListUsers(ctx, ListOptions{SortBy: "password; DROP TABLE users", Limit: 1})
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "ops_admin", users[0].Username)
	})

	t.Run("search escapes wildcards", func(t *testing.T) {
		users, total, err := store.ListUsers(ctx, ListOptions{Search: "_"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, users, 1)
		assert.Equal(t, "ops_admin", users[0].Username)
	})

	t.Run("search is case insensitive", func(t *testing.T) {
		_, total, err := store.ListUsers(ctx, ListOptions{Search: "OPS"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})
}

func TestStore_RoleCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	role := &Role{Name: "deployers", Description: "Deploy things"}
	require.NoError(t, store.CreateRole(ctx, role))
	assert.NotEmpty(t, role.ID)

	retrieved, err := store.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "deployers", retrieved.Name)
	assert.False(t, retrieved.IsBuiltIn)

	name := "releasers"
	desc := "Release things"
	updated, err := store.UpdateRole(ctx, role.ID, RoleUpdate{Name: &name, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, desc, updated.Description)

	byName, err := store.GetRoleByName(ctx, "releasers")
	require.NoError(t, err)
	assert.Equal(t, role.ID, byName.ID)

	require.NoError(t, store.DeleteRole(ctx, role.ID))
	_, err = store.GetRole(ctx, role.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DeleteRole(ctx, role.ID), ErrNotFound)
}

func TestStore_RoleConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestRole(t, store, "auditors")
	err := store.CreateRole(ctx, &Role{Name: "auditors"})
	assert.ErrorIs(t, err, ErrConflict)

	other := createTestRole(t, store, "support")
	name := "auditors"
	_, err = store.UpdateRole(ctx, other.ID, RoleUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrConflict)

	assert.ErrorIs(t, store.CreateRole(ctx, &Role{Name: " "}), ErrInvalidInput)
}

func TestStore_BuiltInRoleProtection(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, InitializeBuiltInRoles(ctx, store, quietLogger()))

	admin, err := store.GetRoleByName(ctx, RoleAdministrator)
	require.NoError(t, err)
	require.True(t, admin.IsBuiltIn)

	name := "Superuser"
	_, err = store.UpdateRole(ctx, admin.ID, RoleUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrProtected)

	assert.ErrorIs(t, store.DeleteRole(ctx, admin.ID), ErrProtected)

	unchanged, err := store.GetRole(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleAdministrator, unchanged.Name)

	perms, err := store.ListRolePermissions(ctx, admin.ID)
	require.NoError(t, err)
	assert.Len(t, perms, len(DefaultPermissions()))

	// Same name and a new description are allowed.
	same := RoleAdministrator
	desc := "Everything"
	updated, err := store.UpdateRole(ctx, admin.ID, RoleUpdate{Name: &same, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)
}

func TestStore_DeleteRoleCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, store, "dave", true, false)
	group := createTestGroup(t, store, "sre")
	role := createTestRole(t, store, "temp")
	perm := permission(t, store, "nodes", "read")

	require.NoError(t, store.AddUserRole(ctx, user.ID, role.ID))
	require.NoError(t, store.AddGroupRole(ctx, group.ID, role.ID))
	require.NoError(t, store.AddRolePermission(ctx, role.ID, perm.ID))

	require.NoError(t, store.DeleteRole(ctx, role.ID))

	roles, err := store.ListUserRoles(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, roles)

	roles, err = store.ListGroupRoles(ctx, group.ID)
	require.NoError(t, err)
	assert.Empty(t, roles)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Assignments)
	assert.Equal(t, 1, counts.Permissions)
}

func TestStore_AssociationsReferenceEntities(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, store, "erin", true, false)
	group := createTestGroup(t, store, "oncall")
	role := createTestRole(t, store, "pager")

	_, err := store.DB().ExecContext(ctx,
		"INSERT INTO user_roles (user_id, role_id, assigned_at) VALUES ($1, $2, $3)",
		user.ID, "no-such-role", time.Now())
	require.Error(t, err)
	assert.True(t, isForeignKeyViolation(err), "orphan rows are rejected by the schema")

	require.NoError(t, store.AddUserGroup(ctx, user.ID, group.ID))
	require.NoError(t, store.AddGroupRole(ctx, group.ID, role.ID))

	// Deleting the row directly still removes its associations
	_, err = store.DB().ExecContext(ctx, "DELETE FROM groups WHERE id = $1", group.ID)
	require.NoError(t, err)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Assignments)
}

func TestStore_GroupCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	group := createTestGroup(t, store, "platform")
	got, err := store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "platform", got.Name)

	assert.ErrorIs(t, store.CreateGroup(ctx, &Group{Name: "platform"}), ErrConflict)
	assert.ErrorIs(t, store.CreateGroup(ctx, &Group{}), ErrInvalidInput)

	desc := "Platform engineering"
	updated, err := store.UpdateGroup(ctx, group.ID, GroupUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)

	user := createTestUser(t, store, "erin", true, false)
	role := createTestRole(t, store, "platform-ops")
	require.NoError(t, store.AddUserGroup(ctx, user.ID, group.ID))
	require.NoError(t, store.AddGroupRole(ctx, group.ID, role.ID))

	require.NoError(t, store.DeleteGroup(ctx, group.ID))
	_, err = store.GetGroup(ctx, group.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	groups, err := store.ListUserGroups(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Assignments)

	// The role survives the group.
	_, err = store.GetRole(ctx, role.ID)
	assert.NoError(t, err)
}

func TestStore_Permissions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	perm := &Permission{Resource: " nodes ", Action: "read", Description: "View nodes"}
	require.NoError(t, store.CreatePermission(ctx, perm))
	assert.Equal(t, "nodes", perm.Resource)

	assert.ErrorIs(t, store.CreatePermission(ctx, &Permission{Resource: "nodes", Action: "read"}), ErrConflict)
	assert.ErrorIs(t, store.CreatePermission(ctx, &Permission{Resource: "nodes"}), ErrInvalidInput)
	assert.ErrorIs(t, store.CreatePermission(ctx, &Permission{Resource: "nodes", Action: Wildcard}), ErrInvalidInput)

	got, err := store.GetPermission(ctx, perm.ID)
	require.NoError(t, err)
	assert.Equal(t, PermissionKey{Resource: "nodes", Action: "read"}, got.Key())

	byKey, err := store.GetPermissionByKey(ctx, PermissionKey{Resource: "nodes", Action: "read"})
	require.NoError(t, err)
	assert.Equal(t, perm.ID, byKey.ID)

	other := permission(t, store, "facts", "read")
	perms, err := store.PermissionsByIDs(ctx, []string{perm.ID, other.ID, "missing"})
	require.NoError(t, err)
	assert.Len(t, perms, 2)

	list, total, err := store.ListPermissions(ctx, ListOptions{Search: "view"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, perm.ID, list[0].ID)
}

func TestStore_AssignmentsAreIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, store, "frank", true, false)
	role := createTestRole(t, store, "viewer")

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AddUserRole(ctx, user.ID, role.ID))
	}

	roles, err := store.ListUserRoles(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, role.ID, roles[0].ID)

	require.NoError(t, store.RemoveUserRole(ctx, user.ID, role.ID))
	require.NoError(t, store.RemoveUserRole(ctx, user.ID, role.ID))

	roles, err = store.ListUserRoles(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestStore_AssignmentsRequireEntities(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, store, "grace", true, false)
	role := createTestRole(t, store, "ops")
	group := createTestGroup(t, store, "oncall")
	perm := permission(t, store, "nodes", "read")

	tests := []struct {
		name string
		fn   func() error
	}{
		{"user role missing user", func() error { return store.AddUserRole(ctx, "missing", role.ID) }},
		{"user role missing role", func() error { return store.AddUserRole(ctx, user.ID, "missing") }},
		{"user group missing group", func() error { return store.AddUserGroup(ctx, user.ID, "missing") }},
		{"group role missing group", func() error { return store.AddGroupRole(ctx, "missing", role.ID) }},
		{"role permission missing permission", func() error { return store.AddRolePermission(ctx, role.ID, "missing") }},
		{"role permission missing role", func() error { return store.AddRolePermission(ctx, "missing", perm.ID) }},
		{"list roles of missing user", func() error { _, err := store.ListUserRoles(ctx, "missing"); return err }},
		{"list members of missing group", func() error { _, err := store.ListGroupMembers(ctx, "missing"); return err }},
		{"list permissions of missing role", func() error { _, err := store.ListRolePermissions(ctx, "missing"); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(), ErrNotFound)
		})
	}

	require.NoError(t, store.AddUserGroup(ctx, user.ID, group.ID))
	members, err := store.ListGroupMembers(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, user.ID, members[0].ID)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Assignments)
}

func TestStore_ResolutionQueries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, store, "heidi", true, false)
	direct := createTestRole(t, store, "direct")
	inherited := createTestRole(t, store, "inherited")
	g1 := createTestGroup(t, store, "g1")
	g2 := createTestGroup(t, store, "g2")
	read := permission(t, store, "nodes", "read")
	gather := permission(t, store, "facts", "gather")

	require.NoError(t, store.AddUserRole(ctx, user.ID, direct.ID))
	require.NoError(t, store.AddUserGroup(ctx, user.ID, g1.ID))
	require.NoError(t, store.AddUserGroup(ctx, user.ID, g2.ID))
	require.NoError(t, store.AddGroupRole(ctx, g1.ID, inherited.ID))
	require.NoError(t, store.AddGroupRole(ctx, g2.ID, inherited.ID))
	require.NoError(t, store.AddRolePermission(ctx, direct.ID, read.ID))
	require.NoError(t, store.AddRolePermission(ctx, inherited.ID, read.ID))
	require.NoError(t, store.AddRolePermission(ctx, inherited.ID, gather.ID))

	roleIDs, err := store.UserRoleIDs(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{direct.ID}, roleIDs)

	groupIDs, err := store.UserGroupIDs(ctx, user.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{g1.ID, g2.ID}, groupIDs)

	groupRoleIDs, err := store.GroupRoleIDs(ctx, groupIDs)
	require.NoError(t, err)
	assert.Equal(t, []string{inherited.ID}, groupRoleIDs)

	permIDs, err := store.RolePermissionIDs(ctx, []string{direct.ID, inherited.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{read.ID, gather.ID}, permIDs)

	empty, err := store.GroupRoleIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
