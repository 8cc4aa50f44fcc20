package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// association describes one of the many-to-many tables
type association struct {
	table      string
	leftCol    string
	rightCol   string
	leftTable  string
	leftKind   string
	rightTable string
	rightKind  string
}

var (
	userRoleAssoc       = association{"user_roles", "user_id", "role_id", "users", "user", "roles", "role"}
	userGroupAssoc      = association{"user_groups", "user_id", "group_id", "users", "user", "groups", "group"}
	groupRoleAssoc      = association{"group_roles", "group_id", "role_id", "groups", "group", "roles", "role"}
	rolePermissionAssoc = association{"role_permissions", "role_id", "permission_id", "roles", "role", "permissions", "permission"}
)

// assign inserts the pair if both endpoints exist. Repeating an assignment is a
// no-op. The foreign keys catch an endpoint deleted after the existence check.
func (s *Store) assign(ctx context.Context, a association, leftID, rightID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := mustExist(ctx, tx, a.leftTable, a.leftKind, leftID); err != nil {
			return err
		}
		if err := mustExist(ctx, tx, a.rightTable, a.rightKind, rightID); err != nil {
			return err
		}

		query := fmt.Sprintf(
			"INSERT INTO %s (%s, %s, assigned_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
			a.table, a.leftCol, a.rightCol,
		)
		if _, err := tx.ExecContext(ctx, query, leftID, rightID, now()); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%s %s or %s %s: %w", a.leftKind, leftID, a.rightKind, rightID, ErrNotFound)
			}
			return fmt.Errorf("failed to assign %s %s to %s %s: %w", a.rightKind, rightID, a.leftKind, leftID, err)
		}
		return nil
	})
}

// unassign removes the pair. Removing an absent pair succeeds.
func (s *Store) unassign(ctx context.Context, a association, leftID, rightID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 AND %s = $2", a.table, a.leftCol, a.rightCol)
	if _, err := s.db.ExecContext(ctx, query, leftID, rightID); err != nil {
		return fmt.Errorf("failed to remove %s %s from %s %s: %w", a.rightKind, rightID, a.leftKind, leftID, err)
	}
	return nil
}

// AddUserRole grants a role directly to a user
func (s *Store) AddUserRole(ctx context.Context, userID, roleID string) error {
	return s.assign(ctx, userRoleAssoc, userID, roleID)
}

// RemoveUserRole revokes a directly granted role
func (s *Store) RemoveUserRole(ctx context.Context, userID, roleID string) error {
	return s.unassign(ctx, userRoleAssoc, userID, roleID)
}

// AddUserGroup adds a user to a group
func (s *Store) AddUserGroup(ctx context.Context, userID, groupID string) error {
	return s.assign(ctx, userGroupAssoc, userID, groupID)
}

// RemoveUserGroup removes a user from a group
func (s *Store) RemoveUserGroup(ctx context.Context, userID, groupID string) error {
	return s.unassign(ctx, userGroupAssoc, userID, groupID)
}

// AddGroupRole grants a role to every member of a group
func (s *Store) AddGroupRole(ctx context.Context, groupID, roleID string) error {
	return s.assign(ctx, groupRoleAssoc, groupID, roleID)
}

// RemoveGroupRole revokes a role from a group
func (s *Store) RemoveGroupRole(ctx context.Context, groupID, roleID string) error {
	return s.unassign(ctx, groupRoleAssoc, groupID, roleID)
}

// AddRolePermission attaches a permission to a role
func (s *Store) AddRolePermission(ctx context.Context, roleID, permissionID string) error {
	return s.assign(ctx, rolePermissionAssoc, roleID, permissionID)
}

// RemoveRolePermission detaches a permission from a role
func (s *Store) RemoveRolePermission(ctx context.Context, roleID, permissionID string) error {
	return s.unassign(ctx, rolePermissionAssoc, roleID, permissionID)
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// ListUserRoles returns the roles granted directly to a user
func (s *Store) ListUserRoles(ctx context.Context, userID string) ([]*Role, error) {
	if err := mustExist(ctx, s.db, "users", "user", userID); err != nil {
		return nil, err
	}

	query := `SELECT ` + prefixed("r", roleColumns) + `
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()
	return collectRoles(rows)
}

// ListUserGroups returns the groups a user belongs to
func (s *Store) ListUserGroups(ctx context.Context, userID string) ([]*Group, error) {
	if err := mustExist(ctx, s.db, "users", "user", userID); err != nil {
		return nil, err
	}

	query := `SELECT ` + prefixed("g", groupColumns) + `
		FROM groups g
		JOIN user_groups ug ON ug.group_id = g.id
		WHERE ug.user_id = $1
		ORDER BY g.name`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user groups: %w", err)
	}
	defer rows.Close()
	return collectGroups(rows)
}

// ListGroupMembers returns the users that belong to a group
func (s *Store) ListGroupMembers(ctx context.Context, groupID string) ([]*User, error) {
	if err := mustExist(ctx, s.db, "groups", "group", groupID); err != nil {
		return nil, err
	}

	query := `SELECT ` + prefixed("u", userColumns) + `
		FROM users u
		JOIN user_groups ug ON ug.user_id = u.id
		WHERE ug.group_id = $1
		ORDER BY u.username`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group members: %w", err)
	}
	return users, nil
}

// ListGroupRoles returns the roles granted to a group
func (s *Store) ListGroupRoles(ctx context.Context, groupID string) ([]*Role, error) {
	if err := mustExist(ctx, s.db, "groups", "group", groupID); err != nil {
		return nil, err
	}

	query := `SELECT ` + prefixed("r", roleColumns) + `
		FROM roles r
		JOIN group_roles gr ON gr.role_id = r.id
		WHERE gr.group_id = $1
		ORDER BY r.name`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group roles: %w", err)
	}
	defer rows.Close()
	return collectRoles(rows)
}

// ListRolePermissions returns the permissions attached to a role
func (s *Store) ListRolePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	if err := mustExist(ctx, s.db, "roles", "role", roleID); err != nil {
		return nil, err
	}

	query := `SELECT ` + prefixed("p", permissionColumns) + `
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.resource, p.action`

	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// UserRoleIDs returns the ids of existing roles granted directly to a user
func (s *Store) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT ur.role_id
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
	`
	return s.queryIDs(ctx, "user roles", query, userID)
}

// UserGroupIDs returns the ids of existing groups a user belongs to
func (s *Store) UserGroupIDs(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT ug.group_id
		FROM user_groups ug
		JOIN groups g ON g.id = ug.group_id
		WHERE ug.user_id = $1
	`
	return s.queryIDs(ctx, "user groups", query, userID)
}

// GroupRoleIDs returns the ids of existing roles granted to any of groupIDs
func (s *Store) GroupRoleIDs(ctx context.Context, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return []string{}, nil
	}
	query := `
		SELECT DISTINCT gr.role_id
		FROM group_roles gr
		JOIN roles r ON r.id = gr.role_id
		WHERE gr.group_id IN (` + placeholders(1, len(groupIDs)) + `)`
	return s.queryIDs(ctx, "group roles", query, stringArgs(groupIDs)...)
}

// RolePermissionIDs returns the permission ids attached to any of roleIDs
func (s *Store) RolePermissionIDs(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return []string{}, nil
	}
	query := `
		SELECT DISTINCT rp.permission_id
		FROM role_permissions rp
		JOIN roles r ON r.id = rp.role_id
		WHERE rp.role_id IN (` + placeholders(1, len(roleIDs)) + `)`
	return s.queryIDs(ctx, "role permissions", query, stringArgs(roleIDs)...)
}

func (s *Store) queryIDs(ctx context.Context, what, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", what, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", what, err)
	}
	return ids, nil
}

// EntityCounts summarises the size of the RBAC tables
type EntityCounts struct {
	Users       int `json:"users"`
	Roles       int `json:"roles"`
	Groups      int `json:"groups"`
	Permissions int `json:"permissions"`
	Assignments int `json:"assignments"`
}

// Counts returns row counts for entities and association tables
func (s *Store) Counts(ctx context.Context) (EntityCounts, error) {
	var c EntityCounts
	targets := []struct {
		table string
		dest  *int
	}{
		{"users", &c.Users},
		{"roles", &c.Roles},
		{"groups", &c.Groups},
		{"permissions", &c.Permissions},
	}
	for _, t := range targets {
		n, err := s.count(ctx, "SELECT COUNT(*) FROM "+t.table, nil)
		if err != nil {
			return EntityCounts{}, fmt.Errorf("failed to count %s: %w", t.table, err)
		}
		*t.dest = n
	}

	for _, a := range []association{userRoleAssoc, userGroupAssoc, groupRoleAssoc, rolePermissionAssoc} {
		n, err := s.count(ctx, "SELECT COUNT(*) FROM "+a.table, nil)
		if err != nil {
			return EntityCounts{}, fmt.Errorf("failed to count %s: %w", a.table, err)
		}
		c.Assignments += n
	}
	return c, nil
}
