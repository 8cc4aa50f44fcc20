package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const roleColumns = "id, name, description, is_built_in, created_at, updated_at"

var roleSortColumns = map[string]string{
	"name":       "name",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

func scanRole(row rowScanner) (*Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsBuiltIn, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return fmt.Errorf("role name is required: %w", ErrInvalidInput)
	}

	query := `
		INSERT INTO roles (id, name, description, is_built_in, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	ts := now()
	id := newID()
	if _, err := s.db.ExecContext(ctx, query, id, role.Name, role.Description, role.IsBuiltIn, ts, ts); err != nil {
		return writeErr("create role", err)
	}

	role.ID = id
	role.CreatedAt = ts
	role.UpdatedAt = ts
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID string) (*Role, error) {
	return s.getRole(ctx, s.db, "id", roleID)
}

// GetRoleByName retrieves a role by name
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return s.getRole(ctx, s.db, "name", strings.TrimSpace(name))
}

func (s *Store) getRole(ctx context.Context, q queryer, col, value string) (*Role, error) {
	query := "SELECT " + roleColumns + " FROM roles WHERE " + col + " = $1"

	r, err := scanRole(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %s: %w", value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// UpdateRole updates a role. Built-in roles may change their description but
// cannot be renamed.
func (s *Store) UpdateRole(ctx context.Context, roleID string, update RoleUpdate) (*Role, error) {
	var updated *Role
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.getRole(ctx, tx, "id", roleID)
		if err != nil {
			return err
		}

		if update.Name != nil {
			name := strings.TrimSpace(*update.Name)
			if name == "" {
				return fmt.Errorf("role name is required: %w", ErrInvalidInput)
			}
			if name != r.Name && r.IsBuiltIn {
				return fmt.Errorf("cannot rename built-in role %s: %w", r.Name, ErrProtected)
			}
			r.Name = name
		}
		if update.Description != nil {
			r.Description = *update.Description
		}

		r.UpdatedAt = now()
		query := `
			UPDATE roles
			SET name = $1, description = $2, updated_at = $3
			WHERE id = $4
		`
		if _, err := tx.ExecContext(ctx, query, r.Name, r.Description, r.UpdatedAt, r.ID); err != nil {
			return writeErr("update role", err)
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRole deletes a custom role together with every assignment that references it
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.getRole(ctx, tx, "id", roleID)
		if err != nil {
			return err
		}
		if r.IsBuiltIn {
			return fmt.Errorf("cannot delete built-in role %s: %w", r.Name, ErrProtected)
		}

		for _, stmt := range []string{
			"DELETE FROM user_roles WHERE role_id = $1",
			"DELETE FROM group_roles WHERE role_id = $1",
			"DELETE FROM role_permissions WHERE role_id = $1",
			"DELETE FROM roles WHERE id = $1",
		} {
			if _, err := tx.ExecContext(ctx, stmt, roleID); err != nil {
				return fmt.Errorf("failed to delete role: %w", err)
			}
		}
		return nil
	})
}

// ListRoles lists roles matching opts
func (s *Store) ListRoles(ctx context.Context, opts ListOptions) ([]*Role, int, error) {
	opts = opts.normalized()
	countQuery, pageQuery, args := listQuery("roles", roleColumns,
		[]string{"name", "description"}, roleSortColumns, "name", opts)

	total, err := s.count(ctx, countQuery, args)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count roles: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, pageQuery, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	roles, err := collectRoles(rows)
	if err != nil {
		return nil, 0, err
	}
	return roles, total, nil
}

func collectRoles(rows *sql.Rows) ([]*Role, error) {
	roles := make([]*Role, 0)
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return roles, nil
}
