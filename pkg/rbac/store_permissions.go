package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const permissionColumns = "id, resource, action, description, created_at"

var permissionSortColumns = map[string]string{
	"resource":   "resource",
	"action":     "action",
	"created_at": "created_at",
}

func scanPermission(row rowScanner) (*Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePermission creates a new permission. (resource, action) must be unique.
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	perm.Resource = strings.TrimSpace(perm.Resource)
	perm.Action = strings.TrimSpace(perm.Action)
	if perm.Resource == "" || perm.Action == "" {
		return fmt.Errorf("permission resource and action are required: %w", ErrInvalidInput)
	}
	if perm.Key().IsWildcard() {
		return fmt.Errorf("permission %s: wildcard permissions cannot be stored: %w", perm.Key(), ErrInvalidInput)
	}

	query := `
		INSERT INTO permissions (id, resource, action, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	ts := now()
	id := newID()
	if _, err := s.db.ExecContext(ctx, query, id, perm.Resource, perm.Action, perm.Description, ts); err != nil {
		return writeErr("create permission", err)
	}

	perm.ID = id
	perm.CreatedAt = ts
	return nil
}

// GetPermission retrieves a permission by ID
func (s *Store) GetPermission(ctx context.Context, permissionID string) (*Permission, error) {
	query := "SELECT " + permissionColumns + " FROM permissions WHERE id = $1"

	p, err := scanPermission(s.db.QueryRowContext(ctx, query, permissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission %s: %w", permissionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// GetPermissionByKey retrieves a permission by its (resource, action) pair
func (s *Store) GetPermissionByKey(ctx context.Context, key PermissionKey) (*Permission, error) {
	query := "SELECT " + permissionColumns + " FROM permissions WHERE resource = $1 AND action = $2"

	p, err := scanPermission(s.db.QueryRowContext(ctx, query, key.Resource, key.Action))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// ListPermissions lists permissions matching opts
func (s *Store) ListPermissions(ctx context.Context, opts ListOptions) ([]*Permission, int, error) {
	opts = opts.normalized()
	countQuery, pageQuery, args := listQuery("permissions", permissionColumns,
		[]string{"resource", "action", "description"}, permissionSortColumns, "resource", opts)

	total, err := s.count(ctx, countQuery, args)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count permissions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, pageQuery, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	perms, err := collectPermissions(rows)
	if err != nil {
		return nil, 0, err
	}
	return perms, total, nil
}

// PermissionsByIDs returns the permissions among ids that exist. Unknown ids are skipped.
func (s *Store) PermissionsByIDs(ctx context.Context, ids []string) ([]*Permission, error) {
	if len(ids) == 0 {
		return []*Permission{}, nil
	}

	query := "SELECT " + permissionColumns + " FROM permissions WHERE id IN (" + placeholders(1, len(ids)) + ")"
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	defer rows.Close()

	return collectPermissions(rows)
}

func collectPermissions(rows *sql.Rows) ([]*Permission, error) {
	perms := make([]*Permission, 0)
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permissions: %w", err)
	}
	return perms, nil
}
