package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const groupColumns = "id, name, description, created_at, updated_at"

var groupSortColumns = map[string]string{
	"name":       "name",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGroup creates a new group
func (s *Store) CreateGroup(ctx context.Context, group *Group) error {
	group.Name = strings.TrimSpace(group.Name)
	if group.Name == "" {
		return fmt.Errorf("group name is required: %w", ErrInvalidInput)
	}

	query := `
		INSERT INTO groups (id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	ts := now()
	id := newID()
	if _, err := s.db.ExecContext(ctx, query, id, group.Name, group.Description, ts, ts); err != nil {
		return writeErr("create group", err)
	}

	group.ID = id
	group.CreatedAt = ts
	group.UpdatedAt = ts
	return nil
}

// GetGroup retrieves a group by ID
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	return s.getGroup(ctx, s.db, groupID)
}

func (s *Store) getGroup(ctx context.Context, q queryer, groupID string) (*Group, error) {
	query := "SELECT " + groupColumns + " FROM groups WHERE id = $1"

	g, err := scanGroup(q.QueryRowContext(ctx, query, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

// UpdateGroup updates a group
func (s *Store) UpdateGroup(ctx context.Context, groupID string, update GroupUpdate) (*Group, error) {
	var updated *Group
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		g, err := s.getGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}

		if update.Name != nil {
			name := strings.TrimSpace(*update.Name)
			if name == "" {
				return fmt.Errorf("group name is required: %w", ErrInvalidInput)
			}
			g.Name = name
		}
		if update.Description != nil {
			g.Description = *update.Description
		}

		g.UpdatedAt = now()
		query := `
			UPDATE groups
			SET name = $1, description = $2, updated_at = $3
			WHERE id = $4
		`
		if _, err := tx.ExecContext(ctx, query, g.Name, g.Description, g.UpdatedAt, g.ID); err != nil {
			return writeErr("update group", err)
		}
		updated = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteGroup deletes a group together with its memberships and role grants
func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := mustExist(ctx, tx, "groups", "group", groupID); err != nil {
			return err
		}

		for _, stmt := range []string{
			"DELETE FROM user_groups WHERE group_id = $1",
			"DELETE FROM group_roles WHERE group_id = $1",
			"DELETE FROM groups WHERE id = $1",
		} {
			if _, err := tx.ExecContext(ctx, stmt, groupID); err != nil {
				return fmt.Errorf("failed to delete group: %w", err)
			}
		}
		return nil
	})
}

// ListGroups lists groups matching opts
func (s *Store) ListGroups(ctx context.Context, opts ListOptions) ([]*Group, int, error) {
	opts = opts.normalized()
	countQuery, pageQuery, args := listQuery("groups", groupColumns,
		[]string{"name", "description"}, groupSortColumns, "name", opts)

	total, err := s.count(ctx, countQuery, args)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count groups: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, pageQuery, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	groups, err := collectGroups(rows)
	if err != nil {
		return nil, 0, err
	}
	return groups, total, nil
}

func collectGroups(rows *sql.Rows) ([]*Group, error) {
	groups := make([]*Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate groups: %w", err)
	}
	return groups, nil
}
