package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all RBAC migrations. The DDL is restricted to the
// subset understood by both PostgreSQL and SQLite.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id VARCHAR(36) PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255) NOT NULL UNIQUE,
					is_active BOOLEAN NOT NULL,
					is_admin BOOLEAN NOT NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     2,
			Description: "Create roles and permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id VARCHAR(36) PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL,
					is_built_in BOOLEAN NOT NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS permissions (
					id VARCHAR(36) PRIMARY KEY,
					resource VARCHAR(100) NOT NULL,
					action VARCHAR(100) NOT NULL,
					description TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					UNIQUE (resource, action)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create groups table",
			SQL: `
				CREATE TABLE IF NOT EXISTS groups (
					id VARCHAR(36) PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     4,
			Description: "Create assignment tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					user_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id VARCHAR(36) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					assigned_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, role_id)
				);
				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);

				CREATE TABLE IF NOT EXISTS user_groups (
					user_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					group_id VARCHAR(36) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					assigned_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, group_id)
				);
				CREATE INDEX IF NOT EXISTS idx_user_groups_group_id ON user_groups(group_id);

				CREATE TABLE IF NOT EXISTS group_roles (
					group_id VARCHAR(36) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					role_id VARCHAR(36) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					assigned_at TIMESTAMP NOT NULL,
					PRIMARY KEY (group_id, role_id)
				);
				CREATE INDEX IF NOT EXISTS idx_group_roles_role_id ON group_roles(role_id);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id VARCHAR(36) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id VARCHAR(36) NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					assigned_at TIMESTAMP NOT NULL,
					PRIMARY KEY (role_id, permission_id)
				);
				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission_id ON role_permissions(permission_id);
			`,
		},
	}
}

// RunMigrations runs all pending RBAC migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running RBAC migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
			migration.Version, migration.Description, now(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
		log.Info("RBAC migration completed")
	}

	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// SeedPermissions creates the permissions in templates that do not exist yet
func SeedPermissions(ctx context.Context, store *Store, templates []PermissionTemplate, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	for _, tmpl := range templates {
		_, err := store.GetPermissionByKey(ctx, tmpl.Key())
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		perm := &Permission{Resource: tmpl.Resource, Action: tmpl.Action, Description: tmpl.Description}
		if err := store.CreatePermission(ctx, perm); err != nil {
			// Another instance seeding concurrently is fine.
			if errors.Is(err, ErrConflict) {
				continue
			}
			return fmt.Errorf("failed to seed permission %s: %w", tmpl.Key(), err)
		}
		logger.WithField("permission", perm.Key().String()).Info("Created permission")
	}
	return nil
}

// SeedRoles creates the roles in templates that do not exist yet and attaches
// their permissions. Existing roles only gain missing permissions; nothing is
// revoked so operator edits survive restarts.
func SeedRoles(ctx context.Context, store *Store, templates []RoleTemplate, builtIn bool, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	for _, tmpl := range templates {
		role, err := store.GetRoleByName(ctx, tmpl.Name)
		if errors.Is(err, ErrNotFound) {
			role = &Role{Name: tmpl.Name, Description: tmpl.Description, IsBuiltIn: builtIn}
			if err := store.CreateRole(ctx, role); err != nil {
				if !errors.Is(err, ErrConflict) {
					return fmt.Errorf("failed to create role %s: %w", tmpl.Name, err)
				}
				if role, err = store.GetRoleByName(ctx, tmpl.Name); err != nil {
					return err
				}
			} else {
				logger.WithFields(logrus.Fields{"role": role.Name, "built_in": builtIn}).Info("Created role")
			}
		} else if err != nil {
			return err
		}

		for _, key := range tmpl.Permissions {
			perm, err := store.GetPermissionByKey(ctx, key)
			if errors.Is(err, ErrNotFound) {
				logger.WithFields(logrus.Fields{"role": tmpl.Name, "permission": key.String()}).
					Warn("Skipping unknown permission in role template")
				continue
			}
			if err != nil {
				return err
			}
			if err := store.AddRolePermission(ctx, role.ID, perm.ID); err != nil {
				return fmt.Errorf("failed to attach %s to role %s: %w", key, tmpl.Name, err)
			}
		}
	}
	return nil
}

// InitializeBuiltInRoles seeds the default permission catalogue and the built-in roles
func InitializeBuiltInRoles(ctx context.Context, store *Store, logger *logrus.Logger) error {
	if err := SeedPermissions(ctx, store, DefaultPermissions(), logger); err != nil {
		return err
	}
	return SeedRoles(ctx, store, BuiltInRoles(), true, logger)
}
