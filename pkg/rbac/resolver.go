package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("gatekeeper/rbac")

// ResolverStore is the read side of the store needed to compute effective permissions
type ResolverStore interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	UserRoleIDs(ctx context.Context, userID string) ([]string, error)
	UserGroupIDs(ctx context.Context, userID string) ([]string, error)
	GroupRoleIDs(ctx context.Context, groupIDs []string) ([]string, error)
	RolePermissionIDs(ctx context.Context, roleIDs []string) ([]string, error)
	PermissionsByIDs(ctx context.Context, ids []string) ([]*Permission, error)
}

// Resolver computes a user's effective permissions from direct role grants
// and group-inherited role grants. It never consults the cache.
type Resolver struct {
	store ResolverStore
}

// NewResolver creates a resolver over store
func NewResolver(store ResolverStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve computes the effective permission state of userID. A missing user
// resolves to an empty, not-found state rather than an error.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*ResolvedPermissions, error) {
	ctx, span := tracer.Start(ctx, "rbac.Resolve",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	resolved, err := r.resolve(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve permissions")
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("user.found", resolved.Found),
		attribute.Bool("user.admin", resolved.Admin),
		attribute.Int("permissions.count", len(resolved.Permissions)),
	)
	return resolved, nil
}

func (r *Resolver) resolve(ctx context.Context, userID string) (*ResolvedPermissions, error) {
	resolved := &ResolvedPermissions{
		UserID:      userID,
		Permissions: make(map[PermissionKey]struct{}),
		ResolvedAt:  time.Now(),
	}

	user, err := r.store.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return resolved, nil
	}
	if err != nil {
		return nil, err
	}

	resolved.Found = true
	resolved.Active = user.IsActive
	resolved.Admin = user.IsAdmin
	if !user.IsActive || user.IsAdmin {
		// The decision no longer depends on the permission set.
		return resolved, nil
	}

	var direct, inherited []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := r.store.UserRoleIDs(gctx, userID)
		if err != nil {
			return fmt.Errorf("direct roles: %w", err)
		}
		direct = ids
		return nil
	})
	g.Go(func() error {
		groupIDs, err := r.store.UserGroupIDs(gctx, userID)
		if err != nil {
			return fmt.Errorf("group memberships: %w", err)
		}
		ids, err := r.store.GroupRoleIDs(gctx, groupIDs)
		if err != nil {
			return fmt.Errorf("group roles: %w", err)
		}
		inherited = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	roleIDs := union(direct, inherited)
	if len(roleIDs) == 0 {
		return resolved, nil
	}

	permIDs, err := r.store.RolePermissionIDs(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("role permissions: %w", err)
	}
	perms, err := r.store.PermissionsByIDs(ctx, permIDs)
	if err != nil {
		return nil, fmt.Errorf("permissions: %w", err)
	}
	for _, p := range perms {
		resolved.Permissions[p.Key()] = struct{}{}
	}
	return resolved, nil
}

// Check resolves userID and reports whether it holds resource:action
func (r *Resolver) Check(ctx context.Context, userID, resource, action string) (bool, error) {
	resolved, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return resolved.Allows(PermissionKey{Resource: resource, Action: action}), nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
