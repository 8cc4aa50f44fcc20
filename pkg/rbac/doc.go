// Package rbac provides role-based access control for the gatekeeper
// authorization service.
//
// # Overview
//
// Users receive permissions through roles. A role is granted to a user either
// directly or through a group the user belongs to. A permission is a
// resource:action pair such as "nodes:read" or "commands:execute". Users with
// the administrator flag bypass every permission check, and inactive users are
// always denied.
//
// # Components
//
//  1. Store: SQL persistence for users, roles, groups, permissions and the
//     four association tables.
//  2. Resolver: computes the effective permission set of a user by taking the
//     union of the direct role path and the group role path.
//  3. PermissionCache: bounded TTL cache of resolved permission sets keyed by
//     user, with per-user and global invalidation.
//  4. AuthorizationService: turns a subject and a capability into a Decision.
//  5. Manager: wires the components together and invalidates cache entries
//     on every mutation that can change a decision.
//
// # Capabilities
//
// Capabilities are the dotted names used by the rest of the system. The
// CapabilityMapper translates them into permission keys:
//
//	nodes.read           -> nodes:read
//	bolt.command.execute -> commands:execute
//	puppet.run           -> puppet:run
//	reports.export       -> reports:export (first dot split)
//
// A capability whose action is "*" requires administrator privileges.
//
// # Decisions
//
// Checks fail closed. When the store cannot be read the decision is a deny
// with the reason "authorization check failed" and the error matches
// ErrCheckFailed:
//
//	decision, err := service.CheckPermission(ctx, subject, "nodes.read", rbac.CheckContext{})
//	if err != nil {
//		// decision.Allowed is false
//	}
//
// # HTTP
//
// PermissionMiddleware guards routes using the AuthContext placed on the
// request by the authentication middleware:
//
//	pm := manager.Middleware()
//	router.Handle("/nodes/{node}", pm.RequireNodeCapability("nodes.read", "node")(handler))
//
// Handlers exposes the management API under /api/rbac.
package rbac
