package rbac

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
)

const adminCapability = "admin." + Wildcard

// PermissionMiddleware provides middleware for permission checking. Every
// failure mode ends in 401 or 403; nothing falls through to the handler.
type PermissionMiddleware struct {
	service *AuthorizationService
	logger  *logrus.Logger
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(service *AuthorizationService, logger *logrus.Logger) *PermissionMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &PermissionMiddleware{
		service: service,
		logger:  logger,
	}
}

// SubjectFromIdentity converts an authenticated identity into a check subject
func SubjectFromIdentity(id *auth.Identity) Subject {
	if id == nil {
		return Subject{}
	}
	return Subject{ID: id.ID, Username: id.Username, IsActive: id.IsActive, IsAdmin: id.IsAdmin}
}

// subject returns the authenticated subject or writes 401
func (pm *PermissionMiddleware) subject(w http.ResponseWriter, r *http.Request) (Subject, bool) {
	authCtx := middleware.GetAuthContext(r)
	if !authCtx.IsAuthenticated() {
		httputil.WriteUnauthorized(w, "authentication required")
		return Subject{}, false
	}
	return SubjectFromIdentity(authCtx.User), true
}

func (pm *PermissionMiddleware) check(ctx context.Context, subject Subject, capability string, cc CheckContext) Decision {
	decision, err := pm.service.CheckPermission(ctx, subject, capability, cc)
	if err != nil {
		// CheckPermission already logged the cause; deny with a generic reason.
		decision.Allowed = false
		if decision.Reason == "" {
			decision.Reason = ReasonCheckFailed
		}
	}
	return decision
}

// Authorize checks capability for the request's subject. On deny it writes
// 401 or 403 and returns false.
func (pm *PermissionMiddleware) Authorize(w http.ResponseWriter, r *http.Request, capability string) bool {
	subject, ok := pm.subject(w, r)
	if !ok {
		return false
	}

	decision := pm.check(r.Context(), subject, capability, CheckContext{})
	if !decision.Allowed {
		httputil.WriteForbidden(w, decision.Reason)
		return false
	}
	return true
}

// RequireCapability creates middleware that requires a single capability
func (pm *PermissionMiddleware) RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pm.Authorize(w, r, capability) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireNodeCapability requires capability scoped to the node named by the
// mux path variable nodeVar.
func (pm *PermissionMiddleware) RequireNodeCapability(capability, nodeVar string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := pm.subject(w, r)
			if !ok {
				return
			}

			nodeID := mux.Vars(r)[nodeVar]
			if nodeID == "" {
				httputil.WriteBadRequest(w, "node id required")
				return
			}

			decision := pm.check(r.Context(), subject, capability, CheckContext{NodeID: nodeID})
			if !decision.Allowed {
				httputil.WriteForbidden(w, decision.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyCapability creates middleware that requires any of the capabilities
func (pm *PermissionMiddleware) RequireAnyCapability(capabilities ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := pm.subject(w, r)
			if !ok {
				return
			}

			reason := "insufficient permissions"
			for _, capability := range capabilities {
				decision := pm.check(r.Context(), subject, capability, CheckContext{})
				if decision.Allowed {
					next.ServeHTTP(w, r)
					return
				}
				reason = decision.Reason
			}
			httputil.WriteForbidden(w, reason)
		})
	}
}

// RequireAllCapabilities creates middleware that requires every capability
func (pm *PermissionMiddleware) RequireAllCapabilities(capabilities ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := pm.subject(w, r)
			if !ok {
				return
			}

			for _, capability := range capabilities {
				decision := pm.check(r.Context(), subject, capability, CheckContext{})
				if !decision.Allowed {
					httputil.WriteForbidden(w, decision.Reason)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin requires the administrator override. It goes through the
// service so that a deactivated or demoted admin is refused immediately.
func (pm *PermissionMiddleware) RequireAdmin() func(http.Handler) http.Handler {
	return pm.RequireCapability(adminCapability)
}
