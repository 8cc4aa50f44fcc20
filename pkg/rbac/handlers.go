package rbac

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

// Handlers provides HTTP handlers for RBAC management
type Handlers struct {
	manager *Manager
	logger  *logrus.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(manager *Manager, logger *logrus.Logger) *Handlers {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handlers{manager: manager, logger: logger}
}

// RegisterRoutes registers all RBAC routes under /api/rbac. Every route is
// guarded by the permission middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/rbac").Subrouter()
	pm := h.manager.middleware
	guard := func(capability string, fn http.HandlerFunc) http.Handler {
		return pm.RequireCapability(capability)(fn)
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return pm.RequireAdmin()(fn)
	}

	// Users
	api.Handle("/users", guard("users.write", h.CreateUser)).Methods("POST")
	api.Handle("/users", guard("users.read", h.ListUsers)).Methods("GET")
	api.Handle("/users/{id}", guard("users.read", h.GetUser)).Methods("GET")
	api.Handle("/users/{id}", guard("users.write", h.UpdateUser)).Methods("PATCH")
	api.Handle("/users/{id}/activate", guard("users.write", h.ActivateUser)).Methods("POST")
	api.Handle("/users/{id}/deactivate", guard("users.write", h.DeactivateUser)).Methods("POST")
	api.Handle("/users/{id}/permissions", guard("users.read", h.GetUserPermissions)).Methods("GET")
	api.Handle("/users/{id}/roles", guard("users.read", h.ListUserRoles)).Methods("GET")
	api.Handle("/users/{id}/roles", guard("roles.write", h.AssignUserRole)).Methods("POST")
	api.Handle("/users/{id}/roles/{role_id}", guard("roles.write", h.RevokeUserRole)).Methods("DELETE")
	api.Handle("/users/{id}/groups", guard("users.read", h.ListUserGroups)).Methods("GET")

	// Roles
	api.Handle("/roles", guard("roles.write", h.CreateRole)).Methods("POST")
	api.Handle("/roles", guard("roles.read", h.ListRoles)).Methods("GET")
	api.Handle("/roles/{id}", guard("roles.read", h.GetRole)).Methods("GET")
	api.Handle("/roles/{id}", guard("roles.write", h.UpdateRole)).Methods("PATCH")
	api.Handle("/roles/{id}", guard("roles.write", h.DeleteRole)).Methods("DELETE")
	api.Handle("/roles/{id}/permissions", guard("roles.read", h.ListRolePermissions)).Methods("GET")
	api.Handle("/roles/{id}/permissions", guard("roles.write", h.GrantRolePermission)).Methods("POST")
	api.Handle("/roles/{id}/permissions/{permission_id}", guard("roles.write", h.RevokeRolePermission)).Methods("DELETE")

	// Groups
	api.Handle("/groups", guard("groups.write", h.CreateGroup)).Methods("POST")
	api.Handle("/groups", guard("groups.read", h.ListGroups)).Methods("GET")
	api.Handle("/groups/{id}", guard("groups.read", h.GetGroup)).Methods("GET")
	api.Handle("/groups/{id}", guard("groups.write", h.UpdateGroup)).Methods("PATCH")
	api.Handle("/groups/{id}", guard("groups.write", h.DeleteGroup)).Methods("DELETE")
	api.Handle("/groups/{id}/members", guard("groups.read", h.ListGroupMembers)).Methods("GET")
	api.Handle("/groups/{id}/members", guard("groups.write", h.AddGroupMember)).Methods("POST")
	api.Handle("/groups/{id}/members/{user_id}", guard("groups.write", h.RemoveGroupMember)).Methods("DELETE")
	api.Handle("/groups/{id}/roles", guard("groups.read", h.ListGroupRoles)).Methods("GET")
	api.Handle("/groups/{id}/roles", guard("roles.write", h.AssignGroupRole)).Methods("POST")
	api.Handle("/groups/{id}/roles/{role_id}", guard("roles.write", h.RevokeGroupRole)).Methods("DELETE")

	// Permissions
	api.Handle("/permissions", guard("roles.read", h.ListPermissions)).Methods("GET")
	api.Handle("/permissions", admin(h.CreatePermission)).Methods("POST")
	api.Handle("/permissions/{id}", guard("roles.read", h.GetPermission)).Methods("GET")

	// Decisions and cache
	api.Handle("/check", guard("roles.read", h.CheckPermission)).Methods("POST")
	api.Handle("/cache/invalidate", admin(h.InvalidateCache)).Methods("POST")
	api.Handle("/stats", admin(h.GetStats)).Methods("GET")
}

// writeError maps store and service errors onto HTTP responses. Unexpected
// errors are logged and reported with a generic message.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrConflict):
		httputil.WriteConflict(w, "resource already exists")
	case errors.Is(err, ErrProtected):
		httputil.WriteForbidden(w, "built-in roles cannot be renamed or deleted")
	case errors.Is(err, ErrCheckFailed), errors.Is(err, ErrNotConfigured):
		httputil.RequestLogger(r, h.logger).WithError(err).Error("Authorization check failed")
		httputil.WriteServiceUnavailable(w, ReasonCheckFailed)
	default:
		httputil.RequestLogger(r, h.logger).WithError(err).Error("RBAC request failed")
		httputil.WriteInternalError(w)
	}
}

func listOptions(page httputil.Page) ListOptions {
	return ListOptions{
		Search:   page.Search,
		SortBy:   page.Sort,
		SortDesc: page.Desc,
		Limit:    page.Limit,
		Offset:   page.Offset,
	}.normalized()
}

func parsePage(w http.ResponseWriter, r *http.Request) (ListOptions, httputil.Page, bool) {
	page, err := httputil.ParsePage(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return ListOptions{}, page, false
	}
	opts := listOptions(page)
	page.Limit = opts.Limit
	page.Offset = opts.Offset
	return opts, page, true
}

// Users

// CreateUser creates a user; is_active defaults to true
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		IsActive *bool  `json:"is_active,omitempty"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	// Granting the administrator flag needs more than users.write
	if req.IsAdmin && !h.manager.middleware.Authorize(w, r, adminCapability) {
		return
	}

	user := &User{Username: req.Username, Email: req.Email, IsActive: true, IsAdmin: req.IsAdmin}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}
	if err := h.manager.CreateUser(r.Context(), user); err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, user)
}

func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	opts, page, ok := parsePage(w, r)
	if !ok {
		return
	}
	users, total, err := h.manager.ListUsers(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WritePage(w, users, total, page)
}

func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	user, err := h.manager.GetUser(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, user)
}

func (h *Handlers) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var update UserUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}
	if update.IsAdmin != nil && !h.manager.middleware.Authorize(w, r, adminCapability) {
		return
	}
	user, err := h.manager.UpdateUser(r.Context(), id, update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, user)
}

func (h *Handlers) ActivateUser(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handlers) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	user, err := h.manager.SetUserActive(r.Context(), id, active)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, user)
}

// EffectivePermissionsResponse describes a user's resolved permissions
type EffectivePermissionsResponse struct {
	UserID      string   `json:"user_id"`
	IsActive    bool     `json:"is_active"`
	IsAdmin     bool     `json:"is_admin"`
	Permissions []string `json:"permissions"`
}

func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	resolved, err := h.manager.EffectivePermissions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !resolved.Found {
		httputil.WriteNotFound(w, "user not found")
		return
	}

	keys := resolved.Keys()
	resp := EffectivePermissionsResponse{
		UserID:      id,
		IsActive:    resolved.Active,
		IsAdmin:     resolved.Admin,
		Permissions: make([]string, 0, len(keys)),
	}
	for _, k := range keys {
		resp.Permissions = append(resp.Permissions, k.String())
	}
	_ = httputil.WriteSuccess(w, resp)
}

func (h *Handlers) ListUserRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	roles, err := h.manager.ListUserRoles(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, roles)
}

func (h *Handlers) AssignUserRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		RoleID string `json:"role_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID == "" {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}
	if err := h.manager.AssignRole(r.Context(), id, req.RoleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) RevokeUserRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathStringOrError(w, r, "role_id")
	if !ok {
		return
	}
	if err := h.manager.RevokeRole(r.Context(), id, roleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) ListUserGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	groups, err := h.manager.ListUserGroups(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, groups)
}

// Roles

func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role := &Role{Name: req.Name, Description: req.Description}
	if err := h.manager.CreateRole(r.Context(), role); err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, role)
}

func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	opts, page, ok := parsePage(w, r)
	if !ok {
		return
	}
	roles, total, err := h.manager.ListRoles(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WritePage(w, roles, total, page)
}

func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	role, err := h.manager.GetRole(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var update RoleUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}
	role, err := h.manager.UpdateRole(r.Context(), id, update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.manager.DeleteRole(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) ListRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	perms, err := h.manager.ListRolePermissions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, perms)
}

func (h *Handlers) GrantRolePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		PermissionID string `json:"permission_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PermissionID == "" {
		httputil.WriteBadRequest(w, "permission_id is required")
		return
	}
	if err := h.manager.GrantPermission(r.Context(), id, req.PermissionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) RevokeRolePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathStringOrError(w, r, "permission_id")
	if !ok {
		return
	}
	if err := h.manager.RevokePermission(r.Context(), id, permissionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Groups

func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	group := &Group{Name: req.Name, Description: req.Description}
	if err := h.manager.CreateGroup(r.Context(), group); err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, group)
}

func (h *Handlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	opts, page, ok := parsePage(w, r)
	if !ok {
		return
	}
	groups, total, err := h.manager.ListGroups(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WritePage(w, groups, total, page)
}

func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	group, err := h.manager.GetGroup(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, group)
}

func (h *Handlers) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var update GroupUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}
	group, err := h.manager.UpdateGroup(r.Context(), id, update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, group)
}

func (h *Handlers) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.manager.DeleteGroup(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) ListGroupMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	users, err := h.manager.ListGroupMembers(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, users)
}

func (h *Handlers) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}
	if err := h.manager.AddGroupMember(r.Context(), id, req.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}
	if err := h.manager.RemoveGroupMember(r.Context(), id, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) ListGroupRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	roles, err := h.manager.ListGroupRoles(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, roles)
}

func (h *Handlers) AssignGroupRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		RoleID string `json:"role_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID == "" {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}
	if err := h.manager.AssignGroupRole(r.Context(), id, req.RoleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) RevokeGroupRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathStringOrError(w, r, "role_id")
	if !ok {
		return
	}
	if err := h.manager.RevokeGroupRole(r.Context(), id, roleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Permissions

func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	opts, page, ok := parsePage(w, r)
	if !ok {
		return
	}
	perms, total, err := h.manager.ListPermissions(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WritePage(w, perms, total, page)
}

func (h *Handlers) GetPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	perm, err := h.manager.GetPermission(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, perm)
}

func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource    string `json:"resource"`
		Action      string `json:"action"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	perm := &Permission{Resource: req.Resource, Action: req.Action, Description: req.Description}
	if err := h.manager.CreatePermission(r.Context(), perm); err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, perm)
}

// Decisions

// CheckRequest asks for a decision on behalf of another user
type CheckRequest struct {
	UserID     string            `json:"user_id"`
	Capability string            `json:"capability"`
	NodeID     string            `json:"node_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Capability == "" {
		httputil.WriteBadRequest(w, "user_id and capability are required")
		return
	}

	user, err := h.manager.GetUser(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	decision, err := h.manager.CheckPermission(r.Context(), user.Subject(), req.Capability,
		CheckContext{NodeID: req.NodeID, Metadata: req.Metadata})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, decision)
}

func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.UserID == "" {
		h.manager.service.InvalidateAllCaches()
	} else {
		h.manager.service.InvalidateCache(req.UserID)
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.GetStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, stats)
}
