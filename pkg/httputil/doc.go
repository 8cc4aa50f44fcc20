// Package httputil provides the JSON response helpers, request parsing and
// HTTP middleware shared by the gatekeeper endpoints.
//
// Responses:
//
//	httputil.WriteJSON(w, http.StatusOK, user)
//	httputil.WriteCreated(w, role)
//	httputil.WriteForbidden(w, decision.Reason)
//
// Requests:
//
//	id, ok := httputil.ParsePathStringOrError(w, r, "id")
//	page, err := httputil.ParsePage(r)
//
// Middleware:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
package httputil
