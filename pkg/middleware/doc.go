// Package middleware provides the authentication middleware that places an
// auth.AuthContext on each request.
//
// Gatekeeper does not handle credentials. It sits behind a reverse proxy or
// identity-aware gateway that authenticates the caller and forwards the
// username in a trusted header (X-Remote-User by default). The Authenticator
// resolves that username to an Identity through an IdentityLookup:
//
//	authn := middleware.NewAuthenticator(manager, middleware.WithHeader("X-Forwarded-User"))
//	router.Use(authn.Handler)
//
// Downstream handlers read the result with GetAuthContext.
package middleware
