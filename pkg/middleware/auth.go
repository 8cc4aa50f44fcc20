package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

// DefaultUserHeader is the trusted header carrying the authenticated username
const DefaultUserHeader = "X-Remote-User"

// ErrUnknownIdentity is returned by an IdentityLookup when no account matches
var ErrUnknownIdentity = errors.New("unknown identity")

// IdentityLookup resolves an authenticated username to an identity
type IdentityLookup interface {
	LookupIdentity(ctx context.Context, username string) (*auth.Identity, error)
}

// Authenticator turns a trusted upstream header into an AuthContext
type Authenticator struct {
	lookup   IdentityLookup
	header   string
	optional bool
	logger   *logrus.Logger
}

// AuthenticatorOption configures an Authenticator
type AuthenticatorOption func(*Authenticator)

// WithHeader overrides the trusted header name
func WithHeader(header string) AuthenticatorOption {
	return func(a *Authenticator) {
		if header != "" {
			a.header = header
		}
	}
}

// WithOptional lets requests without the header through anonymously
func WithOptional(optional bool) AuthenticatorOption {
	return func(a *Authenticator) { a.optional = optional }
}

// WithAuthLogger sets the logger
func WithAuthLogger(logger *logrus.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAuthenticator creates a new authentication middleware
func NewAuthenticator(lookup IdentityLookup, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		lookup: lookup,
		header: DefaultUserHeader,
		logger: logrus.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler wraps an HTTP handler with authentication
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := strings.TrimSpace(r.Header.Get(a.header))
		if username == "" {
			if a.optional {
				ctx := contextkeys.WithAuth(r.Context(), &auth.AuthContext{Method: auth.MethodAnonymous})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		identity, err := a.lookup.LookupIdentity(r.Context(), username)
		if errors.Is(err, ErrUnknownIdentity) {
			httputil.WriteUnauthorized(w, "unknown user")
			return
		}
		if err != nil {
			a.logger.WithField("username", username).WithError(err).Error("Identity lookup failed")
			httputil.WriteServiceUnavailable(w, "authentication unavailable")
			return
		}

		authCtx := &auth.AuthContext{
			User:            identity,
			Method:          auth.MethodTrustedHeader,
			AuthenticatedAt: time.Now(),
		}
		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithUserID(ctx, identity.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// RequireAuthenticated rejects anonymous requests with 401
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetAuthContext(r).IsAuthenticated() {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
