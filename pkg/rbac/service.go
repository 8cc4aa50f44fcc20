package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Reasons attached to decisions
const (
	ReasonNotConfigured     = "authorization service not configured"
	ReasonCheckFailed       = "authorization check failed"
	ReasonUnauthenticated   = "authentication required"
	ReasonInvalidCapability = "invalid capability"
	ReasonInactive          = "user account is inactive"
	ReasonUnknownUser       = "user not found"
	ReasonAdmin             = "granted by administrator privileges"
	ReasonAdminRequired     = "capability requires administrator privileges"
)

// CheckError is returned when a permission check could not be evaluated. It
// matches ErrCheckFailed with errors.Is and unwraps to the underlying cause.
type CheckError struct {
	UserID     string
	Capability string
	Err        error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s: user %s capability %q: %v", ErrCheckFailed, e.UserID, e.Capability, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCheckFailed) true
func (e *CheckError) Is(target error) bool {
	return target == ErrCheckFailed
}

// ContextPolicy is consulted after the role based check has allowed a
// request. It may veto the decision by returning false and a reason; it can
// never turn a deny into an allow.
type ContextPolicy func(ctx context.Context, subject Subject, key PermissionKey, cc CheckContext) (bool, string)

// AuthorizationService is the single entry point for permission checks
type AuthorizationService struct {
	resolver *Resolver
	cache    *PermissionCache
	mapper   *CapabilityMapper
	policies []ContextPolicy
	metrics  *Metrics
	logger   *logrus.Logger
	now      func() time.Time
}

// ServiceOption configures an AuthorizationService
type ServiceOption func(*AuthorizationService)

// WithCapabilityMapper replaces the default capability mapper
func WithCapabilityMapper(m *CapabilityMapper) ServiceOption {
	return func(s *AuthorizationService) {
		if m != nil {
			s.mapper = m
		}
	}
}

// WithContextPolicy appends a policy consulted for allowed decisions
func WithContextPolicy(p ContextPolicy) ServiceOption {
	return func(s *AuthorizationService) {
		if p != nil {
			s.policies = append(s.policies, p)
		}
	}
}

// WithServiceMetrics records decisions on m
func WithServiceMetrics(m *Metrics) ServiceOption {
	return func(s *AuthorizationService) { s.metrics = m }
}

// WithServiceLogger sets the logger
func WithServiceLogger(logger *logrus.Logger) ServiceOption {
	return func(s *AuthorizationService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewAuthorizationService creates the service. The resolver is required; a
// nil cache disables caching.
func NewAuthorizationService(resolver *Resolver, cache *PermissionCache, opts ...ServiceOption) (*AuthorizationService, error) {
	if resolver == nil {
		return nil, ErrNotConfigured
	}

	s := &AuthorizationService{
		resolver: resolver,
		cache:    cache,
		mapper:   NewCapabilityMapper(nil),
		logger:   logrus.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CheckPermission decides whether subject may exercise capability. It never
// returns Allowed=true together with an error, and every deny carries a reason.
func (s *AuthorizationService) CheckPermission(ctx context.Context, subject Subject, capability string, cc CheckContext) (Decision, error) {
	if s == nil || s.resolver == nil {
		return Decision{Reason: ReasonNotConfigured, Capability: capability, CheckedAt: time.Now()}, ErrNotConfigured
	}

	start := s.now()
	ctx, span := tracer.Start(ctx, "rbac.CheckPermission",
		trace.WithAttributes(
			attribute.String("user.id", subject.ID),
			attribute.String("capability", capability),
		),
	)
	defer span.End()

	decision, err := s.decide(ctx, subject, capability, cc)
	decision.Capability = capability
	decision.CheckedAt = start

	result := "deny"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, ReasonCheckFailed)
		observability.WithTraceContext(ctx, s.logger.WithFields(logrus.Fields{
			"user_id":    subject.ID,
			"capability": capability,
		})).WithError(err).Error("Authorization check failed")
	case decision.Allowed:
		result = "allow"
	}
	span.SetAttributes(attribute.Bool("authz.allowed", decision.Allowed), attribute.Bool("authz.cached", decision.Cached))
	s.metrics.observeDecision(result, s.now().Sub(start))

	s.logger.WithFields(logrus.Fields{
		"user_id":    subject.ID,
		"capability": capability,
		"allowed":    decision.Allowed,
		"reason":     decision.Reason,
		"cached":     decision.Cached,
	}).Debug("Authorization decision")

	return decision, err
}

func (s *AuthorizationService) decide(ctx context.Context, subject Subject, capability string, cc CheckContext) (Decision, error) {
	if subject.ID == "" {
		return Decision{Reason: ReasonUnauthenticated}, nil
	}

	key, err := s.mapper.Map(capability)
	if err != nil {
		return Decision{Reason: fmt.Sprintf("%s %q", ReasonInvalidCapability, capability)}, nil
	}

	decision := Decision{Permission: key}
	if !subject.IsActive {
		decision.Reason = ReasonInactive
		return decision, nil
	}

	resolved, cached, err := s.load(ctx, subject.ID)
	if err != nil {
		decision.Reason = ReasonCheckFailed
		return decision, &CheckError{UserID: subject.ID, Capability: capability, Err: err}
	}
	decision.Cached = cached

	switch {
	case !resolved.Found:
		decision.Reason = ReasonUnknownUser
		return decision, nil
	case !resolved.Active:
		decision.Reason = ReasonInactive
		return decision, nil
	case resolved.Admin:
		decision.Allowed = true
		decision.Reason = ReasonAdmin
	case key.IsWildcard():
		decision.Reason = ReasonAdminRequired
		return decision, nil
	case resolved.Allows(key):
		decision.Allowed = true
		decision.Reason = "granted by permission " + key.String()
	default:
		decision.Reason = "missing permission " + key.String()
		return decision, nil
	}

	for _, policy := range s.policies {
		if ok, reason := policy(ctx, subject, key, cc); !ok {
			if reason == "" {
				reason = "denied by context policy"
			}
			decision.Allowed = false
			decision.Reason = reason
			return decision, nil
		}
	}
	return decision, nil
}

func (s *AuthorizationService) load(ctx context.Context, userID string) (*ResolvedPermissions, bool, error) {
	if s.cache == nil {
		resolved, err := s.resolver.Resolve(ctx, userID)
		return resolved, false, err
	}
	return s.cache.Load(ctx, userID, func(ctx context.Context) (*ResolvedPermissions, error) {
		return s.resolver.Resolve(ctx, userID)
	})
}

// Check reports whether userID holds resource:action, using the cache
func (s *AuthorizationService) Check(ctx context.Context, userID, resource, action string) (bool, error) {
	if s == nil || s.resolver == nil {
		return false, ErrNotConfigured
	}
	resolved, _, err := s.load(ctx, userID)
	if err != nil {
		return false, &CheckError{UserID: userID, Capability: resource + "." + action, Err: err}
	}
	return resolved.Allows(PermissionKey{Resource: resource, Action: action}), nil
}

// EffectivePermissions returns the resolved permission state of userID
func (s *AuthorizationService) EffectivePermissions(ctx context.Context, userID string) (*ResolvedPermissions, error) {
	if s == nil || s.resolver == nil {
		return nil, ErrNotConfigured
	}
	resolved, _, err := s.load(ctx, userID)
	if err != nil {
		return nil, &CheckError{UserID: userID, Err: err}
	}
	return resolved, nil
}

// InvalidateCache drops the cached permissions of userID
func (s *AuthorizationService) InvalidateCache(userID string) {
	if s == nil || s.cache == nil {
		return
	}
	s.cache.Invalidate(userID)
}

// InvalidateAllCaches drops every cached permission set
func (s *AuthorizationService) InvalidateAllCaches() {
	if s == nil || s.cache == nil {
		return
	}
	s.cache.InvalidateAll()
}

// Mapper returns the capability mapper used by the service
func (s *AuthorizationService) Mapper() *CapabilityMapper {
	return s.mapper
}
