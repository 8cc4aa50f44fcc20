package auth

import "time"

// Identity is an authenticated account as seen by the authorization layer
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	IsActive bool   `json:"is_active"`
	IsAdmin  bool   `json:"is_admin"`
}

// Method names how a request was authenticated
type Method string

const (
	MethodTrustedHeader Method = "trusted_header"
	MethodAnonymous     Method = "anonymous"
)

// AuthContext represents the authentication context for a request
type AuthContext struct {
	User            *Identity `json:"user,omitempty"`
	Method          Method    `json:"method"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

// IsAuthenticated reports whether the context carries a user
func (ac *AuthContext) IsAuthenticated() bool {
	return ac != nil && ac.User != nil && ac.User.ID != ""
}

// UserID returns the authenticated user's id or "" when anonymous
func (ac *AuthContext) UserID() string {
	if !ac.IsAuthenticated() {
		return ""
	}
	return ac.User.ID
}
