package domain

import (
	"context"
	"time"
)

// User is the identity triple handed back by an external identity provider.
type User struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

// TokenPair is the credential set handed back by an external token issuer.
// The refresh token is optional; sessions without one cannot be renewed.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Session is one authenticated session. Mutation happens only through the
// session store's patch path; callers always work with copies.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	UserGroups   []string  `json:"user_groups"`
	Provider     string    `json:"provider"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IsActive     bool      `json:"is_active"`
}

// ValidAt reports whether the session is usable at the given instant: it must
// not have passed its hard expiry and must have seen activity within the
// idle timeout.
func (s *Session) ValidAt(now time.Time, idleTimeout time.Duration) bool {
	if s == nil || !s.IsActive {
		return false
	}
	if !now.Before(s.ExpiresAt) {
		return false
	}
	return now.Sub(s.LastActivity) <= idleTimeout
}

// Clone returns a copy safe to hand to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.UserGroups != nil {
		cp.UserGroups = append([]string(nil), s.UserGroups...)
	}
	return &cp
}

// SessionPatch is the only way session fields change after creation. Nil
// fields are left untouched.
type SessionPatch struct {
	LastActivity *time.Time
	ExpiresAt    *time.Time
	AccessToken  *string
	RefreshToken *string
	IsActive     *bool
}

// IdentityProvider authenticates a credential and returns the identity
// triple. Federation protocols live behind this interface and are out of
// scope for the core.
type IdentityProvider interface {
	Authenticate(ctx context.Context, credential string) (*User, error)
}

// TokenIssuer mints and renews token pairs. Renewal consumes the refresh
// token; implementations are expected to reject reuse.
type TokenIssuer interface {
	Issue(ctx context.Context, user *User) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}
