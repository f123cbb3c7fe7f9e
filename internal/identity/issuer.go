package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/pkg/cache"
)

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// Claims is the payload carried by both access and refresh tokens. TokenUse
// keeps the two from being swapped.
type Claims struct {
	UserID   string   `json:"uid"`
	Name     string   `json:"name,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	TokenUse string   `json:"token_use"`
	jwt.RegisteredClaims
}

// JWTIssuer mints HS256 token pairs. Refresh tokens are single use: each
// consumed token ID is remembered until the token's natural expiry, so a
// replayed refresh token is rejected even though its signature still
// verifies.
type JWTIssuer struct {
	secret          []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	clock           func() time.Time

	revoked cache.Store[string, time.Time]
}

// NewJWTIssuer builds an issuer. Callers own the revocation cache's
// lifecycle and must Close it on shutdown.
func NewJWTIssuer(secret []byte, accessTokenTTL, refreshTokenTTL time.Duration) (*JWTIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: token secret is required", apperrors.ErrInvalidInput)
	}
	return &JWTIssuer{
		secret:          secret,
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		clock:           time.Now,
		revoked:         cache.New[string, time.Time](),
	}, nil
}

// Close releases the revocation cache.
func (i *JWTIssuer) Close() {
	i.revoked.Close()
}

// Issue mints a fresh access/refresh pair for the user.
func (i *JWTIssuer) Issue(ctx context.Context, user *domain.User) (domain.TokenPair, error) {
	if user == nil || user.ID == "" {
		return domain.TokenPair{}, fmt.Errorf("%w: user is required", apperrors.ErrInvalidInput)
	}

	access, err := i.mint(user, tokenUseAccess, i.accessTokenTTL)
	if err != nil {
		return domain.TokenPair{}, err
	}
	refresh, err := i.mint(user, tokenUseRefresh, i.refreshTokenTTL)
	if err != nil {
		return domain.TokenPair{}, err
	}
	return domain.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh validates and consumes the refresh token, then issues a new pair
// for the same identity. The consumed token cannot be used again.
func (i *JWTIssuer) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	claims, err := i.parse(refreshToken)
	if err != nil {
		return domain.TokenPair{}, err
	}
	if claims.TokenUse != tokenUseRefresh {
		return domain.TokenPair{}, fmt.Errorf("%w: not a refresh token", apperrors.ErrInvalidInput)
	}

	if _, seen := i.revoked.Get(ctx, claims.ID); seen {
		return domain.TokenPair{}, apperrors.ErrTokenRevoked
	}

	// Consume the token id, holding it until the token would expire anyway.
	ttl := time.Duration(-1)
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Time.Sub(i.clock()); remaining > 0 {
			ttl = remaining
		}
	}
	i.revoked.Set(ctx, claims.ID, i.clock(), ttl)

	return i.Issue(ctx, &domain.User{
		ID:     claims.UserID,
		Name:   claims.Name,
		Groups: claims.Groups,
	})
}

// Verify parses an access token and returns the identity it certifies.
func (i *JWTIssuer) Verify(ctx context.Context, accessToken string) (*domain.User, error) {
	claims, err := i.parse(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != tokenUseAccess {
		return nil, fmt.Errorf("%w: not an access token", apperrors.ErrInvalidInput)
	}
	return &domain.User{ID: claims.UserID, Name: claims.Name, Groups: claims.Groups}, nil
}

func (i *JWTIssuer) mint(user *domain.User, use string, ttl time.Duration) (string, error) {
	now := i.clock()
	claims := Claims{
		UserID:   user.ID,
		Name:     user.Name,
		Groups:   user.Groups,
		TokenUse: use,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", use, err)
	}
	return signed, nil
}

func (i *JWTIssuer) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.clock() }))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: malformed claims", apperrors.ErrInvalidInput)
	}
	return claims, nil
}
