// Package identity holds the pluggable collaborators the session manager
// depends on: an identity provider that authenticates credentials and a
// token issuer that mints and renews token pairs.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
)

// StaticProvider authenticates against an in-memory credential table. It is
// the development and test provider; production deployments plug a
// federation-backed implementation into the same interface.
type StaticProvider struct {
	mu    sync.RWMutex
	users map[string]*domain.User // credential -> identity
}

// NewStaticProvider returns an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{users: make(map[string]*domain.User)}
}

// Register maps a credential to an identity.
func (p *StaticProvider) Register(credential string, user *domain.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[credential] = user
}

// Authenticate resolves the credential or fails with ErrInvalidInput.
func (p *StaticProvider) Authenticate(ctx context.Context, credential string) (*domain.User, error) {
	p.mu.RLock()
	user, ok := p.users[credential]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown credential", apperrors.ErrInvalidInput)
	}
	cp := *user
	cp.Groups = append([]string(nil), user.Groups...)
	return &cp, nil
}
