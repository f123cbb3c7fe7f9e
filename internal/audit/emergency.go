package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
)

// EmergencyGrant is a break-glass elevation: a time-bounded access grant
// issued outside the normal approval flow. Grants exist only as audit
// entries; the log is their system of record.
type EmergencyGrant struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Target    string    `json:"target"`
	Reason    string    `json:"reason"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

const (
	actionEmergencyGranted = "emergency.granted"
	actionEmergencyRevoked = "emergency.revoked"
)

// EmergencyAccess issues and revokes break-glass grants against the store.
type EmergencyAccess struct {
	store *Store
	clock func() time.Time
}

// NewEmergencyAccess wires break-glass handling onto an audit store.
func NewEmergencyAccess(store *Store) *EmergencyAccess {
	return &EmergencyAccess{store: store, clock: time.Now}
}

// Grant writes an EMERGENCY entry and returns the grant handle. The reason
// is mandatory; break-glass without a recorded justification is not allowed.
func (ea *EmergencyAccess) Grant(ctx context.Context, actor, target, reason string, ttl time.Duration) (*EmergencyGrant, error) {
	if actor == "" || target == "" || reason == "" {
		return nil, fmt.Errorf("%w: actor, target and reason are required", apperrors.ErrInvalidInput)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: grant ttl must be positive", apperrors.ErrInvalidInput)
	}

	now := ea.clock().UTC()
	grant := &EmergencyGrant{
		ID:        uuid.New().String(),
		Actor:     actor,
		Target:    target,
		Reason:    reason,
		GrantedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	ea.store.Record(ctx, domain.EntryEmergency, actor, actionEmergencyGranted, target, map[string]any{
		"grant_id":   grant.ID,
		"reason":     reason,
		"expires_at": grant.ExpiresAt.Format(time.RFC3339),
	})

	return grant, nil
}

// Revoke records the early termination of a grant.
func (ea *EmergencyAccess) Revoke(ctx context.Context, grantID, actor, reason string) error {
	if grantID == "" || actor == "" {
		return fmt.Errorf("%w: grant id and actor are required", apperrors.ErrInvalidInput)
	}

	ea.store.Record(ctx, domain.EntryEmergency, actor, actionEmergencyRevoked, "", map[string]any{
		"grant_id": grantID,
		"reason":   reason,
	})
	return nil
}

// ActiveGrants scans the live log for grants that have neither expired nor
// been revoked.
func (ea *EmergencyAccess) ActiveGrants(ctx context.Context) []*EmergencyGrant {
	now := ea.clock().UTC()
	revoked := make(map[string]bool)
	var active []*EmergencyGrant

	// Newest-first scan: revocations are seen before the grants they cancel.
	for _, e := range ea.store.Entries(0) {
		if e.Type != domain.EntryEmergency {
			continue
		}
		id, _ := e.Details["grant_id"].(string)
		if id == "" {
			continue
		}

		switch e.Action {
		case actionEmergencyRevoked:
			revoked[id] = true
		case actionEmergencyGranted:
			if revoked[id] {
				continue
			}
			expires, ok := e.Details["expires_at"].(string)
			if !ok {
				continue
			}
			expiresAt, err := time.Parse(time.RFC3339, expires)
			if err != nil || !now.Before(expiresAt) {
				continue
			}
			reason, _ := e.Details["reason"].(string)
			active = append(active, &EmergencyGrant{
				ID:        id,
				Actor:     e.Actor,
				Target:    e.Target,
				Reason:    reason,
				GrantedAt: e.Timestamp,
				ExpiresAt: expiresAt,
			})
		}
	}
	return active
}
