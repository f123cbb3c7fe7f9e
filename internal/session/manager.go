package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/pkg/observer"
	"github.com/grantline/grantline/pkg/patterns/lifecycle"
)

// ManagerConfig shapes session lifetimes and the background sweep.
type ManagerConfig struct {
	Timeout          time.Duration
	RenewalThreshold time.Duration
	SweepInterval    time.Duration
}

// Manager owns the session lifecycle: creation, validation, silent renewal,
// expiry notification and destruction. Every transition lands in the audit
// log.
type Manager struct {
	logger   *slog.Logger
	store    *Store
	issuer   domain.TokenIssuer
	recorder domain.AuditRecorder
	cfg      ManagerConfig
	clock    func() time.Time

	mu       sync.Mutex
	running  bool
	timers   map[string]*time.Timer
	notified map[string]*notifyState
	done     chan struct{}
	wg       sync.WaitGroup

	expiring *observer.Registry[domain.SessionExpiringEvent]
	expired  *observer.Registry[domain.SessionExpiredEvent]
}

// notifyState tracks which one-shot notifications a session has already
// produced.
type notifyState struct {
	expiring bool
	expired  bool
}

// NewManager wires the manager. The issuer may be nil, in which case renewal
// always fails and sessions simply expire.
func NewManager(logger *slog.Logger, store *Store, issuer domain.TokenIssuer, recorder domain.AuditRecorder, cfg ManagerConfig) *Manager {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		logger:   logger,
		store:    store,
		issuer:   issuer,
		recorder: recorder,
		cfg:      cfg,
		clock:    time.Now,
		timers:   make(map[string]*time.Timer),
		notified: make(map[string]*notifyState),
		expiring: observer.NewRegistry[domain.SessionExpiringEvent](),
		expired:  observer.NewRegistry[domain.SessionExpiredEvent](),
	}
}

// Expiring exposes the renewal-window notifications.
func (m *Manager) Expiring() *observer.Registry[domain.SessionExpiringEvent] {
	return m.expiring
}

// Expired exposes the hard-expiry notifications.
func (m *Manager) Expired() *observer.Registry[domain.SessionExpiredEvent] {
	return m.expired
}

// Start launches the periodic expiration sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.done = make(chan struct{})

	m.wg.Add(1)
	go m.sweepLoop(m.done)

	m.logger.Info("session manager started",
		slog.Duration("timeout", m.cfg.Timeout),
		slog.Duration("renewal_threshold", m.cfg.RenewalThreshold))
	return nil
}

// Stop cancels every renewal timer and waits for the sweep to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.done)
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("session manager stopped")
	return nil
}

// Health reports readiness.
func (m *Manager) Health(ctx context.Context) lifecycle.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return lifecycle.HealthStatus{Ready: true}
	}
	return lifecycle.HealthStatus{Ready: false, Message: "session manager not started"}
}

func (m *Manager) sweepLoop(done chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.CheckExpiration(context.Background())
		}
	}
}

// CreateSession mints a session for an authenticated user, evicting the
// user's oldest session when at the per-user cap, and arms a renewal timer
// one threshold before expiry.
func (m *Manager) CreateSession(ctx context.Context, user *domain.User, provider string, tokens domain.TokenPair) (*domain.Session, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("%w: user is required", apperrors.ErrInvalidInput)
	}

	now := m.clock()
	sess := &domain.Session{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		UserName:     user.Name,
		UserGroups:   append([]string(nil), user.Groups...),
		Provider:     provider,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.Timeout),
		LastActivity: now,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IsActive:     true,
	}

	evicted, err := m.store.Create(ctx, sess)
	for _, old := range evicted {
		m.forget(old.ID)
		m.recorder.Record(ctx, domain.EntrySession, old.UserID, "session.evict", old.ID,
			map[string]any{"reason": "per-user session cap reached"})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.armRenewalTimer(sess)
	m.recorder.Record(ctx, domain.EntrySession, user.ID, "session.create", sess.ID,
		map[string]any{"provider": provider, "expires_at": sess.ExpiresAt.Format(time.RFC3339)})

	m.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("user_id", user.ID))
	return sess.Clone(), nil
}

// ValidateSession returns the session if it is still valid; an invalid
// session is destroyed and nil is returned.
func (m *Manager) ValidateSession(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := m.store.Get(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !sess.ValidAt(m.clock(), m.store.cfg.IdleTimeout) {
		if derr := m.DestroySession(ctx, id); derr != nil && !errors.Is(derr, apperrors.ErrNotFound) {
			return nil, derr
		}
		return nil, nil
	}
	return sess, nil
}

// RenewSession exchanges the session's refresh token for a fresh pair and
// extends the expiry. A session without a refresh token, or one the issuer
// rejects, is destroyed.
func (m *Manager) RenewSession(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.ValidAt(m.clock(), m.store.cfg.IdleTimeout) {
		m.destroyQuietly(ctx, sess, "renewal attempted on invalid session")
		return nil, fmt.Errorf("%w: session %s", apperrors.ErrSessionInvalid, id)
	}
	if sess.RefreshToken == "" {
		m.destroyQuietly(ctx, sess, "no refresh token")
		return nil, fmt.Errorf("%w: session has no refresh token", apperrors.ErrRenewalFailed)
	}
	if m.issuer == nil {
		m.destroyQuietly(ctx, sess, "no token issuer configured")
		return nil, fmt.Errorf("%w: no token issuer configured", apperrors.ErrRenewalFailed)
	}

	tokens, err := m.issuer.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		m.destroyQuietly(ctx, sess, "issuer rejected refresh token")
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRenewalFailed, err)
	}

	now := m.clock()
	expiresAt := now.Add(m.cfg.Timeout)
	updated, err := m.store.Update(ctx, id, domain.SessionPatch{
		LastActivity: &now,
		ExpiresAt:    &expiresAt,
		AccessToken:  &tokens.AccessToken,
		RefreshToken: &tokens.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist renewed session: %w", err)
	}

	m.mu.Lock()
	delete(m.notified, id)
	m.mu.Unlock()
	m.armRenewalTimer(updated)

	m.recorder.Record(ctx, domain.EntrySession, updated.UserID, "session.renew", id,
		map[string]any{"expires_at": expiresAt.Format(time.RFC3339)})
	m.logger.Info("session renewed", slog.String("session_id", id))
	return updated, nil
}

// CheckExpiration walks every session once: sessions inside the renewal
// window raise a single expiring notification, sessions past expiry raise a
// single expired notification and are destroyed.
func (m *Manager) CheckExpiration(ctx context.Context) {
	now := m.clock()
	for _, sess := range m.store.All(ctx) {
		remaining := sess.ExpiresAt.Sub(now)

		if remaining <= 0 || !sess.ValidAt(now, m.store.cfg.IdleTimeout) {
			if m.markNotified(sess.ID, true) {
				m.expired.Publish(domain.SessionExpiredEvent{
					Session: sess,
					Message: "Your session has expired. Please sign in again.",
				})
				m.recorder.Record(ctx, domain.EntrySession, sess.UserID, "session.expire", sess.ID, nil)
			}
			if err := m.DestroySession(ctx, sess.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				m.logger.Error("failed to destroy expired session",
					slog.String("session_id", sess.ID), slog.String("error", err.Error()))
			}
			continue
		}

		if remaining <= m.cfg.RenewalThreshold && m.markNotified(sess.ID, false) {
			minutes := int(remaining.Round(time.Minute) / time.Minute)
			m.expiring.Publish(domain.SessionExpiringEvent{
				Session:            sess,
				MinutesUntilExpiry: minutes,
				Message:            fmt.Sprintf("Your session expires in %d minutes.", minutes),
			})
		}
	}
}

// DestroySession cancels the session's timers, then removes it.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	m.forget(id)
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}

	m.recorder.Record(ctx, domain.EntrySession, sess.UserID, "session.destroy", id, nil)
	m.logger.Info("session destroyed", slog.String("session_id", id))
	return nil
}

// TrackActivity stamps the session's last-activity time.
func (m *Manager) TrackActivity(ctx context.Context, id string) error {
	now := m.clock()
	_, err := m.store.Update(ctx, id, domain.SessionPatch{LastActivity: &now})
	return err
}

// ActiveSession returns the browser's current valid session, or nil when the
// caller must re-authenticate.
func (m *Manager) ActiveSession(ctx context.Context) (*domain.Session, error) {
	return m.store.GetCurrent(ctx)
}

// LogoutAllForUser destroys every active session the user holds and returns
// how many were destroyed.
func (m *Manager) LogoutAllForUser(ctx context.Context, userID string) int {
	var destroyed int
	for _, sess := range m.store.ActiveForUser(ctx, userID) {
		if err := m.DestroySession(ctx, sess.ID); err == nil {
			destroyed++
		}
	}
	if destroyed > 0 {
		m.recorder.Record(ctx, domain.EntrySession, userID, "session.logout_all", userID,
			map[string]any{"count": destroyed})
	}
	return destroyed
}

// armRenewalTimer schedules a renewal attempt one threshold before expiry.
// Sessions that cannot renew (no refresh token) and sessions already inside
// the window get no timer; the sweep handles their expiry.
func (m *Manager) armRenewalTimer(sess *domain.Session) {
	if sess.RefreshToken == "" {
		return
	}
	fireAt := sess.ExpiresAt.Add(-m.cfg.RenewalThreshold)
	delay := fireAt.Sub(m.clock())
	if delay <= 0 {
		return
	}

	id := sess.ID
	m.mu.Lock()
	if old, ok := m.timers[id]; ok {
		old.Stop()
	}
	m.timers[id] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()

		ctx := context.Background()
		if _, err := m.RenewSession(ctx, id); err != nil {
			if !errors.Is(err, apperrors.ErrNotFound) {
				m.logger.Warn("automatic session renewal failed",
					slog.String("session_id", id), slog.String("error", err.Error()))
			}
		}
	})
	m.mu.Unlock()
}

// markNotified flips the one-shot flag and reports whether this call was the
// first.
func (m *Manager) markNotified(id string, expired bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.notified[id]
	if !ok {
		state = &notifyState{}
		m.notified[id] = state
	}
	if expired {
		if state.expired {
			return false
		}
		state.expired = true
		return true
	}
	if state.expiring {
		return false
	}
	state.expiring = true
	return true
}

// forget drops the session's timer and notification state.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	delete(m.notified, id)
}

// destroyQuietly tears a session down after a failed renewal without
// surfacing the secondary error.
func (m *Manager) destroyQuietly(ctx context.Context, sess *domain.Session, reason string) {
	m.forget(sess.ID)
	if err := m.store.Delete(ctx, sess.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		m.logger.Error("failed to destroy session after renewal failure",
			slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
	m.recorder.Record(ctx, domain.EntrySession, sess.UserID, "session.destroy", sess.ID,
		map[string]any{"reason": reason})
}
