// Package session implements the session lifecycle: an encrypted-at-rest
// session store with per-user caps, and a manager that issues, validates,
// silently renews and expires sessions, recording every transition in the
// audit log.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/grantline/grantline/internal/constants"
	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/internal/infra/persistence"
)

// StoreConfig bounds session validity and concurrency.
type StoreConfig struct {
	IdleTimeout        time.Duration
	MaxSessionsPerUser int
}

// Store persists session records. Every record is individually encrypted
// and integrity-tagged before it reaches the backend; records that fail the
// tag on the way back are discarded, not trusted.
type Store struct {
	logger  *slog.Logger
	backend persistence.Store
	codec   *recordCodec
	cfg     StoreConfig
	clock   func() time.Time

	mu       sync.Mutex
	sessions map[string]*domain.Session
}

// NewStore derives the record codec and loads the persisted session table.
func NewStore(ctx context.Context, logger *slog.Logger, backend persistence.Store, key []byte, cfg StoreConfig) (*Store, error) {
	if cfg.MaxSessionsPerUser < 1 {
		return nil, fmt.Errorf("%w: MaxSessionsPerUser must be at least 1", apperrors.ErrInvalidInput)
	}
	codec, err := newRecordCodec(key)
	if err != nil {
		return nil, err
	}

	s := &Store{
		logger:   logger,
		backend:  backend,
		codec:    codec,
		cfg:      cfg,
		clock:    time.Now,
		sessions: make(map[string]*domain.Session),
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	data, err := s.backend.Get(ctx, constants.KeySessionTable)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session table: %w", err)
	}

	var table map[string][]byte
	if err := json.Unmarshal(data, &table); err != nil {
		s.logger.Error("persisted session table is unreadable, starting empty",
			slog.String("error", err.Error()))
		return nil
	}

	for id, record := range table {
		sess, err := s.codec.decode(record)
		if err != nil {
			s.logger.Warn("discarding session record that failed integrity check",
				slog.String("session_id", id), slog.String("error", err.Error()))
			continue
		}
		s.sessions[sess.ID] = sess
	}
	return nil
}

// Create stores a new session, first evicting the user's oldest active
// sessions if the per-user cap is reached. Evicted sessions are returned so
// the manager can cancel their timers and audit the eviction.
func (s *Store) Create(ctx context.Context, sess *domain.Session) ([]*domain.Session, error) {
	if sess.ID == "" || sess.UserID == "" {
		return nil, fmt.Errorf("%w: session id and user id are required", apperrors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []*domain.Session
	for {
		active := s.activeForUserLocked(sess.UserID)
		if len(active) < s.cfg.MaxSessionsPerUser {
			break
		}
		oldest := active[0] // activeForUserLocked sorts oldest first
		delete(s.sessions, oldest.ID)
		evicted = append(evicted, oldest)
	}

	s.sessions[sess.ID] = sess.Clone()
	if err := s.saveLocked(ctx); err != nil {
		return evicted, err
	}
	return evicted, nil
}

// Get returns a copy of the session or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return sess.Clone(), nil
}

// Update applies the patch to the stored session and persists the table.
func (s *Store) Update(ctx context.Context, id string, patch domain.SessionPatch) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	if patch.LastActivity != nil {
		sess.LastActivity = *patch.LastActivity
	}
	if patch.ExpiresAt != nil {
		sess.ExpiresAt = *patch.ExpiresAt
	}
	if patch.AccessToken != nil {
		sess.AccessToken = *patch.AccessToken
	}
	if patch.RefreshToken != nil {
		sess.RefreshToken = *patch.RefreshToken
	}
	if patch.IsActive != nil {
		sess.IsActive = *patch.IsActive
	}

	if err := s.saveLocked(ctx); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Delete removes the session and clears the current-session record if it
// points at it. A missing id fails without touching persisted state.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return apperrors.ErrNotFound
	}
	delete(s.sessions, id)
	err := s.saveLocked(ctx)
	s.mu.Unlock()

	if current, _ := s.GetCurrentID(ctx); current == id {
		if derr := s.backend.Delete(ctx, constants.KeySessionCurrent); derr != nil {
			s.logger.Error("failed to clear current session record",
				slog.String("error", derr.Error()))
		}
	}

	return err
}

// All returns a copy of every stored session.
func (s *Store) All(ctx context.Context) []*domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

// ActiveForUser returns the user's active sessions, oldest first.
func (s *Store) ActiveForUser(ctx context.Context, userID string) []*domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Session, 0)
	for _, sess := range s.activeForUserLocked(userID) {
		out = append(out, sess.Clone())
	}
	return out
}

// CleanupExpired removes sessions that are no longer valid and returns how
// many were removed.
func (s *Store) CleanupExpired(ctx context.Context) int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for id, sess := range s.sessions {
		if !sess.ValidAt(now, s.cfg.IdleTimeout) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		if err := s.saveLocked(ctx); err != nil {
			s.logger.Error("failed to persist session table after cleanup",
				slog.String("error", err.Error()))
		}
	}
	return removed
}

// IsValid reports whether the session exists and is currently valid.
func (s *Store) IsValid(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	return ok && sess.ValidAt(s.clock(), s.cfg.IdleTimeout)
}

// SetCurrent marks the session as the browser's current one, persisting an
// encoded copy under the reserved current-session key.
func (s *Store) SetCurrent(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	record, err := s.codec.encode(sess)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, constants.KeySessionCurrent, record)
}

// GetCurrent returns the current session, deleting it on read when it fails
// integrity or validity checks. A nil session with nil error means
// "re-authenticate".
func (s *Store) GetCurrent(ctx context.Context) (*domain.Session, error) {
	data, err := s.backend.Get(ctx, constants.KeySessionCurrent)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read current session: %w", err)
	}

	record, err := s.codec.decode(data)
	if err != nil {
		s.logger.Warn("current session record failed integrity check, discarding",
			slog.String("error", err.Error()))
		if derr := s.backend.Delete(ctx, constants.KeySessionCurrent); derr != nil {
			s.logger.Error("failed to delete invalid current session record",
				slog.String("error", derr.Error()))
		}
		return nil, nil
	}

	// Prefer the table copy, which carries the freshest activity stamps.
	sess, err := s.Get(ctx, record.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		sess = record
	} else if err != nil {
		return nil, err
	}

	if !sess.ValidAt(s.clock(), s.cfg.IdleTimeout) {
		if derr := s.Delete(ctx, sess.ID); derr != nil && !errors.Is(derr, apperrors.ErrNotFound) {
			s.logger.Error("failed to delete invalid current session",
				slog.String("error", derr.Error()))
		}
		if derr := s.backend.Delete(ctx, constants.KeySessionCurrent); derr != nil {
			s.logger.Error("failed to clear current session record",
				slog.String("error", derr.Error()))
		}
		return nil, nil
	}
	return sess, nil
}

// GetCurrentID returns the ID in the current-session record without
// validity side effects.
func (s *Store) GetCurrentID(ctx context.Context) (string, error) {
	data, err := s.backend.Get(ctx, constants.KeySessionCurrent)
	if err != nil {
		return "", err
	}
	record, err := s.codec.decode(data)
	if err != nil {
		return "", err
	}
	return record.ID, nil
}

func (s *Store) activeForUserLocked(userID string) []*domain.Session {
	var out []*domain.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.IsActive {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// saveLocked rewrites the whole encoded table; there is no partial update
// primitive, so a write is atomic for callers in this process.
func (s *Store) saveLocked(ctx context.Context) error {
	table := make(map[string][]byte, len(s.sessions))
	for id, sess := range s.sessions {
		record, err := s.codec.encode(sess)
		if err != nil {
			return fmt.Errorf("failed to encode session %s: %w", id, err)
		}
		table[id] = record
	}

	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to marshal session table: %w", err)
	}
	return s.backend.Put(ctx, constants.KeySessionTable, data)
}
