// Package audit implements the append-only, tamper-evident log of
// security-relevant events. Entries are chained and signed by the integrity
// manager, capped to a retained maximum, and persisted alongside a rolling
// checksum so whole-log corruption is detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grantline/grantline/internal/constants"
	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/internal/infra/persistence"
	"github.com/grantline/grantline/internal/integrity"
	"github.com/grantline/grantline/pkg/observer"
)

// Store is the durable audit log. All mutation reads, modifies and rewrites
// the full entry set, so a write is atomic from the caller's perspective
// (though not with respect to writers in another process; the tamper
// detector reconciles that race).
type Store struct {
	logger    *slog.Logger
	integrity *integrity.Manager
	backend   persistence.Store

	maxEntries int

	mu       sync.Mutex
	entries  []*domain.AuditEntry
	degraded bool

	events *observer.Registry[domain.AuditEvent]
}

// NewStore loads any persisted log and returns a ready store. A corrupt
// persisted payload is logged and treated as an empty log; the checksum
// mismatch will surface through VerifyIntegrity and the tamper detector.
func NewStore(ctx context.Context, logger *slog.Logger, backend persistence.Store, manager *integrity.Manager, maxEntries int) (*Store, error) {
	if maxEntries < 1 {
		return nil, fmt.Errorf("%w: maxEntries must be at least 1", apperrors.ErrInvalidInput)
	}

	s := &Store{
		logger:     logger,
		integrity:  manager,
		backend:    backend,
		maxEntries: maxEntries,
		events:     observer.NewRegistry[domain.AuditEvent](),
	}

	data, err := backend.Get(ctx, constants.KeyAuditLog)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		// First run, nothing persisted yet.
	case err != nil:
		return nil, fmt.Errorf("failed to load audit log: %w", err)
	default:
		if err := json.Unmarshal(data, &s.entries); err != nil {
			logger.Error("persisted audit log is unreadable, starting empty",
				slog.String("error", err.Error()))
			s.entries = nil
		}
	}

	return s, nil
}

// Events exposes the new-entry notifications.
func (s *Store) Events() *observer.Registry[domain.AuditEvent] {
	return s.events
}

// Record builds an entry from the given fields and stores it. It is the
// convenience write path used by collaborating components.
func (s *Store) Record(ctx context.Context, typ domain.EntryType, actor, action, target string, details map[string]any) {
	s.Store(ctx, &domain.AuditEntry{
		Type:    typ,
		Actor:   actor,
		Action:  action,
		Target:  target,
		Details: details,
	})
}

// Store chains, signs and appends the entry, then persists the full set.
// Persistence failures are logged and flagged, never returned: a best-effort
// audit log must not fail the operation it documents.
func (s *Store) Store(ctx context.Context, e *domain.AuditEntry) {
	s.mu.Lock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	// Timestamps are monotonically non-decreasing within this writer.
	if n := len(s.entries); n > 0 && e.Timestamp.Before(s.entries[n-1].Timestamp) {
		e.Timestamp = s.entries[n-1].Timestamp
	}

	var prev *domain.AuditEntry
	if n := len(s.entries); n > 0 {
		prev = s.entries[n-1]
	}
	s.integrity.Chain(prev, e)
	e.Signature = s.integrity.Sign(e)

	s.entries = append(s.entries, e)
	if len(s.entries) > s.maxEntries {
		// Capacity bound, not a security boundary: oldest entries drop.
		s.entries = append([]*domain.AuditEntry(nil), s.entries[len(s.entries)-s.maxEntries:]...)
	}

	s.persistLocked(ctx)
	clone := e.Clone()
	s.mu.Unlock()

	s.events.Publish(domain.AuditEvent{Entry: clone})
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) Entries(limit int) []*domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]*domain.AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.entries[i].Clone())
	}
	return out
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Degraded reports whether a persistence failure has been swallowed since
// the last successful write.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// VerifyIntegrity recomputes the storage checksum and re-walks the hash
// chain, reporting every discrepancy as an issue string.
func (s *Store) VerifyIntegrity(ctx context.Context) domain.IntegrityResult {
	s.mu.Lock()
	entries := s.snapshotLocked()
	expected := Checksum(entries)
	degraded := s.degraded
	s.mu.Unlock()

	var issues []string

	stored, err := s.backend.Get(ctx, constants.KeyAuditChecksum)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		if len(entries) > 0 {
			issues = append(issues, "storage checksum missing")
		}
	case err != nil:
		issues = append(issues, fmt.Sprintf("storage checksum unreadable: %v", err))
	case string(stored) != expected:
		issues = append(issues, fmt.Sprintf("%v: checksum mismatch, expected %s got %s",
			apperrors.ErrStorageCorruption, expected, stored))
	}

	report := s.integrity.DetectTampering(entries)
	for _, v := range report.Violations {
		issues = append(issues, fmt.Sprintf("%v: %s entry %s", apperrors.ErrIntegrityViolation, v.Type, v.EntryID))
	}

	if degraded {
		issues = append(issues, "audit log degraded: a previous persistence attempt failed")
	}

	return domain.IntegrityResult{Valid: len(issues) == 0, Issues: issues}
}

// Cleanup evicts entries older than daysToKeep and returns how many were
// removed. Survivors keep their hashes; the dangling previous-hash on the
// new head is expected and not treated as a break.
func (s *Store) Cleanup(ctx context.Context, daysToKeep int) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(s.entries) - len(kept)
	if removed > 0 {
		s.entries = append([]*domain.AuditEntry(nil), kept...)
		s.persistLocked(ctx)
	}
	return removed
}

// Snapshot returns a deep copy of the whole log in append order.
func (s *Store) Snapshot() []*domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Reset empties the live log; used by the quarantine path, which has
// already moved the snapshot aside.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return s.persistLockedErr(ctx)
}

// Replace swaps the full entry set, id-for-id and field-for-field; used to
// restore a quarantined snapshot.
func (s *Store) Replace(ctx context.Context, entries []*domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]*domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		s.entries = append(s.entries, e.Clone())
	}
	return s.persistLockedErr(ctx)
}

func (s *Store) snapshotLocked() []*domain.AuditEntry {
	out := make([]*domain.AuditEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	return out
}

func (s *Store) persistLocked(ctx context.Context) {
	if err := s.persistLockedErr(ctx); err != nil {
		s.degraded = true
		s.logger.Error("failed to persist audit log",
			slog.Int("entries", len(s.entries)),
			slog.String("error", err.Error()))
	}
}

func (s *Store) persistLockedErr(ctx context.Context) error {
	data, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("failed to marshal audit log: %w", err)
	}
	if err := s.backend.Put(ctx, constants.KeyAuditLog, data); err != nil {
		return err
	}
	if err := s.backend.Put(ctx, constants.KeyAuditChecksum, []byte(Checksum(s.entries))); err != nil {
		return err
	}
	s.degraded = false
	return nil
}

// Checksum digests the (id, hash, signature) triples of the whole log.
func Checksum(entries []*domain.AuditEntry) string {
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s|%s|%s\n", e.ID, e.Hash, e.Signature)
	}
	return hex.EncodeToString(h.Sum(nil))
}
