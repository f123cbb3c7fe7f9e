// Package tamper continuously asserts the audit store's integrity
// invariants off the hot path: a periodic full chain walk, a fast single
// entry check on every append, and a debounced full re-check whenever the
// persisted state is modified out of band. Confirmed incidents can
// quarantine the whole log snapshot for forensic recovery.
package tamper

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

	"github.com/grantline/grantline/internal/audit"
	"github.com/grantline/grantline/internal/constants"
	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/internal/infra/persistence"
	"github.com/grantline/grantline/internal/integrity"
	"github.com/grantline/grantline/pkg/observer"
	"github.com/grantline/grantline/pkg/patterns/lifecycle"
)

// State is the detector's lifecycle state.
type State string

const (
	StateIdle        State = "IDLE"
	StateMonitoring  State = "MONITORING"
	StateViolation   State = "VIOLATION_DETECTED"
	StateQuarantined State = "QUARANTINED"
)

// Config controls check cadence and remediation.
type Config struct {
	CheckInterval  time.Duration
	Debounce       time.Duration
	BaselineSize   int
	AutoQuarantine bool
}

// QuarantineRecord is the verbatim log snapshot moved aside on quarantine.
type QuarantineRecord struct {
	QuarantinedAt time.Time            `json:"quarantined_at"`
	Reason        string               `json:"reason"`
	Entries       []*domain.AuditEntry `json:"entries"`
}

// Detector watches an audit store. It owns its timer, debounce and event
// subscriptions; Stop releases all of them synchronously.
type Detector struct {
	logger    *slog.Logger
	store     *audit.Store
	backend   persistence.Store
	integrity *integrity.Manager
	cfg       Config

	mu           sync.Mutex
	state        State
	baseline     map[string]bool // entry IDs of the last known-good tail
	lastIncident string
	started      bool
	done         chan struct{}
	debounce     *time.Timer
	cancelEntry  func()
	cancelMut    func()
	wg           sync.WaitGroup

	tampering  *observer.Registry[domain.TamperingEvent]
	violations *observer.Registry[domain.IntegrityViolationEvent]
}

// NewDetector wires a detector to a store and its backend.
func NewDetector(logger *slog.Logger, store *audit.Store, backend persistence.Store, manager *integrity.Manager, cfg Config) *Detector {
	return &Detector{
		logger:     logger,
		store:      store,
		backend:    backend,
		integrity:  manager,
		cfg:        cfg,
		state:      StateIdle,
		tampering:  observer.NewRegistry[domain.TamperingEvent](),
		violations: observer.NewRegistry[domain.IntegrityViolationEvent](),
	}
}

// Tampering exposes the per-incident tampering notifications.
func (d *Detector) Tampering() *observer.Registry[domain.TamperingEvent] {
	return d.tampering
}

// Violations exposes the integrity-issue notifications.
func (d *Detector) Violations() *observer.Registry[domain.IntegrityViolationEvent] {
	return d.violations
}

// State returns the current detector state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start establishes the baseline, subscribes to new-entry and
// storage-mutation notifications and begins periodic checks. Idempotent.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.done = make(chan struct{})
	d.state = StateMonitoring
	d.rebaselineLocked(d.store.Snapshot())

	// Fast path: verify just the appended entry; escalate to a full check
	// only when it fails.
	d.cancelEntry = d.store.Events().Subscribe(func(ev domain.AuditEvent) {
		if ev.Entry == nil {
			return
		}
		if d.integrity.Hash(ev.Entry) != ev.Entry.Hash || !d.integrity.Verify(ev.Entry) {
			d.Check(context.Background())
			return
		}
		d.mu.Lock()
		if d.state == StateMonitoring {
			d.baseline[ev.Entry.ID] = true
		}
		d.mu.Unlock()
	})

	// A cross-process edit of the persisted log forces a full re-check
	// after a short debounce instead of trusting last-writer-wins.
	if notifier, ok := d.backend.(persistence.MutationNotifier); ok {
		d.cancelMut = notifier.OnMutation(func(m domain.StorageMutation) {
			d.scheduleCheck()
		})
	}

	d.wg.Add(1)
	d.mu.Unlock()
	go d.run()

	d.logger.Info("tamper detector monitoring",
		slog.Duration("check_interval", d.cfg.CheckInterval),
		slog.Bool("auto_quarantine", d.cfg.AutoQuarantine))
	return nil
}

// Stop cancels the timer, any pending debounce and both subscriptions
// before returning. Idempotent.
func (d *Detector) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	close(d.done)
	if d.debounce != nil {
		d.debounce.Stop()
		d.debounce = nil
	}
	d.state = StateIdle
	cancelEntry, cancelMut := d.cancelEntry, d.cancelMut
	d.cancelEntry, d.cancelMut = nil, nil
	d.mu.Unlock()

	if cancelEntry != nil {
		cancelEntry()
	}
	if cancelMut != nil {
		cancelMut()
	}
	d.wg.Wait()
	return nil
}

// Health reports readiness for the resource manager.
func (d *Detector) Health(ctx context.Context) lifecycle.HealthStatus {
	switch d.State() {
	case StateMonitoring:
		return lifecycle.HealthStatus{Ready: true}
	case StateIdle:
		return lifecycle.HealthStatus{Ready: false, Message: "not started"}
	default:
		return lifecycle.HealthStatus{Ready: true, Message: string(d.State())}
	}
}

func (d *Detector) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.Check(context.Background())
		}
	}
}

func (d *Detector) scheduleCheck() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	if d.debounce != nil {
		d.debounce.Stop()
	}
	d.debounce = time.AfterFunc(d.cfg.Debounce, func() {
		d.Check(context.Background())
	})
}

// Check runs one full verification pass: chain walk, storage checksum,
// baseline presence. It is the externally triggerable tick and is safe to
// call concurrently with the periodic timer.
func (d *Detector) Check(ctx context.Context) domain.TamperingEvent {
	entries := d.store.Snapshot()

	report := d.integrity.DetectTampering(entries)
	violations := report.Violations
	violations = append(violations, d.storageViolations(ctx, entries)...)
	violations = append(violations, d.missingViolations(entries)...)

	severity := domain.SeverityForViolations(len(violations))
	event := domain.TamperingEvent{
		IsTampered:       len(violations) > 0,
		TamperedEntryIDs: entryIDs(violations),
		Severity:         severity,
		Violations:       violations,
	}

	d.mu.Lock()
	if !event.IsTampered {
		if d.state != StateQuarantined {
			d.state = StateMonitoring
		}
		d.lastIncident = ""
		d.rebaselineLocked(entries)
		d.mu.Unlock()
		return event
	}

	d.state = StateViolation
	digest := incidentDigest(violations)
	fresh := digest != d.lastIncident
	d.lastIncident = digest
	d.mu.Unlock()

	// Exactly one pair of events per detected incident, even when
	// auto-remediation follows.
	if fresh {
		d.logger.Warn("audit log tampering detected",
			slog.String("severity", string(severity)),
			slog.Int("violations", len(violations)))
		d.tampering.Publish(event)
		d.violations.Publish(domain.IntegrityViolationEvent{Issues: issueStrings(violations)})
	}

	if d.cfg.AutoQuarantine &&
		(severity == domain.SeverityHigh || severity == domain.SeverityCritical) {
		reason := fmt.Sprintf("auto-quarantine: %d violations (%s)", len(violations), severity)
		if err := d.Quarantine(ctx, reason); err != nil {
			d.logger.Error("quarantine failed", slog.String("error", err.Error()))
		}
	}

	return event
}

// Quarantine moves the entire current snapshot, verbatim, into the
// quarantine record and resets the live log.
func (d *Detector) Quarantine(ctx context.Context, reason string) error {
	record := QuarantineRecord{
		QuarantinedAt: time.Now().UTC(),
		Reason:        reason,
		Entries:       d.store.Snapshot(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal quarantine record: %w", err)
	}
	if err := d.backend.Put(ctx, constants.KeyAuditQuarantine, data); err != nil {
		return fmt.Errorf("failed to persist quarantine record: %w", err)
	}
	if err := d.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset live log: %w", err)
	}

	d.mu.Lock()
	d.state = StateQuarantined
	d.rebaselineLocked(nil)
	d.mu.Unlock()

	d.logger.Warn("audit log quarantined",
		slog.String("reason", reason),
		slog.Int("entries", len(record.Entries)))
	return nil
}

// Quarantined returns the current quarantine record, if any.
func (d *Detector) Quarantined(ctx context.Context) (*QuarantineRecord, error) {
	data, err := d.backend.Get(ctx, constants.KeyAuditQuarantine)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrQuarantineEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quarantine record: %w", err)
	}

	var record QuarantineRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode quarantine record: %w", err)
	}
	return &record, nil
}

// RestoreFromQuarantine replays the quarantined payload back into the live
// log and rebuilds the baseline. Permanent removal only ever happens through
// this explicit operator path.
func (d *Detector) RestoreFromQuarantine(ctx context.Context) error {
	record, err := d.Quarantined(ctx)
	if err != nil {
		return err
	}

	if err := d.store.Replace(ctx, record.Entries); err != nil {
		return fmt.Errorf("failed to restore entries: %w", err)
	}
	if err := d.backend.Delete(ctx, constants.KeyAuditQuarantine); err != nil {
		return fmt.Errorf("failed to clear quarantine record: %w", err)
	}

	d.mu.Lock()
	d.state = StateMonitoring
	d.lastIncident = ""
	d.rebaselineLocked(record.Entries)
	d.mu.Unlock()

	d.logger.Info("audit log restored from quarantine",
		slog.Int("entries", len(record.Entries)))
	return nil
}

// storageViolations compares the persisted payload against the live set.
func (d *Detector) storageViolations(ctx context.Context, entries []*domain.AuditEntry) []domain.Violation {
	now := time.Now().UTC()

	stored, err := d.backend.Get(ctx, constants.KeyAuditChecksum)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return []domain.Violation{{
			Type: domain.ViolationStorageModified, Actual: err.Error(), Timestamp: now,
		}}
	}

	expected := audit.Checksum(entries)
	if errors.Is(err, apperrors.ErrNotFound) {
		if len(entries) == 0 {
			return nil
		}
		stored = nil
	}
	if string(stored) != expected {
		// A write may have landed between the snapshot and the checksum
		// read; re-anchor on the current set before calling it a violation.
		expected = audit.Checksum(d.store.Snapshot())
		if string(stored) == expected {
			return nil
		}
		return []domain.Violation{{
			Type:      domain.ViolationStorageModified,
			Expected:  expected,
			Actual:    string(stored),
			Timestamp: now,
		}}
	}
	return nil
}

// missingViolations flags baseline entries that vanished from the live set.
func (d *Detector) missingViolations(entries []*domain.AuditEntry) []domain.Violation {
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.ID] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []domain.Violation
	now := time.Now().UTC()
	for id := range d.baseline {
		if !present[id] {
			out = append(out, domain.Violation{
				Type:      domain.ViolationEntryMissing,
				EntryID:   id,
				Expected:  "present",
				Actual:    "missing",
				Timestamp: now,
			})
		}
	}
	return out
}

// rebaselineLocked records the IDs of the most recent BaselineSize entries.
func (d *Detector) rebaselineLocked(entries []*domain.AuditEntry) {
	n := d.cfg.BaselineSize
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	d.baseline = make(map[string]bool, n)
	for _, e := range entries[len(entries)-n:] {
		d.baseline[e.ID] = true
	}
}

// Rebaseline forgets the current baseline and re-anchors on the live set.
// Call it after an intentional bulk change such as retention cleanup.
func (d *Detector) Rebaseline() {
	entries := d.store.Snapshot()
	d.mu.Lock()
	d.rebaselineLocked(entries)
	d.mu.Unlock()
}

func entryIDs(violations []domain.Violation) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, v := range violations {
		if v.EntryID != "" && !seen[v.EntryID] {
			seen[v.EntryID] = true
			ids = append(ids, v.EntryID)
		}
	}
	return ids
}

func issueStrings(violations []domain.Violation) []string {
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		if v.EntryID != "" {
			out = append(out, fmt.Sprintf("%s: entry %s", v.Type, v.EntryID))
			continue
		}
		out = append(out, string(v.Type))
	}
	return out
}

func incidentDigest(violations []domain.Violation) string {
	h := sha256.New()
	for _, v := range violations {
		fmt.Fprintf(h, "%s|%s|%s|%s\n", v.Type, v.EntryID, v.Expected, v.Actual)
	}
	return hex.EncodeToString(h.Sum(nil))
}
