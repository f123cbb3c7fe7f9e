package tamper_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantline/grantline/internal/audit"
	"github.com/grantline/grantline/internal/constants"
	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/internal/infra/persistence"
	"github.com/grantline/grantline/internal/integrity"
	"github.com/grantline/grantline/internal/tamper"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	store    *audit.Store
	backend  *persistence.MemoryStore
	manager  *integrity.Manager
	detector *tamper.Detector
}

func newFixture(t *testing.T, cfg tamper.Config) *fixture {
	t.Helper()
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Hour // periodic timer stays quiet in tests
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = time.Millisecond
	}
	if cfg.BaselineSize == 0 {
		cfg.BaselineSize = 10
	}

	logger := slog.New(slog.DiscardHandler)
	backend := persistence.NewMemoryStore()
	manager := integrity.NewManager(testKey, true)
	store, err := audit.NewStore(context.Background(), logger, backend, manager, 1000)
	require.NoError(t, err)

	return &fixture{
		store:    store,
		backend:  backend,
		manager:  manager,
		detector: tamper.NewDetector(logger, store, backend, manager, cfg),
	}
}

func (f *fixture) fill(n int) {
	for i := 0; i < n; i++ {
		f.store.Record(context.Background(), domain.EntryAccess, "alice", "grant.request",
			fmt.Sprintf("system-%d", i), map[string]any{"seq": i})
	}
}

func TestCleanLogPassesCheck(t *testing.T) {
	f := newFixture(t, tamper.Config{})
	f.fill(10)

	event := f.detector.Check(context.Background())
	assert.False(t, event.IsTampered)
	assert.Empty(t, event.TamperedEntryIDs)
	assert.Equal(t, domain.SeverityLow, event.Severity)
}

func TestStartStopReleasesEverything(t *testing.T) {
	f := newFixture(t, tamper.Config{})
	ctx := context.Background()

	require.NoError(t, f.detector.Start(ctx))
	require.NoError(t, f.detector.Start(ctx)) // idempotent
	assert.Equal(t, tamper.StateMonitoring, f.detector.State())
	assert.True(t, f.detector.Health(ctx).Ready)

	require.NoError(t, f.detector.Stop(ctx))
	require.NoError(t, f.detector.Stop(ctx)) // idempotent
	assert.Equal(t, tamper.StateIdle, f.detector.State())
	assert.Equal(t, 0, f.store.Events().Len())
}

func TestTamperedEntryRaisesEventOnce(t *testing.T) {
	f := newFixture(t, tamper.Config{})
	f.fill(5)

	var events []domain.TamperingEvent
	f.detector.Tampering().Subscribe(func(ev domain.TamperingEvent) { events = append(events, ev) })

	// Corrupt one persisted entry out of band.
	entries := f.store.Snapshot()
	entries[2].Actor = "mallory"
	require.NoError(t, f.store.Replace(context.Background(), entries))

	f.detector.Check(context.Background())
	f.detector.Check(context.Background()) // same incident, no second event

	require.Len(t, events, 1)
	assert.True(t, events[0].IsTampered)
	assert.NotEmpty(t, events[0].TamperedEntryIDs)
}

func TestSeverityEscalatesWithViolationCount(t *testing.T) {
	f := newFixture(t, tamper.Config{})
	f.fill(10)

	entries := f.store.Snapshot()
	entries[1].Action = "tampered"
	require.NoError(t, f.store.Replace(context.Background(), entries))

	event := f.detector.Check(context.Background())
	require.True(t, event.IsTampered)
	// One mutated entry yields a recompute mismatch and a signature failure.
	assert.Equal(t, domain.SeverityMedium, event.Severity)
}

func TestAutoQuarantineOnHighSeverity(t *testing.T) {
	f := newFixture(t, tamper.Config{AutoQuarantine: true})
	f.fill(10)
	ctx := context.Background()

	entries := f.store.Snapshot()
	for _, i := range []int{1, 3, 5} {
		entries[i].Action = "tampered"
	}
	require.NoError(t, f.store.Replace(ctx, entries))

	event := f.detector.Check(ctx)
	require.True(t, event.IsTampered)
	require.True(t, event.Severity == domain.SeverityHigh || event.Severity == domain.SeverityCritical)

	assert.Equal(t, tamper.StateQuarantined, f.detector.State())
	assert.Equal(t, 0, f.store.Len())

	record, err := f.detector.Quarantined(ctx)
	require.NoError(t, err)
	assert.Len(t, record.Entries, 10)
	assert.NotEmpty(t, record.Reason)
}

func TestQuarantineRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, tamper.Config{})
	f.fill(7)
	ctx := context.Background()

	before := f.store.Snapshot()
	require.NoError(t, f.detector.Quarantine(ctx, "operator request"))
	assert.Equal(t, 0, f.store.Len())

	require.NoError(t, f.detector.RestoreFromQuarantine(ctx))
	after := f.store.Snapshot()

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i], after[i], "entry %d", i)
	}
	assert.Equal(t, tamper.StateMonitoring, f.detector.State())

	// Quarantine slot is cleared after restore.
	_, err := f.detector.Quarantined(ctx)
	assert.ErrorIs(t, err, apperrors.ErrQuarantineEmpty)
}

func TestRestoreWithoutQuarantineFails(t *testing.T) {
	f := newFixture(t, tamper.Config{})
	err := f.detector.RestoreFromQuarantine(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrQuarantineEmpty)
}

func TestExternalChecksumEditDetected(t *testing.T) {
	f := newFixture(t, tamper.Config{})
	f.fill(3)
	ctx := context.Background()

	require.NoError(t, f.backend.Put(ctx, constants.KeyAuditChecksum, []byte("forged")))

	event := f.detector.Check(ctx)
	require.True(t, event.IsTampered)

	var sawStorage bool
	for _, v := range event.Violations {
		if v.Type == domain.ViolationStorageModified {
			sawStorage = true
		}
	}
	assert.True(t, sawStorage)
}

func TestMissingEntryDetectedAgainstBaseline(t *testing.T) {
	f := newFixture(t, tamper.Config{BaselineSize: 5})
	f.fill(5)
	ctx := context.Background()

	require.NoError(t, f.detector.Start(ctx))
	defer f.detector.Stop(ctx)

	// Truncate the live log: drop the newest two entries.
	entries := f.store.Snapshot()
	require.NoError(t, f.store.Replace(ctx, entries[:3]))

	event := f.detector.Check(ctx)
	require.True(t, event.IsTampered)

	var missing int
	for _, v := range event.Violations {
		if v.Type == domain.ViolationEntryMissing {
			missing++
		}
	}
	assert.Equal(t, 2, missing)
}

func TestNewEntriesExtendBaselineViaFastPath(t *testing.T) {
	f := newFixture(t, tamper.Config{BaselineSize: 100})
	ctx := context.Background()

	require.NoError(t, f.detector.Start(ctx))
	defer f.detector.Stop(ctx)

	f.fill(4)

	event := f.detector.Check(ctx)
	assert.False(t, event.IsTampered, "violations: %v", event.Violations)
}

func TestRetentionCleanupWithRebaselineStaysClean(t *testing.T) {
	f := newFixture(t, tamper.Config{BaselineSize: 10})
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -30)
	for i := 0; i < 2; i++ {
		f.store.Store(ctx, &domain.AuditEntry{
			Type:      domain.EntryAccess,
			Actor:     "alice",
			Action:    "grant.request",
			Target:    fmt.Sprintf("legacy-%d", i),
			Timestamp: old,
		})
	}
	f.fill(3)

	require.NoError(t, f.detector.Start(ctx))
	defer f.detector.Stop(ctx)

	removed := f.store.Cleanup(ctx, 7)
	require.Equal(t, 2, removed)

	// Re-anchoring after an intentional eviction keeps the check clean.
	f.detector.Rebaseline()
	event := f.detector.Check(ctx)
	assert.False(t, event.IsTampered, "violations: %v", event.Violations)
	assert.Equal(t, tamper.StateMonitoring, f.detector.State())
}

func TestConcurrentStartStopReleasesSubscriptions(t *testing.T) {
	f := newFixture(t, tamper.Config{})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.detector.Start(ctx))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.detector.Stop(ctx))
		}()
		wg.Wait()

		require.NoError(t, f.detector.Stop(ctx))
		assert.Equal(t, 0, f.store.Events().Len())
	}
}
