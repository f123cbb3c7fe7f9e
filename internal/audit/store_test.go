package audit_test

import (
	"context"
	"encoding/hex"
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
	"github.com/grantline/grantline/internal/infra/persistence"
	"github.com/grantline/grantline/internal/integrity"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestStore(t *testing.T, maxEntries int) (*audit.Store, *persistence.MemoryStore) {
	t.Helper()
	backend := persistence.NewMemoryStore()
	manager := integrity.NewManager(testKey, true)
	store, err := audit.NewStore(context.Background(), discardLogger(), backend, manager, maxEntries)
	require.NoError(t, err)
	return store, backend
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fill(store *audit.Store, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		store.Record(ctx, domain.EntryAccess, "alice", "grant.request",
			fmt.Sprintf("system-%d", i), map[string]any{"seq": i})
	}
}

func TestStoreAssignsIDTimestampAndChains(t *testing.T) {
	store, _ := newTestStore(t, 100)
	fill(store, 3)

	entries := store.Entries(0)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, "system-2", entries[0].Target)
	assert.Equal(t, "system-0", entries[2].Target)

	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.NotEmpty(t, e.Hash)
		assert.NotEmpty(t, e.Signature)
		assert.False(t, e.Timestamp.IsZero())
	}

	assert.Empty(t, entries[2].PreviousHash)
	assert.Equal(t, entries[2].Hash, entries[1].PreviousHash)
	assert.Equal(t, entries[1].Hash, entries[0].PreviousHash)
}

func TestStoreEnforcesCapacityBound(t *testing.T) {
	store, _ := newTestStore(t, 5)
	fill(store, 8)

	entries := store.Entries(0)
	require.Len(t, entries, 5)
	assert.Equal(t, "system-7", entries[0].Target)
	assert.Equal(t, "system-3", entries[4].Target)
}

func TestEntriesLimit(t *testing.T) {
	store, _ := newTestStore(t, 100)
	fill(store, 10)

	assert.Len(t, store.Entries(4), 4)
	assert.Len(t, store.Entries(0), 10)
	assert.Len(t, store.Entries(50), 10)
}

func TestVerifyIntegrityCleanStore(t *testing.T) {
	store, _ := newTestStore(t, 100)
	fill(store, 20)

	result := store.VerifyIntegrity(context.Background())
	assert.True(t, result.Valid)
	assert.Empty(t, result.Issues)
}

func TestVerifyIntegrityReportsChecksumMismatch(t *testing.T) {
	store, backend := newTestStore(t, 100)
	fill(store, 5)

	require.NoError(t, backend.Put(context.Background(),
		constants.KeyAuditChecksum, []byte(hex.EncodeToString(make([]byte, 32)))))

	result := store.VerifyIntegrity(context.Background())
	require.False(t, result.Valid)
	assert.Contains(t, result.Issues[0], "checksum mismatch")
}

func TestCleanupEvictsOldEntries(t *testing.T) {
	store, _ := newTestStore(t, 100)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -30)
	store.Store(ctx, &domain.AuditEntry{
		Timestamp: old, Type: domain.EntryAccess, Actor: "alice", Action: "grant.request",
	})
	store.Store(ctx, &domain.AuditEntry{
		Timestamp: old.AddDate(0, 0, 1), Type: domain.EntryAccess, Actor: "alice", Action: "grant.request",
	})
	store.Record(ctx, domain.EntryAccess, "alice", "grant.request", "fresh", nil)

	removed := store.Cleanup(ctx, 7)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, store.Len())

	// Survivors still verify; the dangling head link is not a break.
	result := store.VerifyIntegrity(ctx)
	assert.True(t, result.Valid, "issues: %v", result.Issues)
}

func TestNewEntryEventPublished(t *testing.T) {
	store, _ := newTestStore(t, 100)

	var got []*domain.AuditEntry
	cancel := store.Events().Subscribe(func(ev domain.AuditEvent) {
		got = append(got, ev.Entry)
	})
	defer cancel()

	fill(store, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "system-0", got[0].Target)
}

type failingBackend struct {
	*persistence.MemoryStore
	failPuts bool
}

func (b *failingBackend) Put(ctx context.Context, key string, data []byte) error {
	if b.failPuts {
		return fmt.Errorf("disk full")
	}
	return b.MemoryStore.Put(ctx, key, data)
}

func TestPersistenceFailureDoesNotPropagate(t *testing.T) {
	backend := &failingBackend{MemoryStore: persistence.NewMemoryStore(), failPuts: true}
	manager := integrity.NewManager(testKey, true)
	store, err := audit.NewStore(context.Background(), discardLogger(), backend, manager, 100)
	require.NoError(t, err)

	// Must not panic or surface an error to the caller.
	store.Record(context.Background(), domain.EntrySecurity, "bob", "login.failed", "", nil)

	assert.Equal(t, 1, store.Len())
	assert.True(t, store.Degraded())

	result := store.VerifyIntegrity(context.Background())
	assert.False(t, result.Valid)

	// Recovery clears the degraded flag on the next successful write.
	backend.failPuts = false
	store.Record(context.Background(), domain.EntrySecurity, "bob", "login.ok", "", nil)
	assert.False(t, store.Degraded())
}

func TestStoreReloadsPersistedLog(t *testing.T) {
	backend := persistence.NewMemoryStore()
	manager := integrity.NewManager(testKey, true)
	ctx := context.Background()

	store, err := audit.NewStore(ctx, discardLogger(), backend, manager, 100)
	require.NoError(t, err)
	store.Record(ctx, domain.EntryApproval, "carol", "request.approved", "db-prod", nil)

	reloaded, err := audit.NewStore(ctx, discardLogger(), backend, manager, 100)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	assert.Equal(t, "request.approved", reloaded.Entries(1)[0].Action)
	assert.True(t, reloaded.VerifyIntegrity(ctx).Valid)
}

func TestEmergencyGrantLifecycle(t *testing.T) {
	store, _ := newTestStore(t, 100)
	ea := audit.NewEmergencyAccess(store)
	ctx := context.Background()

	_, err := ea.Grant(ctx, "dave", "prod-db", "", time.Hour)
	require.Error(t, err)

	grant, err := ea.Grant(ctx, "dave", "prod-db", "incident INC-421", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, grant.ID)

	active := ea.ActiveGrants(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, "prod-db", active[0].Target)
	assert.Equal(t, "incident INC-421", active[0].Reason)

	require.NoError(t, ea.Revoke(ctx, grant.ID, "dave", "incident resolved"))
	assert.Empty(t, ea.ActiveGrants(ctx))

	// Grant and revocation are both in the log.
	entries := store.Entries(0)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryEmergency, entries[0].Type)
}

func TestRetentionSweepEvictsAndNotifies(t *testing.T) {
	store, _ := newTestStore(t, 100)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -30)
	for i := 0; i < 2; i++ {
		store.Store(ctx, &domain.AuditEntry{
			Type:      domain.EntryAccess,
			Actor:     "alice",
			Action:    "grant.request",
			Target:    fmt.Sprintf("legacy-%d", i),
			Timestamp: old,
		})
	}
	fill(store, 1)
	require.Equal(t, 3, store.Len())

	var mu sync.Mutex
	var notified int
	retention := audit.NewRetention(discardLogger(), store, 7, 10*time.Millisecond, func() {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	require.NoError(t, retention.Start(ctx))
	require.NoError(t, retention.Start(ctx)) // idempotent
	defer retention.Stop(ctx)

	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notified >= 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "system-0", store.Entries(1)[0].Target)

	require.NoError(t, retention.Stop(ctx))
	require.NoError(t, retention.Stop(ctx)) // idempotent
	assert.False(t, retention.Health(ctx).Ready)
}
