package persistence_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/internal/infra/persistence"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, store.Put(ctx, "grantline/audit/log", []byte("payload")))
	data, err := store.Get(ctx, "grantline/audit/log")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	// Returned slices are copies, not views into the store.
	data[0] = 'X'
	again, err := store.Get(ctx, "grantline/audit/log")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), again)

	require.NoError(t, store.Delete(ctx, "grantline/audit/log"))
	_, err = store.Get(ctx, "grantline/audit/log")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "grantline/audit/log", []byte("a")))
	require.NoError(t, store.Put(ctx, "grantline/audit/checksum", []byte("b")))
	require.NoError(t, store.Put(ctx, "grantline/session/current", []byte("c")))

	keys, err := store.List(ctx, "grantline/audit/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := persistence.NewFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.Get(ctx, "grantline/audit/log")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, store.Put(ctx, "grantline/audit/log", []byte("payload")))
	data, err := store.Get(ctx, "grantline/audit/log")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	keys, err := store.List(ctx, "grantline/audit/")
	require.NoError(t, err)
	assert.Equal(t, []string{"grantline/audit/log"}, keys)

	require.NoError(t, store.Delete(ctx, "grantline/audit/log"))
	_, err = store.Get(ctx, "grantline/audit/log")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, store.HealthCheck(ctx))
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.NewFileStore(dir, discardLogger())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Put(ctx, "grantline/audit/log", []byte("payload")))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "grantline__audit__log.json", entries[0].Name())
}

func TestFileStoreNotifiesOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.NewFileStore(dir, discardLogger())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "grantline/audit/log", []byte("payload")))

	var mu sync.Mutex
	var mutations []domain.StorageMutation
	cancel := store.OnMutation(func(m domain.StorageMutation) {
		mu.Lock()
		mutations = append(mutations, m)
		mu.Unlock()
	})
	defer cancel()

	// Wait out the self-write suppression window, then edit out of band.
	time.Sleep(1100 * time.Millisecond)
	path := filepath.Join(dir, "grantline__audit__log.json")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(mutations) > 0
	}, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "grantline/audit/log", mutations[0].Key)
	mu.Unlock()
}

func TestFileStoreOwnWritesSuppressed(t *testing.T) {
	store, err := persistence.NewFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var count int
	cancel := store.OnMutation(func(domain.StorageMutation) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, store.Put(ctx, "grantline/session/table", []byte("payload")))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, count)
	mu.Unlock()
}

func TestFileStoreCloseIdempotent(t *testing.T) {
	store, err := persistence.NewFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
