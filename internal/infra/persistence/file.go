package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/pkg/observer"
)

// suppressWindow is how long after our own write an fsnotify event for the
// same file is attributed to us rather than to an external writer.
const suppressWindow = time.Second

// FileStore persists each key as a JSON file in a single directory. Writes
// go through a temp file and an atomic rename so a crash leaves either the
// old or the new complete file, never a partial one. An fsnotify watcher
// turns external edits into StorageMutation notifications.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu         sync.Mutex
	selfWrites map[string]time.Time

	mutations *observer.Registry[domain.StorageMutation]
	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFileStore creates the directory if needed and starts the watcher.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch storage directory: %w", err)
	}

	s := &FileStore{
		dir:        dir,
		logger:     logger,
		selfWrites: make(map[string]time.Time),
		mutations:  observer.NewRegistry[domain.StorageMutation](),
		watcher:    watcher,
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.watchLoop()

	return s, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(key, "/", "__")+".json")
}

func (s *FileStore) keyFor(filename string) string {
	name := strings.TrimSuffix(filepath.Base(filename), ".json")
	return strings.ReplaceAll(name, "__", "/")
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Put writes atomically: temp file in the same directory, fsync, rename.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	target := s.path(key)
	s.markSelfWrite(target)

	f, err := os.CreateTemp(s.dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync data to disk: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0o600); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	ok = true
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	target := s.path(key)
	s.markSelfWrite(target)

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if key := s.keyFor(e.Name()); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *FileStore) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("storage directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %s is not a directory", s.dir)
	}
	return nil
}

// OnMutation subscribes fn to external-write notifications.
func (s *FileStore) OnMutation(fn func(domain.StorageMutation)) func() {
	return s.mutations.Subscribe(fn)
}

// Close stops the watcher. Idempotent.
func (s *FileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *FileStore) markSelfWrite(path string) {
	s.mu.Lock()
	s.selfWrites[path] = time.Now()
	s.mu.Unlock()
}

func (s *FileStore) isSelfWrite(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.selfWrites[path]
	return ok && time.Since(at) < suppressWindow
}

func (s *FileStore) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".tmp-") {
				continue
			}
			if s.isSelfWrite(event.Name) {
				continue
			}
			key := s.keyFor(event.Name)
			s.logger.Warn("external modification of persisted state",
				slog.String("key", key), slog.String("op", event.Op.String()))
			s.mutations.Publish(domain.StorageMutation{Key: key, Timestamp: time.Now().UTC()})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("file watcher error", slog.String("error", err.Error()))
		}
	}
}
