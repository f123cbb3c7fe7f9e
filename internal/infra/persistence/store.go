// Package persistence provides the pluggable key/value stores that hold the
// audit log and session table. Backends are untrusted: everything written
// through them is integrity-checked by its owner on the way back in.
package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/internal/infra/config"
)

// Store is the durable key/value surface. Get returns
// errors.ErrNotFound for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// MutationNotifier is implemented by backends that can observe out-of-band
// writes (another process editing the persisted state). The tamper detector
// subscribes when available.
type MutationNotifier interface {
	OnMutation(fn func(domain.StorageMutation)) (cancel func())
}

// Closer is implemented by backends holding external resources.
type Closer interface {
	Close() error
}

// New builds the backend selected by cfg. The variant set is fixed; the
// choice happens exactly once, here.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Dir, logger)
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("%w: postgres backend requires storage.database.url", apperrors.ErrInvalidInput)
		}
		return NewPostgresStore(ctx, cfg.Database.URL, logger)
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("%w: s3 backend requires storage.s3.bucket", apperrors.ErrInvalidInput)
		}
		return NewS3Store(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", apperrors.ErrInvalidInput, cfg.Backend)
	}
}
