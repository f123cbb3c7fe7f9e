package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/grantline/grantline/pkg/patterns/lifecycle"
)

// Retention periodically evicts audit entries older than the retention
// window. The after hook runs whenever entries were removed so collaborators
// anchored on the log (the tamper detector's baseline) can re-anchor before
// their next check instead of reading the eviction as tampering.
type Retention struct {
	logger     *slog.Logger
	store      *Store
	daysToKeep int
	interval   time.Duration
	after      func()

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRetention wires a retention sweep onto the store. after may be nil.
func NewRetention(logger *slog.Logger, store *Store, daysToKeep int, interval time.Duration, after func()) *Retention {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{
		logger:     logger,
		store:      store,
		daysToKeep: daysToKeep,
		interval:   interval,
		after:      after,
	}
}

// Start launches the periodic sweep. Idempotent.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.done = make(chan struct{})

	r.wg.Add(1)
	go r.loop(r.done)

	r.logger.Info("audit retention sweep started",
		slog.Int("days_to_keep", r.daysToKeep),
		slog.Duration("interval", r.interval))
	return nil
}

// Stop cancels the sweep and waits for it to exit. Idempotent.
func (r *Retention) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Health reports readiness.
func (r *Retention) Health(ctx context.Context) lifecycle.HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return lifecycle.HealthStatus{Ready: true}
	}
	return lifecycle.HealthStatus{Ready: false, Message: "retention sweep not started"}
}

func (r *Retention) loop(done chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep runs one eviction pass and returns how many entries were removed.
func (r *Retention) Sweep(ctx context.Context) int {
	removed := r.store.Cleanup(ctx, r.daysToKeep)
	if removed > 0 {
		r.logger.Info("audit retention sweep evicted entries",
			slog.Int("removed", removed))
		if r.after != nil {
			r.after()
		}
	}
	return removed
}
