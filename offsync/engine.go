package offsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds tuning for the sync engine's push path.
type Config struct {
	BackoffMin    time.Duration // initial delay after a failed drain cycle
	BackoffMax    time.Duration // cap for the exponential backoff
	MaxAttempts   int           // attempts before an entry is parked as failed
	DrainInterval time.Duration // periodic drain trigger while idle
}

// DefaultConfig returns the standard tuning: 2s base backoff capped at five
// minutes, eight attempts, a 30s idle drain timer.
func DefaultConfig() *Config {
	return &Config{
		BackoffMin:    2 * time.Second,
		BackoffMax:    5 * time.Minute,
		MaxAttempts:   8,
		DrainInterval: 30 * time.Second,
	}
}

// Processor pushes one queued mutation to the remote API. Repositories
// register themselves as the processor for their table.
type Processor interface {
	Push(ctx context.Context, entry QueueEntry) error
}

// Engine drives queue draining and entity-agnostic pull reconciliation.
// It owns dequeueing and status-field writes; business fields are only ever
// written as received from the server.
type Engine struct {
	store  *Store
	cfg    *Config
	logger *slog.Logger

	mu    sync.RWMutex
	procs map[string]Processor

	draining atomic.Bool
	kick     chan struct{}
}

// NewEngine creates a sync engine over the given store.
func NewEngine(store *Store, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger,
		procs:  make(map[string]Processor),
		kick:   make(chan struct{}, 1),
	}
}

// Store returns the engine's local store.
func (e *Engine) Store() *Store { return e.store }

// Register installs the push processor for a table.
func (e *Engine) Register(table string, p Processor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.procs[table] = p
}

func (e *Engine) processor(table string) Processor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.procs[table]
}

// Kick requests a drain without blocking. Requests arriving while a drain
// is already queued or running collapse into one.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// DrainOnce processes the pending queue against the remote API. It is
// non-reentrant: a call that finds a drain already in progress returns
// immediately, which is what prevents duplicate submissions of the same
// mutation. A failing entry does not block entries for other entities.
//
// The returned error reflects the first transient failure of the cycle (the
// run loop uses it for backoff); terminal rejections are parked, not
// returned.
func (e *Engine) DrainOnce(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer e.draining.Store(false)

	entries, err := e.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending mutations: %w", err)
	}

	var firstErr error
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Confirmations earlier in this cycle may have rewritten the entry:
		// id references in its payload, or a rotated key from a coalesced
		// edit. Push the current state, not the snapshot.
		fresh, err := e.store.QueueEntryFor(ctx, entry.Table, entry.EntityID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if fresh.Terminal {
			continue
		}
		entry = *fresh

		proc := e.processor(entry.Table)
		if proc == nil {
			e.logger.Warn("no processor registered for queued mutation", "table", entry.Table, "id", entry.EntityID)
			continue
		}

		pushErr := proc.Push(ctx, entry)
		if pushErr == nil {
			// The entry is only removed after confirmed success; a crash in
			// between re-pushes with the same idempotency key on next drain.
			if err := e.store.RemoveEntry(ctx, entry.Table, entry.EntityID, entry.IdempotencyKey); err != nil {
				return err
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.logger.Warn("push failed", "table", entry.Table, "id", entry.EntityID,
			"op", entry.Op, "attempts", entry.Attempts+1, "error", pushErr)

		attempts, err := e.store.RecordFailure(ctx, entry.Seq, pushErr.Error())
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		var rerr *RemoteError
		rejected := errors.As(pushErr, &rerr) && rerr.Terminal()
		if rejected || attempts >= e.cfg.MaxAttempts {
			if err := e.store.MarkTerminal(ctx, entry.Seq, pushErr.Error()); err != nil {
				return err
			}
			if err := e.store.MarkRecordFailed(ctx, entry.Table, entry.EntityID, pushErr.Error()); err != nil {
				return err
			}
			continue
		}
		if firstErr == nil {
			firstErr = pushErr
		}
	}
	return firstErr
}

// Run drives the drain triggers until ctx is cancelled: once at startup,
// whenever connectivity is regained, on every Kick, and periodically while
// idle. Failed cycles back off exponentially up to the configured cap and
// reset after a clean cycle.
func (e *Engine) Run(ctx context.Context, monitor *Monitor) {
	if monitor != nil {
		cancel := monitor.Subscribe(func(online bool) {
			if online {
				e.Kick()
			}
		})
		defer cancel()
	}

	backoff := e.cfg.BackoffMin
	timer := time.NewTimer(0) // immediate startup drain
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		err := e.DrainOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			timer.Reset(backoff)
			backoff *= 2
			if backoff > e.cfg.BackoffMax {
				backoff = e.cfg.BackoffMax
			}
		default:
			backoff = e.cfg.BackoffMin
			timer.Reset(e.cfg.DrainInterval)
		}
	}
}

// SyncWithServer refreshes a local table from the remote source of truth:
// fetch the authoritative set, map every item through transform, and merge
// the result. Rows with pending local mutations are never overwritten. On
// any fetch or transform error the local table is left unchanged — stale
// but consistent data beats a wiped cache.
func SyncWithServer[R any](ctx context.Context, e *Engine, table string,
	fetch func(context.Context) ([]R, error),
	transform func(R) (Record, error)) error {

	items, err := fetch(ctx)
	if err != nil {
		e.logger.Warn("pull failed; keeping local mirror", "table", table, "error", err)
		return fmt.Errorf("failed to fetch %s from server: %w", table, err)
	}

	recs := make([]Record, 0, len(items))
	for _, item := range items {
		rec, err := transform(item)
		if err != nil {
			return fmt.Errorf("failed to transform remote %s record: %w", table, err)
		}
		recs = append(recs, rec)
	}
	return e.store.MergeSynced(ctx, table, recs)
}

// RetryFailed re-arms the parked entry for an entity and kicks a drain.
func (e *Engine) RetryFailed(ctx context.Context, table, entityID string) error {
	if err := e.store.ResetEntry(ctx, table, entityID); err != nil {
		return err
	}
	e.Kick()
	return nil
}

// DiscardFailed drops the parked mutation for an entity. A record that never
// reached the server is removed outright; otherwise the row is marked synced
// with its stale payload and the next pull restores the server state.
func (e *Engine) DiscardFailed(ctx context.Context, table, entityID string) error {
	rec, err := e.store.Get(ctx, table, entityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if rec != nil && IsTempID(rec.ID) {
		return e.store.Drop(ctx, table, rec.ID)
	}
	if err := e.store.CancelEntry(ctx, table, entityID); err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.Status = StatusSynced
	rec.LastError = ""
	return e.store.Put(ctx, table, *rec)
}
