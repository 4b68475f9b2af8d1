package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RemoteAPI is the per-entity slice of the remote boundary: one list/fetch
// call and one mutate call per operation, all envelope-based. Mutations
// carry an idempotency key so retries of an ambiguous outcome are safe.
type RemoteAPI[T any] interface {
	List(ctx context.Context) ([]T, error)
	Fetch(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, entity T, idempotencyKey string) (T, error)
	Update(ctx context.Context, id string, entity T, idempotencyKey string) (T, error)
	Delete(ctx context.Context, id string, idempotencyKey string) error
}

// RepositoryConfig binds an entity type to its table and id accessors.
type RepositoryConfig[T any] struct {
	Table  string
	ID     func(T) string
	WithID func(T, string) T

	// Times extracts server timestamps from an entity. When nil, the
	// createdAt/updatedAt payload fields are used. Pull must be
	// deterministic, so wall-clock fallbacks are deliberately absent.
	Times func(T) (created, updated time.Time)
}

// Repository is the only entry point business code uses for one entity
// type. It hides the local store and the sync engine behind entity-typed
// operations: reads never block on the network, writes are optimistic and
// durably queued.
type Repository[T any] struct {
	store  *Store
	engine *Engine
	remote RemoteAPI[T]
	cfg    RepositoryConfig[T]
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	onChange []func()
}

// NewRepository wires a repository and registers it as the push processor
// for its table.
func NewRepository[T any](store *Store, engine *Engine, remote RemoteAPI[T], cfg RepositoryConfig[T], logger *slog.Logger) (*Repository[T], error) {
	if cfg.Table == "" {
		return nil, errors.New("offsync: repository table must be set")
	}
	if cfg.ID == nil || cfg.WithID == nil {
		return nil, fmt.Errorf("offsync: repository for %s needs ID and WithID accessors", cfg.Table)
	}
	if err := store.checkTable(cfg.Table); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository[T]{
		store:  store,
		engine: engine,
		remote: remote,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	engine.Register(cfg.Table, r)
	return r, nil
}

// Table returns the repository's entity table name.
func (r *Repository[T]) Table() string { return r.cfg.Table }

// OnChange registers a cache-invalidation hook fired after every local
// mutation and every confirmed push, so in-flight readers observe the
// optimistic state immediately.
func (r *Repository[T]) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Repository[T]) notify() {
	r.mu.Lock()
	fns := make([]func(), len(r.onChange))
	copy(fns, r.onChange)
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *Repository[T]) decode(payload json.RawMessage) (T, error) {
	var item T
	if err := json.Unmarshal(payload, &item); err != nil {
		return item, fmt.Errorf("failed to decode %s payload: %w", r.cfg.Table, err)
	}
	return item, nil
}

func (r *Repository[T]) transform(item T) (Record, error) {
	id := r.cfg.ID(item)
	if id == "" {
		return Record{}, fmt.Errorf("remote %s record has no id", r.cfg.Table)
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode %s payload: %w", r.cfg.Table, err)
	}
	created, updated := r.times(item, payload)
	return Record{
		ID:        id,
		Payload:   payload,
		Status:    StatusSynced,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func (r *Repository[T]) times(item T, payload json.RawMessage) (time.Time, time.Time) {
	if r.cfg.Times != nil {
		return r.cfg.Times(item)
	}
	var ts struct {
		CreatedAt string `json:"createdAt"`
		UpdatedAt string `json:"updatedAt"`
	}
	_ = json.Unmarshal(payload, &ts)
	return parseTime(ts.CreatedAt), parseTime(ts.UpdatedAt)
}

// Pull refreshes the local mirror from the server. Pending local edits are
// preserved; on failure the mirror is left unchanged.
func (r *Repository[T]) Pull(ctx context.Context) error {
	return SyncWithServer(ctx, r.engine, r.cfg.Table, r.remote.List, r.transform)
}

// PullInBackground starts a best-effort pull that outlives ctx cancellation
// but not a 30s budget.
func (r *Repository[T]) PullInBackground(ctx context.Context) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	go func() {
		defer cancel()
		if err := r.Pull(bctx); err != nil {
			r.logger.Debug("background pull failed", "table", r.cfg.Table, "error", err)
		}
	}()
}

// GetAll triggers a best-effort background refresh and returns the current
// local contents immediately; offline callers get the last known state.
// Tombstoned rows are excluded.
func (r *Repository[T]) GetAll(ctx context.Context) ([]T, error) {
	r.PullInBackground(ctx)

	recs, err := r.store.GetAll(ctx, r.cfg.Table)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, len(recs))
	for i := range recs {
		if recs[i].Status == StatusDeleted {
			continue
		}
		item, err := r.decode(recs[i].Payload)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// GetByID tries the remote first for freshness and falls back to the local
// mirror on any failure, including being offline. The boolean is false when
// the record is absent from both.
func (r *Repository[T]) GetByID(ctx context.Context, id string) (T, bool, error) {
	var zero T
	item, ferr := r.remote.Fetch(ctx, id)
	if ferr == nil {
		if rec, terr := r.transform(item); terr == nil {
			if merr := r.store.MergeSynced(ctx, r.cfg.Table, []Record{rec}); merr != nil {
				r.logger.Debug("failed to refresh local record", "table", r.cfg.Table, "id", id, "error", merr)
			}
		}
		return item, true, nil
	}

	rec, err := r.store.Get(ctx, r.cfg.Table, id)
	if IsNotFound(ferr) && err == nil && rec.Status == StatusSynced {
		// A remote 404 is authoritative for a row with no pending local
		// mutation: the server deleted it, so the mirror copy goes too.
		if derr := r.store.Delete(ctx, r.cfg.Table, id); derr != nil {
			return zero, false, derr
		}
		r.notify()
		return zero, false, nil
	}
	if errors.Is(err, ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	if rec.Status == StatusDeleted {
		return zero, false, nil
	}
	item, err = r.decode(rec.Payload)
	if err != nil {
		return zero, false, err
	}
	return item, true, nil
}

// Status exposes the sync envelope for one record, the only sync-layer
// detail surfaced to presentation code.
func (r *Repository[T]) Status(ctx context.Context, id string) (*Record, error) {
	return r.store.Get(ctx, r.cfg.Table, id)
}

// Create writes the record locally with a temporary id (when none is
// supplied), queues the create, and returns the optimistic record
// immediately.
func (r *Repository[T]) Create(ctx context.Context, item T) (T, error) {
	var zero T
	id := r.cfg.ID(item)
	if id == "" {
		id = TempID()
		item = r.cfg.WithID(item, id)
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s payload: %w", r.cfg.Table, err)
	}

	now := r.now()
	rec := Record{ID: id, Payload: payload, Status: StatusNew, CreatedAt: now, UpdatedAt: now}
	if err := r.store.Stage(ctx, r.cfg.Table, rec, OpCreate); err != nil {
		return zero, err
	}
	r.notify()
	r.engine.Kick()
	return item, nil
}

// Update applies mutate to the local record and queues the update. A record
// the server has never seen stays new; anything else becomes updated.
func (r *Repository[T]) Update(ctx context.Context, id string, mutate func(*T) error) (T, error) {
	var zero T
	rec, err := r.store.Get(ctx, r.cfg.Table, id)
	if err != nil {
		return zero, err
	}
	if rec.Status == StatusDeleted {
		return zero, fmt.Errorf("cannot update %s.%s: delete pending", r.cfg.Table, id)
	}
	item, err := r.decode(rec.Payload)
	if err != nil {
		return zero, err
	}
	if err := mutate(&item); err != nil {
		return zero, err
	}
	item = r.cfg.WithID(item, id) // the patch must not rewrite the key
	payload, err := json.Marshal(item)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s payload: %w", r.cfg.Table, err)
	}

	status := StatusUpdated
	if rec.Status == StatusNew {
		status = StatusNew
	}
	now := r.now()
	if !now.After(rec.UpdatedAt) {
		now = rec.UpdatedAt.Add(time.Millisecond)
	}
	updated := Record{ID: id, Payload: payload, Status: status, CreatedAt: rec.CreatedAt, UpdatedAt: now}
	if err := r.store.Stage(ctx, r.cfg.Table, updated, OpUpdate); err != nil {
		return zero, err
	}
	r.notify()
	r.engine.Kick()
	return item, nil
}

// Delete removes a record. One that never reached the server is removed
// locally with its queue entry cancelled and no network call; otherwise the
// row is tombstoned until the push confirms.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	rec, err := r.store.Get(ctx, r.cfg.Table, id)
	if err != nil {
		return err
	}
	if rec.Status == StatusDeleted {
		return nil
	}

	// "Never reached the server" is a property of the queued op, not the row
	// status: a terminally rejected create leaves the row failed but the
	// server still has no trace of it. Such rows are removed outright, no
	// network call, no tombstone.
	entry, err := r.store.QueueEntryFor(ctx, r.cfg.Table, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if rec.Status == StatusNew || (entry != nil && entry.Op == OpCreate) {
		if err := r.store.Drop(ctx, r.cfg.Table, id); err != nil {
			return err
		}
		r.notify()
		return nil
	}

	now := r.now()
	if !now.After(rec.UpdatedAt) {
		now = rec.UpdatedAt.Add(time.Millisecond)
	}
	rec.Status = StatusDeleted
	rec.UpdatedAt = now
	if err := r.store.Stage(ctx, r.cfg.Table, *rec, OpDelete); err != nil {
		return err
	}
	r.notify()
	r.engine.Kick()
	return nil
}

// Push sends one queued mutation to the server. The queued payload is a
// blind overwrite; the server arbitrates concurrent edits from other
// clients. Implements the engine's Processor.
func (r *Repository[T]) Push(ctx context.Context, entry QueueEntry) error {
	switch entry.Op {
	case OpCreate:
		item, err := r.decode(entry.Payload)
		if err != nil {
			return err
		}
		created, err := r.remote.Create(ctx, item, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		serverID := r.cfg.ID(created)
		if serverID == "" {
			return fmt.Errorf("server returned created %s record without id", r.cfg.Table)
		}
		payload, err := json.Marshal(created)
		if err != nil {
			return fmt.Errorf("failed to encode created %s record: %w", r.cfg.Table, err)
		}
		createdAt, updatedAt := r.times(created, payload)
		if err := r.store.ConfirmCreate(ctx, r.cfg.Table, entry.EntityID, serverID, payload, createdAt, updatedAt, entry.IdempotencyKey); err != nil {
			return err
		}

	case OpUpdate:
		item, err := r.decode(entry.Payload)
		if err != nil {
			return err
		}
		updated, err := r.remote.Update(ctx, entry.EntityID, item, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to encode updated %s record: %w", r.cfg.Table, err)
		}
		createdAt, updatedAt := r.times(updated, payload)
		if err := r.store.ConfirmUpdate(ctx, r.cfg.Table, entry.EntityID, payload, createdAt, updatedAt, entry.IdempotencyKey); err != nil {
			return err
		}

	case OpDelete:
		err := r.remote.Delete(ctx, entry.EntityID, entry.IdempotencyKey)
		if err != nil && !IsNotFound(err) {
			// A 404 means a retried delete already landed; treat as confirmed.
			return err
		}
		if err := r.store.ConfirmDelete(ctx, r.cfg.Table, entry.EntityID, entry.IdempotencyKey); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown queued operation %q for %s.%s", entry.Op, entry.Table, entry.EntityID)
	}

	r.notify()
	return nil
}
