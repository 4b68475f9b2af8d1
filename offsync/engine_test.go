package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type procFunc func(ctx context.Context, entry QueueEntry) error

func (f procFunc) Push(ctx context.Context, entry QueueEntry) error { return f(ctx, entry) }

func newTestEngine(t *testing.T, store *Store, cfg *Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return NewEngine(store, cfg, nil)
}

func TestDrainOnceRemovesPushedEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	var pushed atomic.Int32
	engine.Register("organizations", procFunc(func(ctx context.Context, entry QueueEntry) error {
		pushed.Add(1)
		return nil
	}))

	require.NoError(t, store.Enqueue(ctx, "organizations", "a", OpCreate, json.RawMessage(`{"id":"a"}`)))
	require.NoError(t, store.Enqueue(ctx, "organizations", "b", OpUpdate, json.RawMessage(`{"id":"b"}`)))

	require.NoError(t, engine.DrainOnce(ctx))
	require.Equal(t, int32(2), pushed.Load())

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDrainOnceTransientFailureKeepsEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	netDown := errors.New("connection refused")
	engine.Register("organizations", procFunc(func(ctx context.Context, entry QueueEntry) error {
		return netDown
	}))

	require.NoError(t, store.Enqueue(ctx, "organizations", "a", OpUpdate, json.RawMessage(`{}`)))

	err := engine.DrainOnce(ctx)
	require.ErrorIs(t, err, netDown)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempts)
	require.Contains(t, pending[0].LastError, "connection refused")
}

func TestDrainOnceTerminalRejectionParksEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	engine.Register("organizations", procFunc(func(ctx context.Context, entry QueueEntry) error {
		return &RemoteError{StatusCode: 422, Message: "invalid name"}
	}))

	rec := testRecord("org-1", "Acme")
	rec.Status = StatusUpdated
	require.NoError(t, store.Put(ctx, "organizations", rec))
	require.NoError(t, store.Enqueue(ctx, "organizations", "org-1", OpUpdate, rec.Payload))

	// Terminal rejections are parked, not surfaced as a cycle error.
	require.NoError(t, engine.DrainOnce(ctx))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	failed, err := store.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	got, err := store.Get(ctx, "organizations", "org-1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Contains(t, got.LastError, "invalid name")
	require.JSONEq(t, string(rec.Payload), string(got.Payload), "failed payload is retained, never reverted")
}

func TestDrainOnceParksAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	engine := newTestEngine(t, store, cfg)

	netDown := errors.New("timeout")
	engine.Register("organizations", procFunc(func(ctx context.Context, entry QueueEntry) error {
		return netDown
	}))

	require.NoError(t, store.Enqueue(ctx, "organizations", "a", OpUpdate, json.RawMessage(`{}`)))

	for i := 0; i < 2; i++ {
		require.Error(t, engine.DrainOnce(ctx))
	}
	// The third attempt exhausts the budget and parks the entry.
	require.NoError(t, engine.DrainOnce(ctx))

	failed, err := store.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 3, failed[0].Attempts)
}

func TestDrainOnceFailingEntryDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	engine.Register("organizations", procFunc(func(ctx context.Context, entry QueueEntry) error {
		if entry.EntityID == "bad" {
			return errors.New("boom")
		}
		return nil
	}))

	require.NoError(t, store.Enqueue(ctx, "organizations", "bad", OpUpdate, json.RawMessage(`{}`)))
	require.NoError(t, store.Enqueue(ctx, "organizations", "good", OpUpdate, json.RawMessage(`{}`)))

	require.Error(t, engine.DrainOnce(ctx))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "bad", pending[0].EntityID)
}

func TestDrainOnceNonReentrant(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	engine.Register("organizations", procFunc(func(ctx context.Context, entry QueueEntry) error {
		calls.Add(1)
		close(entered)
		<-release
		return nil
	}))

	require.NoError(t, store.Enqueue(ctx, "organizations", "a", OpUpdate, json.RawMessage(`{}`)))

	done := make(chan error, 1)
	go func() { done <- engine.DrainOnce(ctx) }()
	<-entered

	// Overlapping call returns immediately without touching the queue.
	require.NoError(t, engine.DrainOnce(ctx))
	require.Equal(t, int32(1), calls.Load())

	close(release)
	require.NoError(t, <-done)
}

func TestSyncWithServerIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	type org struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	stamp := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	fetch := func(ctx context.Context) ([]org, error) {
		return []org{{ID: "org-1", Name: "Acme"}, {ID: "org-2", Name: "Beta"}}, nil
	}
	transform := func(o org) (Record, error) {
		payload, err := json.Marshal(o)
		if err != nil {
			return Record{}, err
		}
		return Record{ID: o.ID, Payload: payload, CreatedAt: stamp, UpdatedAt: stamp}, nil
	}

	require.NoError(t, SyncWithServer(ctx, engine, "organizations", fetch, transform))
	first, err := store.GetAll(ctx, "organizations")
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.NoError(t, SyncWithServer(ctx, engine, "organizations", fetch, transform))
	second, err := store.GetAll(ctx, "organizations")
	require.NoError(t, err)
	require.Equal(t, first, second, "a second pull with identical server data is a no-op")
}

func TestSyncWithServerNeverClobbersPendingRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	local := testRecord("org-1", "Edited Offline")
	local.Status = StatusUpdated
	require.NoError(t, store.Put(ctx, "organizations", local))

	fetch := func(ctx context.Context) ([]Record, error) {
		return []Record{testRecord("org-1", "Server Name"), testRecord("org-2", "Beta")}, nil
	}
	identity := func(r Record) (Record, error) { return r, nil }

	require.NoError(t, SyncWithServer(ctx, engine, "organizations", fetch, identity))

	got, err := store.Get(ctx, "organizations", "org-1")
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, got.Status)
	require.JSONEq(t, string(local.Payload), string(got.Payload))

	fresh, err := store.Get(ctx, "organizations", "org-2")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, fresh.Status)
}

func TestSyncWithServerFetchErrorLeavesTableUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	require.NoError(t, store.Put(ctx, "organizations", testRecord("org-1", "Acme")))

	fetch := func(ctx context.Context) ([]Record, error) { return nil, errors.New("server down") }
	identity := func(r Record) (Record, error) { return r, nil }

	require.Error(t, SyncWithServer(ctx, engine, "organizations", fetch, identity))

	all, err := store.GetAll(ctx, "organizations")
	require.NoError(t, err)
	require.Len(t, all, 1, "stale but consistent beats a wiped cache")
}

func TestRetryFailedRearmsEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	var healthy atomic.Bool
	engine.Register("organizations", procFunc(func(ctx context.Context, entry QueueEntry) error {
		if !healthy.Load() {
			return &RemoteError{StatusCode: 500, Message: "oops"}
		}
		return nil
	}))

	require.NoError(t, store.Enqueue(ctx, "organizations", "a", OpUpdate, json.RawMessage(`{}`)))
	entry, err := store.QueueEntryFor(ctx, "organizations", "a")
	require.NoError(t, err)
	require.NoError(t, store.MarkTerminal(ctx, entry.Seq, "oops"))

	healthy.Store(true)
	require.NoError(t, engine.RetryFailed(ctx, "organizations", "a"))
	require.NoError(t, engine.DrainOnce(ctx))

	_, err = store.QueueEntryFor(ctx, "organizations", "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDiscardFailedTempRecordRemovedOutright(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	id := TempID()
	rec := testRecord(id, "Never Synced")
	rec.Status = StatusNew
	require.NoError(t, store.Put(ctx, "organizations", rec))
	require.NoError(t, store.Enqueue(ctx, "organizations", id, OpCreate, rec.Payload))

	require.NoError(t, engine.DiscardFailed(ctx, "organizations", id))

	_, err := store.Get(ctx, "organizations", id)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.QueueEntryFor(ctx, "organizations", id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDiscardFailedSyncedRecordKeptStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	rec := testRecord("org-1", "Rejected Edit")
	rec.Status = StatusFailed
	rec.LastError = "invalid name"
	require.NoError(t, store.Put(ctx, "organizations", rec))
	require.NoError(t, store.Enqueue(ctx, "organizations", "org-1", OpUpdate, rec.Payload))

	require.NoError(t, engine.DiscardFailed(ctx, "organizations", "org-1"))

	got, err := store.Get(ctx, "organizations", "org-1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, got.Status)
	require.Empty(t, got.LastError)
	_, err = store.QueueEntryFor(ctx, "organizations", "org-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunDrainsOnKick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.DrainInterval = time.Hour // only explicit triggers
	engine := newTestEngine(t, store, cfg)

	drained := make(chan string, 4)
	engine.Register("organizations", procFunc(func(ctx context.Context, entry QueueEntry) error {
		drained <- entry.EntityID
		return nil
	}))

	require.NoError(t, store.Enqueue(ctx, "organizations", "a", OpCreate, json.RawMessage(`{"id":"a"}`)))

	go engine.Run(ctx, nil)

	select {
	case id := <-drained:
		require.Equal(t, "a", id) // startup drain
	case <-time.After(5 * time.Second):
		t.Fatal("startup drain never ran")
	}

	require.NoError(t, store.Enqueue(ctx, "organizations", "b", OpCreate, json.RawMessage(`{"id":"b"}`)))
	engine.Kick()

	select {
	case id := <-drained:
		require.Equal(t, "b", id)
	case <-time.After(5 * time.Second):
		t.Fatal("kick never triggered a drain")
	}
}
