package offsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// fakeOrgAPI is an in-memory RemoteAPI[org] with failure injection and
// idempotency-key replay, standing in for the real HTTP client.
type fakeOrgAPI struct {
	mu      sync.Mutex
	rows    map[string]org
	nextID  int
	failure error // when set, every call fails with it
	replays map[string]org

	createCalls, updateCalls, deleteCalls, fetchCalls, listCalls int
}

func newFakeOrgAPI() *fakeOrgAPI {
	return &fakeOrgAPI{rows: make(map[string]org), replays: make(map[string]org)}
}

func (f *fakeOrgAPI) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure = err
}

func (f *fakeOrgAPI) List(ctx context.Context) ([]org, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.failure != nil {
		return nil, f.failure
	}
	out := make([]org, 0, len(f.rows))
	for _, o := range f.rows {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeOrgAPI) Fetch(ctx context.Context, id string) (org, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.failure != nil {
		return org{}, f.failure
	}
	o, ok := f.rows[id]
	if !ok {
		return org{}, &RemoteError{StatusCode: 404, Message: "not found"}
	}
	return o, nil
}

func (f *fakeOrgAPI) Create(ctx context.Context, o org, idempotencyKey string) (org, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failure != nil {
		return org{}, f.failure
	}
	if prior, ok := f.replays[idempotencyKey]; ok {
		return prior, nil
	}
	f.nextID++
	o.ID = fmt.Sprintf("srv-%d", f.nextID)
	stamp := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	o.CreatedAt, o.UpdatedAt = stamp, stamp
	f.rows[o.ID] = o
	f.replays[idempotencyKey] = o
	return o, nil
}

func (f *fakeOrgAPI) Update(ctx context.Context, id string, o org, idempotencyKey string) (org, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.failure != nil {
		return org{}, f.failure
	}
	prior, ok := f.rows[id]
	if !ok {
		return org{}, &RemoteError{StatusCode: 404, Message: "not found"}
	}
	o.ID = id
	o.CreatedAt = prior.CreatedAt
	o.UpdatedAt = prior.UpdatedAt.Add(time.Second)
	f.rows[id] = o
	return o, nil
}

func (f *fakeOrgAPI) Delete(ctx context.Context, id string, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.failure != nil {
		return f.failure
	}
	if _, ok := f.rows[id]; !ok {
		return &RemoteError{StatusCode: 404, Message: "not found"}
	}
	delete(f.rows, id)
	return nil
}

func newOrgRepo(t *testing.T) (*Repository[org], *Store, *Engine, *fakeOrgAPI) {
	t.Helper()
	store := newTestStore(t)
	engine := NewEngine(store, DefaultConfig(), nil)
	remote := newFakeOrgAPI()
	repo, err := NewRepository(store, engine, remote, RepositoryConfig[org]{
		Table:  "organizations",
		ID:     func(o org) string { return o.ID },
		WithID: func(o org, id string) org { o.ID = id; return o },
		Times:  func(o org) (time.Time, time.Time) { return o.CreatedAt, o.UpdatedAt },
	}, nil)
	require.NoError(t, err)
	return repo, store, engine, remote
}

func TestCreateOfflineThenDrain(t *testing.T) {
	ctx := context.Background()
	repo, store, engine, remote := newOrgRepo(t)

	remote.failWith(errors.New("offline"))
	created, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err, "creating offline must succeed locally")
	require.True(t, IsTempID(created.ID))

	rec, err := repo.Status(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusNew, rec.Status)

	require.Error(t, engine.DrainOnce(ctx), "push while offline fails transiently")

	remote.failWith(nil)
	require.NoError(t, engine.DrainOnce(ctx))

	// Temp id replaced by server id, row synced, queue empty.
	_, err = repo.Status(ctx, created.ID)
	require.ErrorIs(t, err, ErrNotFound)
	rec, err = repo.Status(ctx, "srv-1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, rec.Status)
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestGetAllReturnsLocalStateWhileOffline(t *testing.T) {
	ctx := context.Background()
	repo, _, _, remote := newOrgRepo(t)

	remote.failWith(errors.New("offline"))
	_, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, org{Name: "Beta"})
	require.NoError(t, err)

	items, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestGetByIDFallsBackToLocal(t *testing.T) {
	ctx := context.Background()
	repo, _, _, remote := newOrgRepo(t)

	remote.failWith(errors.New("offline"))
	created, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)

	got, ok, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Acme", got.Name)

	_, ok, err = repo.GetByID(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetByIDPrefersRemote(t *testing.T) {
	ctx := context.Background()
	repo, store, _, remote := newOrgRepo(t)

	stamp := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	remote.rows["srv-9"] = org{ID: "srv-9", Name: "Fresh", CreatedAt: stamp, UpdatedAt: stamp}

	got, ok, err := repo.GetByID(ctx, "srv-9")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Fresh", got.Name)

	// The fetch also refreshed the mirror.
	rec, err := store.Get(ctx, "organizations", "srv-9")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, rec.Status)
}

func TestUpdateCoalescesIntoPendingCreate(t *testing.T) {
	ctx := context.Background()
	repo, store, _, remote := newOrgRepo(t)

	remote.failWith(errors.New("offline"))
	created, err := repo.Create(ctx, org{Name: "v1"})
	require.NoError(t, err)

	_, err = repo.Update(ctx, created.ID, func(o *org) error {
		o.Name = "v2"
		return nil
	})
	require.NoError(t, err)

	rec, err := repo.Status(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusNew, rec.Status, "a record the server never saw stays new")

	entry, err := store.QueueEntryFor(ctx, "organizations", created.ID)
	require.NoError(t, err)
	require.Equal(t, OpCreate, entry.Op)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "one entity, one entry")
}

func TestDeleteOfNeverSyncedRecordIsLocalOnly(t *testing.T) {
	ctx := context.Background()
	repo, store, engine, remote := newOrgRepo(t)

	remote.failWith(errors.New("offline"))
	created, err := repo.Create(ctx, org{Name: "Ephemeral"})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, created.ID))

	_, err = repo.Status(ctx, created.ID)
	require.ErrorIs(t, err, ErrNotFound)
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	remote.failWith(nil)
	require.NoError(t, engine.DrainOnce(ctx))
	require.Zero(t, remote.createCalls, "create+delete offline must never touch the network")
	require.Zero(t, remote.deleteCalls)
}

func TestDeleteSyncedRecordTombstonesUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	repo, _, engine, remote := newOrgRepo(t)

	created, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)
	require.NoError(t, engine.DrainOnce(ctx))
	_ = created

	require.NoError(t, repo.Delete(ctx, "srv-1"))

	rec, err := repo.Status(ctx, "srv-1")
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, rec.Status)

	// Tombstoned rows are invisible to reads.
	items, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, items)

	require.NoError(t, engine.DrainOnce(ctx))
	_, err = repo.Status(ctx, "srv-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, remote.deleteCalls)
}

func TestDeletePushTreats404AsConfirmed(t *testing.T) {
	ctx := context.Background()
	repo, store, engine, _ := newOrgRepo(t)

	// Row exists locally as synced but is already gone server-side.
	rec := testRecord("srv-7", "Gone")
	require.NoError(t, store.Put(ctx, "organizations", rec))
	require.NoError(t, repo.Delete(ctx, "srv-7"))

	require.NoError(t, engine.DrainOnce(ctx))

	_, err := repo.Status(ctx, "srv-7")
	require.ErrorIs(t, err, ErrNotFound)
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDeleteOfRejectedCreateRemovesRowOutright(t *testing.T) {
	ctx := context.Background()
	repo, store, engine, remote := newOrgRepo(t)

	// The offline create is terminally rejected: the entry parks, the row
	// turns failed, but the server never saw it.
	remote.failWith(&RemoteError{StatusCode: 422, Message: "invalid name"})
	created, err := repo.Create(ctx, org{Name: ""})
	require.NoError(t, err)
	require.NoError(t, engine.DrainOnce(ctx))

	rec, err := repo.Status(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	failed, err := store.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// Deleting it must not tombstone: there is nothing to delete remotely,
	// so the row and its parked entry disappear entirely.
	remote.failWith(nil)
	require.NoError(t, repo.Delete(ctx, created.ID))

	_, err = repo.Status(ctx, created.ID)
	require.ErrorIs(t, err, ErrNotFound)
	failed, err = store.Failed(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, engine.DrainOnce(ctx))
	require.Zero(t, remote.deleteCalls)
}

func TestGetByIDDropsSyncedRowDeletedOnServer(t *testing.T) {
	ctx := context.Background()
	repo, store, engine, remote := newOrgRepo(t)

	_, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)
	require.NoError(t, engine.DrainOnce(ctx))

	// Another client deletes the record server-side.
	remote.mu.Lock()
	delete(remote.rows, "srv-1")
	remote.mu.Unlock()

	_, ok, err := repo.GetByID(ctx, "srv-1")
	require.NoError(t, err)
	require.False(t, ok, "a remote 404 must propagate the deletion")

	_, err = store.Get(ctx, "organizations", "srv-1")
	require.ErrorIs(t, err, ErrNotFound, "the stale mirror copy must be dropped")
}

func TestGetByIDKeepsPendingRowOnRemote404(t *testing.T) {
	ctx := context.Background()
	repo, store, _, _ := newOrgRepo(t)

	// An offline-created record is unknown to the server by definition; the
	// resulting 404 must not destroy the pending local row.
	created, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)

	got, ok, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Acme", got.Name)

	rec, err := store.Get(ctx, "organizations", created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusNew, rec.Status)
}

func TestPushRetriesReuseIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	repo, store, engine, remote := newOrgRepo(t)

	remote.failWith(errors.New("flaky"))
	created, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)

	require.Error(t, engine.DrainOnce(ctx))
	entryAfterFirst, err := store.QueueEntryFor(ctx, "organizations", created.ID)
	require.NoError(t, err)
	require.Error(t, engine.DrainOnce(ctx))
	entryAfterSecond, err := store.QueueEntryFor(ctx, "organizations", created.ID)
	require.NoError(t, err)
	require.Equal(t, entryAfterFirst.IdempotencyKey, entryAfterSecond.IdempotencyKey,
		"retries of the same mutation reuse the key verbatim")

	remote.failWith(nil)
	require.NoError(t, engine.DrainOnce(ctx))
	require.Len(t, remote.rows, 1)
}

func TestDuplicateCreatePushIsDeduplicatedByServer(t *testing.T) {
	ctx := context.Background()
	repo, store, _, remote := newOrgRepo(t)

	created, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)
	entry, err := store.QueueEntryFor(ctx, "organizations", created.ID)
	require.NoError(t, err)

	// Simulate a crash after the server applied the create but before the
	// entry was dequeued: the same entry is pushed twice.
	require.NoError(t, repo.Push(ctx, *entry))
	require.NoError(t, repo.Push(ctx, *entry))

	require.Equal(t, 2, remote.createCalls)
	require.Len(t, remote.rows, 1, "idempotency-key replay prevents a duplicate row")
}

func TestUpdateMutateErrorLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	repo, store, engine, _ := newOrgRepo(t)

	created, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)
	require.NoError(t, engine.DrainOnce(ctx))

	boom := errors.New("validation failed")
	_, err = repo.Update(ctx, "srv-1", func(o *org) error { return boom })
	require.ErrorIs(t, err, boom)
	_ = created

	rec, err := repo.Status(ctx, "srv-1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, rec.Status)
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestUpdateRejectedWhileDeletePending(t *testing.T) {
	ctx := context.Background()
	repo, _, engine, _ := newOrgRepo(t)

	_, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)
	require.NoError(t, engine.DrainOnce(ctx))
	require.NoError(t, repo.Delete(ctx, "srv-1"))

	_, err = repo.Update(ctx, "srv-1", func(o *org) error { o.Name = "zombie"; return nil })
	require.Error(t, err)
}

func TestOnChangeFiresOnLocalMutations(t *testing.T) {
	ctx := context.Background()
	repo, _, _, remote := newOrgRepo(t)
	remote.failWith(errors.New("offline"))

	var mu sync.Mutex
	var fired int
	repo.OnChange(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	created, err := repo.Create(ctx, org{Name: "Acme"})
	require.NoError(t, err)
	_, err = repo.Update(ctx, created.ID, func(o *org) error { o.Name = "Acme 2"; return nil })
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, created.ID))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, fired)
}

func TestPullMergesServerRows(t *testing.T) {
	ctx := context.Background()
	repo, _, _, remote := newOrgRepo(t)

	stamp := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	remote.rows["srv-1"] = org{ID: "srv-1", Name: "Acme", CreatedAt: stamp, UpdatedAt: stamp}
	remote.rows["srv-2"] = org{ID: "srv-2", Name: "Beta", CreatedAt: stamp, UpdatedAt: stamp}

	require.NoError(t, repo.Pull(ctx))

	items, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
}
