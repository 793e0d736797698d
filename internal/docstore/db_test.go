package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func openDB(t *testing.T) *DB {
	t.Helper()
	e := NewMemoryEngine()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0).UTC()}
	e.SetClock(clock.now)
	db, err := e.Open(context.Background(), "[DEFAULT]", backend.DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return db.(*DB)
}

func TestSetMergeUpdateDelete(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	require.NoError(t, db.Set(ctx, "users/ada", map[string]any{
		"name":    "Ada",
		"address": map[string]any{"city": "London", "zip": "N1"},
		"visits":  int32(1),
	}, backend.SetOptions{}))

	require.NoError(t, db.Set(ctx, "users/ada", map[string]any{
		"address": map[string]any{"city": "Paris"},
		"visits":  codec.IncrementInt(2),
		"seen":    codec.ServerTimestamp,
	}, backend.SetOptions{Merge: true}))

	got, err := db.Get(ctx, "users/ada", backend.SourceDefault)
	require.NoError(t, err)
	require.True(t, got.Exists)
	assert.Equal(t, "Ada", got.Data["name"])
	assert.Equal(t, map[string]any{"city": "Paris", "zip": "N1"}, got.Data["address"])
	assert.Equal(t, int64(3), got.Data["visits"])
	assert.Equal(t, codec.TimestampOf(got.UpdateTime), got.Data["seen"])
	assert.True(t, got.CreateTime.Before(got.UpdateTime))

	require.NoError(t, db.Update(ctx, "users/ada", map[string]any{
		"address.zip": codec.Delete,
		"tags":        codec.ArrayUnion{"a", "b"},
	}))
	require.NoError(t, db.Update(ctx, "users/ada", map[string]any{"tags": codec.ArrayRemove{"a"}}))
	got, err = db.Get(ctx, "users/ada", backend.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Paris"}, got.Data["address"])
	assert.Equal(t, []any{"b"}, got.Data["tags"])

	require.NoError(t, db.Set(ctx, "users/ada", map[string]any{"name": "Countess", "extra": true}, backend.SetOptions{
		MergeFields: []backend.FieldPath{{"name"}},
	}))
	got, err = db.Get(ctx, "users/ada", backend.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, "Countess", got.Data["name"])
	assert.NotContains(t, got.Data, "extra")

	require.NoError(t, db.Delete(ctx, "users/ada"))
	got, err = db.Get(ctx, "users/ada", backend.SourceDefault)
	require.NoError(t, err)
	assert.False(t, got.Exists)

	err = db.Update(ctx, "users/ada", map[string]any{"x": int32(1)})
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = db.Set(ctx, "users", map[string]any{}, backend.SetOptions{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestReturnedDataIsACopy(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.Set(ctx, "c/d", map[string]any{"m": map[string]any{"k": "v"}}, backend.SetOptions{}))

	got, err := db.Get(ctx, "c/d", backend.SourceDefault)
	require.NoError(t, err)
	got.Data["m"].(map[string]any)["k"] = "changed"

	again, err := db.Get(ctx, "c/d", backend.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Data["m"].(map[string]any)["k"])
}

func TestBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	err := db.Batch(ctx, []backend.Write{
		{Type: backend.WriteSet, Path: "c/a", Data: map[string]any{"n": int32(1)}},
		{Type: backend.WriteUpdate, Path: "c/missing", Data: map[string]any{"n": int32(2)}},
	})
	require.Equal(t, codes.NotFound, status.Code(err))
	got, err := db.Get(ctx, "c/a", backend.SourceDefault)
	require.NoError(t, err)
	assert.False(t, got.Exists)
}

func TestQueryListener(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.Set(ctx, "rooms/b", map[string]any{"n": int32(2)}, backend.SetOptions{}))

	var snaps []backend.QuerySnapshot
	stop, err := db.ListenQuery(ctx, backend.Query{Path: "rooms"}, false, func(s backend.QuerySnapshot, err error) {
		require.NoError(t, err)
		snaps = append(snaps, s)
	})
	require.NoError(t, err)
	require.Len(t, snaps, 1, "initial snapshot is delivered before returning")
	assert.Equal(t, []string{"rooms/b"}, paths(snaps[0].Docs))

	require.NoError(t, db.Batch(ctx, []backend.Write{
		{Type: backend.WriteSet, Path: "rooms/a", Data: map[string]any{"n": int32(1)}},
		{Type: backend.WriteSet, Path: "rooms/c", Data: map[string]any{"n": int32(3)}},
	}))
	require.Len(t, snaps, 2, "one snapshot per batch")
	assert.Equal(t, []string{"rooms/a", "rooms/b", "rooms/c"}, paths(snaps[1].Docs))
	require.Len(t, snaps[1].Changes, 2)
	assert.Equal(t, 0, snaps[1].Changes[0].NewIndex)
	assert.Equal(t, 2, snaps[1].Changes[1].NewIndex)

	require.NoError(t, db.Set(ctx, "other/x", map[string]any{}, backend.SetOptions{}))
	assert.Len(t, snaps, 2, "writes outside the query do not notify")

	stop()
	require.NoError(t, db.Delete(ctx, "rooms/a"))
	assert.Len(t, snaps, 2)
}

func TestDocumentListenerAndSync(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	var docs []backend.Document
	_, err := db.ListenDocument(ctx, "c/d", false, func(d backend.Document, err error) {
		require.NoError(t, err)
		docs = append(docs, d)
	})
	require.NoError(t, err)
	syncs := 0
	_, err = db.ListenSnapshotsInSync(func() { syncs++ })
	require.NoError(t, err)
	require.Equal(t, 1, syncs)

	require.Len(t, docs, 1)
	assert.False(t, docs[0].Exists)

	require.NoError(t, db.Set(ctx, "c/d", map[string]any{"v": true}, backend.SetOptions{}))
	require.Len(t, docs, 2)
	assert.True(t, docs[1].Exists)
	assert.Equal(t, 2, syncs)
}

func TestTransactionRetriesOnContention(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.Set(ctx, "c/counter", map[string]any{"n": int64(0)}, backend.SetOptions{}))

	attempts := 0
	err := db.RunTransaction(ctx, func(ctx context.Context, tx backend.Txn) error {
		attempts++
		d, err := tx.Get(ctx, "c/counter")
		if err != nil {
			return err
		}
		if attempts == 1 {
			require.NoError(t, db.Update(ctx, "c/counter", map[string]any{"n": int64(10)}))
		}
		n := d.Data["n"].(int64)
		return tx.Apply(backend.Write{Type: backend.WriteUpdate, Path: "c/counter", Data: map[string]any{"n": n + 1}})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	got, err := db.Get(ctx, "c/counter", backend.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(11), got.Data["n"])

	err = db.RunTransaction(ctx, func(ctx context.Context, tx backend.Txn) error {
		require.NoError(t, tx.Apply(backend.Write{Type: backend.WriteDelete, Path: "c/counter"}))
		_, err := tx.Get(ctx, "c/counter")
		return err
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = db.RunTransaction(ctx, func(ctx context.Context, tx backend.Txn) error {
		_, err := tx.Get(ctx, "c/counter")
		require.NoError(t, err)
		return db.Update(ctx, "c/counter", map[string]any{"n": int64(0)})
	})
	assert.Equal(t, codes.Aborted, status.Code(err), "contention on every attempt gives up")
}

func TestOfflinePendingWrites(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, db.DisableNetwork(ctx))

	require.NoError(t, db.Set(ctx, "c/d", map[string]any{"v": int32(1)}, backend.SetOptions{}))
	got, err := db.Get(ctx, "c/d", backend.SourceCache)
	require.NoError(t, err)
	assert.Equal(t, backend.Metadata{HasPendingWrites: true, IsFromCache: true}, got.Metadata)

	_, err = db.Get(ctx, "c/d", backend.SourceServer)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, db.WaitForPendingWrites(waitCtx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- db.WaitForPendingWrites(ctx) }()
	require.NoError(t, db.EnableNetwork(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending writes not acknowledged")
	}
	got, err = db.Get(ctx, "c/d", backend.SourceServer)
	require.NoError(t, err)
	assert.Equal(t, backend.Metadata{}, got.Metadata)
}

func TestTerminateAndReopen(t *testing.T) {
	ctx := context.Background()
	e := NewMemoryEngine()
	t.Cleanup(func() { _ = e.Close() })

	first, err := e.Open(ctx, "app", backend.DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "c/d", map[string]any{"v": int32(1)}, backend.SetOptions{}))

	same, err := e.Open(ctx, "app", backend.Settings{})
	require.NoError(t, err)
	assert.Same(t, first.(*DB), same.(*DB))

	require.NoError(t, first.Terminate(ctx))
	require.NoError(t, first.Terminate(ctx))
	_, err = first.Get(ctx, "c/d", backend.SourceDefault)
	assert.True(t, errors.Is(err, backend.ErrTerminated))

	second, err := e.Open(ctx, "app", backend.DefaultSettings())
	require.NoError(t, err)
	got, err := second.Get(ctx, "c/d", backend.SourceDefault)
	require.NoError(t, err)
	assert.True(t, got.Exists, "persistent apps keep documents across instances")

	require.NoError(t, second.ClearPersistence(ctx))
	got, err = second.Get(ctx, "c/d", backend.SourceDefault)
	require.NoError(t, err)
	assert.False(t, got.Exists)

	other, err := e.Open(ctx, "volatile", backend.Settings{PersistenceEnabled: false, CacheSizeBytes: -1})
	require.NoError(t, err)
	require.NoError(t, other.Set(ctx, "c/d", map[string]any{}, backend.SetOptions{}))
	keys, err := e.root.ListPrefix("volatile;")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
