package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/backend"
)

// maxTransactionAttempts bounds optimistic transaction retries.
const maxTransactionAttempts = 5

var errOffline = status.Error(codes.Unavailable, "Failed to get document because the client is offline.")

// cached is a decoded record. Its data is never handed out without a clone.
type cached struct {
	data    map[string]any
	created time.Time
	updated time.Time
}

// DB is one app's local document database.
type DB struct {
	app   string
	store Storage
	cache *ristretto.Cache[string, cached]
	now   func() time.Time
	log   zerolog.Logger

	mu         sync.RWMutex
	offline    bool
	pending    map[string]struct{}
	drained    chan struct{}
	terminated bool
	onClose    func()

	// notifyMu orders notification rounds and listener registration.
	notifyMu sync.Mutex
	lmu      sync.Mutex
	nextID   int
	docs     map[int]*docListener
	queries  map[int]*queryListener
	syncs    map[int]func()
}

func cacheCost(size int64) int64 {
	switch {
	case size < 0:
		return 1 << 62
	case size == 0:
		return backend.DefaultCacheSize
	}
	return size
}

func newDB(app string, store Storage, cacheSize int64, now func() time.Time) (*DB, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, cached]{
		NumCounters: 1e5,
		MaxCost:     cacheCost(cacheSize),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create document cache: %w", err)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &DB{
		app:     app,
		store:   store,
		cache:   cache,
		now:     now,
		log:     logx.Component("docstore").With().Str("app", app).Logger(),
		pending: map[string]struct{}{},
		docs:    map[int]*docListener{},
		queries: map[int]*queryListener{},
		syncs:   map[int]func(){},
	}, nil
}

func (db *DB) checkOpen() error {
	if db.terminated {
		return backend.ErrTerminated
	}
	return nil
}

// load reads a record through the cache. Callers hold mu.
func (db *DB) load(path string) (cached, bool, error) {
	if c, ok := db.cache.Get(path); ok {
		return c, true, nil
	}
	blob, ok, err := db.store.Load(path)
	if err != nil || !ok {
		return cached{}, false, err
	}
	data, created, updated, err := decodeRecord(blob)
	if err != nil {
		return cached{}, false, fmt.Errorf("load %s: %w", path, err)
	}
	c := cached{data: data, created: created, updated: updated}
	db.cache.Set(path, c, int64(len(blob)))
	return c, true, nil
}

func (db *DB) metadata(path string) backend.Metadata {
	_, pending := db.pending[path]
	return backend.Metadata{HasPendingWrites: pending, IsFromCache: db.offline}
}

// document builds a snapshot of path. Callers hold mu.
func (db *DB) document(path string) (backend.Document, error) {
	c, ok, err := db.load(path)
	if err != nil {
		return backend.Document{}, err
	}
	doc := backend.Document{Path: path, Exists: ok, Metadata: db.metadata(path)}
	if ok {
		doc.Data = cloneMap(c.data)
		doc.CreateTime = c.created
		doc.UpdateTime = c.updated
	}
	return doc, nil
}

func (db *DB) Get(ctx context.Context, path string, src backend.Source) (backend.Document, error) {
	if err := backend.ValidateDocumentPath(path); err != nil {
		return backend.Document{}, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return backend.Document{}, err
	}
	if src == backend.SourceServer && db.offline {
		return backend.Document{}, errOffline
	}
	return db.document(path)
}

func (db *DB) Set(ctx context.Context, path string, data map[string]any, opts backend.SetOptions) error {
	return db.Batch(ctx, []backend.Write{{Type: backend.WriteSet, Path: path, Data: data, Options: opts}})
}

func (db *DB) Update(ctx context.Context, path string, data map[string]any) error {
	return db.Batch(ctx, []backend.Write{{Type: backend.WriteUpdate, Path: path, Data: data}})
}

func (db *DB) Delete(ctx context.Context, path string) error {
	return db.Batch(ctx, []backend.Write{{Type: backend.WriteDelete, Path: path}})
}

// Batch applies writes atomically with respect to readers and listeners.
func (db *DB) Batch(ctx context.Context, writes []backend.Write) error {
	for _, w := range writes {
		if err := backend.ValidateDocumentPath(w.Path); err != nil {
			return err
		}
	}
	db.mu.Lock()
	if err := db.checkOpen(); err != nil {
		db.mu.Unlock()
		return err
	}
	paths, err := db.commitLocked(writes)
	db.mu.Unlock()
	if err != nil {
		return err
	}
	db.notify(paths)
	return nil
}

// commitLocked stages every write before persisting any, so a rejected write
// leaves storage untouched. It returns the touched paths in first-touch order.
func (db *DB) commitLocked(writes []backend.Write) ([]string, error) {
	now := db.now()
	type staged struct {
		data    map[string]any
		created time.Time
	}
	next := map[string]*staged{}
	var order []string
	for _, w := range writes {
		s, seen := next[w.Path]
		if !seen {
			c, ok, err := db.load(w.Path)
			if err != nil {
				return nil, err
			}
			s = &staged{}
			if ok {
				s.data, s.created = c.data, c.created
			}
			next[w.Path] = s
			order = append(order, w.Path)
		}
		data, err := nextData(s.data, w, now)
		if err != nil {
			return nil, err
		}
		s.data = data
		if s.created.IsZero() {
			s.created = now
		}
		if data == nil {
			s.created = time.Time{}
		}
	}
	for _, path := range order {
		s := next[path]
		if s.data == nil {
			if err := db.store.Delete(path); err != nil {
				return nil, fmt.Errorf("delete %s: %w", path, err)
			}
		} else {
			blob, err := encodeRecord(s.data, s.created, now)
			if err != nil {
				return nil, err
			}
			if err := db.store.Save(path, blob); err != nil {
				return nil, fmt.Errorf("save %s: %w", path, err)
			}
		}
		db.cache.Del(path)
		if db.offline {
			if len(db.pending) == 0 {
				db.drained = make(chan struct{})
			}
			db.pending[path] = struct{}{}
		}
	}
	return order, nil
}

func (db *DB) candidates(q backend.Query) ([]backend.Document, error) {
	keys, err := db.store.ListPrefix(scopePrefix(q))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Path, err)
	}
	keys = scopeKeys(q, keys)
	docs := make([]backend.Document, 0, len(keys))
	for _, k := range keys {
		doc, err := db.document(k)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// evaluate runs q against current state. Callers hold mu.
func (db *DB) evaluate(q backend.Query) ([]backend.Document, backend.Metadata, error) {
	docs, err := db.candidates(q)
	if err != nil {
		return nil, backend.Metadata{}, err
	}
	docs, err = runQuery(q, docs)
	if err != nil {
		return nil, backend.Metadata{}, err
	}
	meta := backend.Metadata{IsFromCache: db.offline}
	for _, d := range docs {
		meta.HasPendingWrites = meta.HasPendingWrites || d.Metadata.HasPendingWrites
	}
	return docs, meta, nil
}

func (db *DB) Query(ctx context.Context, q backend.Query, src backend.Source) (backend.QuerySnapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return backend.QuerySnapshot{}, err
	}
	if src == backend.SourceServer && db.offline {
		return backend.QuerySnapshot{}, status.Error(codes.Unavailable, "Failed to get documents from server because the client is offline.")
	}
	docs, meta, err := db.evaluate(q)
	if err != nil {
		return backend.QuerySnapshot{}, err
	}
	return backend.QuerySnapshot{Docs: docs, Changes: initialChanges(docs), Metadata: meta}, nil
}

type transaction struct {
	db     *DB
	mu     sync.Mutex
	reads  map[string]time.Time
	writes []backend.Write
}

func (t *transaction) Get(ctx context.Context, path string) (backend.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.writes) > 0 {
		return backend.Document{}, status.Error(codes.InvalidArgument, "Firestore transactions require all reads to be executed before all writes.")
	}
	doc, err := t.db.Get(ctx, path, backend.SourceDefault)
	if err != nil {
		return backend.Document{}, err
	}
	t.reads[path] = doc.UpdateTime
	return doc, nil
}

func (t *transaction) Apply(w backend.Write) error {
	if err := backend.ValidateDocumentPath(w.Path); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, w)
	return nil
}

// RunTransaction retries fn while documents it read change underneath it.
func (db *DB) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx backend.Txn) error) error {
	for attempt := 1; attempt <= maxTransactionAttempts; attempt++ {
		tx := &transaction{db: db, reads: map[string]time.Time{}}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		committed, err := db.commitTransaction(tx)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
		db.log.Debug().Int("attempt", attempt).Msg("transaction contention, retrying")
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return status.Error(codes.Aborted, "Transaction failed after too many attempts due to contention.")
}

func (db *DB) commitTransaction(tx *transaction) (bool, error) {
	db.mu.Lock()
	if err := db.checkOpen(); err != nil {
		db.mu.Unlock()
		return false, err
	}
	for path, seen := range tx.reads {
		c, ok, err := db.load(path)
		if err != nil {
			db.mu.Unlock()
			return false, err
		}
		var current time.Time
		if ok {
			current = c.updated
		}
		if !current.Equal(seen) {
			db.mu.Unlock()
			return false, nil
		}
	}
	paths, err := db.commitLocked(tx.writes)
	db.mu.Unlock()
	if err != nil {
		return false, err
	}
	db.notify(paths)
	return true, nil
}

func (db *DB) EnableNetwork(ctx context.Context) error {
	db.mu.Lock()
	if err := db.checkOpen(); err != nil {
		db.mu.Unlock()
		return err
	}
	changed := db.offline
	db.offline = false
	clear(db.pending)
	if db.drained != nil {
		close(db.drained)
		db.drained = nil
	}
	db.mu.Unlock()
	if changed {
		db.notify(nil)
	}
	return nil
}

func (db *DB) DisableNetwork(ctx context.Context) error {
	db.mu.Lock()
	if err := db.checkOpen(); err != nil {
		db.mu.Unlock()
		return err
	}
	changed := !db.offline
	db.offline = true
	db.mu.Unlock()
	if changed {
		db.notify(nil)
	}
	return nil
}

// WaitForPendingWrites blocks until writes made offline are acknowledged by
// re-enabling the network.
func (db *DB) WaitForPendingWrites(ctx context.Context) error {
	db.mu.RLock()
	if err := db.checkOpen(); err != nil {
		db.mu.RUnlock()
		return err
	}
	ch := db.drained
	db.mu.RUnlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearPersistence drops every stored document of this app.
func (db *DB) ClearPersistence(ctx context.Context) error {
	db.mu.Lock()
	err := db.store.Clear()
	db.cache.Clear()
	db.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear persistence: %w", err)
	}
	db.notify(nil)
	return nil
}

// Terminate closes the database. Listeners are dropped silently and every
// later call fails with ErrTerminated.
func (db *DB) Terminate(ctx context.Context) error {
	db.mu.Lock()
	if db.terminated {
		db.mu.Unlock()
		return nil
	}
	db.terminated = true
	if db.drained != nil {
		close(db.drained)
		db.drained = nil
	}
	onClose := db.onClose
	db.mu.Unlock()

	db.lmu.Lock()
	clear(db.docs)
	clear(db.queries)
	clear(db.syncs)
	db.lmu.Unlock()

	db.cache.Close()
	err := db.store.Close()
	if onClose != nil {
		onClose()
	}
	db.log.Debug().Msg("terminated")
	return err
}
