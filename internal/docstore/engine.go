package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/backend"
)

// Engine opens per-app databases over one root storage. Each app's documents
// live under their own key prefix.
type Engine struct {
	root Storage
	now  func() time.Time
	log  zerolog.Logger

	mu  sync.Mutex
	dbs map[string]*DB
}

// NewEngine serves databases from root.
func NewEngine(root Storage) *Engine {
	return &Engine{root: root, log: logx.Component("docstore"), dbs: map[string]*DB{}}
}

// NewMemoryEngine keeps every document in memory.
func NewMemoryEngine() *Engine { return NewEngine(NewMemStorage()) }

// NewBadgerEngine persists documents in a Badger database under dir.
func NewBadgerEngine(dir string, memMB int) (*Engine, error) {
	s, err := NewBadgerStorage(dir, memMB)
	if err != nil {
		return nil, err
	}
	return NewEngine(s), nil
}

// SetClock overrides the time source for write and server timestamps.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Open returns the app's database, creating it with settings on first use.
// Apps with persistence disabled get a private in-memory store.
func (e *Engine) Open(ctx context.Context, app string, settings backend.Settings) (backend.Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[app]; ok {
		return db, nil
	}
	store := NewMemStorage()
	if settings.PersistenceEnabled {
		store = PrefixStorage(e.root, app)
	}
	db, err := newDB(app, store, settings.CacheSizeBytes, e.now)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", app, err)
	}
	db.onClose = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.dbs[app] == db {
			delete(e.dbs, app)
		}
	}
	e.dbs[app] = db
	e.log.Info().Str("app", app).Bool("persistence", settings.PersistenceEnabled).Int64("cache_size", settings.CacheSizeBytes).Msg("database opened")
	if settings.Host != "" {
		e.log.Debug().Str("app", app).Str("host", settings.Host).Msg("host setting ignored by local engine")
	}
	return db, nil
}

// Close terminates every open database and the root storage.
func (e *Engine) Close() error {
	e.mu.Lock()
	dbs := make([]*DB, 0, len(e.dbs))
	for _, db := range e.dbs {
		dbs = append(dbs, db)
	}
	e.mu.Unlock()
	for _, db := range dbs {
		_ = db.Terminate(context.Background())
	}
	return e.root.Close()
}

var (
	_ backend.Opener   = (*Engine)(nil)
	_ backend.Database = (*DB)(nil)
)
