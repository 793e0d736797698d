package docstore

import (
	"context"
	"slices"

	"github.com/gaspardpetit/firebridge/internal/backend"
)

type docListener struct {
	path            string
	includeMetadata bool
	fn              func(backend.Document, error)
	last            backend.Document
}

type queryListener struct {
	q               backend.Query
	includeMetadata bool
	fn              func(backend.QuerySnapshot, error)
	last            []backend.Document
	lastMeta        backend.Metadata
}

func (db *DB) register(add func(id int)) func() {
	db.lmu.Lock()
	defer db.lmu.Unlock()
	db.nextID++
	id := db.nextID
	add(id)
	return func() {
		db.lmu.Lock()
		defer db.lmu.Unlock()
		delete(db.docs, id)
		delete(db.queries, id)
		delete(db.syncs, id)
	}
}

// ListenDocument delivers the current snapshot before returning, then one
// snapshot per change.
func (db *DB) ListenDocument(ctx context.Context, path string, includeMetadata bool, fn func(backend.Document, error)) (func(), error) {
	if err := backend.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	db.mu.RLock()
	err := db.checkOpen()
	var doc backend.Document
	if err == nil {
		doc, err = db.document(path)
	}
	db.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	l := &docListener{path: path, includeMetadata: includeMetadata, fn: fn, last: doc}
	fn(doc, nil)
	return db.register(func(id int) { db.docs[id] = l }), nil
}

// ListenQuery delivers the current result before returning, then one
// snapshot per change to the result.
func (db *DB) ListenQuery(ctx context.Context, q backend.Query, includeMetadata bool, fn func(backend.QuerySnapshot, error)) (func(), error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	db.mu.RLock()
	err := db.checkOpen()
	var docs []backend.Document
	var meta backend.Metadata
	if err == nil {
		docs, meta, err = db.evaluate(q)
	}
	db.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	l := &queryListener{q: q, includeMetadata: includeMetadata, fn: fn, last: docs, lastMeta: meta}
	fn(backend.QuerySnapshot{Docs: docs, Changes: initialChanges(docs), Metadata: meta}, nil)
	return db.register(func(id int) { db.queries[id] = l }), nil
}

// ListenSnapshotsInSync calls fn now and after every round of listener
// notifications.
func (db *DB) ListenSnapshotsInSync(fn func()) (func(), error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	db.mu.RLock()
	err := db.checkOpen()
	db.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	fn()
	return db.register(func(id int) { db.syncs[id] = fn }), nil
}

// notify re-evaluates listeners affected by writes to paths; nil means
// every listener, as after a metadata change.
func (db *DB) notify(paths []string) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	db.lmu.Lock()
	docs := make([]*docListener, 0, len(db.docs))
	for _, l := range db.docs {
		if paths == nil || slices.Contains(paths, l.path) {
			docs = append(docs, l)
		}
	}
	queries := make([]*queryListener, 0, len(db.queries))
	for _, l := range db.queries {
		if paths == nil || slices.ContainsFunc(paths, func(p string) bool { return inScope(l.q, p) }) {
			queries = append(queries, l)
		}
	}
	syncs := make([]func(), 0, len(db.syncs))
	for _, fn := range db.syncs {
		syncs = append(syncs, fn)
	}
	db.lmu.Unlock()

	for _, l := range docs {
		db.mu.RLock()
		if db.terminated {
			db.mu.RUnlock()
			return
		}
		doc, err := db.document(l.path)
		db.mu.RUnlock()
		if err != nil {
			l.fn(backend.Document{}, err)
			continue
		}
		changed := doc.Exists != l.last.Exists || !doc.UpdateTime.Equal(l.last.UpdateTime)
		if !changed && !(l.includeMetadata && doc.Metadata != l.last.Metadata) {
			continue
		}
		l.last = doc
		l.fn(doc, nil)
	}
	for _, l := range queries {
		db.mu.RLock()
		if db.terminated {
			db.mu.RUnlock()
			return
		}
		docs, meta, err := db.evaluate(l.q)
		db.mu.RUnlock()
		if err != nil {
			l.fn(backend.QuerySnapshot{}, err)
			continue
		}
		changes := diffSnapshots(l.last, docs, l.includeMetadata)
		if len(changes) == 0 && !(l.includeMetadata && meta != l.lastMeta) {
			continue
		}
		l.last, l.lastMeta = docs, meta
		l.fn(backend.QuerySnapshot{Docs: docs, Changes: changes, Metadata: meta}, nil)
	}
	for _, fn := range syncs {
		fn()
	}
}
