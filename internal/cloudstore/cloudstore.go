// Package cloudstore drives Google Cloud Firestore through the Firebase Admin
// SDK as a backend.Database.
package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/backend"
)

// Config selects the project and credentials used for every app.
type Config struct {
	ProjectID       string
	CredentialsFile string
	// EmulatorHost is used for apps whose settings name no host.
	EmulatorHost string
	// ProjectFor overrides ProjectID per app, e.g. from the app's options.
	ProjectFor func(app string) string
}

// Opener creates a Firestore client per app.
type Opener struct {
	cfg Config
	log zerolog.Logger
}

func NewOpener(cfg Config) *Opener {
	return &Opener{cfg: cfg, log: logx.Component("cloudstore")}
}

func (o *Opener) clientOptions(settings backend.Settings) []option.ClientOption {
	var opts []option.ClientOption
	if settings.Host == "" && o.cfg.EmulatorHost != "" {
		settings.Host, settings.SSLEnabled = o.cfg.EmulatorHost, false
	}
	if settings.Host != "" {
		opts = append(opts, option.WithEndpoint(settings.Host))
		if !settings.SSLEnabled {
			opts = append(opts,
				option.WithoutAuthentication(),
				option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
			return opts
		}
	}
	if o.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(o.cfg.CredentialsFile))
	}
	return opts
}

// Open connects the app's Firestore client. Persistence and cache settings
// have no server-side equivalent and are ignored.
func (o *Opener) Open(ctx context.Context, app string, settings backend.Settings) (backend.Database, error) {
	project := o.cfg.ProjectID
	if o.cfg.ProjectFor != nil {
		if p := o.cfg.ProjectFor(app); p != "" {
			project = p
		}
	}
	fa, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: project}, o.clientOptions(settings)...)
	if err != nil {
		return nil, fmt.Errorf("firebase app %s: %w", app, err)
	}
	client, err := fa.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore client %s: %w", app, err)
	}
	o.log.Info().Str("app", app).Str("project", project).Str("host", settings.Host).Msg("firestore client opened")
	return newDB(app, client), nil
}

// DB adapts a Firestore client.
type DB struct {
	app    string
	client *firestore.Client
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	nextID int
	syncs  map[int]func()
	closed bool
}

func newDB(app string, client *firestore.Client) *DB {
	ctx, cancel := context.WithCancel(context.Background())
	return &DB{
		app:    app,
		client: client,
		log:    logx.Component("cloudstore").With().Str("app", app).Logger(),
		ctx:    ctx,
		cancel: cancel,
		syncs:  map[int]func(){},
	}
}

func (db *DB) checkOpen() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return backend.ErrTerminated
	}
	return nil
}

func (db *DB) doc(path string) (*firestore.DocumentRef, error) {
	if err := backend.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	ref := db.client.Doc(path)
	if ref == nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid document path %q", path)
	}
	return ref, nil
}

func (db *DB) document(snap *firestore.DocumentSnapshot) backend.Document {
	doc := backend.Document{Path: relativePath(snap.Ref.Path), Exists: snap.Exists()}
	if doc.Exists {
		doc.Data = mapFromCloud(db.app, snap.Data())
		doc.CreateTime = snap.CreateTime
		doc.UpdateTime = snap.UpdateTime
	}
	return doc
}

// snapshot tolerates the not-found error the client returns alongside a
// non-existent snapshot.
func (db *DB) snapshot(snap *firestore.DocumentSnapshot, err error) (backend.Document, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound && snap != nil {
			return db.document(snap), nil
		}
		return backend.Document{}, err
	}
	return db.document(snap), nil
}

func (db *DB) Get(ctx context.Context, path string, src backend.Source) (backend.Document, error) {
	if err := db.checkOpen(); err != nil {
		return backend.Document{}, err
	}
	if src == backend.SourceCache {
		return backend.Document{}, status.Error(codes.Unavailable, "Failed to get document from cache.")
	}
	ref, err := db.doc(path)
	if err != nil {
		return backend.Document{}, err
	}
	return db.snapshot(ref.Get(ctx))
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

// Batch commits writes in a read-free transaction so they apply atomically.
func (db *DB) Batch(ctx context.Context, writes []backend.Write) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		t := &txn{db: db, tx: tx}
		for _, w := range writes {
			if err := t.Apply(w); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) Query(ctx context.Context, q backend.Query, src backend.Source) (backend.QuerySnapshot, error) {
	if err := db.checkOpen(); err != nil {
		return backend.QuerySnapshot{}, err
	}
	if src == backend.SourceCache {
		return backend.QuerySnapshot{}, status.Error(codes.Unavailable, "Failed to get documents from cache.")
	}
	cq, err := db.query(q)
	if err != nil {
		return backend.QuerySnapshot{}, err
	}
	snaps, err := cq.Documents(ctx).GetAll()
	if err != nil {
		return backend.QuerySnapshot{}, err
	}
	docs := make([]backend.Document, len(snaps))
	changes := make([]backend.Change, len(snaps))
	for i, s := range snaps {
		docs[i] = db.document(s)
		changes[i] = backend.Change{Type: backend.Added, OldIndex: -1, NewIndex: i, Doc: docs[i]}
	}
	return backend.QuerySnapshot{Docs: docs, Changes: changes}, nil
}

func (db *DB) query(q backend.Query) (firestore.Query, error) {
	var cq firestore.Query
	if q.CollectionGroup {
		cq = db.client.CollectionGroup(q.Path).Query
	} else {
		if err := backend.ValidateCollectionPath(q.Path); err != nil {
			return cq, err
		}
		cq = db.client.Collection(q.Path).Query
	}
	for _, f := range q.Filters {
		v, err := toCloud(db.client, f.Value)
		if err != nil {
			return cq, err
		}
		cq = cq.WherePath(firestore.FieldPath(f.Field), string(f.Op), v)
	}
	for _, o := range q.Orders {
		dir := firestore.Asc
		if o.Descending {
			dir = firestore.Desc
		}
		cq = cq.OrderByPath(firestore.FieldPath(o.Field), dir)
	}
	if q.Limit > 0 {
		if q.LimitToLast {
			cq = cq.LimitToLast(q.Limit)
		} else {
			cq = cq.Limit(q.Limit)
		}
	}
	if q.Start != nil {
		vals, err := listToCloud(db.client, q.Start.Values)
		if err != nil {
			return cq, err
		}
		if q.Start.Inclusive {
			cq = cq.StartAt(vals...)
		} else {
			cq = cq.StartAfter(vals...)
		}
	}
	if q.End != nil {
		vals, err := listToCloud(db.client, q.End.Values)
		if err != nil {
			return cq, err
		}
		if q.End.Inclusive {
			cq = cq.EndAt(vals...)
		} else {
			cq = cq.EndBefore(vals...)
		}
	}
	return cq, nil
}

type txn struct {
	db *DB
	tx *firestore.Transaction
}

func (t *txn) Get(ctx context.Context, path string) (backend.Document, error) {
	ref, err := t.db.doc(path)
	if err != nil {
		return backend.Document{}, err
	}
	return t.db.snapshot(t.tx.Get(ref))
}

func (t *txn) Apply(w backend.Write) error {
	ref, err := t.db.doc(w.Path)
	if err != nil {
		return err
	}
	switch w.Type {
	case backend.WriteDelete:
		return t.tx.Delete(ref)
	case backend.WriteUpdate:
		updates := make([]firestore.Update, 0, len(w.Data))
		for k, v := range w.Data {
			cv, err := toCloud(t.db.client, v)
			if err != nil {
				return err
			}
			updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath(backend.ParseFieldPath(k)), Value: cv})
		}
		return t.tx.Update(ref, updates)
	case backend.WriteSet:
		data, err := mapToCloud(t.db.client, w.Data)
		if err != nil {
			return err
		}
		switch {
		case len(w.Options.MergeFields) > 0:
			fps := make([]firestore.FieldPath, len(w.Options.MergeFields))
			for i, fp := range w.Options.MergeFields {
				fps[i] = firestore.FieldPath(fp)
			}
			return t.tx.Set(ref, data, firestore.Merge(fps...))
		case w.Options.Merge:
			return t.tx.Set(ref, data, firestore.MergeAll)
		}
		return t.tx.Set(ref, data)
	}
	return status.Errorf(codes.InvalidArgument, "unknown write type %q", w.Type)
}

func (db *DB) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx backend.Txn) error) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &txn{db: db, tx: tx})
	})
}

// watch runs next on its own goroutine until the listener is stopped or the
// stream fails.
func (db *DB) watch(ctx context.Context, next func() error, stop func()) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer stop()
		for ctx.Err() == nil {
			if err := next(); err != nil {
				return
			}
			db.inSync()
		}
	}()
	return cancel
}

func streamDone(ctx context.Context, err error) bool {
	return errors.Is(err, iterator.Done) || ctx.Err() != nil || status.Code(err) == codes.Canceled
}

func (db *DB) ListenDocument(ctx context.Context, path string, includeMetadata bool, fn func(backend.Document, error)) (func(), error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	ref, err := db.doc(path)
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(db.ctx)
	it := ref.Snapshots(lctx)
	stop := db.watch(lctx, func() error {
		snap, err := it.Next()
		if err != nil {
			if !streamDone(lctx, err) {
				fn(backend.Document{}, err)
			}
			return err
		}
		fn(db.document(snap), nil)
		return nil
	}, it.Stop)
	return func() { stop(); cancel() }, nil
}

func (db *DB) ListenQuery(ctx context.Context, q backend.Query, includeMetadata bool, fn func(backend.QuerySnapshot, error)) (func(), error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	cq, err := db.query(q)
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(db.ctx)
	it := cq.Snapshots(lctx)
	stop := db.watch(lctx, func() error {
		qs, err := it.Next()
		if err == nil {
			var snaps []*firestore.DocumentSnapshot
			if snaps, err = qs.Documents.GetAll(); err == nil {
				fn(db.querySnapshot(snaps, qs.Changes), nil)
				return nil
			}
		}
		if !streamDone(lctx, err) {
			fn(backend.QuerySnapshot{}, err)
		}
		return err
	}, it.Stop)
	return func() { stop(); cancel() }, nil
}

func (db *DB) querySnapshot(snaps []*firestore.DocumentSnapshot, changes []firestore.DocumentChange) backend.QuerySnapshot {
	out := backend.QuerySnapshot{Docs: make([]backend.Document, len(snaps))}
	for i, s := range snaps {
		out.Docs[i] = db.document(s)
	}
	for _, c := range changes {
		ch := backend.Change{OldIndex: c.OldIndex, NewIndex: c.NewIndex, Doc: db.document(c.Doc)}
		switch c.Kind {
		case firestore.DocumentAdded:
			ch.Type = backend.Added
		case firestore.DocumentModified:
			ch.Type = backend.Modified
		case firestore.DocumentRemoved:
			ch.Type = backend.Removed
		}
		out.Changes = append(out.Changes, ch)
	}
	return out
}

func (db *DB) inSync() {
	db.mu.Lock()
	fns := make([]func(), 0, len(db.syncs))
	for _, fn := range db.syncs {
		fns = append(fns, fn)
	}
	db.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ListenSnapshotsInSync calls fn now and after each delivered snapshot.
func (db *DB) ListenSnapshotsInSync(fn func()) (func(), error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, backend.ErrTerminated
	}
	db.nextID++
	id := db.nextID
	db.syncs[id] = fn
	db.mu.Unlock()
	fn()
	return func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		delete(db.syncs, id)
	}, nil
}

var errNetworkControl = status.Error(codes.Unimplemented, "network control is not available for the cloud backend")

func (db *DB) EnableNetwork(ctx context.Context) error {
	return db.checkOpen()
}

func (db *DB) DisableNetwork(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return errNetworkControl
}

// WaitForPendingWrites returns at once: every write is acknowledged by the
// server before it returns.
func (db *DB) WaitForPendingWrites(ctx context.Context) error { return db.checkOpen() }

// ClearPersistence is a no-op since the client keeps no local cache.
func (db *DB) ClearPersistence(ctx context.Context) error { return nil }

func (db *DB) Terminate(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	clear(db.syncs)
	db.mu.Unlock()
	db.cancel()
	db.log.Debug().Msg("terminated")
	return db.client.Close()
}

var (
	_ backend.Opener   = (*Opener)(nil)
	_ backend.Database = (*DB)(nil)
)
