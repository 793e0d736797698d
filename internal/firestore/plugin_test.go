package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/bridge"
	"github.com/gaspardpetit/firebridge/internal/channel"
	"github.com/gaspardpetit/firebridge/internal/codec"
	"github.com/gaspardpetit/firebridge/internal/docstore"
	"github.com/gaspardpetit/firebridge/internal/prefs"
)

type setCall struct {
	path string
	data map[string]any
	opts backend.SetOptions
}

type recordingDB struct {
	backend.Database
	mu   sync.Mutex
	sets []setCall
}

func (r *recordingDB) Set(ctx context.Context, path string, data map[string]any, opts backend.SetOptions) error {
	r.mu.Lock()
	r.sets = append(r.sets, setCall{path, data, opts})
	r.mu.Unlock()
	return r.Database.Set(ctx, path, data, opts)
}

// recordingOpener wraps a memory engine and remembers every Open.
type recordingOpener struct {
	inner *docstore.Engine
	mu    sync.Mutex
	opens []backend.Settings
	dbs   map[string]*recordingDB
}

func newRecordingOpener() *recordingOpener {
	return &recordingOpener{inner: docstore.NewMemoryEngine(), dbs: map[string]*recordingDB{}}
}

func (o *recordingOpener) Open(ctx context.Context, app string, s backend.Settings) (backend.Database, error) {
	db, err := o.inner.Open(ctx, app, s)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens = append(o.opens, s)
	r := &recordingDB{Database: db}
	o.dbs[app] = r
	return r, nil
}

// listenDB lets a test push errors into document listeners.
type listenDB struct {
	backend.Database
	mu  sync.Mutex
	fns []func(backend.Document, error)
}

func (l *listenDB) ListenDocument(ctx context.Context, path string, includeMetadata bool, fn func(backend.Document, error)) (func(), error) {
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
	return l.Database.ListenDocument(ctx, path, includeMetadata, fn)
}

func (l *listenDB) fail(err error) {
	l.mu.Lock()
	fns := append(([]func(backend.Document, error))(nil), l.fns...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(backend.Document{}, err)
	}
}

type listenOpener struct {
	inner *docstore.Engine
	db    *listenDB
}

func (o *listenOpener) Open(ctx context.Context, app string, s backend.Settings) (backend.Database, error) {
	db, err := o.inner.Open(ctx, app, s)
	if err != nil {
		return nil, err
	}
	o.db = &listenDB{Database: db}
	return o.db, nil
}

// kindRecorder notes the kind of every frame the client reads.
type kindRecorder struct {
	channel.Transport
	mu    sync.Mutex
	kinds []channel.Kind
}

func (r *kindRecorder) ReadFrame(ctx context.Context) ([]byte, error) {
	b, err := r.Transport.ReadFrame(ctx)
	if err == nil {
		if f, perr := channel.ParseFrame(b); perr == nil {
			r.mu.Lock()
			r.kinds = append(r.kinds, f.Kind)
			r.mu.Unlock()
		}
	}
	return b, err
}

func (r *kindRecorder) seen() []channel.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.Kind(nil), r.kinds...)
}

type notification struct {
	method string
	args   map[string]any
}

type client struct {
	ch     *channel.MethodChannel
	events chan notification
	// attempt answers Transaction#attempt. When nil the call is never answered.
	attempt func(args map[string]any) (any, error)
}

func setup(t *testing.T, opener backend.Opener, opts Options) (*client, *Plugin) {
	t.Helper()
	return setupWith(t, opener, opts, 0, nil)
}

// setupWith bounds the session to workers handlers and lets wrap observe the
// client's transport.
func setupWith(t *testing.T, opener backend.Opener, opts Options, workers int64, wrap func(channel.Transport) channel.Transport) (*client, *Plugin) {
	t.Helper()
	ta, tb := channel.PipeTransports()
	if wrap != nil {
		ta = wrap(ta)
	}
	a, b := channel.NewConn(ta, 0), channel.NewConn(tb, 0)
	go func() { _ = a.Serve(context.Background()) }()
	go func() { _ = b.Serve(context.Background()) }()
	p := New(NewInstances(opener, prefs.NewMemoryStore()), opts)
	br := bridge.New(bridge.Options{Workers: workers, Values: codec.Firestore(p.Instances())}, p)
	br.Attach(b)
	t.Cleanup(func() {
		a.Close()
		br.Close()
		p.Instances().Close(context.Background())
	})
	c := &client{ch: channel.NewMethodChannel(Channel, a, codec.Firestore(nil)), events: make(chan notification, 16)}
	c.ch.SetCallHandler(func(ctx context.Context, call codec.MethodCall, res channel.Result) {
		args, _ := call.Args()
		if call.Method == "Transaction#attempt" {
			if c.attempt == nil {
				return
			}
			go func() {
				v, err := c.attempt(args)
				if err != nil {
					res.Error("test", err.Error(), nil)
					return
				}
				res.Success(v)
			}()
			return
		}
		c.events <- notification{call.Method, args}
		res.Success(nil)
	})
	return c, p
}

func (c *client) call(t *testing.T, method string, args map[string]any) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := c.ch.Invoke(ctx, method, args)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return v
}

func (c *client) callErr(method string, args map[string]any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.ch.Invoke(ctx, method, args)
	return err
}

func (c *client) next(t *testing.T, method string) map[string]any {
	t.Helper()
	select {
	case n := <-c.events:
		if n.method != method {
			t.Fatalf("expected %s, got %s %v", method, n.method, n.args)
		}
		return n.args
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s notification", method)
	}
	return nil
}

func remoteCode(err error) string {
	var re *codec.RemoteError
	if !errors.As(err, &re) {
		return ""
	}
	if d, ok := re.Details.(map[string]any); ok {
		code, _ := d["code"].(string)
		return code
	}
	return ""
}

func TestSetWithMergeRecordsOneMergeSet(t *testing.T) {
	opener := newRecordingOpener()
	c, _ := setup(t, opener, Options{})
	c.call(t, "DocumentReference#setData", map[string]any{
		"path":    "users/ada",
		"data":    map[string]any{"name": "Ada"},
		"options": map[string]any{"merge": true},
	})
	db := opener.dbs[DefaultApp]
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.sets) != 1 {
		t.Fatalf("expected one set, got %d", len(db.sets))
	}
	s := db.sets[0]
	if s.path != "users/ada" || !s.opts.Merge || s.data["name"] != "Ada" {
		t.Fatalf("unexpected set %+v", s)
	}

	doc := c.call(t, "DocumentReference#get", map[string]any{"path": "users/ada"}).(map[string]any)
	if data, _ := doc["data"].(map[string]any); data["name"] != "Ada" {
		t.Fatalf("unexpected document %v", doc)
	}
}

func TestQueryListenerListsBatchInOrder(t *testing.T) {
	c, _ := setup(t, docstore.NewMemoryEngine(), Options{})
	handle := c.call(t, "Query#addSnapshotListener", map[string]any{
		"path":       "cities",
		"parameters": map[string]any{"orderBy": []any{[]any{"pop", false}}},
	})
	first := c.next(t, "QuerySnapshot")
	if first["handle"] != handle {
		t.Fatalf("handle mismatch: %v vs %v", first["handle"], handle)
	}
	if paths := first["snapshot"].(map[string]any)["paths"].([]any); len(paths) != 0 {
		t.Fatalf("expected empty initial snapshot, got %v", paths)
	}

	c.call(t, "WriteBatch#commit", map[string]any{"writes": []any{
		map[string]any{"type": "SET", "path": "cities/sf", "data": map[string]any{"pop": int64(800)}},
		map[string]any{"type": "SET", "path": "cities/la", "data": map[string]any{"pop": int64(4000)}},
	}})
	snap := c.next(t, "QuerySnapshot")["snapshot"].(map[string]any)
	paths := snap["paths"].([]any)
	if len(paths) != 2 || paths[0] != "cities/sf" || paths[1] != "cities/la" {
		t.Fatalf("unexpected paths %v", paths)
	}
	changes := snap["documentChanges"].([]any)
	if len(changes) != 2 || changes[0].(map[string]any)["type"] != "DocumentChangeType.added" {
		t.Fatalf("unexpected changes %v", changes)
	}

	c.call(t, "Firestore#removeListener", map[string]any{"handle": handle})
	if code := remoteCode(c.callErr("Firestore#removeListener", map[string]any{"handle": handle})); code != string(bridge.InvalidArgument) {
		t.Fatalf("expected invalid-argument on double remove, got %q", code)
	}
}

func TestInvalidQueryArguments(t *testing.T) {
	c, _ := setup(t, docstore.NewMemoryEngine(), Options{})
	cases := []map[string]any{
		{"path": "cities", "parameters": map[string]any{"where": []any{[]any{"pop", "!=", int64(1)}}}},
		{"path": "cities", "parameters": map[string]any{"limit": int64(1), "limitToLast": int64(1)}},
		{"path": "cities/sf"},
	}
	for i, args := range cases {
		if code := remoteCode(c.callErr("Query#getDocuments", args)); code != string(bridge.InvalidArgument) {
			t.Fatalf("case %d: expected invalid-argument, got %q", i, code)
		}
	}
}

func TestSettingsApplyOnce(t *testing.T) {
	opener := newRecordingOpener()
	c, _ := setup(t, opener, Options{})
	c.call(t, "Firestore#settings", map[string]any{"appName": "second", "settings": map[string]any{"persistenceEnabled": false, "cacheSizeBytes": int64(-1)}})
	c.call(t, "DocumentReference#get", map[string]any{"appName": "second", "path": "a/b"})
	c.call(t, "Firestore#settings", map[string]any{"appName": "second", "settings": map[string]any{"persistenceEnabled": true}})
	c.call(t, "DocumentReference#get", map[string]any{"appName": "second", "path": "a/b"})

	opener.mu.Lock()
	opens := append([]backend.Settings(nil), opener.opens...)
	opener.mu.Unlock()
	if len(opens) != 1 {
		t.Fatalf("expected one open, got %d", len(opens))
	}
	if opens[0].PersistenceEnabled || opens[0].CacheSizeBytes != -1 || opens[0].Host != "" {
		t.Fatalf("unexpected settings %+v", opens[0])
	}

	c.call(t, "Firestore#terminate", map[string]any{"appName": "second"})
	c.call(t, "DocumentReference#get", map[string]any{"appName": "second", "path": "a/b"})
	opener.mu.Lock()
	defer opener.mu.Unlock()
	if len(opener.opens) != 2 || !opener.opens[1].PersistenceEnabled {
		t.Fatalf("expected reopen with new settings, got %+v", opener.opens)
	}
}

func TestClearPersistenceOnNextOpen(t *testing.T) {
	c, _ := setup(t, docstore.NewMemoryEngine(), Options{})
	c.call(t, "DocumentReference#set", map[string]any{"path": "a/b", "data": map[string]any{"x": true}})
	c.call(t, "Firestore#clearPersistence", nil)
	c.call(t, "Firestore#terminate", nil)
	doc := c.call(t, "DocumentReference#get", map[string]any{"path": "a/b"}).(map[string]any)
	if doc["data"] != nil {
		t.Fatalf("expected cleared document, got %v", doc)
	}
}

func TestTransactionCommitsRemoteSteps(t *testing.T) {
	c, _ := setup(t, docstore.NewMemoryEngine(), Options{})
	c.call(t, "DocumentReference#set", map[string]any{"path": "counters/c", "data": map[string]any{"n": int64(1)}})
	c.attempt = func(args map[string]any) (any, error) {
		id := args["transactionId"]
		doc := c.call(t, "Transaction#get", map[string]any{"transactionId": id, "path": "counters/c"}).(map[string]any)
		n, _ := codec.AsInt(doc["data"].(map[string]any)["n"])
		return map[string]any{"commands": []any{
			map[string]any{"type": "UPDATE", "path": "counters/c", "data": map[string]any{"n": n + 1}},
		}}, nil
	}
	c.call(t, "Transaction#create", map[string]any{"transactionId": int64(3)})
	doc := c.call(t, "DocumentReference#get", map[string]any{"path": "counters/c"}).(map[string]any)
	if n, _ := codec.AsInt(doc["data"].(map[string]any)["n"]); n != 2 {
		t.Fatalf("expected n=2, got %v", doc["data"])
	}
}

func TestTransactionTimeout(t *testing.T) {
	c, _ := setup(t, docstore.NewMemoryEngine(), Options{})
	start := time.Now()
	err := c.callErr("Transaction#create", map[string]any{"transactionId": int64(7), "timeout": int64(100)})
	if code := remoteCode(err); code != string(bridge.DeadlineExceeded) {
		t.Fatalf("expected deadline-exceeded, got %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("timeout took %v", took)
	}
	err = c.callErr("Transaction#get", map[string]any{"transactionId": int64(7), "path": "a/b"})
	if code := remoteCode(err); code != string(bridge.NotFound) {
		t.Fatalf("expected not-found for disposed transaction, got %v", err)
	}
}

func TestTransactionRemoteAbort(t *testing.T) {
	c, _ := setup(t, docstore.NewMemoryEngine(), Options{})
	c.attempt = func(map[string]any) (any, error) { return map[string]any{"type": "ERROR"}, nil }
	c.call(t, "Transaction#create", map[string]any{"transactionId": int64(1)})

	c.attempt = func(map[string]any) (any, error) { return nil, errors.New("boom") }
	err := c.callErr("Transaction#create", map[string]any{"transactionId": int64(2)})
	if code := remoteCode(err); code != string(bridge.Aborted) {
		t.Fatalf("expected aborted, got %v", err)
	}
}

func TestListenerReplyPrecedesFirstEvent(t *testing.T) {
	cases := []struct {
		method, event string
		args          map[string]any
	}{
		{"Query#addSnapshotListener", "QuerySnapshot", map[string]any{"path": "cities"}},
		{"DocumentReference#addSnapshotListener", "DocumentSnapshot", map[string]any{"path": "cities/sf"}},
		{"Firestore#addSnapshotsInSyncListener", "Firestore#snapshotsInSync", nil},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			rec := &kindRecorder{}
			c, _ := setupWith(t, docstore.NewMemoryEngine(), Options{}, 0, func(tr channel.Transport) channel.Transport {
				rec.Transport = tr
				return rec
			})
			handle := c.call(t, tc.method, tc.args)
			if got := c.next(t, tc.event)["handle"]; got != handle {
				t.Fatalf("handle mismatch: %v vs %v", got, handle)
			}
			kinds := rec.seen()
			if len(kinds) < 2 || kinds[0] != channel.KindReply || kinds[1] != channel.KindMessage {
				t.Fatalf("expected reply before first event, got %v", kinds)
			}
		})
	}
}

func TestSnapshotsInSyncFollowsWrites(t *testing.T) {
	c, _ := setup(t, docstore.NewMemoryEngine(), Options{})
	handle := c.call(t, "Firestore#addSnapshotsInSyncListener", nil)
	c.next(t, "Firestore#snapshotsInSync")
	c.call(t, "DocumentReference#set", map[string]any{"path": "a/b", "data": map[string]any{"x": int64(1)}})
	if got := c.next(t, "Firestore#snapshotsInSync")["handle"]; got != handle {
		t.Fatalf("handle mismatch: %v vs %v", got, handle)
	}
	c.call(t, "Firestore#removeListener", map[string]any{"handle": handle})
}

func TestListenerErrorKeepsHandle(t *testing.T) {
	opener := &listenOpener{inner: docstore.NewMemoryEngine()}
	c, _ := setup(t, opener, Options{})
	handle := c.call(t, "DocumentReference#addSnapshotListener", map[string]any{"path": "users/ada"})
	c.next(t, "DocumentSnapshot")

	opener.db.fail(status.Error(codes.PermissionDenied, "denied"))
	ev := c.next(t, "DocumentSnapshot#error")
	if ev["handle"] != handle {
		t.Fatalf("handle mismatch: %v vs %v", ev["handle"], handle)
	}
	if e, _ := ev["error"].(map[string]any); e["code"] != string(bridge.PermissionDenied) {
		t.Fatalf("unexpected error payload %v", ev["error"])
	}

	c.call(t, "DocumentReference#set", map[string]any{"path": "users/ada", "data": map[string]any{"name": "Ada"}})
	snap := c.next(t, "DocumentSnapshot")["snapshot"].(map[string]any)
	if data, _ := snap["data"].(map[string]any); data["name"] != "Ada" {
		t.Fatalf("unexpected snapshot after error %v", snap)
	}
	c.call(t, "Firestore#removeListener", map[string]any{"handle": handle})
}

func TestTransactionsOnBoundedPool(t *testing.T) {
	const n = 8
	c, _ := setupWith(t, docstore.NewMemoryEngine(), Options{}, 2, nil)
	for i := 0; i < n; i++ {
		c.call(t, "DocumentReference#set", map[string]any{"path": fmt.Sprintf("counters/c%d", i), "data": map[string]any{"n": int64(1)}})
	}
	c.attempt = func(args map[string]any) (any, error) {
		id, _ := codec.AsInt(args["transactionId"])
		path := fmt.Sprintf("counters/c%d", id)
		doc, err := c.ch.Invoke(context.Background(), "Transaction#get", map[string]any{"transactionId": id, "path": path})
		if err != nil {
			return nil, err
		}
		v, _ := codec.AsInt(doc.(map[string]any)["data"].(map[string]any)["n"])
		return map[string]any{"commands": []any{
			map[string]any{"type": "UPDATE", "path": path, "data": map[string]any{"n": v + 1}},
		}}, nil
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := c.callErr("Transaction#create", map[string]any{"transactionId": id, "timeout": int64(3000)}); err != nil {
				t.Errorf("transaction %d: %v", id, err)
			}
		}(int64(i))
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		doc := c.call(t, "DocumentReference#get", map[string]any{"path": fmt.Sprintf("counters/c%d", i)}).(map[string]any)
		if v, _ := codec.AsInt(doc["data"].(map[string]any)["n"]); v != 2 {
			t.Fatalf("counter %d: expected 2, got %v", i, doc["data"])
		}
	}
}
