// Package firestore serves the cloud_firestore channel on top of a
// backend.Database per app.
package firestore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/bridge"
	"github.com/gaspardpetit/firebridge/internal/listeners"
	"github.com/gaspardpetit/firebridge/internal/metrics"
	"github.com/gaspardpetit/firebridge/internal/txn"
)

const (
	Channel   = "plugins.flutter.io/cloud_firestore"
	ErrorCode = "cloud_firestore"
)

type Options struct {
	// TransactionTimeout is the default wait for Transaction#attempt replies.
	TransactionTimeout time.Duration
}

// Plugin is the Firestore channel.
type Plugin struct {
	instances *Instances
	timeout   time.Duration
	log       zerolog.Logger
}

func New(instances *Instances, opts Options) *Plugin {
	if opts.TransactionTimeout <= 0 {
		opts.TransactionTimeout = txn.DefaultTimeout
	}
	return &Plugin{instances: instances, timeout: opts.TransactionTimeout, log: logx.Component("firestore")}
}

func (p *Plugin) Channel() string { return Channel }

func (p *Plugin) ErrorCode() string { return ErrorCode }

func (p *Plugin) Instances() *Instances { return p.instances }

// handlers is the per-session state of the channel.
type handlers struct {
	p    *Plugin
	s    *bridge.Session
	txns *txn.Coordinator[backend.Txn]
	log  zerolog.Logger
}

func (p *Plugin) Attach(s *bridge.Session, d *bridge.Dispatcher) {
	h := &handlers{p: p, s: s, txns: txn.New[backend.Txn](), log: p.log.With().Str("session", s.ID).Logger()}
	s.OnClose(h.txns.Close)
	d.SetErrorMapper(mapError)

	d.HandleFunc("Firestore#removeListener", h.removeListener)
	d.HandleFunc("Firestore#disableNetwork", h.disableNetwork)
	d.HandleFunc("Firestore#enableNetwork", h.enableNetwork)
	d.HandleFunc("Firestore#addSnapshotsInSyncListener", h.addSnapshotsInSyncListener)
	d.HandleFunc("Firestore#clearPersistence", h.clearPersistence)
	d.HandleFunc("Firestore#settings", h.settings)
	d.HandleFunc("Firestore#terminate", h.terminate)
	d.HandleFunc("Firestore#waitForPendingWrites", h.waitForPendingWrites)
	d.HandleFunc("Transaction#create", h.createTransaction)
	d.HandleFunc("Transaction#get", h.transactionGet)
	d.HandleFunc("WriteBatch#commit", h.commitBatch)
	d.HandleFunc("Query#addSnapshotListener", h.addQueryListener)
	d.HandleFunc("Query#getDocuments", h.getDocuments)
	d.HandleFunc("DocumentReference#addSnapshotListener", h.addDocumentListener)
	d.HandleFunc("DocumentReference#get", h.getDocument)
	d.Handle("DocumentReference#setData", bridge.Typed(parseSet, h.setDocument))
	d.Handle("DocumentReference#set", bridge.Typed(parseSet, h.setDocument))
	d.Handle("DocumentReference#updateData", bridge.Typed(parseUpdate, h.updateDocument))
	d.Handle("DocumentReference#update", bridge.Typed(parseUpdate, h.updateDocument))
	d.HandleFunc("DocumentReference#delete", h.deleteDocument)
}

// mapError reports unknown transactions as not-found with their id and
// unknown listener handles as invalid arguments.
func mapError(err error) *bridge.Error {
	var ue *txn.UnknownError
	if errors.As(err, &ue) {
		return bridge.Errorf(bridge.NotFound, "%s", ue.Error())
	}
	if errors.Is(err, listeners.ErrUnknownHandle) {
		return bridge.Errorf(bridge.InvalidArgument, "%s", err.Error())
	}
	return bridge.FromError(err)
}

func (h *handlers) db(ctx context.Context, a bridge.Args) (string, backend.Database, error) {
	app, err := appOf(a)
	if err != nil {
		return "", nil, err
	}
	db, err := h.p.instances.Get(ctx, app)
	return app, db, err
}

func (h *handlers) removeListener(_ context.Context, a bridge.Args) (any, error) {
	handle, err := a.Int("handle")
	if err != nil {
		return nil, err
	}
	return nil, h.s.Listeners.Remove(handle)
}

func (h *handlers) disableNetwork(ctx context.Context, a bridge.Args) (any, error) {
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	return nil, db.DisableNetwork(ctx)
}

func (h *handlers) enableNetwork(ctx context.Context, a bridge.Args) (any, error) {
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	return nil, db.EnableNetwork(ctx)
}

func (h *handlers) waitForPendingWrites(ctx context.Context, a bridge.Args) (any, error) {
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	return nil, db.WaitForPendingWrites(ctx)
}

func (h *handlers) clearPersistence(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appOf(a)
	if err != nil {
		return nil, err
	}
	return nil, h.p.instances.FlagClearPersistence(ctx, app)
}

func (h *handlers) settings(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appOf(a)
	if err != nil {
		return nil, err
	}
	settings, err := a.Map("settings")
	if err != nil {
		return nil, err
	}
	return nil, h.p.instances.PersistSettings(ctx, app, settings)
}

func (h *handlers) terminate(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appOf(a)
	if err != nil {
		return nil, err
	}
	return nil, h.p.instances.Terminate(ctx, app)
}

func (h *handlers) addSnapshotsInSyncListener(ctx context.Context, a bridge.Args) (any, error) {
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	return h.listen(ctx, func(handle int64) (listeners.Cancel, error) {
		stop, err := db.ListenSnapshotsInSync(func() {
			h.s.Listeners.Deliver(handle, func() {
				h.s.Notify(Channel, "Firestore#snapshotsInSync", map[string]any{"handle": handle})
			})
		})
		return listeners.Cancel(stop), err
	})
}

// listen registers a subscription whose events start flowing only after the
// reply carrying its handle.
func (h *handlers) listen(ctx context.Context, open func(handle int64) (listeners.Cancel, error)) (any, error) {
	handle, err := h.s.Listeners.Add(open)
	if err != nil {
		return nil, err
	}
	bridge.AfterReply(ctx, func() { h.s.Listeners.Activate(handle) })
	return handle, nil
}

func errorMap(err error) map[string]any {
	be := mapError(err)
	return map[string]any{"code": string(be.Code), "message": be.Message}
}

func (h *handlers) addQueryListener(ctx context.Context, a bridge.Args) (any, error) {
	qa, err := queryArgs(a)
	if err != nil {
		return nil, err
	}
	q, err := parseQuery(qa)
	if err != nil {
		return nil, err
	}
	includeMeta, err := a.Bool("includeMetadataChanges", false)
	if err != nil {
		return nil, err
	}
	if !a.Has("firestore") && !a.Has("appName") {
		a = qa
	}
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	// The subscription outlives the call, so it is bound to the session.
	sctx := h.s.Context()
	return h.listen(ctx, func(handle int64) (listeners.Cancel, error) {
		stop, err := db.ListenQuery(sctx, q, includeMeta, func(snap backend.QuerySnapshot, err error) {
			h.s.Listeners.Deliver(handle, func() {
				if err != nil {
					h.log.Debug().Err(err).Int64("handle", handle).Msg("query listener error")
					h.s.Notify(Channel, "QuerySnapshot#error", map[string]any{"handle": handle, "error": errorMap(err)})
					return
				}
				h.s.Notify(Channel, "QuerySnapshot", map[string]any{"handle": handle, "snapshot": querySnapshotMap(snap)})
			})
		})
		return listeners.Cancel(stop), err
	})
}

func (h *handlers) addDocumentListener(ctx context.Context, a bridge.Args) (any, error) {
	path, err := a.String("path")
	if err != nil {
		return nil, err
	}
	if err := backend.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	includeMeta, err := a.Bool("includeMetadataChanges", false)
	if err != nil {
		return nil, err
	}
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	sctx := h.s.Context()
	return h.listen(ctx, func(handle int64) (listeners.Cancel, error) {
		stop, err := db.ListenDocument(sctx, path, includeMeta, func(doc backend.Document, err error) {
			h.s.Listeners.Deliver(handle, func() {
				if err != nil {
					h.log.Debug().Err(err).Int64("handle", handle).Msg("document listener error")
					h.s.Notify(Channel, "DocumentSnapshot#error", map[string]any{"handle": handle, "error": errorMap(err)})
					return
				}
				h.s.Notify(Channel, "DocumentSnapshot", map[string]any{"handle": handle, "snapshot": documentMap(doc)})
			})
		})
		return listeners.Cancel(stop), err
	})
}

func (h *handlers) getDocuments(ctx context.Context, a bridge.Args) (any, error) {
	qa, err := queryArgs(a)
	if err != nil {
		return nil, err
	}
	q, err := parseQuery(qa)
	if err != nil {
		return nil, err
	}
	src, err := a.OptString("source", "")
	if err != nil {
		return nil, err
	}
	if !a.Has("firestore") && !a.Has("appName") {
		a = qa
	}
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	snap, err := db.Query(ctx, q, backend.ParseSource(src))
	if err != nil {
		return nil, err
	}
	return querySnapshotMap(snap), nil
}

func (h *handlers) getDocument(ctx context.Context, a bridge.Args) (any, error) {
	path, err := a.String("path")
	if err != nil {
		return nil, err
	}
	if err := backend.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	src, err := a.OptString("source", "")
	if err != nil {
		return nil, err
	}
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	doc, err := db.Get(ctx, path, backend.ParseSource(src))
	if err != nil {
		return nil, err
	}
	return documentMap(doc), nil
}

type setRequest struct {
	args bridge.Args
	path string
	data map[string]any
	opts backend.SetOptions
}

func parseSet(a bridge.Args) (setRequest, error) {
	r := setRequest{args: a}
	var err error
	if r.path, err = a.String("path"); err != nil {
		return r, err
	}
	if err := backend.ValidateDocumentPath(r.path); err != nil {
		return r, bridge.FromError(err)
	}
	if r.data, err = a.Map("data"); err != nil {
		return r, err
	}
	r.opts, err = parseSetOptions(a)
	return r, err
}

func (h *handlers) setDocument(ctx context.Context, r setRequest) (any, error) {
	_, db, err := h.db(ctx, r.args)
	if err != nil {
		return nil, err
	}
	return nil, db.Set(ctx, r.path, r.data, r.opts)
}

type updateRequest struct {
	args bridge.Args
	path string
	data map[string]any
}

func parseUpdate(a bridge.Args) (updateRequest, error) {
	r := updateRequest{args: a}
	var err error
	if r.path, err = a.String("path"); err != nil {
		return r, err
	}
	if err := backend.ValidateDocumentPath(r.path); err != nil {
		return r, bridge.FromError(err)
	}
	r.data, err = a.Map("data")
	return r, err
}

func (h *handlers) updateDocument(ctx context.Context, r updateRequest) (any, error) {
	_, db, err := h.db(ctx, r.args)
	if err != nil {
		return nil, err
	}
	return nil, db.Update(ctx, r.path, r.data)
}

func (h *handlers) deleteDocument(ctx context.Context, a bridge.Args) (any, error) {
	path, err := a.String("path")
	if err != nil {
		return nil, err
	}
	if err := backend.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	return nil, db.Delete(ctx, path)
}

func (h *handlers) commitBatch(ctx context.Context, a bridge.Args) (any, error) {
	list, err := a.List("writes")
	if err != nil {
		return nil, err
	}
	writes, err := parseWrites(list)
	if err != nil {
		return nil, err
	}
	for _, w := range writes {
		if err := backend.ValidateDocumentPath(w.Path); err != nil {
			return nil, err
		}
	}
	_, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}
	return nil, db.Batch(ctx, writes)
}

// createTransaction runs a transaction whose reads and writes are decided by
// the remote side. Each attempt asks for the steps with Transaction#attempt;
// the remote reads through Transaction#get while the attempt is pending.
func (h *handlers) createTransaction(ctx context.Context, a bridge.Args) (any, error) {
	id, err := a.Int("transactionId")
	if err != nil {
		return nil, err
	}
	timeout, err := timeoutOf(a, h.p.timeout)
	if err != nil {
		return nil, err
	}
	app, db, err := h.db(ctx, a)
	if err != nil {
		return nil, err
	}

	h.txns.Create(id)
	defer h.txns.Dispose(id)
	err = db.RunTransaction(ctx, func(ctx context.Context, tx backend.Txn) error {
		var out txn.Outcome
		// Transaction#get calls arrive while the attempt waits.
		err := bridge.Park(ctx, func() (err error) {
			out, err = h.txns.Attempt(ctx, id, tx, timeout, func(actx context.Context) (txn.Outcome, error) {
				v, err := h.s.Invoke(actx, Channel, "Transaction#attempt", map[string]any{"transactionId": id, "appName": app})
				if err != nil {
					return txn.Outcome{}, err
				}
				return txn.ParseOutcome(v)
			})
			return err
		})
		if err != nil {
			return err
		}
		if out.Abort {
			return nil
		}
		for _, step := range out.Steps {
			w, err := parseWrite(step)
			if err != nil {
				return err
			}
			if err := tx.Apply(w); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
		h.txns.Complete(id)
		metrics.RecordTransaction("committed")
		return nil, nil
	case errors.Is(err, txn.ErrDeadlineExceeded):
		metrics.RecordTransaction("timed_out")
	default:
		metrics.RecordTransaction("failed")
	}
	h.log.Debug().Err(err).Int64("transaction", id).Msg("transaction failed")
	return nil, err
}

func (h *handlers) transactionGet(ctx context.Context, a bridge.Args) (any, error) {
	id, err := a.Int("transactionId")
	if err != nil {
		return nil, err
	}
	path, err := a.String("path")
	if err != nil {
		return nil, err
	}
	if err := backend.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	tx, release, err := h.txns.Lookup(id)
	if err != nil {
		return nil, err
	}
	defer release()
	doc, err := tx.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return documentMap(doc), nil
}
