package firestore

import (
	"fmt"
	"time"

	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/bridge"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

// DefaultApp is the app used when a call names none.
const DefaultApp = "[DEFAULT]"

// appOf reads the target app from a firestore instance value or appName.
func appOf(a bridge.Args) (string, error) {
	if inst, ok := a["firestore"].(codec.FirestoreInstance); ok {
		return inst.App, nil
	}
	return a.OptString("appName", DefaultApp)
}

func parseFieldPath(v any) (backend.FieldPath, error) {
	switch x := v.(type) {
	case codec.FieldPath:
		return backend.FieldPath(x), nil
	case codec.DocumentID:
		return backend.FieldPath{backend.DocumentIDField}, nil
	case string:
		if x == "" {
			return nil, fmt.Errorf("empty field path")
		}
		return backend.ParseFieldPath(x), nil
	case []any:
		fp := make(backend.FieldPath, len(x))
		for i, s := range x {
			seg, ok := s.(string)
			if !ok {
				return nil, fmt.Errorf("field path segment of type %T", s)
			}
			fp[i] = seg
		}
		return fp, nil
	}
	return nil, fmt.Errorf("field path of type %T", v)
}

func parseSetOptions(a bridge.Args) (backend.SetOptions, error) {
	opts, err := a.OptMap("options")
	if err != nil {
		return backend.SetOptions{}, err
	}
	o := bridge.Args(opts)
	var out backend.SetOptions
	if out.Merge, err = o.Bool("merge", false); err != nil {
		return out, err
	}
	if out.Merge {
		return out, nil
	}
	fields, err := o.OptList("mergeFields")
	if err != nil {
		return out, err
	}
	for _, f := range fields {
		fp, err := parseFieldPath(f)
		if err != nil {
			return out, bridge.Errorf(bridge.InvalidArgument, "mergeFields: %v", err)
		}
		out.MergeFields = append(out.MergeFields, fp)
	}
	return out, nil
}

// parseWrite reads one batch write or transaction step.
func parseWrite(m map[string]any) (backend.Write, error) {
	a := bridge.Args(m)
	typ, err := a.String("type")
	if err != nil {
		return backend.Write{}, err
	}
	path, err := a.String("path")
	if err != nil {
		return backend.Write{}, err
	}
	w := backend.Write{Type: backend.WriteType(typ), Path: path}
	switch w.Type {
	case backend.WriteDelete:
		return w, nil
	case backend.WriteUpdate:
		w.Data, err = a.Map("data")
		return w, err
	case backend.WriteSet:
		if w.Data, err = a.Map("data"); err != nil {
			return w, err
		}
		w.Options, err = parseSetOptions(a)
		return w, err
	}
	return w, bridge.Errorf(bridge.InvalidArgument, "unknown write type %q", typ)
}

func parseWrites(list []any) ([]backend.Write, error) {
	writes := make([]backend.Write, 0, len(list))
	for i, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, bridge.Errorf(bridge.InvalidArgument, "write %d of type %T", i, raw)
		}
		w, err := parseWrite(m)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// queryArgs returns the arguments describing a query. A query descriptor
// value, when present, takes the place of the top-level keys.
func queryArgs(a bridge.Args) (bridge.Args, error) {
	if !a.Has("query") {
		return a, nil
	}
	m, err := a.Map("query")
	if err != nil {
		return nil, err
	}
	return bridge.Args(m), nil
}

func parseQuery(a bridge.Args) (backend.Query, error) {
	var q backend.Query
	var err error
	if q.Path, err = a.String("path"); err != nil {
		return q, err
	}
	if q.CollectionGroup, err = a.Bool("isCollectionGroup", false); err != nil {
		return q, err
	}
	if !q.CollectionGroup {
		if err := backend.ValidateCollectionPath(q.Path); err != nil {
			return q, err
		}
	}
	params, err := a.OptMap("parameters")
	if err != nil {
		return q, err
	}
	p := bridge.Args(params)

	where, err := p.OptList("where")
	if err != nil {
		return q, err
	}
	for i, raw := range where {
		cond, ok := raw.([]any)
		if !ok || len(cond) != 3 {
			return q, bridge.Errorf(bridge.InvalidArgument, "where clause %d must be [field, op, value]", i)
		}
		fp, err := parseFieldPath(cond[0])
		if err != nil {
			return q, bridge.Errorf(bridge.InvalidArgument, "where clause %d: %v", i, err)
		}
		opName, _ := cond[1].(string)
		op, err := backend.ParseOp(opName)
		if err != nil {
			return q, bridge.Errorf(bridge.InvalidArgument, "where clause %d: %v", i, err)
		}
		q.Filters = append(q.Filters, backend.Filter{Field: fp, Op: op, Value: cond[2]})
	}

	if p.Has("limit") && p.Has("limitToLast") {
		return q, bridge.Errorf(bridge.InvalidArgument, "limit and limitToLast cannot be combined")
	}
	limit, err := p.OptInt("limit", 0)
	if err != nil {
		return q, err
	}
	if p.Has("limitToLast") {
		if limit, err = p.Int("limitToLast"); err != nil {
			return q, err
		}
		q.LimitToLast = true
	}
	q.Limit = int(limit)

	orders, err := p.OptList("orderBy")
	if err != nil {
		return q, err
	}
	for i, raw := range orders {
		ord, ok := raw.([]any)
		if !ok || len(ord) != 2 {
			return q, bridge.Errorf(bridge.InvalidArgument, "orderBy clause %d must be [field, descending]", i)
		}
		fp, err := parseFieldPath(ord[0])
		if err != nil {
			return q, bridge.Errorf(bridge.InvalidArgument, "orderBy clause %d: %v", i, err)
		}
		desc, _ := ord[1].(bool)
		q.Orders = append(q.Orders, backend.Order{Field: fp, Descending: desc})
	}

	if q.Start, err = cursor(p, "startAt", "startAfter"); err != nil {
		return q, err
	}
	if q.End, err = cursor(p, "endAt", "endBefore"); err != nil {
		return q, err
	}
	return q, nil
}

// cursor reads the inclusive key or, failing that, the exclusive one.
func cursor(p bridge.Args, inclusive, exclusive string) (*backend.Cursor, error) {
	for _, key := range []string{inclusive, exclusive} {
		if !p.Has(key) {
			continue
		}
		vals, err := p.List(key)
		if err != nil {
			return nil, err
		}
		return &backend.Cursor{Values: vals, Inclusive: key == inclusive}, nil
	}
	return nil, nil
}

// timeoutOf reads a millisecond timeout, defaulting when absent.
func timeoutOf(a bridge.Args, def time.Duration) (time.Duration, error) {
	ms, err := a.OptInt("timeout", def.Milliseconds())
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func metadataMap(m backend.Metadata) map[string]any {
	return map[string]any{"hasPendingWrites": m.HasPendingWrites, "isFromCache": m.IsFromCache}
}

func documentData(d backend.Document) any {
	if !d.Exists {
		return nil
	}
	if d.Data == nil {
		return map[string]any{}
	}
	return d.Data
}

// documentMap is the wire form of a document snapshot.
func documentMap(d backend.Document) map[string]any {
	return map[string]any{
		"path":     d.Path,
		"data":     documentData(d),
		"metadata": metadataMap(d.Metadata),
	}
}

func changeType(t backend.ChangeType) string { return "DocumentChangeType." + t.String() }

// querySnapshotMap is the wire form of a query snapshot.
func querySnapshotMap(s backend.QuerySnapshot) map[string]any {
	paths := make([]any, len(s.Docs))
	docs := make([]any, len(s.Docs))
	metas := make([]any, len(s.Docs))
	for i, d := range s.Docs {
		paths[i] = d.Path
		docs[i] = documentData(d)
		metas[i] = metadataMap(d.Metadata)
	}
	changes := make([]any, len(s.Changes))
	for i, c := range s.Changes {
		changes[i] = map[string]any{
			"type":     changeType(c.Type),
			"oldIndex": int64(c.OldIndex),
			"newIndex": int64(c.NewIndex),
			"document": documentData(c.Doc),
			"path":     c.Doc.Path,
			"metadata": metadataMap(c.Doc.Metadata),
		}
	}
	return map[string]any{
		"paths":           paths,
		"documents":       docs,
		"metadatas":       metas,
		"documentChanges": changes,
		"metadata":        metadataMap(s.Metadata),
	}
}
