package docstore

import (
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

// parentCollection returns the collection path holding the document at p.
func parentCollection(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func collectionID(collection string) string {
	return collection[strings.LastIndexByte(collection, '/')+1:]
}

// inScope reports whether the document path p belongs to the queried
// collection or collection group.
func inScope(q backend.Query, p string) bool {
	parent := parentCollection(p)
	if q.CollectionGroup {
		return collectionID(parent) == q.Path
	}
	return parent == q.Path
}

// scopeKeys narrows stored keys to the documents a query may return.
func scopeKeys(q backend.Query, keys []string) []string {
	return bulk.SliceFilter(func(k string) bool { return inScope(q, k) }, keys)
}

func scopePrefix(q backend.Query) string {
	if q.CollectionGroup {
		return ""
	}
	return q.Path + "/"
}

// fieldValue reads f from doc; the document id field reads as a reference.
func fieldValue(doc backend.Document, f backend.FieldPath) (any, bool) {
	if f.IsDocumentID() {
		return codec.DocumentReference{Path: doc.Path}, true
	}
	return getField(doc.Data, f)
}

// keyValue normalizes a filter or cursor value compared against the document
// id. Plain ids are resolved against the collection.
func keyValue(q backend.Query, v any) any {
	switch x := v.(type) {
	case string:
		if !strings.Contains(x, "/") && !q.CollectionGroup {
			x = q.Path + "/" + x
		}
		return codec.DocumentReference{Path: x}
	case codec.DocumentReference:
		return codec.DocumentReference{Path: x.Path}
	}
	return v
}

func matchFilter(q backend.Query, doc backend.Document, f backend.Filter) bool {
	v, ok := fieldValue(doc, f.Field)
	if !ok {
		return false
	}
	want := f.Value
	if f.Field.IsDocumentID() {
		if list, isList := asArray(want); isList {
			norm := make([]any, len(list))
			for i, e := range list {
				norm[i] = keyValue(q, e)
			}
			want = norm
		} else {
			want = keyValue(q, want)
		}
	}
	switch f.Op {
	case backend.OpEqual:
		return valuesEqual(v, want)
	case backend.OpLess, backend.OpLessEqual, backend.OpGreater, backend.OpGreaterEqual:
		if typeOrder(v) != typeOrder(want) {
			return false
		}
		c := compareValues(v, want)
		switch f.Op {
		case backend.OpLess:
			return c < 0
		case backend.OpLessEqual:
			return c <= 0
		case backend.OpGreater:
			return c > 0
		}
		return c >= 0
	case backend.OpArrayContains:
		arr, ok := asArray(v)
		return ok && containsValue(arr, want)
	case backend.OpArrayContainsAny:
		arr, ok := asArray(v)
		candidates, _ := asArray(want)
		if !ok {
			return false
		}
		for _, c := range candidates {
			if containsValue(arr, c) {
				return true
			}
		}
		return false
	case backend.OpIn:
		candidates, _ := asArray(want)
		return containsValue(candidates, v)
	}
	return false
}

func containsValue(list []any, v any) bool {
	return slices.ContainsFunc(list, func(e any) bool { return valuesEqual(e, v) })
}

// effectiveOrders returns the explicit orders completed with the implicit
// ones: the first inequality field when no order is given, then the
// document id in the direction of the last order.
func effectiveOrders(q backend.Query) []backend.Order {
	orders := slices.Clone(q.Orders)
	if len(orders) == 0 {
		for _, f := range q.Filters {
			if f.Op.Inequality() {
				orders = append(orders, backend.Order{Field: f.Field})
				break
			}
		}
	}
	for _, o := range orders {
		if o.Field.IsDocumentID() {
			return orders
		}
	}
	desc := len(orders) > 0 && orders[len(orders)-1].Descending
	return append(orders, backend.Order{Field: backend.FieldPath{backend.DocumentIDField}, Descending: desc})
}

func compareDocs(orders []backend.Order, a, b backend.Document) int {
	for _, o := range orders {
		va, _ := fieldValue(a, o.Field)
		vb, _ := fieldValue(b, o.Field)
		c := compareValues(va, vb)
		if o.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// compareCursor orders doc against a cursor position over the leading orders.
func compareCursor(q backend.Query, orders []backend.Order, doc backend.Document, cur *backend.Cursor) int {
	for i, v := range cur.Values {
		if i >= len(orders) {
			break
		}
		o := orders[i]
		dv, _ := fieldValue(doc, o.Field)
		if o.Field.IsDocumentID() {
			v = keyValue(q, v)
		}
		c := compareValues(dv, v)
		if o.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// runQuery filters, orders, bounds and limits candidate documents.
func runQuery(q backend.Query, candidates []backend.Document) ([]backend.Document, error) {
	if q.LimitToLast && len(q.Orders) == 0 {
		return nil, status.Error(codes.InvalidArgument, "limitToLast() queries require specifying at least one orderBy() clause")
	}
	orders := effectiveOrders(q)
	docs := bulk.SliceFilter(func(d backend.Document) bool {
		if !d.Exists || !inScope(q, d.Path) {
			return false
		}
		for _, f := range q.Filters {
			if !matchFilter(q, d, f) {
				return false
			}
		}
		// Documents missing an ordered field are not part of the result.
		for _, o := range orders {
			if _, ok := fieldValue(d, o.Field); !ok {
				return false
			}
		}
		return true
	}, candidates)
	slices.SortStableFunc(docs, func(a, b backend.Document) int { return compareDocs(orders, a, b) })

	if q.Start != nil {
		docs = bulk.SliceFilter(func(d backend.Document) bool {
			c := compareCursor(q, orders, d, q.Start)
			return c > 0 || (c == 0 && q.Start.Inclusive)
		}, docs)
	}
	if q.End != nil {
		docs = bulk.SliceFilter(func(d backend.Document) bool {
			c := compareCursor(q, orders, d, q.End)
			return c < 0 || (c == 0 && q.End.Inclusive)
		}, docs)
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		if q.LimitToLast {
			docs = docs[len(docs)-q.Limit:]
		} else {
			docs = docs[:q.Limit]
		}
	}
	return docs, nil
}

// diffSnapshots computes the changes turning prev into next. Removals are
// reported first against the shrinking previous list, then additions and
// modifications in next order.
func diffSnapshots(prev, next []backend.Document, includeMetadata bool) []backend.Change {
	var changes []backend.Change
	running := make([]string, len(prev))
	before := make(map[string]backend.Document, len(prev))
	for i, d := range prev {
		running[i] = d.Path
		before[d.Path] = d
	}
	after := make(map[string]struct{}, len(next))
	for _, d := range next {
		after[d.Path] = struct{}{}
	}
	for _, d := range prev {
		if _, ok := after[d.Path]; ok {
			continue
		}
		idx := slices.Index(running, d.Path)
		running = slices.Delete(running, idx, idx+1)
		changes = append(changes, backend.Change{Type: backend.Removed, OldIndex: idx, NewIndex: -1, Doc: d})
	}
	for i, d := range next {
		old, existed := before[d.Path]
		if !existed {
			running = slices.Insert(running, i, d.Path)
			changes = append(changes, backend.Change{Type: backend.Added, OldIndex: -1, NewIndex: i, Doc: d})
			continue
		}
		idx := slices.Index(running, d.Path)
		if idx != i {
			running = slices.Delete(running, idx, idx+1)
			running = slices.Insert(running, i, d.Path)
		}
		if !old.UpdateTime.Equal(d.UpdateTime) || (includeMetadata && old.Metadata != d.Metadata) {
			changes = append(changes, backend.Change{Type: backend.Modified, OldIndex: idx, NewIndex: i, Doc: d})
		}
	}
	return changes
}

func initialChanges(docs []backend.Document) []backend.Change {
	changes := make([]backend.Change, len(docs))
	for i, d := range docs {
		changes[i] = backend.Change{Type: backend.Added, OldIndex: -1, NewIndex: i, Doc: d}
	}
	return changes
}
