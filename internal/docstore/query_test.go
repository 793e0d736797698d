package docstore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

func TestCompareValuesTypeOrder(t *testing.T) {
	ordered := []any{
		nil,
		false,
		true,
		math.NaN(),
		int32(-1),
		1.5,
		int64(2),
		codec.Timestamp{Seconds: 1},
		"a",
		"b",
		[]byte{1},
		codec.DocumentReference{Path: "a/b"},
		codec.GeoPoint{Latitude: 1},
		[]any{int32(1)},
		map[string]any{"a": int32(1)},
	}
	for i := 0; i+1 < len(ordered); i++ {
		assert.Negative(t, compareValues(ordered[i], ordered[i+1]), "%v < %v", ordered[i], ordered[i+1])
		assert.Positive(t, compareValues(ordered[i+1], ordered[i]), "%v > %v", ordered[i+1], ordered[i])
	}
	assert.True(t, valuesEqual(int32(3), 3.0))
	assert.True(t, valuesEqual(math.NaN(), math.NaN()))
	assert.False(t, valuesEqual("3", int32(3)))
	assert.Zero(t, compareValues(codec.DateTime(1000), codec.Timestamp{Seconds: 1}))
}

func doc(path string, data map[string]any) backend.Document {
	return backend.Document{Path: path, Exists: true, Data: data}
}

func paths(docs []backend.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Path
	}
	return out
}

func cityDocs() []backend.Document {
	return []backend.Document{
		doc("cities/sf", map[string]any{"name": "San Francisco", "pop": int32(860000), "tags": []any{"west", "coast"}}),
		doc("cities/la", map[string]any{"name": "Los Angeles", "pop": int32(3900000), "tags": []any{"west"}}),
		doc("cities/dc", map[string]any{"name": "Washington", "pop": int32(680000), "tags": []any{"east"}}),
		doc("cities/tok", map[string]any{"name": "Tokyo", "pop": int64(9000000)}),
		doc("cities/bj", map[string]any{"name": "Beijing"}),
		doc("cities/sf/landmarks/gg", map[string]any{"name": "Golden Gate"}),
		doc("landmarks/eiffel", map[string]any{"name": "Eiffel"}),
	}
}

func TestRunQueryFilters(t *testing.T) {
	q := backend.Query{Path: "cities"}
	got, err := runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/bj", "cities/dc", "cities/la", "cities/sf", "cities/tok"}, paths(got))

	q.Filters = []backend.Filter{{Field: backend.FieldPath{"pop"}, Op: backend.OpGreater, Value: int32(700000)}}
	got, err = runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/sf", "cities/la", "cities/tok"}, paths(got), "implicit order by the inequality field")

	q.Filters = []backend.Filter{{Field: backend.FieldPath{"tags"}, Op: backend.OpArrayContains, Value: "west"}}
	got, err = runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/la", "cities/sf"}, paths(got))

	q.Filters = []backend.Filter{{Field: backend.FieldPath{"tags"}, Op: backend.OpArrayContainsAny, Value: []any{"east", "coast"}}}
	got, err = runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/dc", "cities/sf"}, paths(got))

	q.Filters = []backend.Filter{{Field: backend.FieldPath{"name"}, Op: backend.OpIn, Value: []any{"Tokyo", "Beijing"}}}
	got, err = runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/bj", "cities/tok"}, paths(got))

	q.Filters = []backend.Filter{{Field: backend.FieldPath{backend.DocumentIDField}, Op: backend.OpEqual, Value: "la"}}
	got, err = runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/la"}, paths(got))
}

func TestRunQueryOrderCursorLimit(t *testing.T) {
	q := backend.Query{
		Path:   "cities",
		Orders: []backend.Order{{Field: backend.FieldPath{"pop"}, Descending: true}},
	}
	got, err := runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/tok", "cities/la", "cities/sf", "cities/dc"}, paths(got), "docs missing the order field are excluded")

	q.Start = &backend.Cursor{Values: []any{int32(3900000)}, Inclusive: false}
	got, err = runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/sf", "cities/dc"}, paths(got))

	q.Start = &backend.Cursor{Values: []any{int32(3900000)}, Inclusive: true}
	q.End = &backend.Cursor{Values: []any{int32(860000)}, Inclusive: false}
	got, err = runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/la"}, paths(got))

	q.Start, q.End = nil, nil
	q.Limit = 2
	got, err = runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/tok", "cities/la"}, paths(got))

	q.LimitToLast = true
	got, err = runQuery(q, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/sf", "cities/dc"}, paths(got))

	_, err = runQuery(backend.Query{Path: "cities", Limit: 1, LimitToLast: true}, cityDocs())
	require.Error(t, err)
}

func TestRunQueryCollectionGroup(t *testing.T) {
	got, err := runQuery(backend.Query{Path: "landmarks", CollectionGroup: true}, cityDocs())
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/sf/landmarks/gg", "landmarks/eiffel"}, paths(got))
}

func TestDiffSnapshots(t *testing.T) {
	a := doc("c/a", nil)
	b := doc("c/b", nil)
	c := doc("c/c", nil)
	b2 := b
	b2.UpdateTime = b.UpdateTime.Add(1)

	changes := diffSnapshots([]backend.Document{a, b, c}, []backend.Document{b2, c}, false)
	require.Len(t, changes, 2)
	assert.Equal(t, backend.Change{Type: backend.Removed, OldIndex: 0, NewIndex: -1, Doc: a}, changes[0])
	assert.Equal(t, backend.Modified, changes[1].Type)
	assert.Equal(t, 0, changes[1].OldIndex)
	assert.Equal(t, 0, changes[1].NewIndex)

	changes = diffSnapshots([]backend.Document{a}, []backend.Document{c, a}, false)
	require.Len(t, changes, 1)
	assert.Equal(t, backend.Change{Type: backend.Added, OldIndex: -1, NewIndex: 0, Doc: c}, changes[0])

	assert.Empty(t, diffSnapshots([]backend.Document{a}, []backend.Document{a}, true))
}
