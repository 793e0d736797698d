package docstore

import (
	"bytes"
	"cmp"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

// Type order used when comparing values of different kinds.
const (
	orderNull = iota
	orderBool
	orderNumber
	orderTimestamp
	orderString
	orderBlob
	orderReference
	orderGeoPoint
	orderArray
	orderMap
)

func typeOrder(v any) int {
	switch x := v.(type) {
	case nil:
		return orderNull
	case bool:
		return orderBool
	case int32, int64, int, float64, float32, *big.Int:
		return orderNumber
	case codec.Timestamp, codec.DateTime, time.Time:
		return orderTimestamp
	case string:
		return orderString
	case []byte, codec.Blob:
		return orderBlob
	case codec.DocumentReference:
		return orderReference
	case codec.GeoPoint:
		return orderGeoPoint
	case map[string]any:
		return orderMap
	default:
		if _, ok := asArray(x); ok {
			return orderArray
		}
	}
	return orderMap + 1
}

func asArray(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []int32:
		return spread(x), true
	case []int64:
		return spread(x), true
	case []float32:
		return spread(x), true
	case []float64:
		return spread(x), true
	}
	return nil, false
}

func spread[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func asTimestamp(v any) codec.Timestamp {
	switch x := v.(type) {
	case codec.Timestamp:
		return x
	case codec.DateTime:
		return codec.TimestampOf(x.Time())
	case time.Time:
		return codec.TimestampOf(x)
	}
	return codec.Timestamp{}
}

func asNumber(v any) (i int64, f float64, isInt bool) {
	switch x := v.(type) {
	case *big.Int:
		fl, _ := new(big.Float).SetInt(x).Float64()
		return 0, fl, false
	}
	if n, ok := codec.AsInt(v); ok {
		return n, float64(n), true
	}
	fl, _ := codec.AsFloat(v)
	return 0, fl, false
}

func compareNumbers(a, b any) int {
	ai, af, aInt := asNumber(a)
	bi, bf, bInt := asNumber(b)
	if aInt && bInt {
		return cmp.Compare(ai, bi)
	}
	// NaN sorts before every other number and equals itself.
	switch an, bn := math.IsNaN(af), math.IsNaN(bf); {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	return cmp.Compare(af, bf)
}

// compareValues orders two field values the way queries sort them.
func compareValues(a, b any) int {
	ta, tb := typeOrder(a), typeOrder(b)
	if ta != tb {
		return cmp.Compare(ta, tb)
	}
	switch ta {
	case orderNull:
		return 0
	case orderBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case orderNumber:
		return compareNumbers(a, b)
	case orderTimestamp:
		x, y := asTimestamp(a), asTimestamp(b)
		if c := cmp.Compare(x.Seconds, y.Seconds); c != 0 {
			return c
		}
		return cmp.Compare(x.Nanos, y.Nanos)
	case orderString:
		return strings.Compare(a.(string), b.(string))
	case orderBlob:
		return bytes.Compare(asBytes(a), asBytes(b))
	case orderReference:
		return comparePaths(a.(codec.DocumentReference).Path, b.(codec.DocumentReference).Path)
	case orderGeoPoint:
		x, y := a.(codec.GeoPoint), b.(codec.GeoPoint)
		if c := cmp.Compare(x.Latitude, y.Latitude); c != 0 {
			return c
		}
		return cmp.Compare(x.Longitude, y.Longitude)
	case orderArray:
		x, _ := asArray(a)
		y, _ := asArray(b)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := compareValues(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x), len(y))
	case orderMap:
		x, y := a.(map[string]any), b.(map[string]any)
		kx, ky := sortedKeys(x), sortedKeys(y)
		for i := 0; i < len(kx) && i < len(ky); i++ {
			if c := strings.Compare(kx[i], ky[i]); c != 0 {
				return c
			}
			if c := compareValues(x[kx[i]], y[ky[i]]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(kx), len(ky))
	}
	return 0
}

func asBytes(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return x
	case codec.Blob:
		return x
	}
	return nil
}

// comparePaths orders document paths segment by segment.
func comparePaths(a, b string) int {
	sa, sb := strings.Split(a, "/"), strings.Split(b, "/")
	for i := 0; i < len(sa) && i < len(sb); i++ {
		if c := strings.Compare(sa[i], sb[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(sa), len(sb))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// valuesEqual is equality as used by == filters: numbers compare by value.
func valuesEqual(a, b any) bool {
	return typeOrder(a) == typeOrder(b) && compareValues(a, b) == 0
}

// cloneValue deep-copies maps and lists so callers cannot alias stored data.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	case codec.Blob:
		return append(codec.Blob(nil), x...)
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func getField(data map[string]any, fp backend.FieldPath) (any, bool) {
	var cur any = data
	for _, seg := range fp {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func setField(data map[string]any, fp backend.FieldPath, v any) {
	m := data
	for _, seg := range fp[:len(fp)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
	m[fp[len(fp)-1]] = v
}

func deleteField(data map[string]any, fp backend.FieldPath) {
	m := data
	for _, seg := range fp[:len(fp)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, fp[len(fp)-1])
}
