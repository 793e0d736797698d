package codec

import (
	"math"
	"math/big"
	"reflect"
	"time"
)

// Value is any value the codec can carry: nil, bool, int32, int64, *big.Int,
// float64, string, []byte, typed numeric lists, []any, map[string]any, or one
// of the extension types declared below.
type Value = any

// Timestamp is an instant as seconds plus nanoseconds since the Unix epoch.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// TimestampOf converts a time.Time.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts back to a UTC time.Time.
func (t Timestamp) Time() time.Time { return time.Unix(t.Seconds, int64(t.Nanos)).UTC() }

// DateTime is the legacy millisecond timestamp. Peers still send it; new
// values are always written as Timestamp.
type DateTime int64

// Time converts the legacy value to a UTC time.Time.
func (d DateTime) Time() time.Time { return time.UnixMilli(int64(d)).UTC() }

// GeoPoint is a latitude/longitude pair in degrees.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// Blob is opaque binary content, distinct from a plain byte list.
type Blob []byte

// DocumentReference points at a document path inside a named app's database.
type DocumentReference struct {
	App  string
	Path string
}

// FieldPath addresses a possibly nested field by segments.
type FieldPath []string

// DocumentID is the field path marker for the document's own identifier.
type DocumentID struct{}

// Sentinel is a field-update marker interpreted by the store.
type Sentinel uint8

const (
	Delete Sentinel = iota + 1
	ServerTimestamp
)

func (s Sentinel) String() string {
	switch s {
	case Delete:
		return "FieldValue.delete"
	case ServerTimestamp:
		return "FieldValue.serverTimestamp"
	}
	return "FieldValue.unknown"
}

// IncrementInt adds an integer amount to a numeric field.
type IncrementInt int64

// IncrementFloat adds a floating amount to a numeric field.
type IncrementFloat float64

// ArrayUnion adds the elements not already present in an array field.
type ArrayUnion []any

// ArrayRemove removes every occurrence of the elements from an array field.
type ArrayRemove []any

// FirestoreInstance identifies a database by app name, with optional settings
// that only take effect on first access.
type FirestoreInstance struct {
	App      string
	Settings Settings
}

// Settings carries database settings (persistenceEnabled, host, sslEnabled,
// cacheSizeBytes).
type Settings map[string]any

// QueryDescriptor is a serialized query: firestore, path, isCollectionGroup,
// parameters.
type QueryDescriptor map[string]any

// Equal reports whether two values are structurally equal. NaN equals NaN.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return false
		}
		return x == y || (math.IsNaN(x) && math.IsNaN(y))
	case float32:
		y, ok := b.(float32)
		if !ok {
			return false
		}
		return x == y || (math.IsNaN(float64(x)) && math.IsNaN(float64(y)))
	case *big.Int:
		y, ok := b.(*big.Int)
		return ok && x.Cmp(y) == 0
	case []any:
		y, ok := b.([]any)
		return ok && equalSlices(x, y)
	case ArrayUnion:
		y, ok := b.(ArrayUnion)
		return ok && equalSlices(x, y)
	case ArrayRemove:
		y, ok := b.(ArrayRemove)
		return ok && equalSlices(x, y)
	case map[string]any:
		y, ok := b.(map[string]any)
		return ok && equalMaps(x, y)
	case Settings:
		y, ok := b.(Settings)
		return ok && equalMaps(x, y)
	case QueryDescriptor:
		y, ok := b.(QueryDescriptor)
		return ok && equalMaps(x, y)
	case FirestoreInstance:
		y, ok := b.(FirestoreInstance)
		return ok && x.App == y.App && equalMaps(x.Settings, y.Settings)
	case []float64:
		y, ok := b.([]float64)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func equalSlices(x, y []any) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if !Equal(x[i], y[i]) {
			return false
		}
	}
	return true
}

func equalMaps(x, y map[string]any) bool {
	if len(x) != len(y) {
		return false
	}
	for k, v := range x {
		w, ok := y[k]
		if !ok || !Equal(v, w) {
			return false
		}
	}
	return true
}
