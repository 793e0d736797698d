package cloudstore

import (
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/genproto/googleapis/type/latlng"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gaspardpetit/firebridge/internal/codec"
)

// docRefs resolves relative document paths to client references.
type docRefs interface {
	Doc(path string) *firestore.DocumentRef
}

// relativePath strips the project and database prefix from a resource name.
func relativePath(name string) string {
	if i := strings.Index(name, "/documents/"); i >= 0 {
		return name[i+len("/documents/"):]
	}
	return name
}

// toCloud converts a bridge value into the form the Firestore client writes.
func toCloud(refs docRefs, v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, []byte, time.Time:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case *big.Int:
		if !x.IsInt64() {
			return nil, status.Errorf(codes.InvalidArgument, "integer %s does not fit in 64 bits", x)
		}
		return x.Int64(), nil
	case codec.Timestamp:
		return x.Time(), nil
	case codec.DateTime:
		return x.Time(), nil
	case codec.GeoPoint:
		return &latlng.LatLng{Latitude: x.Latitude, Longitude: x.Longitude}, nil
	case codec.Blob:
		return []byte(x), nil
	case codec.DocumentReference:
		ref := refs.Doc(x.Path)
		if ref == nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid document reference %q", x.Path)
		}
		return ref, nil
	case codec.Sentinel:
		switch x {
		case codec.Delete:
			return firestore.Delete, nil
		case codec.ServerTimestamp:
			return firestore.ServerTimestamp, nil
		}
	case codec.IncrementInt:
		return firestore.Increment(int64(x)), nil
	case codec.IncrementFloat:
		return firestore.Increment(float64(x)), nil
	case codec.ArrayUnion:
		elems, err := listToCloud(refs, x)
		if err != nil {
			return nil, err
		}
		return firestore.ArrayUnion(elems...), nil
	case codec.ArrayRemove:
		elems, err := listToCloud(refs, x)
		if err != nil {
			return nil, err
		}
		return firestore.ArrayRemove(elems...), nil
	case []any:
		return listToCloud(refs, x)
	case []int32:
		return listToCloud(refs, spread(x))
	case []int64:
		return listToCloud(refs, spread(x))
	case []float32:
		return listToCloud(refs, spread(x))
	case []float64:
		return listToCloud(refs, spread(x))
	case map[string]any:
		return mapToCloud(refs, x)
	}
	return nil, status.Errorf(codes.InvalidArgument, "unsupported field value of type %T", v)
}

func spread[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func listToCloud(refs docRefs, in []any) ([]any, error) {
	out := make([]any, len(in))
	for i, e := range in {
		v, err := toCloud(refs, e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func mapToCloud(refs docRefs, in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, e := range in {
		v, err := toCloud(refs, e)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// fromCloud converts a value read by the Firestore client. References are
// tagged with app so they decode against the same instance.
func fromCloud(app string, v any) any {
	switch x := v.(type) {
	case time.Time:
		return codec.TimestampOf(x)
	case *latlng.LatLng:
		return codec.GeoPoint{Latitude: x.GetLatitude(), Longitude: x.GetLongitude()}
	case []byte:
		return codec.Blob(x)
	case *firestore.DocumentRef:
		return codec.DocumentReference{App: app, Path: relativePath(x.Path)}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = fromCloud(app, e)
		}
		return out
	case map[string]any:
		return mapFromCloud(app, x)
	}
	return v
}

func mapFromCloud(app string, in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, e := range in {
		out[k] = fromCloud(app, e)
	}
	return out
}
