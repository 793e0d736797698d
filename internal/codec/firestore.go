package codec

import (
	"fmt"
	"math"
	"time"
)

// Firestore extension tags.
const (
	tagDateTime          byte = 128
	tagGeoPoint          byte = 129
	tagDocumentReference byte = 130
	tagBlob              byte = 131
	tagArrayUnion        byte = 132
	tagArrayRemove       byte = 133
	tagDelete            byte = 134
	tagServerTimestamp   byte = 135
	tagTimestamp         byte = 136
	tagIncrementDouble   byte = 137
	tagIncrementInteger  byte = 138
	tagDocumentID        byte = 139
	tagFieldPath         byte = 140
	tagNaN               byte = 141
	tagInfinity          byte = 142
	tagNegativeInfinity  byte = 143
	tagFirestoreInstance byte = 144
	tagQueryDescriptor   byte = 145
	tagSettings          byte = 146
)

// InstanceResolver is told about every app referenced by a decoded document
// reference or firestore instance value.
type InstanceResolver interface {
	ResolveInstance(app string, settings Settings)
}

// FirestoreExtension encodes the Firestore domain values.
type FirestoreExtension struct {
	Resolver InstanceResolver
}

// Firestore returns a codec carrying the Firestore extension.
func Firestore(resolver InstanceResolver) *MessageCodec {
	return WithExtension(&FirestoreExtension{Resolver: resolver})
}

func (e *FirestoreExtension) WriteValue(c *MessageCodec, w *Writer, v any) (bool, error) {
	switch x := v.(type) {
	case float64:
		return writeSpecialFloat(w, x), nil
	case float32:
		return writeSpecialFloat(w, float64(x)), nil
	case DateTime:
		writeTimestamp(w, TimestampOf(x.Time()))
	case time.Time:
		writeTimestamp(w, TimestampOf(x))
	case *time.Time:
		if x == nil {
			return false, nil
		}
		writeTimestamp(w, TimestampOf(*x))
	case Timestamp:
		writeTimestamp(w, x)
	case GeoPoint:
		w.PutByte(tagGeoPoint)
		w.Align(8)
		w.PutFloat64(x.Latitude)
		w.PutFloat64(x.Longitude)
	case DocumentReference:
		w.PutByte(tagDocumentReference)
		if err := c.WriteValue(w, x.App); err != nil {
			return true, err
		}
		return true, c.WriteValue(w, x.Path)
	case Blob:
		w.PutByte(tagBlob)
		w.PutSize(len(x))
		w.PutBytes(x)
	case ArrayUnion:
		w.PutByte(tagArrayUnion)
		return true, c.WriteValue(w, []any(x))
	case ArrayRemove:
		w.PutByte(tagArrayRemove)
		return true, c.WriteValue(w, []any(x))
	case Sentinel:
		switch x {
		case Delete:
			w.PutByte(tagDelete)
		case ServerTimestamp:
			w.PutByte(tagServerTimestamp)
		default:
			return true, fmt.Errorf("%w: sentinel %d", ErrUnsupportedValue, x)
		}
	case IncrementFloat:
		w.PutByte(tagIncrementDouble)
		return true, c.WriteValue(w, float64(x))
	case IncrementInt:
		w.PutByte(tagIncrementInteger)
		return true, c.WriteValue(w, int64(x))
	case DocumentID:
		w.PutByte(tagDocumentID)
	case FieldPath:
		w.PutByte(tagFieldPath)
		w.PutSize(len(x))
		for _, seg := range x {
			if err := c.WriteValue(w, seg); err != nil {
				return true, err
			}
		}
	case FirestoreInstance:
		w.PutByte(tagFirestoreInstance)
		if err := c.WriteValue(w, x.App); err != nil {
			return true, err
		}
		return true, c.WriteValue(w, x.Settings)
	case QueryDescriptor:
		w.PutByte(tagQueryDescriptor)
		return true, c.WriteValue(w, map[string]any(x))
	case Settings:
		w.PutByte(tagSettings)
		if x == nil {
			x = Settings{}
		}
		return true, c.WriteValue(w, map[string]any(x))
	default:
		return false, nil
	}
	return true, nil
}

func writeSpecialFloat(w *Writer, f float64) bool {
	switch {
	case math.IsNaN(f):
		w.PutByte(tagNaN)
	case math.IsInf(f, 1):
		w.PutByte(tagInfinity)
	case math.IsInf(f, -1):
		w.PutByte(tagNegativeInfinity)
	default:
		return false
	}
	return true
}

func writeTimestamp(w *Writer, ts Timestamp) {
	w.PutByte(tagTimestamp)
	w.PutInt64(ts.Seconds)
	w.PutInt32(ts.Nanos)
}

func (e *FirestoreExtension) ReadValueOfType(c *MessageCodec, r *Reader, tag byte) (any, bool, error) {
	if tag < 128 {
		return nil, false, nil
	}
	v, err := e.read(c, r, tag)
	return v, true, err
}

func (e *FirestoreExtension) read(c *MessageCodec, r *Reader, tag byte) (any, error) {
	switch tag {
	case tagDateTime:
		ms, err := r.Int64()
		return DateTime(ms), err
	case tagGeoPoint:
		if err := r.Align(8); err != nil {
			return nil, err
		}
		lat, err := r.Float64()
		if err != nil {
			return nil, err
		}
		lng, err := r.Float64()
		if err != nil {
			return nil, err
		}
		return GeoPoint{Latitude: lat, Longitude: lng}, nil
	case tagDocumentReference:
		app, err := readTyped[string](c, r, "document reference app")
		if err != nil {
			return nil, err
		}
		path, err := readTyped[string](c, r, "document reference path")
		if err != nil {
			return nil, err
		}
		if e.Resolver != nil {
			e.Resolver.ResolveInstance(app, nil)
		}
		return DocumentReference{App: app, Path: path}, nil
	case tagBlob:
		n, err := r.Size()
		if err != nil {
			return nil, err
		}
		b, err := r.Bytes(n)
		return Blob(b), err
	case tagArrayUnion:
		l, err := readTyped[[]any](c, r, "array union")
		return ArrayUnion(l), err
	case tagArrayRemove:
		l, err := readTyped[[]any](c, r, "array remove")
		return ArrayRemove(l), err
	case tagDelete:
		return Delete, nil
	case tagServerTimestamp:
		return ServerTimestamp, nil
	case tagTimestamp:
		sec, err := r.Int64()
		if err != nil {
			return nil, err
		}
		nanos, err := r.Int32()
		if err != nil {
			return nil, err
		}
		return Timestamp{Seconds: sec, Nanos: nanos}, nil
	case tagIncrementDouble:
		v, err := c.ReadValue(r)
		if err != nil {
			return nil, err
		}
		f, ok := AsFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: increment amount of type %T", ErrMalformedValue, v)
		}
		return IncrementFloat(f), nil
	case tagIncrementInteger:
		v, err := c.ReadValue(r)
		if err != nil {
			return nil, err
		}
		n, ok := AsInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: increment amount of type %T", ErrMalformedValue, v)
		}
		return IncrementInt(n), nil
	case tagDocumentID:
		return DocumentID{}, nil
	case tagFieldPath:
		n, err := r.Size()
		if err != nil {
			return nil, err
		}
		fp := make(FieldPath, 0, min(n, r.Remaining()))
		for i := 0; i < n; i++ {
			seg, err := readTyped[string](c, r, "field path segment")
			if err != nil {
				return nil, err
			}
			fp = append(fp, seg)
		}
		return fp, nil
	case tagNaN:
		return math.NaN(), nil
	case tagInfinity:
		return math.Inf(1), nil
	case tagNegativeInfinity:
		return math.Inf(-1), nil
	case tagFirestoreInstance:
		app, err := readTyped[string](c, r, "firestore app")
		if err != nil {
			return nil, err
		}
		sv, err := c.ReadValue(r)
		if err != nil {
			return nil, err
		}
		settings, err := asSettings(sv)
		if err != nil {
			return nil, err
		}
		if e.Resolver != nil {
			e.Resolver.ResolveInstance(app, settings)
		}
		return FirestoreInstance{App: app, Settings: settings}, nil
	case tagQueryDescriptor:
		m, err := readTyped[map[string]any](c, r, "query descriptor")
		return QueryDescriptor(m), err
	case tagSettings:
		m, err := readTyped[map[string]any](c, r, "settings")
		return Settings(m), err
	}
	return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedValue, tag)
}

func asSettings(v any) (Settings, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case Settings:
		return s, nil
	case map[string]any:
		return Settings(s), nil
	}
	return nil, fmt.Errorf("%w: firestore settings of type %T", ErrMalformedValue, v)
}

func readTyped[T any](c *MessageCodec, r *Reader, what string) (T, error) {
	var zero T
	v, err := c.ReadValue(r)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s of type %T", ErrMalformedValue, what, v)
	}
	return t, nil
}

// AsInt widens any decoded integer.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// AsFloat widens any decoded number to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := AsInt(v); ok {
		return float64(i), true
	}
	return 0, false
}
