package codec

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"unicode/utf8"
)

var (
	// ErrMalformedValue is returned when a message cannot be decoded.
	ErrMalformedValue = errors.New("malformed value")
	// ErrUnsupportedValue is returned when a value has no wire mapping.
	ErrUnsupportedValue = errors.New("unsupported value")
)

// Base type tags.
const (
	tagNull        byte = 0
	tagTrue        byte = 1
	tagFalse       byte = 2
	tagInt32       byte = 3
	tagInt64       byte = 4
	tagLargeInt    byte = 5
	tagFloat64     byte = 6
	tagString      byte = 7
	tagUint8List   byte = 8
	tagInt32List   byte = 9
	tagInt64List   byte = 10
	tagFloat64List byte = 11
	tagList        byte = 12
	tagMap         byte = 13
	tagFloat32List byte = 14
)

// Extension layers extra tags on top of the standard codec. WriteValue reports
// whether it handled v; ReadValueOfType reports whether it recognised tag.
// Both receive the owning codec so nested values recurse through it.
type Extension interface {
	WriteValue(c *MessageCodec, w *Writer, v any) (bool, error)
	ReadValueOfType(c *MessageCodec, r *Reader, tag byte) (any, bool, error)
}

// MessageCodec encodes values in the standard binary message format, with an
// optional Extension consulted first.
type MessageCodec struct {
	ext Extension
}

// Standard returns a codec with no extension.
func Standard() *MessageCodec { return &MessageCodec{} }

// WithExtension returns a codec that consults ext before the base rules.
func WithExtension(ext Extension) *MessageCodec { return &MessageCodec{ext: ext} }

// Encode serializes a single value. A nil value encodes to an empty message.
func (c *MessageCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	w := &Writer{}
	if err := c.WriteValue(w, v); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Decode parses a message holding exactly one value. An empty message is nil.
func (c *MessageCodec) Decode(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	r := NewReader(b)
	v, err := c.ReadValue(r)
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedValue, r.Remaining())
	}
	return v, nil
}

// WriteValue appends v, recursing through the extension for nested values.
func (c *MessageCodec) WriteValue(w *Writer, v any) error {
	if c.ext != nil {
		handled, err := c.ext.WriteValue(c, w, v)
		if err != nil || handled {
			return err
		}
	}
	return c.writeBase(w, v)
}

// ReadValue reads the next tagged value.
func (c *MessageCodec) ReadValue(r *Reader) (any, error) {
	tag, err := r.Byte()
	if err != nil {
		return nil, err
	}
	if c.ext != nil {
		v, ok, err := c.ext.ReadValueOfType(c, r, tag)
		if err != nil || ok {
			return v, err
		}
	}
	return c.readBase(r, tag)
}

func (c *MessageCodec) writeBase(w *Writer, v any) error {
	switch x := v.(type) {
	case nil:
		w.PutByte(tagNull)
	case bool:
		if x {
			w.PutByte(tagTrue)
		} else {
			w.PutByte(tagFalse)
		}
	case int32:
		w.PutByte(tagInt32)
		w.PutInt32(x)
	case int64:
		w.PutByte(tagInt64)
		w.PutInt64(x)
	case int:
		writeInt(w, int64(x))
	case int8:
		writeInt(w, int64(x))
	case int16:
		writeInt(w, int64(x))
	case uint8:
		writeInt(w, int64(x))
	case uint16:
		writeInt(w, int64(x))
	case uint32:
		w.PutByte(tagInt64)
		w.PutInt64(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return c.writeBase(w, new(big.Int).SetUint64(x))
		}
		w.PutByte(tagInt64)
		w.PutInt64(int64(x))
	case *big.Int:
		w.PutByte(tagLargeInt)
		writeString(w, x.Text(16))
	case float64:
		w.PutByte(tagFloat64)
		w.Align(8)
		w.PutFloat64(x)
	case float32:
		w.PutByte(tagFloat64)
		w.Align(8)
		w.PutFloat64(float64(x))
	case string:
		w.PutByte(tagString)
		writeString(w, x)
	case []byte:
		w.PutByte(tagUint8List)
		w.PutSize(len(x))
		w.PutBytes(x)
	case []int32:
		w.PutByte(tagInt32List)
		w.PutSize(len(x))
		w.Align(4)
		for _, e := range x {
			w.PutInt32(e)
		}
	case []int64:
		w.PutByte(tagInt64List)
		w.PutSize(len(x))
		w.Align(8)
		for _, e := range x {
			w.PutInt64(e)
		}
	case []float32:
		w.PutByte(tagFloat32List)
		w.PutSize(len(x))
		w.Align(4)
		for _, e := range x {
			w.PutFloat32(e)
		}
	case []float64:
		w.PutByte(tagFloat64List)
		w.PutSize(len(x))
		w.Align(8)
		for _, e := range x {
			w.PutFloat64(e)
		}
	case []any:
		w.PutByte(tagList)
		w.PutSize(len(x))
		for _, e := range x {
			if err := c.WriteValue(w, e); err != nil {
				return err
			}
		}
	case map[string]any:
		return c.writeMap(w, x)
	default:
		return c.writeReflect(w, v)
	}
	return nil
}

func (c *MessageCodec) writeMap(w *Writer, m map[string]any) error {
	w.PutByte(tagMap)
	w.PutSize(len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.PutByte(tagString)
		writeString(w, k)
		if err := c.WriteValue(w, m[k]); err != nil {
			return err
		}
	}
	return nil
}

// writeReflect covers slices and string-keyed maps of concrete element types
// such as []string or map[string]bool.
func (c *MessageCodec) writeReflect(w *Writer, v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		w.PutByte(tagList)
		w.PutSize(rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if err := c.WriteValue(w, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return c.writeMap(w, m)
	case reflect.Pointer:
		if rv.IsNil() {
			w.PutByte(tagNull)
			return nil
		}
		return c.WriteValue(w, rv.Elem().Interface())
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func writeInt(w *Writer, n int64) {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		w.PutByte(tagInt32)
		w.PutInt32(int32(n))
		return
	}
	w.PutByte(tagInt64)
	w.PutInt64(n)
}

func writeString(w *Writer, s string) {
	w.PutSize(len(s))
	w.PutBytes([]byte(s))
}

func (c *MessageCodec) readBase(r *Reader, tag byte) (any, error) {
	switch tag {
	case tagNull:
		return nil, nil
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagInt32:
		return r.Int32()
	case tagInt64:
		return r.Int64()
	case tagLargeInt:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(s, 16)
		if !ok {
			return nil, fmt.Errorf("%w: bad large int %q", ErrMalformedValue, s)
		}
		return n, nil
	case tagFloat64:
		if err := r.Align(8); err != nil {
			return nil, err
		}
		return r.Float64()
	case tagString:
		return readString(r)
	case tagUint8List:
		n, err := r.Size()
		if err != nil {
			return nil, err
		}
		return r.Bytes(n)
	case tagInt32List:
		n, err := listHeader(r, 4)
		if err != nil {
			return nil, err
		}
		out := make([]int32, n)
		for i := range out {
			out[i], _ = r.Int32()
		}
		return out, nil
	case tagInt64List:
		n, err := listHeader(r, 8)
		if err != nil {
			return nil, err
		}
		out := make([]int64, n)
		for i := range out {
			out[i], _ = r.Int64()
		}
		return out, nil
	case tagFloat32List:
		n, err := listHeader(r, 4)
		if err != nil {
			return nil, err
		}
		out := make([]float32, n)
		for i := range out {
			out[i], _ = r.Float32()
		}
		return out, nil
	case tagFloat64List:
		n, err := listHeader(r, 8)
		if err != nil {
			return nil, err
		}
		out := make([]float64, n)
		for i := range out {
			out[i], _ = r.Float64()
		}
		return out, nil
	case tagList:
		n, err := r.Size()
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, min(n, r.Remaining()))
		for i := 0; i < n; i++ {
			e, err := c.ReadValue(r)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	case tagMap:
		n, err := r.Size()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, min(n, r.Remaining()))
		for i := 0; i < n; i++ {
			k, err := c.ReadValue(r)
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: map key of type %T", ErrMalformedValue, k)
			}
			v, err := c.ReadValue(r)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedValue, tag)
}

// listHeader reads a typed list size, aligns, and checks the payload fits so
// element reads cannot fail.
func listHeader(r *Reader, width int) (int, error) {
	n, err := r.Size()
	if err != nil {
		return 0, err
	}
	if err := r.Align(width); err != nil {
		return 0, err
	}
	if err := r.need(n * width); err != nil {
		return 0, err
	}
	return n, nil
}

func readString(r *Reader) (string, error) {
	n, err := r.Size()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid utf-8 string", ErrMalformedValue)
	}
	return string(b), nil
}
