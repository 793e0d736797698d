package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Writer accumulates an encoded message.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded message.
func (w *Writer) Bytes() []byte { return w.buf }

// Len is the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) PutByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) PutBytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) PutUint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) PutInt32(v int32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v)) }

func (w *Writer) PutUint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) PutInt64(v int64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v)) }

func (w *Writer) PutFloat32(v float32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *Writer) PutFloat64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// PutSize writes a length using the compact 1/3/5 byte form.
func (w *Writer) PutSize(n int) {
	switch {
	case n < 254:
		w.PutByte(byte(n))
	case n <= math.MaxUint16:
		w.PutByte(254)
		w.PutUint16(uint16(n))
	default:
		w.PutByte(255)
		w.PutUint32(uint32(n))
	}
}

// Align pads with zero bytes until the offset from the message start is a
// multiple of n.
func (w *Writer) Align(n int) {
	if m := len(w.buf) % n; m != 0 {
		for i := 0; i < n-m; i++ {
			w.buf = append(w.buf, 0)
		}
	}
}

// Reader walks an encoded message.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if n < 0 || r.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedValue, n, r.pos, r.Remaining())
	}
	return nil
}

func (r *Reader) Byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Bytes returns the next n bytes as a copy.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *Reader) Int64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return int64(v), nil
}

func (r *Reader) Float32() (float32, error) {
	v, err := r.Uint32()
	return math.Float32frombits(v), err
}

func (r *Reader) Float64() (float64, error) {
	v, err := r.Int64()
	return math.Float64frombits(uint64(v)), err
}

// Size reads a length written by PutSize.
func (r *Reader) Size() (int, error) {
	b, err := r.Byte()
	if err != nil {
		return 0, err
	}
	switch b {
	case 254:
		v, err := r.Uint16()
		return int(v), err
	case 255:
		v, err := r.Uint32()
		if err == nil && int64(v) > int64(r.Remaining()) {
			return 0, fmt.Errorf("%w: size %d exceeds remaining %d bytes", ErrMalformedValue, v, r.Remaining())
		}
		return int(v), err
	default:
		return int(b), nil
	}
}

// Align skips padding so the offset is a multiple of n.
func (r *Reader) Align(n int) error {
	if m := r.pos % n; m != 0 {
		if err := r.need(n - m); err != nil {
			return err
		}
		r.pos += n - m
	}
	return nil
}
