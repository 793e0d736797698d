package codec

import (
	"errors"
	"fmt"
)

// ErrNotImplemented is decoded from an empty reply envelope.
var ErrNotImplemented = errors.New("method not implemented")

// MethodCall is a named invocation with its arguments.
type MethodCall struct {
	Method    string
	Arguments any
}

// Args returns the arguments as a map. Nil arguments are an empty map.
func (m MethodCall) Args() (map[string]any, error) {
	switch a := m.Arguments.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return a, nil
	}
	return nil, fmt.Errorf("%w: arguments of type %T", ErrMalformedValue, m.Arguments)
}

// RemoteError is an error reply produced by the other side of a channel.
type RemoteError struct {
	Code    string
	Message string
	Details any
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// MethodCodec frames calls and replies on top of a value codec.
type MethodCodec struct {
	Values *MessageCodec
}

func (m MethodCodec) EncodeCall(call MethodCall) ([]byte, error) {
	w := &Writer{}
	if err := m.Values.WriteValue(w, call.Method); err != nil {
		return nil, err
	}
	if err := m.Values.WriteValue(w, call.Arguments); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (m MethodCodec) DecodeCall(b []byte) (MethodCall, error) {
	r := NewReader(b)
	name, err := m.Values.ReadValue(r)
	if err != nil {
		return MethodCall{}, err
	}
	method, ok := name.(string)
	if !ok {
		return MethodCall{}, fmt.Errorf("%w: method name of type %T", ErrMalformedValue, name)
	}
	args, err := m.Values.ReadValue(r)
	if err != nil {
		return MethodCall{}, err
	}
	if r.Remaining() != 0 {
		return MethodCall{}, fmt.Errorf("%w: %d trailing bytes after call", ErrMalformedValue, r.Remaining())
	}
	return MethodCall{Method: method, Arguments: args}, nil
}

// EncodeSuccess frames a result reply.
func (m MethodCodec) EncodeSuccess(result any) ([]byte, error) {
	w := &Writer{}
	w.PutByte(0)
	if err := m.Values.WriteValue(w, result); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeError frames an error reply.
func (m MethodCodec) EncodeError(code, message string, details any) ([]byte, error) {
	w := &Writer{}
	w.PutByte(1)
	if err := m.Values.WriteValue(w, code); err != nil {
		return nil, err
	}
	var msg any
	if message != "" {
		msg = message
	}
	if err := m.Values.WriteValue(w, msg); err != nil {
		return nil, err
	}
	if err := m.Values.WriteValue(w, details); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeNotImplemented is the empty reply.
func (m MethodCodec) EncodeNotImplemented() []byte { return nil }

// DecodeReply returns the result of a reply, a *RemoteError, or
// ErrNotImplemented for an empty reply.
func (m MethodCodec) DecodeReply(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, ErrNotImplemented
	}
	r := NewReader(b)
	flag, _ := r.Byte()
	switch flag {
	case 0:
		v, err := m.Values.ReadValue(r)
		if err != nil {
			return nil, err
		}
		if r.Remaining() != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes after result", ErrMalformedValue, r.Remaining())
		}
		return v, nil
	case 1:
		code, err := readTyped[string](m.Values, r, "error code")
		if err != nil {
			return nil, err
		}
		msgv, err := m.Values.ReadValue(r)
		if err != nil {
			return nil, err
		}
		msg, _ := msgv.(string)
		details, err := m.Values.ReadValue(r)
		if err != nil {
			return nil, err
		}
		// An optional stacktrace string may follow.
		if r.Remaining() > 0 {
			if _, err := m.Values.ReadValue(r); err != nil {
				return nil, err
			}
		}
		return nil, &RemoteError{Code: code, Message: msg, Details: details}
	}
	return nil, fmt.Errorf("%w: reply envelope flag %d", ErrMalformedValue, flag)
}
