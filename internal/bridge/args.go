package bridge

import (
	"fmt"

	"github.com/gaspardpetit/firebridge/internal/codec"
)

// Args is the argument map of a call.
type Args map[string]any

func argError(key, format string, v ...any) *Error {
	return &Error{Code: InvalidArgument, Message: fmt.Sprintf("argument %q: ", key) + fmt.Sprintf(format, v...)}
}

func (a Args) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

// String returns a required string argument.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", argError(key, "required")
	}
	s, ok := v.(string)
	if !ok {
		return "", argError(key, "expected string, got %T", v)
	}
	return s, nil
}

// OptString returns a string argument or def when absent.
func (a Args) OptString(key, def string) (string, error) {
	if !a.Has(key) {
		return def, nil
	}
	return a.String(key)
}

func (a Args) Bool(key string, def bool) (bool, error) {
	if !a.Has(key) {
		return def, nil
	}
	b, ok := a[key].(bool)
	if !ok {
		return false, argError(key, "expected bool, got %T", a[key])
	}
	return b, nil
}

// Int returns a required integer argument of any width.
func (a Args) Int(key string) (int64, error) {
	if !a.Has(key) {
		return 0, argError(key, "required")
	}
	n, ok := codec.AsInt(a[key])
	if !ok {
		return 0, argError(key, "expected integer, got %T", a[key])
	}
	return n, nil
}

func (a Args) OptInt(key string, def int64) (int64, error) {
	if !a.Has(key) {
		return def, nil
	}
	return a.Int(key)
}

// Map returns a required map argument.
func (a Args) Map(key string) (map[string]any, error) {
	if !a.Has(key) {
		return nil, argError(key, "required")
	}
	switch m := a[key].(type) {
	case map[string]any:
		return m, nil
	case codec.Settings:
		return m, nil
	case codec.QueryDescriptor:
		return m, nil
	}
	return nil, argError(key, "expected map, got %T", a[key])
}

// OptMap returns a map argument or an empty map when absent.
func (a Args) OptMap(key string) (map[string]any, error) {
	if !a.Has(key) {
		return map[string]any{}, nil
	}
	return a.Map(key)
}

func (a Args) List(key string) ([]any, error) {
	if !a.Has(key) {
		return nil, argError(key, "required")
	}
	l, ok := a[key].([]any)
	if !ok {
		return nil, argError(key, "expected list, got %T", a[key])
	}
	return l, nil
}

func (a Args) OptList(key string) ([]any, error) {
	if !a.Has(key) {
		return nil, nil
	}
	return a.List(key)
}
