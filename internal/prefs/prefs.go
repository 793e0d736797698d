// Package prefs is the key-value preference store consulted for per-app
// settings.
package prefs

import (
	"context"
	"strconv"
	"sync"
)

// Store persists string preferences.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns a redis-backed store for addr, or a memory store when addr is
// empty.
func Open(addr string) (Store, error) {
	if addr == "" {
		return NewMemoryStore(), nil
	}
	s, err := NewRedisStore(addr)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type memoryStore struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryStore returns a process-local Store.
func NewMemoryStore() Store { return &memoryStore{m: map[string]string{}} }

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }

// Bool reads a boolean preference, returning def when unset or unparsable.
func Bool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	b, perr := strconv.ParseBool(v)
	if perr != nil {
		return def, nil
	}
	return b, nil
}

// Int reads an integer preference, returning def when unset or unparsable.
func Int(ctx context.Context, s Store, key string, def int64) (int64, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	n, perr := strconv.ParseInt(v, 10, 64)
	if perr != nil {
		return def, nil
	}
	return n, nil
}

func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}

func SetInt(ctx context.Context, s Store, key string, v int64) error {
	return s.Set(ctx, key, strconv.FormatInt(v, 10))
}
