// Package listeners tracks long-lived subscriptions by integer handle.
package listeners

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/firebridge/internal/metrics"
)

var (
	// ErrUnknownHandle is returned when removing a handle that is not live.
	ErrUnknownHandle = errors.New("unknown listener handle")
	// ErrRegistryClosed is returned by Add after Close.
	ErrRegistryClosed = errors.New("listener registry closed")
)

// Cancel stops a subscription. It is called at most once.
type Cancel func()

type entry struct {
	mu      sync.Mutex
	cancel  Cancel
	opened  bool
	active  bool
	removed bool
	queue   []func()
}

// Registry maps handles to subscriptions. Handles are never reused.
type Registry struct {
	kind string
	next atomic.Int64

	mu      sync.Mutex
	entries map[int64]*entry
	closed  bool
}

// New returns an empty registry. kind labels the listener gauge.
func New(kind string) *Registry {
	return &Registry{kind: kind, entries: map[int64]*entry{}}
}

// Add reserves a handle and calls open with it. Events delivered for the
// handle are queued until Activate, so the caller can hand the handle out
// before the first event reaches the remote side.
func (r *Registry) Add(open func(handle int64) (Cancel, error)) (int64, error) {
	h := r.next.Add(1)
	e := &entry{}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRegistryClosed
	}
	r.entries[h] = e
	r.mu.Unlock()

	cancel, err := open(h)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, h)
		r.mu.Unlock()
		return 0, err
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return 0, ErrRegistryClosed
		}
		return h, nil
	}
	e.cancel = cancel
	e.opened = true
	e.mu.Unlock()
	metrics.AddListeners(r.kind, 1)
	return h, nil
}

// Activate flushes the events queued for handle in order and lets later
// events through directly. It reports whether the handle was live.
func (r *Registry) Activate(handle int64) bool {
	r.mu.Lock()
	e := r.entries[handle]
	r.mu.Unlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.opened {
		return false
	}
	queued := e.queue
	e.queue = nil
	e.active = true
	for _, send := range queued {
		send()
	}
	return true
}

// Deliver runs send if handle is live. Sends for one handle never overlap and
// keep their order. It reports whether the handle was live.
func (r *Registry) Deliver(handle int64, send func()) bool {
	r.mu.Lock()
	e := r.entries[handle]
	r.mu.Unlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	if !e.active {
		e.queue = append(e.queue, send)
		return true
	}
	send()
	return true
}

// Remove cancels and forgets handle.
func (r *Registry) Remove(handle int64) error {
	r.mu.Lock()
	e := r.entries[handle]
	delete(r.entries, handle)
	r.mu.Unlock()
	if e == nil {
		return ErrUnknownHandle
	}
	r.stop(e)
	return nil
}

func (r *Registry) stop(e *entry) {
	e.mu.Lock()
	e.removed = true
	e.queue = nil
	cancel, opened := e.cancel, e.opened
	e.cancel = nil
	e.mu.Unlock()
	if !opened {
		return
	}
	metrics.AddListeners(r.kind, -1)
	if cancel != nil {
		cancel()
	}
}

// Live reports whether handle is registered.
func (r *Registry) Live(handle int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[handle]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close cancels every subscription. Later Adds fail and Delivers do nothing.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = map[int64]*entry{}
	r.mu.Unlock()
	for _, e := range entries {
		r.stop(e)
	}
}
