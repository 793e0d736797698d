package drain

import (
	"context"
	"sync"
	"sync/atomic"
)

var draining atomic.Bool

// Start marks the process as draining. New connections are refused.
func Start() { draining.Store(true) }

// Stop clears the draining flag.
func Stop() { draining.Store(false) }

// IsDraining reports whether draining is in progress.
func IsDraining() bool { return draining.Load() }

// Counter tracks calls that must finish before shutdown.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

func (c *Counter) lazyInit() {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
}

// Inc records a call as started.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.lazyInit()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

// Dec records a call as finished.
func (c *Counter) Dec() {
	c.mu.Lock()
	c.lazyInit()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	c.mu.Unlock()
}

// Load returns the number of calls in flight.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until no calls are in flight or ctx ends.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	c.lazyInit()
	ch := c.zeroCh
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
