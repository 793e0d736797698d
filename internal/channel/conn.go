package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/firebridge/core/logx"
)

// Handler receives a message for a channel. It runs on the read goroutine and
// must not block; reply may be called later from any goroutine, at most once.
type Handler func(ctx context.Context, payload []byte, reply func([]byte))

// Messenger sends and receives binary messages on named channels.
type Messenger interface {
	// Send delivers payload and waits for the reply.
	Send(ctx context.Context, channel string, payload []byte) ([]byte, error)
	// Post delivers payload without waiting for a reply.
	Post(ctx context.Context, channel string, payload []byte) error
	SetHandler(channel string, h Handler)
	Done() <-chan struct{}
}

// Conn multiplexes channels over a Transport. A single goroutine owns writes.
type Conn struct {
	t   Transport
	log zerolog.Logger

	send chan []byte

	mu       sync.Mutex
	pending  map[uint32]chan []byte
	handlers map[string]Handler
	nextID   atomic.Uint32

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps t and starts its writer. Call Serve to start reading.
func NewConn(t Transport, queue int) *Conn {
	if queue <= 0 {
		queue = 64
	}
	c := &Conn{
		t:        t,
		log:      logx.Component("channel"),
		send:     make(chan []byte, queue),
		pending:  map[uint32]chan []byte{},
		handlers: map[string]Handler{},
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// SetHandler installs h for channel. A nil handler removes it.
func (c *Conn) SetHandler(channel string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, channel)
		return
	}
	c.handlers[channel] = h
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Send(ctx context.Context, channel string, payload []byte) ([]byte, error) {
	id := c.nextID.Add(1)
	if id == 0 {
		id = c.nextID.Add(1)
	}
	ch := make(chan []byte, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()
	if err := c.enqueue(ctx, Frame{Kind: KindMessage, ID: id, Channel: channel, Payload: payload}); err != nil {
		return nil, err
	}
	select {
	case b, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return b, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Post(ctx context.Context, channel string, payload []byte) error {
	return c.enqueue(ctx, Frame{Kind: KindMessage, Channel: channel, Payload: payload})
}

func (c *Conn) enqueue(ctx context.Context, f Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve reads frames until the transport fails or ctx ends, then closes the
// connection.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.Close()
	for {
		data, err := c.t.ReadFrame(ctx)
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		f, err := ParseFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping frame")
			continue
		}
		switch f.Kind {
		case KindReply:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f.Payload
			}
		case KindMessage:
			c.dispatch(ctx, f)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, f Frame) {
	c.mu.Lock()
	h := c.handlers[f.Channel]
	c.mu.Unlock()
	var once sync.Once
	reply := func(b []byte) {
		if f.ID == 0 {
			return
		}
		once.Do(func() {
			if err := c.enqueue(context.Background(), Frame{Kind: KindReply, ID: f.ID, Channel: f.Channel, Payload: b}); err != nil {
				c.log.Debug().Err(err).Str("channel", f.Channel).Uint32("id", f.ID).Msg("reply dropped")
			}
		})
	}
	if h == nil {
		c.log.Debug().Str("channel", f.Channel).Msg("no handler")
		reply(nil)
		return
	}
	h(ctx, f.Payload, reply)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case b := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.t.WriteFrame(ctx, b)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the connection and fails every pending Send.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		_ = c.t.Close("closing")
	})
}

// Pipe returns two connected, serving in-process connections.
func Pipe() (*Conn, *Conn) {
	ta, tb := PipeTransports()
	a, b := NewConn(ta, 0), NewConn(tb, 0)
	go func() { _ = a.Serve(context.Background()) }()
	go func() { _ = b.Serve(context.Background()) }()
	return a, b
}
