package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/channel"
	"github.com/gaspardpetit/firebridge/internal/codec"
	"github.com/gaspardpetit/firebridge/internal/drain"
	"github.com/gaspardpetit/firebridge/internal/metrics"
)

// Handler serves one method.
type Handler interface {
	Serve(ctx context.Context, args Args) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

func (f HandlerFunc) Serve(ctx context.Context, args Args) (any, error) { return f(ctx, args) }

type typed[Req any] struct {
	parse func(Args) (Req, error)
	run   func(context.Context, Req) (any, error)
}

func (t typed[Req]) Serve(ctx context.Context, args Args) (any, error) {
	req, err := t.parse(args)
	if err != nil {
		var be *Error
		if errors.As(err, &be) {
			return nil, be
		}
		return nil, &Error{Code: InvalidArgument, Message: err.Error(), cause: err}
	}
	return t.run(ctx, req)
}

// Typed builds a handler that parses arguments into Req before running.
// Parse failures are reported as invalid-argument.
func Typed[Req any](parse func(Args) (Req, error), run func(context.Context, Req) (any, error)) Handler {
	return typed[Req]{parse: parse, run: run}
}

// ErrorMapper lets a plugin override how an error is reported.
type ErrorMapper func(err error) *Error

// Dispatcher routes calls on one channel to handlers on a bounded pool.
type Dispatcher struct {
	channel   string
	errorCode string
	handlers  map[string]Handler
	sem       *semaphore.Weighted
	inflight  *drain.Counter
	mapErr    ErrorMapper
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher for the named channel whose error
// replies carry errorCode. workers bounds concurrent handlers; zero means
// unbounded.
func NewDispatcher(name, errorCode string, workers int64, inflight *drain.Counter) *Dispatcher {
	d := &Dispatcher{
		channel:   name,
		errorCode: errorCode,
		handlers:  map[string]Handler{},
		inflight:  inflight,
		mapErr:    FromError,
		log:       logx.Component("dispatch").With().Str("channel", errorCode).Logger(),
	}
	if workers > 0 {
		d.sem = semaphore.NewWeighted(workers)
	}
	if d.inflight == nil {
		d.inflight = &drain.Counter{}
	}
	return d
}

func (d *Dispatcher) Channel() string { return d.channel }

func (d *Dispatcher) ErrorCode() string { return d.errorCode }

// Handle registers h for method. Registration happens before serving.
func (d *Dispatcher) Handle(method string, h Handler) { d.handlers[method] = h }

func (d *Dispatcher) HandleFunc(method string, fn func(ctx context.Context, args Args) (any, error)) {
	d.Handle(method, HandlerFunc(fn))
}

// SetErrorMapper replaces FromError for this channel.
func (d *Dispatcher) SetErrorMapper(m ErrorMapper) { d.mapErr = m }

// Methods lists the registered method names.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Serve is a channel.CallHandler. It returns immediately; the handler runs on
// its own goroutine once a worker slot is free.
func (d *Dispatcher) Serve(ctx context.Context, call codec.MethodCall, res channel.Result) {
	h, ok := d.handlers[call.Method]
	if !ok {
		d.log.Debug().Str("method", call.Method).Msg("method not implemented")
		metrics.RecordCall(d.errorCode, call.Method, "not-implemented", 0)
		res.NotImplemented()
		return
	}
	d.inflight.Inc()
	metrics.AddInflight(d.errorCode, 1)
	go func() {
		defer func() {
			metrics.AddInflight(d.errorCode, -1)
			d.inflight.Dec()
		}()
		c := &callState{sem: d.sem}
		ctx := context.WithValue(ctx, callKey{}, c)
		if c.sem != nil {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				d.fail(call.Method, res, err, 0)
				return
			}
			c.held = true
			defer c.release()
		}
		start := time.Now()
		v, err := d.run(ctx, h, call)
		if err != nil {
			d.fail(call.Method, res, err, time.Since(start))
		} else {
			metrics.RecordCall(d.errorCode, call.Method, "ok", time.Since(start))
			res.Success(v)
		}
		for _, fn := range c.after {
			fn()
		}
	}()
}

// callState is the per-call state a handler reaches through its context.
type callState struct {
	sem   *semaphore.Weighted
	held  bool
	after []func()
}

type callKey struct{}

func (c *callState) release() {
	if c.held {
		c.held = false
		c.sem.Release(1)
	}
}

// AfterReply runs fn once the reply to the current call has been queued, so
// anything fn sends reaches the remote side after it. Outside a dispatched
// call fn runs immediately.
func AfterReply(ctx context.Context, fn func()) {
	c, _ := ctx.Value(callKey{}).(*callState)
	if c == nil {
		fn()
		return
	}
	c.after = append(c.after, fn)
}

// Park gives up the current call's worker slot while fn waits on the remote
// side, and takes it back before returning. Calls the remote side makes in
// the meantime can then be served on a bounded pool.
func Park(ctx context.Context, fn func() error) error {
	c, _ := ctx.Value(callKey{}).(*callState)
	if c == nil || !c.held {
		return fn()
	}
	c.release()
	err := fn()
	if aerr := c.sem.Acquire(ctx, 1); aerr != nil {
		if err == nil {
			err = aerr
		}
		return err
	}
	c.held = true
	return err
}

func (d *Dispatcher) run(ctx context.Context, h Handler, call codec.MethodCall) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("method", call.Method).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panic")
			v, err = nil, &Error{Code: Internal, Message: fmt.Sprintf("%v", r)}
		}
	}()
	args, err := call.Args()
	if err != nil {
		return nil, &Error{Code: InvalidArgument, Message: err.Error(), cause: err}
	}
	return h.Serve(ctx, Args(args))
}

func (d *Dispatcher) fail(method string, res channel.Result, err error, took time.Duration) {
	be := d.mapErr(err)
	d.log.Debug().Err(err).Str("method", method).Str("code", string(be.Code)).Msg("call failed")
	metrics.RecordCall(d.errorCode, method, string(be.Code), took)
	msg, details := be.Envelope()
	res.Error(d.errorCode, msg, details)
}
