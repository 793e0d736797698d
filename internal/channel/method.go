package channel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

// Result completes an inbound call. Only the first completion is sent.
type Result interface {
	Success(v any)
	Error(code, message string, details any)
	NotImplemented()
}

// CallHandler handles a decoded inbound call.
type CallHandler func(ctx context.Context, call codec.MethodCall, res Result)

// MethodChannel speaks method envelopes on one named channel.
type MethodChannel struct {
	name  string
	m     Messenger
	codec codec.MethodCodec
	log   zerolog.Logger
}

// NewMethodChannel binds name on m using values to encode arguments and results.
func NewMethodChannel(name string, m Messenger, values *codec.MessageCodec) *MethodChannel {
	return &MethodChannel{
		name:  name,
		m:     m,
		codec: codec.MethodCodec{Values: values},
		log:   logx.Component("channel").With().Str("channel", name).Logger(),
	}
}

func (c *MethodChannel) Name() string { return c.name }

// Invoke calls method on the other side and returns its result. Errors are
// *codec.RemoteError or codec.ErrNotImplemented when the peer answered.
func (c *MethodChannel) Invoke(ctx context.Context, method string, args any) (any, error) {
	b, err := c.codec.EncodeCall(codec.MethodCall{Method: method, Arguments: args})
	if err != nil {
		return nil, err
	}
	reply, err := c.m.Send(ctx, c.name, b)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeReply(reply)
}

// Post sends method without waiting for the outcome.
func (c *MethodChannel) Post(ctx context.Context, method string, args any) error {
	b, err := c.codec.EncodeCall(codec.MethodCall{Method: method, Arguments: args})
	if err != nil {
		return err
	}
	return c.m.Post(ctx, c.name, b)
}

// SetCallHandler routes inbound calls on this channel to h.
func (c *MethodChannel) SetCallHandler(h CallHandler) {
	if h == nil {
		c.m.SetHandler(c.name, nil)
		return
	}
	c.m.SetHandler(c.name, func(ctx context.Context, payload []byte, reply func([]byte)) {
		res := &result{codec: c.codec, reply: reply, log: c.log}
		call, err := c.codec.DecodeCall(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("undecodable call")
			res.Error("error", err.Error(), nil)
			return
		}
		h(ctx, call, res)
	})
}

type result struct {
	once  sync.Once
	codec codec.MethodCodec
	reply func([]byte)
	log   zerolog.Logger
}

func (r *result) Success(v any) {
	r.once.Do(func() {
		b, err := r.codec.EncodeSuccess(v)
		if err != nil {
			r.log.Error().Err(err).Msg("encode result")
			b, _ = r.codec.EncodeError("error", err.Error(), nil)
		}
		r.reply(b)
	})
}

func (r *result) Error(code, message string, details any) {
	r.once.Do(func() {
		b, err := r.codec.EncodeError(code, message, details)
		if err != nil {
			r.log.Error().Err(err).Msg("encode error details")
			b, _ = r.codec.EncodeError(code, message, nil)
		}
		r.reply(b)
	})
}

func (r *result) NotImplemented() {
	r.once.Do(func() { r.reply(r.codec.EncodeNotImplemented()) })
}
