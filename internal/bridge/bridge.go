package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/channel"
	"github.com/gaspardpetit/firebridge/internal/codec"
	"github.com/gaspardpetit/firebridge/internal/drain"
	"github.com/gaspardpetit/firebridge/internal/listeners"
	"github.com/gaspardpetit/firebridge/internal/metrics"
)

// Plugin binds a feature set to one channel.
type Plugin interface {
	Channel() string
	ErrorCode() string
	// Attach registers the plugin's handlers for a new session.
	Attach(s *Session, d *Dispatcher)
}

// Options configure a Bridge.
type Options struct {
	// Workers bounds concurrent handlers per channel; zero is unbounded.
	Workers int64
	// Values encodes arguments and results. Defaults to the Firestore codec.
	Values *codec.MessageCodec
}

// Bridge serves plugins to every attached connection.
type Bridge struct {
	plugins  []Plugin
	workers  int64
	values   *codec.MessageCodec
	inflight drain.Counter
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(opts Options, plugins ...Plugin) *Bridge {
	values := opts.Values
	if values == nil {
		values = codec.Firestore(nil)
	}
	return &Bridge{
		plugins:  plugins,
		workers:  opts.Workers,
		values:   values,
		log:      logx.Component("bridge"),
		sessions: map[string]*Session{},
	}
}

// Session is the state owned by one connection: its listener handles and the
// hooks that release backend resources when it goes away.
type Session struct {
	ID        string
	Listeners *listeners.Registry

	ctx    context.Context
	cancel context.CancelFunc
	m      channel.Messenger
	values *codec.MessageCodec
	log    zerolog.Logger

	mu       sync.Mutex
	closers  []func()
	channels map[string]*channel.MethodChannel
}

// Context is cancelled when the session detaches.
func (s *Session) Context() context.Context { return s.ctx }

// Channel returns the method channel called name on this session.
func (s *Session) Channel(name string) *channel.MethodChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.channels[name]; ok {
		return c
	}
	c := channel.NewMethodChannel(name, s.m, s.values)
	s.channels[name] = c
	return c
}

// Notify posts an event to the remote side.
func (s *Session) Notify(name, method string, args any) {
	if err := s.Channel(name).Post(s.ctx, method, args); err != nil {
		s.log.Debug().Err(err).Str("method", method).Msg("notification dropped")
		return
	}
	metrics.RecordNotification(name, method)
}

// Invoke calls method on the remote side and waits for its reply.
func (s *Session) Invoke(ctx context.Context, name, method string, args any) (any, error) {
	return s.Channel(name).Invoke(ctx, method, args)
}

// OnClose registers fn to run when the session detaches.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Attach starts serving plugins on m. The session detaches itself when m
// is done.
func (b *Bridge) Attach(m channel.Messenger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.NewString(),
		Listeners: listeners.New("firestore"),
		ctx:       ctx,
		cancel:    cancel,
		m:         m,
		values:    b.values,
		channels:  map[string]*channel.MethodChannel{},
	}
	s.log = b.log.With().Str("session", s.ID).Logger()
	for _, p := range b.plugins {
		d := NewDispatcher(p.Channel(), p.ErrorCode(), b.workers, &b.inflight)
		p.Attach(s, d)
		s.Channel(p.Channel()).SetCallHandler(func(_ context.Context, call codec.MethodCall, res channel.Result) {
			d.Serve(s.ctx, call, res)
		})
	}
	b.mu.Lock()
	b.sessions[s.ID] = s
	b.mu.Unlock()
	metrics.ConnectionOpened()
	s.log.Info().Int("plugins", len(b.plugins)).Msg("session attached")
	go func() {
		select {
		case <-m.Done():
			b.Detach(s)
		case <-ctx.Done():
		}
	}()
	return s
}

// Detach tears a session down: handlers are removed, listeners cancelled and
// close hooks run concurrently. It is safe to call more than once.
func (b *Bridge) Detach(s *Session) {
	b.mu.Lock()
	_, ok := b.sessions[s.ID]
	delete(b.sessions, s.ID)
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, p := range b.plugins {
		s.m.SetHandler(p.Channel(), nil)
	}
	s.cancel()
	s.Listeners.Close()
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()
	var g errgroup.Group
	for _, fn := range closers {
		g.Go(func() error {
			fn()
			return nil
		})
	}
	_ = g.Wait()
	metrics.ConnectionClosed()
	s.log.Info().Msg("session detached")
}

// Sessions is the number of attached sessions.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Inflight is the number of calls running across all sessions.
func (b *Bridge) Inflight() int64 { return b.inflight.Load() }

// Drain waits for running calls to finish or ctx to end.
func (b *Bridge) Drain(ctx context.Context) bool { return b.inflight.WaitForZero(ctx) }

// Close detaches every session.
func (b *Bridge) Close() {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		b.Detach(s)
	}
}
