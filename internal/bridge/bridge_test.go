package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gaspardpetit/firebridge/internal/channel"
	"github.com/gaspardpetit/firebridge/internal/codec"
	"github.com/gaspardpetit/firebridge/internal/listeners"
)

const testChannel = "plugins.test/echo"

type echoRequest struct {
	Value string
}

type testPlugin struct {
	active  atomic.Int32
	peak    atomic.Int32
	session *Session
	closed  atomic.Bool
}

func (p *testPlugin) Channel() string   { return testChannel }
func (p *testPlugin) ErrorCode() string { return "test" }

func (p *testPlugin) Attach(s *Session, d *Dispatcher) {
	p.session = s
	s.OnClose(func() { p.closed.Store(true) })
	d.Handle("echo", Typed(func(a Args) (echoRequest, error) {
		v, err := a.String("value")
		return echoRequest{Value: v}, err
	}, func(ctx context.Context, req echoRequest) (any, error) {
		return req.Value, nil
	}))
	d.HandleFunc("panic", func(ctx context.Context, a Args) (any, error) {
		panic("kaboom")
	})
	d.HandleFunc("missing", func(ctx context.Context, a Args) (any, error) {
		return nil, status.Error(codes.NotFound, "no doc")
	})
	d.HandleFunc("slow", func(ctx context.Context, a Args) (any, error) {
		n := p.active.Add(1)
		for {
			old := p.peak.Load()
			if n <= old || p.peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		p.active.Add(-1)
		return nil, nil
	})
	d.HandleFunc("listen", func(ctx context.Context, a Args) (any, error) {
		return s.Listeners.Add(func(h int64) (listeners.Cancel, error) {
			return func() {}, nil
		})
	})
}

func setup(t *testing.T, workers int64) (*Bridge, *testPlugin, *channel.MethodChannel, *channel.Conn) {
	t.Helper()
	client, server := channel.Pipe()
	p := &testPlugin{}
	b := New(Options{Workers: workers}, p)
	b.Attach(server)
	t.Cleanup(func() {
		client.Close()
		b.Close()
	})
	return b, p, channel.NewMethodChannel(testChannel, client, codec.Firestore(nil)), client
}

func remoteDetails(t *testing.T, err error) map[string]any {
	t.Helper()
	var re *codec.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if re.Code != "test" {
		t.Fatalf("expected channel error code, got %q", re.Code)
	}
	d, _ := re.Details.(map[string]any)
	return d
}

func TestDispatchTyped(t *testing.T) {
	_, _, mc, _ := setup(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := mc.Invoke(ctx, "echo", map[string]any{"value": "hi"})
	if err != nil || v != "hi" {
		t.Fatalf("echo: %v %v", v, err)
	}
	_, err = mc.Invoke(ctx, "echo", map[string]any{})
	if d := remoteDetails(t, err); d["code"] != "invalid-argument" {
		t.Fatalf("expected invalid-argument, got %v", d)
	}
}

func TestDispatchErrors(t *testing.T) {
	_, _, mc, _ := setup(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := mc.Invoke(ctx, "panic", nil)
	if d := remoteDetails(t, err); d["code"] != "internal" {
		t.Fatalf("expected internal, got %v", d)
	}
	_, err = mc.Invoke(ctx, "missing", nil)
	d := remoteDetails(t, err)
	if d["code"] != "not-found" || d["message"] != DefaultMessage(NotFound) {
		t.Fatalf("unexpected details %v", d)
	}
	if _, err := mc.Invoke(ctx, "nope", nil); !errors.Is(err, codec.ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
}

func TestWorkerBound(t *testing.T) {
	b, p, mc, _ := setup(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			_, err := mc.Invoke(ctx, "slow", nil)
			errs <- err
		}()
	}
	for i := 0; i < 6; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("slow: %v", err)
		}
	}
	if p.peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent handlers, saw %d", p.peak.Load())
	}
	if !b.Drain(ctx) {
		t.Fatalf("drain did not complete")
	}
}

func TestDetachOnClose(t *testing.T) {
	b, p, mc, client := setup(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := mc.Invoke(ctx, "listen", nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h, _ := codec.AsInt(v)
	if !p.session.Listeners.Live(h) {
		t.Fatalf("handle %d not live", h)
	}
	client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for b.Sessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Sessions() != 0 {
		t.Fatalf("session not detached")
	}
	if !p.closed.Load() {
		t.Fatalf("close hook not run")
	}
	if p.session.Listeners.Deliver(h, func() { t.Fatalf("delivered after detach") }) {
		t.Fatalf("listener survived detach")
	}
}
