package crashlytics

import (
	"context"
	"fmt"

	"github.com/gaspardpetit/firebridge/internal/bridge"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

const (
	Channel   = "plugins.flutter.io/firebase_crashlytics"
	ErrorCode = "firebase_crashlytics"
)

// Plugin serves the firebase_crashlytics channel.
type Plugin struct {
	r *Reporter
}

func New(r *Reporter) *Plugin { return &Plugin{r: r} }

func (p *Plugin) Channel() string { return Channel }

func (p *Plugin) ErrorCode() string { return ErrorCode }

func (p *Plugin) PluginConstants(context.Context, string) (map[string]any, error) {
	return map[string]any{"isCrashlyticsCollectionEnabled": p.r.CollectionEnabled()}, nil
}

func (p *Plugin) Attach(_ *bridge.Session, d *bridge.Dispatcher) {
	d.HandleFunc("Crashlytics#checkForUnsentReports", func(context.Context, bridge.Args) (any, error) {
		return p.r.HasUnsent(), nil
	})
	d.HandleFunc("Crashlytics#crash", func(ctx context.Context, _ bridge.Args) (any, error) {
		return nil, p.r.Crash(ctx)
	})
	d.HandleFunc("Crashlytics#deleteUnsentReports", func(context.Context, bridge.Args) (any, error) {
		p.r.DeleteUnsent()
		return nil, nil
	})
	d.HandleFunc("Crashlytics#didCrashOnPreviousExecution", func(context.Context, bridge.Args) (any, error) {
		return p.r.DidCrashOnPreviousExecution(), nil
	})
	d.Handle("Crashlytics#recordError", bridge.Typed(parseRecordError, p.recordError))
	d.HandleFunc("Crashlytics#log", func(_ context.Context, a bridge.Args) (any, error) {
		msg, err := a.String("message")
		if err != nil {
			return nil, err
		}
		p.r.Log(msg)
		return nil, nil
	})
	d.HandleFunc("Crashlytics#sendUnsentReports", func(ctx context.Context, _ bridge.Args) (any, error) {
		return nil, p.r.SendUnsent(ctx)
	})
	d.HandleFunc("Crashlytics#setCrashlyticsCollectionEnabled", func(ctx context.Context, a bridge.Args) (any, error) {
		enabled, err := a.Bool("enabled", false)
		if err != nil {
			return nil, err
		}
		if err := p.r.SetCollectionEnabled(ctx, enabled); err != nil {
			return nil, err
		}
		return map[string]any{"isCrashlyticsCollectionEnabled": p.r.CollectionEnabled()}, nil
	})
	d.HandleFunc("Crashlytics#setUserIdentifier", func(_ context.Context, a bridge.Args) (any, error) {
		id, err := a.String("identifier")
		if err != nil {
			return nil, err
		}
		p.r.SetUserID(id)
		return nil, nil
	})
	d.HandleFunc("Crashlytics#setCustomKey", func(_ context.Context, a bridge.Args) (any, error) {
		key, err := a.String("key")
		if err != nil {
			return nil, err
		}
		if !a.Has("value") {
			return nil, bridge.Errorf(bridge.InvalidArgument, "argument %q: required", "value")
		}
		p.r.SetCustomKey(key, fmt.Sprint(a["value"]))
		return nil, nil
	})
}

type recordErrorRequest struct {
	exception   string
	reason      string
	information string
	stack       []Frame
}

func parseRecordError(a bridge.Args) (recordErrorRequest, error) {
	var r recordErrorRequest
	var err error
	if r.exception, err = a.String("exception"); err != nil {
		return r, err
	}
	if r.reason, err = a.OptString("context", ""); err != nil {
		return r, err
	}
	if r.information, err = a.OptString("information", ""); err != nil {
		return r, err
	}
	elems, err := a.OptList("stackTraceElements")
	if err != nil {
		return r, err
	}
	for i, e := range elems {
		m, ok := e.(map[string]any)
		if !ok {
			return r, bridge.Errorf(bridge.InvalidArgument, "stack element %d: expected map, got %T", i, e)
		}
		f, err := parseFrame(bridge.Args(m))
		if err != nil {
			return r, err
		}
		r.stack = append(r.stack, f)
	}
	return r, nil
}

func parseFrame(a bridge.Args) (Frame, error) {
	var f Frame
	var err error
	if f.File, err = a.OptString("file", ""); err != nil {
		return f, err
	}
	if f.Class, err = a.OptString("class", ""); err != nil {
		return f, err
	}
	if f.Method, err = a.OptString("method", ""); err != nil {
		return f, err
	}
	if a.Has("line") {
		n, ok := codec.AsInt(a["line"])
		if !ok {
			return f, bridge.Errorf(bridge.InvalidArgument, "argument %q: expected integer, got %T", "line", a["line"])
		}
		f.Line = int(n)
	}
	return f, nil
}

func (p *Plugin) recordError(ctx context.Context, r recordErrorRequest) (any, error) {
	p.r.SetCustomKey("exception", r.exception)
	if r.reason != "" {
		p.r.SetCustomKey("reason", "thrown "+r.reason)
	}
	if r.information != "" {
		p.r.Log(r.information)
	}
	_, err := p.r.Record(ctx, r.exception, r.stack, false)
	return nil, err
}
