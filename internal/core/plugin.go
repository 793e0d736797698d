package core

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/bridge"
)

const (
	Channel   = "plugins.flutter.io/firebase_core"
	ErrorCode = "firebase_core"
)

// Plugin serves the firebase_core channel.
type Plugin struct {
	apps     *Apps
	registry *Registry
	log      zerolog.Logger
}

func New(apps *Apps, registry *Registry) *Plugin {
	return &Plugin{apps: apps, registry: registry, log: logx.Component("core")}
}

func (p *Plugin) Channel() string { return Channel }

func (p *Plugin) ErrorCode() string { return ErrorCode }

func (p *Plugin) Attach(_ *bridge.Session, d *bridge.Dispatcher) {
	d.Handle("FirebaseApp#initializeApp", bridge.Typed(parseInitialize, p.initializeApp))
	d.HandleFunc("FirebaseApp#initializeCore", p.initializeCore)
	d.Handle("FirebaseApp#setAutomaticDataCollectionEnabled", bridge.Typed(parseToggle, func(_ context.Context, r toggleRequest) (any, error) {
		return nil, p.apps.SetDataCollectionEnabled(r.app, r.enabled)
	}))
	d.Handle("FirebaseApp#setAutomaticResourceManagementEnabled", bridge.Typed(parseToggle, func(_ context.Context, r toggleRequest) (any, error) {
		return nil, p.apps.SetAutomaticResourceManagementEnabled(r.app, r.enabled)
	}))
	d.HandleFunc("FirebaseApp#deleteApp", p.deleteApp)
}

type initializeRequest struct {
	name string
	opts Options
}

func parseInitialize(a bridge.Args) (initializeRequest, error) {
	var r initializeRequest
	var err error
	if r.name, err = a.String("name"); err != nil {
		return r, err
	}
	m, err := a.Map("options")
	if err != nil {
		return r, err
	}
	o := bridge.Args(m)
	if r.opts.APIKey, err = o.String("APIKey"); err != nil {
		return r, err
	}
	if r.opts.AppID, err = o.String("googleAppID"); err != nil {
		return r, err
	}
	optional := []struct {
		key string
		dst *string
	}{
		{"databaseURL", &r.opts.DatabaseURL},
		{"GCMSenderID", &r.opts.GCMSenderID},
		{"projectID", &r.opts.ProjectID},
		{"storageBucket", &r.opts.StorageBucket},
	}
	for _, f := range optional {
		if *f.dst, err = o.OptString(f.key, ""); err != nil {
			return r, err
		}
	}
	return r, nil
}

type toggleRequest struct {
	app     string
	enabled bool
}

func parseToggle(a bridge.Args) (toggleRequest, error) {
	var r toggleRequest
	var err error
	if r.app, err = a.String("appName"); err != nil {
		return r, err
	}
	if !a.Has("enabled") {
		return r, bridge.Errorf(bridge.InvalidArgument, "argument %q: required", "enabled")
	}
	r.enabled, err = a.Bool("enabled", false)
	return r, err
}

func optionsMap(o Options) map[string]any {
	return map[string]any{
		"APIKey":        o.APIKey,
		"googleAppID":   o.AppID,
		"databaseURL":   optString(o.DatabaseURL),
		"GCMSenderID":   optString(o.GCMSenderID),
		"projectID":     optString(o.ProjectID),
		"storageBucket": optString(o.StorageBucket),
	}
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (p *Plugin) appMap(ctx context.Context, app App) (map[string]any, error) {
	constants, err := p.registry.Constants(ctx, app.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":                           app.Name,
		"isDataCollectionDefaultEnabled": app.DataCollectionEnabled,
		"options":                        optionsMap(app.Options),
		"pluginConstants":                constants,
	}, nil
}

func (p *Plugin) initializeApp(ctx context.Context, r initializeRequest) (any, error) {
	app, err := p.apps.Initialize(r.name, r.opts)
	if err != nil {
		return nil, err
	}
	p.log.Info().Str("app", app.Name).Stringer("options", app.Options).Msg("app initialized")
	return p.appMap(ctx, app)
}

func (p *Plugin) initializeCore(ctx context.Context, _ bridge.Args) (any, error) {
	apps := p.apps.List()
	out := make([]any, 0, len(apps))
	for _, app := range apps {
		m, err := p.appMap(ctx, app)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *Plugin) deleteApp(ctx context.Context, a bridge.Args) (any, error) {
	name, err := a.String("appName")
	if err != nil {
		return nil, err
	}
	p.apps.Delete(ctx, name)
	return nil, nil
}
