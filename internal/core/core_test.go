package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gaspardpetit/firebridge/internal/bridge"
	"github.com/gaspardpetit/firebridge/internal/channel"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

type staticConstants map[string]any

func (s staticConstants) PluginConstants(context.Context, string) (map[string]any, error) {
	return s, nil
}

type failingConstants struct{}

func (failingConstants) PluginConstants(context.Context, string) (map[string]any, error) {
	return nil, errors.New("boom")
}

func TestAppsLifecycle(t *testing.T) {
	apps := NewApps()
	opts := Options{APIKey: "k", AppID: "1:2:web:3", ProjectID: "demo"}
	if _, err := apps.Initialize("second", opts); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := apps.Initialize(DefaultApp, opts); err != nil {
		t.Fatalf("init default: %v", err)
	}
	if _, err := apps.Initialize("second", opts); err != nil {
		t.Fatalf("same options should be accepted: %v", err)
	}
	if _, err := apps.Initialize("second", Options{APIKey: "other"}); err == nil {
		t.Fatalf("expected conflict for different options")
	}
	list := apps.List()
	if len(list) != 2 || list[0].Name != DefaultApp {
		t.Fatalf("unexpected list %+v", list)
	}
	if got := apps.ProjectID("second", "fallback"); got != "demo" {
		t.Fatalf("project id %q", got)
	}
	if got := apps.ProjectID("missing", "fallback"); got != "fallback" {
		t.Fatalf("project id fallback %q", got)
	}

	var deleted []string
	apps.OnDelete(func(_ context.Context, name string) { deleted = append(deleted, name) })
	apps.Delete(context.Background(), "missing")
	apps.Delete(context.Background(), "second")
	if len(deleted) != 1 || deleted[0] != "second" {
		t.Fatalf("unexpected delete hooks %v", deleted)
	}
	if err := apps.SetDataCollectionEnabled("second", false); err == nil {
		t.Fatalf("expected error for deleted app")
	}
}

func TestRegistryConstants(t *testing.T) {
	r := NewRegistry()
	r.Register("a", staticConstants{"x": int64(1)})
	r.Register("b", staticConstants(nil))
	c, err := r.Constants(context.Background(), DefaultApp)
	if err != nil {
		t.Fatalf("constants: %v", err)
	}
	if len(c) != 2 || c["a"].(map[string]any)["x"] != int64(1) {
		t.Fatalf("unexpected constants %v", c)
	}
	r.Register("c", failingConstants{})
	if _, err := r.Constants(context.Background(), DefaultApp); err == nil {
		t.Fatalf("expected provider error")
	}
}

func TestPluginInitialize(t *testing.T) {
	a, b := channel.Pipe()
	apps := NewApps()
	if _, err := apps.Initialize(DefaultApp, Options{APIKey: "k", AppID: "id"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	reg := NewRegistry()
	reg.Register("plugins.test/x", staticConstants{"ready": true})
	br := bridge.New(bridge.Options{}, New(apps, reg))
	br.Attach(b)
	defer func() {
		a.Close()
		br.Close()
	}()
	ch := channel.NewMethodChannel(Channel, a, codec.Firestore(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := ch.Invoke(ctx, "FirebaseApp#initializeApp", map[string]any{
		"name":    "secondary",
		"options": map[string]any{"APIKey": "k2", "googleAppID": "id2", "projectID": "p2"},
	})
	if err != nil {
		t.Fatalf("initializeApp: %v", err)
	}
	m := v.(map[string]any)
	if m["name"] != "secondary" || m["options"].(map[string]any)["projectID"] != "p2" {
		t.Fatalf("unexpected app map %v", m)
	}
	if pc := m["pluginConstants"].(map[string]any)["plugins.test/x"].(map[string]any); pc["ready"] != true {
		t.Fatalf("unexpected plugin constants %v", m["pluginConstants"])
	}

	v, err = ch.Invoke(ctx, "FirebaseApp#initializeCore", nil)
	if err != nil {
		t.Fatalf("initializeCore: %v", err)
	}
	list := v.([]any)
	if len(list) != 2 || list[0].(map[string]any)["name"] != DefaultApp {
		t.Fatalf("unexpected apps %v", list)
	}

	if _, err := ch.Invoke(ctx, "FirebaseApp#setAutomaticDataCollectionEnabled", map[string]any{"appName": "secondary", "enabled": false}); err != nil {
		t.Fatalf("set data collection: %v", err)
	}
	if app, _ := apps.Get("secondary"); app.DataCollectionEnabled {
		t.Fatalf("data collection should be disabled")
	}
	if _, err := ch.Invoke(ctx, "FirebaseApp#deleteApp", map[string]any{"appName": "nope"}); err != nil {
		t.Fatalf("deleting an unknown app should be ignored: %v", err)
	}
	_, err = ch.Invoke(ctx, "FirebaseApp#initializeApp", map[string]any{"name": "bad", "options": map[string]any{"APIKey": "k"}})
	var re *codec.RemoteError
	if !errors.As(err, &re) || re.Code != ErrorCode {
		t.Fatalf("expected firebase_core error, got %v", err)
	}
}
