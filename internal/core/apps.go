// Package core tracks Firebase apps and serves the firebase_core channel.
package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultApp is the name of the app created at startup.
const DefaultApp = "[DEFAULT]"

// Options identify the Firebase project an app talks to.
type Options struct {
	APIKey        string `yaml:"api_key"`
	AppID         string `yaml:"app_id"`
	DatabaseURL   string `yaml:"database_url"`
	GCMSenderID   string `yaml:"gcm_sender_id"`
	ProjectID     string `yaml:"project_id"`
	StorageBucket string `yaml:"storage_bucket"`
}

// App is a named set of options.
type App struct {
	Name                  string
	Options               Options
	DataCollectionEnabled bool
	AutomaticResourceMgmt bool
}

// Apps is the app registry. Delete hooks let other components release
// per-app state.
type Apps struct {
	mu       sync.Mutex
	apps     map[string]*App
	onDelete []func(ctx context.Context, name string)
}

func NewApps() *Apps { return &Apps{apps: map[string]*App{}} }

// Initialize creates the app or returns the existing one when the options
// match.
func (a *Apps) Initialize(name string, opts Options) (App, error) {
	if name == "" {
		return App{}, status.Error(codes.InvalidArgument, "app name must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.apps[name]; ok {
		if cur.Options != opts {
			return App{}, status.Errorf(codes.AlreadyExists, "FirebaseApp name %s already exists!", name)
		}
		return *cur, nil
	}
	app := &App{Name: name, Options: opts, DataCollectionEnabled: true}
	a.apps[name] = app
	return *app, nil
}

func (a *Apps) Get(name string) (App, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	app, ok := a.apps[name]
	if !ok {
		return App{}, false
	}
	return *app, true
}

// List returns every app, the default one first.
func (a *Apps) List() []App {
	a.mu.Lock()
	out := make([]App, 0, len(a.apps))
	for _, app := range a.apps {
		out = append(out, *app)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Name == DefaultApp) != (out[j].Name == DefaultApp) {
			return out[i].Name == DefaultApp
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (a *Apps) update(name string, fn func(*App)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	app, ok := a.apps[name]
	if !ok {
		return status.Errorf(codes.NotFound, "FirebaseApp with name %s doesn't exist.", name)
	}
	fn(app)
	return nil
}

func (a *Apps) SetDataCollectionEnabled(name string, enabled bool) error {
	return a.update(name, func(app *App) { app.DataCollectionEnabled = enabled })
}

func (a *Apps) SetAutomaticResourceManagementEnabled(name string, enabled bool) error {
	return a.update(name, func(app *App) { app.AutomaticResourceMgmt = enabled })
}

// OnDelete registers fn to run after an app is deleted.
func (a *Apps) OnDelete(fn func(ctx context.Context, name string)) {
	a.mu.Lock()
	a.onDelete = append(a.onDelete, fn)
	a.mu.Unlock()
}

// Delete removes the app. Unknown names are ignored.
func (a *Apps) Delete(ctx context.Context, name string) {
	a.mu.Lock()
	_, ok := a.apps[name]
	delete(a.apps, name)
	hooks := append([]func(context.Context, string){}, a.onDelete...)
	a.mu.Unlock()
	if !ok {
		return
	}
	for _, fn := range hooks {
		fn(ctx, name)
	}
}

// ProjectID returns the app's project id, or fallback when the app is
// unknown or has none.
func (a *Apps) ProjectID(name, fallback string) string {
	if app, ok := a.Get(name); ok && app.Options.ProjectID != "" {
		return app.Options.ProjectID
	}
	return fallback
}

func (o Options) String() string {
	return fmt.Sprintf("project=%s app=%s", o.ProjectID, o.AppID)
}
