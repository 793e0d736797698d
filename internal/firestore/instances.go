package firestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/codec"
	"github.com/gaspardpetit/firebridge/internal/keylock"
	"github.com/gaspardpetit/firebridge/internal/prefs"
)

// Preference key prefixes; the app name is appended.
const (
	prefClearPersistence = "firebase_firestore_clear_persistence_"
	prefCacheSize        = "firebase_firestore_cache_size_"
	prefHost             = "firebase_firestore_host_"
	prefPersistence      = "firebase_firestore_persistence_"
	prefSSL              = "firebase_firestore_ssl_"
)

// Instances caches one database per app. Settings are read from the
// preference store when an app is first accessed and never re-applied.
type Instances struct {
	opener backend.Opener
	prefs  prefs.Store
	locks  keylock.Map[string]
	log    zerolog.Logger

	mu    sync.Mutex
	dbs   map[string]backend.Database
	hints map[string]codec.Settings
}

func NewInstances(opener backend.Opener, store prefs.Store) *Instances {
	return &Instances{
		opener: opener,
		prefs:  store,
		log:    logx.Component("firestore"),
		dbs:    map[string]backend.Database{},
		hints:  map[string]codec.Settings{},
	}
}

// ResolveInstance records settings carried by a decoded instance value. Only
// the first hint for an app that is not open yet is kept.
func (in *Instances) ResolveInstance(app string, settings codec.Settings) {
	if len(settings) == 0 {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, open := in.dbs[app]; open {
		return
	}
	if _, seen := in.hints[app]; !seen {
		in.hints[app] = settings
	}
}

func (in *Instances) cached(app string) (backend.Database, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	db, ok := in.dbs[app]
	return db, ok
}

// Get returns the app's database, opening it on first access.
func (in *Instances) Get(ctx context.Context, app string) (backend.Database, error) {
	if db, ok := in.cached(app); ok {
		return db, nil
	}
	unlock := in.locks.Lock(app)
	defer unlock()
	if db, ok := in.cached(app); ok {
		return db, nil
	}

	settings, err := in.Settings(ctx, app)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	hint := in.hints[app]
	delete(in.hints, app)
	in.mu.Unlock()
	settings = applyHint(settings, hint)

	db, err := in.opener.Open(ctx, app, settings)
	if err != nil {
		return nil, fmt.Errorf("open firestore %s: %w", app, err)
	}
	clearKey := prefClearPersistence + app
	if clearFlag, _ := prefs.Bool(ctx, in.prefs, clearKey, false); clearFlag {
		if err := db.ClearPersistence(ctx); err != nil {
			in.log.Warn().Err(err).Str("app", app).Msg("clear persistence failed")
		} else if err := prefs.SetBool(ctx, in.prefs, clearKey, false); err != nil {
			in.log.Warn().Err(err).Str("app", app).Msg("reset clear persistence flag failed")
		}
	}
	in.mu.Lock()
	in.dbs[app] = db
	in.mu.Unlock()
	in.log.Debug().Str("app", app).Bool("persistence", settings.PersistenceEnabled).Str("host", settings.Host).Msg("firestore instance ready")
	return db, nil
}

// Settings reads the stored settings for app over the defaults. SSL is only
// honoured together with a host.
func (in *Instances) Settings(ctx context.Context, app string) (backend.Settings, error) {
	s := backend.DefaultSettings()
	var err error
	if s.CacheSizeBytes, err = prefs.Int(ctx, in.prefs, prefCacheSize+app, s.CacheSizeBytes); err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if s.PersistenceEnabled, err = prefs.Bool(ctx, in.prefs, prefPersistence+app, s.PersistenceEnabled); err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	host, ok, err := in.prefs.Get(ctx, prefHost+app)
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if ok && host != "" {
		s.Host = host
		if s.SSLEnabled, err = prefs.Bool(ctx, in.prefs, prefSSL+app, true); err != nil {
			return s, fmt.Errorf("read settings: %w", err)
		}
	}
	return s, nil
}

// applyHint overlays settings sent with a firestore instance value.
func applyHint(s backend.Settings, hint codec.Settings) backend.Settings {
	if hint == nil {
		return s
	}
	if v, ok := hint["persistenceEnabled"].(bool); ok {
		s.PersistenceEnabled = v
	}
	if v, ok := hint["host"].(string); ok && v != "" {
		s.Host = v
		if ssl, ok := hint["sslEnabled"].(bool); ok {
			s.SSLEnabled = ssl
		}
	}
	if v, ok := codec.AsInt(hint["cacheSizeBytes"]); ok {
		s.CacheSizeBytes = v
	}
	return s
}

// PersistSettings stores settings for the app's next first access.
func (in *Instances) PersistSettings(ctx context.Context, app string, settings map[string]any) error {
	if v, ok := settings["persistenceEnabled"].(bool); ok {
		if err := prefs.SetBool(ctx, in.prefs, prefPersistence+app, v); err != nil {
			return err
		}
	}
	if v, ok := settings["host"].(string); ok {
		if err := in.prefs.Set(ctx, prefHost+app, v); err != nil {
			return err
		}
	}
	if v, ok := settings["sslEnabled"].(bool); ok {
		if err := prefs.SetBool(ctx, in.prefs, prefSSL+app, v); err != nil {
			return err
		}
	}
	if v, ok := codec.AsInt(settings["cacheSizeBytes"]); ok {
		if err := prefs.SetInt(ctx, in.prefs, prefCacheSize+app, v); err != nil {
			return err
		}
	}
	return nil
}

// FlagClearPersistence clears the app's local data on its next first access.
func (in *Instances) FlagClearPersistence(ctx context.Context, app string) error {
	return prefs.SetBool(ctx, in.prefs, prefClearPersistence+app, true)
}

// Terminate closes the app's database and evicts it so the next access
// opens a fresh one with the settings stored at that time.
func (in *Instances) Terminate(ctx context.Context, app string) error {
	unlock := in.locks.Lock(app)
	defer unlock()
	in.mu.Lock()
	db, ok := in.dbs[app]
	delete(in.dbs, app)
	in.mu.Unlock()
	if !ok {
		return nil
	}
	return db.Terminate(ctx)
}

// Apps lists the open apps.
func (in *Instances) Apps() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.dbs))
	for app := range in.dbs {
		out = append(out, app)
	}
	return out
}

// Close terminates every open database.
func (in *Instances) Close(ctx context.Context) {
	for _, app := range in.Apps() {
		if err := in.Terminate(ctx, app); err != nil {
			in.log.Warn().Err(err).Str("app", app).Msg("terminate failed")
		}
	}
}

var _ codec.InstanceResolver = (*Instances)(nil)
