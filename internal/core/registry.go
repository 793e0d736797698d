package core

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ConstantsProvider reports a plugin's constants for one app.
type ConstantsProvider interface {
	PluginConstants(ctx context.Context, app string) (map[string]any, error)
}

// Registry gathers plugin constants by channel name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ConstantsProvider
}

func NewRegistry() *Registry { return &Registry{providers: map[string]ConstantsProvider{}} }

// Register replaces any provider already registered for channel.
func (r *Registry) Register(channel string, p ConstantsProvider) {
	r.mu.Lock()
	r.providers[channel] = p
	r.mu.Unlock()
}

// Constants asks every provider for app's constants concurrently.
func (r *Registry) Constants(ctx context.Context, app string) (map[string]any, error) {
	r.mu.RLock()
	providers := make(map[string]ConstantsProvider, len(r.providers))
	for ch, p := range r.providers {
		providers[ch] = p
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	out := make(map[string]any, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for ch, p := range providers {
		g.Go(func() error {
			c, err := p.PluginConstants(gctx, app)
			if err != nil {
				return fmt.Errorf("constants for %s: %w", ch, err)
			}
			if c == nil {
				c = map[string]any{}
			}
			mu.Lock()
			out[ch] = c
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
