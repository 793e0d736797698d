// Package server exposes the bridge over HTTP: the websocket channel
// endpoint, health and metrics.
package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/core/secret"
	"github.com/gaspardpetit/firebridge/internal/bridge"
	"github.com/gaspardpetit/firebridge/internal/channel"
	"github.com/gaspardpetit/firebridge/internal/config"
	"github.com/gaspardpetit/firebridge/internal/drain"
)

// ChannelPath is where clients open their websocket.
const ChannelPath = "/channel"

// New constructs the HTTP handler for the server. Metrics are served on the
// same router only when the metrics address is the API port.
func New(cfg config.BridgeConfig, b *bridge.Bridge, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if drain.IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   status(),
			"sessions": b.Sessions(),
			"inflight": b.Inflight(),
		})
	})
	r.Group(func(g chi.Router) {
		g.Use(BearerMiddleware(cfg.ClientKey))
		g.Get(ChannelPath, ChannelHandler(b, cfg))
	})

	if gatherer != nil && MetricsOnAPIPort(cfg) {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// MetricsHandler serves metrics on their own listener.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// MetricsOnAPIPort reports whether metrics share the API listener.
func MetricsOnAPIPort(cfg config.BridgeConfig) bool {
	return cfg.MetricsAddr == "" || cfg.MetricsAddr == ":"+strconv.Itoa(cfg.Port)
}

func status() string {
	if drain.IsDraining() {
		return "draining"
	}
	return "ok"
}

// BearerMiddleware rejects requests whose bearer token does not match key.
// An empty key disables the check.
func BearerMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && !secret.Equal(secret.ExtractBearer(r), key) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ChannelHandler upgrades the request and serves the bridge on it until the
// socket closes.
func ChannelHandler(b *bridge.Bridge, cfg config.BridgeConfig) http.HandlerFunc {
	opts := acceptOptions(cfg.AllowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		if drain.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		ws, err := websocket.Accept(w, r, opts)
		if err != nil {
			logx.Log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
			return
		}
		conn := channel.NewConn(channel.WebSocket(ws, cfg.MaxMessageBytes), 0)
		s := b.Attach(conn)
		logx.Log.Info().Str("session", s.ID).Str("remote", r.RemoteAddr).Msg("client connected")
		if err := conn.Serve(r.Context()); err != nil {
			logx.Log.Debug().Err(err).Str("session", s.ID).Msg("client connection ended")
		}
		b.Detach(s)
	}
}

// acceptOptions turns CORS origins into websocket origin patterns.
func acceptOptions(origins []string) *websocket.AcceptOptions {
	if len(origins) == 0 {
		return nil
	}
	opts := &websocket.AcceptOptions{}
	for _, o := range origins {
		if o == "*" {
			opts.InsecureSkipVerify = true
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
			continue
		}
		opts.OriginPatterns = append(opts.OriginPatterns, o)
	}
	return opts
}
