package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/core/secret"
	"github.com/gaspardpetit/firebridge/internal/auth"
	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/bridge"
	"github.com/gaspardpetit/firebridge/internal/cloudstore"
	"github.com/gaspardpetit/firebridge/internal/codec"
	"github.com/gaspardpetit/firebridge/internal/config"
	"github.com/gaspardpetit/firebridge/internal/core"
	"github.com/gaspardpetit/firebridge/internal/crashlytics"
	"github.com/gaspardpetit/firebridge/internal/docstore"
	"github.com/gaspardpetit/firebridge/internal/drain"
	"github.com/gaspardpetit/firebridge/internal/firestore"
	"github.com/gaspardpetit/firebridge/internal/metrics"
	"github.com/gaspardpetit/firebridge/internal/prefs"
	"github.com/gaspardpetit/firebridge/internal/server"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	// defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "%s version=%s sha=%s date=%s\n\n", filepath.Base(os.Args[0]), version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s version=%s sha=%s date=%s\n", filepath.Base(os.Args[0]), version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}

	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := prefs.Open(cfg.RedisAddr)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("open preference store")
	}
	defer func() { _ = store.Close() }()
	if cfg.RedisAddr != "" {
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis preference store")
	}

	apps := core.NewApps()
	for name, opts := range cfg.Apps {
		if _, err := apps.Initialize(name, opts); err != nil {
			logx.Log.Fatal().Err(err).Str("app", name).Msg("initialize app")
		}
	}

	opener, closeOpener, err := openBackend(cfg, apps)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("open firestore backend")
	}
	defer closeOpener()

	instances := firestore.NewInstances(opener, store)
	defer instances.Close(context.Background())
	apps.OnDelete(func(ctx context.Context, name string) {
		if err := instances.Terminate(ctx, name); err != nil {
			logx.Log.Warn().Err(err).Str("app", name).Msg("terminate firestore on app delete")
		}
	})

	reporter, err := crashlytics.NewReporter(ctx, store, crashlytics.LogSink{Log: logx.Component("crash-report")})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load crashlytics state")
	}

	var signingKey []byte
	if cfg.AuthSigningKey != "" {
		signingKey = []byte(cfg.AuthSigningKey)
	}
	authPlugin := auth.New(auth.NewService(auth.NewSigner(signingKey)))
	crashPlugin := crashlytics.New(reporter)
	firestorePlugin := firestore.New(instances, firestore.Options{TransactionTimeout: cfg.TransactionTimeout})

	registry := core.NewRegistry()
	registry.Register(auth.Channel, authPlugin)
	registry.Register(crashlytics.Channel, crashPlugin)

	b := bridge.New(bridge.Options{Workers: cfg.Workers, Values: codec.Firestore(instances)},
		core.New(apps, registry), authPlugin, crashPlugin, firestorePlugin)
	defer b.Close()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: server.New(cfg, b, preg)}
	var metricsSrv *http.Server
	if !server.MetricsOnAPIPort(cfg) {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: server.MetricsHandler(preg)}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if drain.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			drain.Start()
			logx.Log.Info().Int64("inflight", b.Inflight()).Int("sessions", b.Sessions()).Msg("drain requested")
			waitCtx := ctx
			var stop context.CancelFunc
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func(stop context.CancelFunc, waitCtx context.Context) {
				if stop != nil {
					defer stop()
				}
				if b.Drain(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("inflight", b.Inflight()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(stop, waitCtx)
		}
	}()
	go func() {
		<-ctx.Done()
		b.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.ClientKey != "" {
		logx.Log.Info().Str("key", secret.Mask(cfg.ClientKey)).Msg("client key required")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().Int("port", cfg.Port).Str("backend", cfg.Backend).Int64("workers", cfg.Workers).Msg("bridge starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}

// openBackend builds the document backend named by cfg and a func releasing it.
func openBackend(cfg config.BridgeConfig, apps *core.Apps) (backend.Opener, func(), error) {
	switch cfg.Backend {
	case config.BackendBadger:
		e, err := docstore.NewBadgerEngine(cfg.DataDir, cfg.BadgerMemMB)
		if err != nil {
			return nil, nil, err
		}
		logx.Log.Info().Str("dir", cfg.DataDir).Int("mem_mb", cfg.BadgerMemMB).Msg("using badger document store")
		return e, func() { _ = e.Close() }, nil
	case config.BackendCloud:
		o := cloudstore.NewOpener(cloudstore.Config{
			ProjectID:       cfg.ProjectID,
			CredentialsFile: cfg.CredentialsFile,
			EmulatorHost:    cfg.EmulatorHost,
			ProjectFor:      func(app string) string { return apps.ProjectID(app, "") },
		})
		return o, func() {}, nil
	default:
		e := docstore.NewMemoryEngine()
		return e, func() { _ = e.Close() }, nil
	}
}
