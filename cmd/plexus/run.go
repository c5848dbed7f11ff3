package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/credential"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/dialect/anthropic"
	"github.com/plexusgw/plexus/internal/dialect/gemini"
	"github.com/plexusgw/plexus/internal/dialect/openaichat"
	"github.com/plexusgw/plexus/internal/dialect/responses"
	"github.com/plexusgw/plexus/internal/dispatch"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/server"
	"github.com/plexusgw/plexus/internal/storage/sqlite"
	"github.com/plexusgw/plexus/internal/telemetry"
	"github.com/plexusgw/plexus/internal/usage"
	"github.com/plexusgw/plexus/internal/worker"
)

// checkConfig loads and validates the config without starting anything.
func checkConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	_, err = config.Build(cfg)
	return err
}

func run(configPath string) error {
	log := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	snap, err := config.Build(cfg)
	if err != nil {
		return err
	}
	cfgStore := config.NewStore(snap)

	log.Info("starting plexus", "version", version, "addr", snap.Server.Addr)

	store, err := sqlite.New(snap.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Health and credential state survive restarts.
	cooldowns := cooldown.NewManager(store, log)
	if err := cooldowns.Load(ctx); err != nil {
		return err
	}

	oauthClient := &http.Client{Timeout: 20 * time.Second}
	oauth := credential.NewOAuth(credential.DefaultFlows(snap.OAuth.ClientSecrets), oauthClient)
	pool := credential.NewPool(store, oauth, cooldowns, log)
	if err := pool.Load(ctx); err != nil {
		return err
	}

	stats := usage.NewStats()
	recorder := worker.NewUsageRecorder(store, stats)

	orSource, err := usage.NewOpenRouterSource(&http.Client{Timeout: 30 * time.Second}, log)
	if err != nil {
		return err
	}
	pricer := usage.NewPricer(orSource)

	// Cached DNS keeps high-QPS upstream dials off the system resolver.
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-ctx.Done():
				return
			}
		}
	}()
	upstreamClient := &http.Client{
		Transport: dispatch.NewTransport(resolver, snap.Upstream.ConnectTimeout),
	}

	rtr := router.New(func() router.View {
		s := cfgStore.Snapshot()
		return router.View{Providers: s.Providers, Aliases: s.Aliases}
	}, cooldowns, stats)

	transformers := dialect.Table{
		plexus.DialectChat:      openaichat.New(),
		plexus.DialectMessages:  anthropic.New(),
		plexus.DialectGemini:    gemini.New(),
		plexus.DialectResponses: responses.New(),
	}

	var metrics *telemetry.Metrics
	var metricsH http.Handler
	if snap.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsH = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	if snap.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.InitTracing(ctx, snap.Telemetry.Tracing.Endpoint, snap.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Transformers: transformers,
		Router:       rtr,
		Cooldowns:    cooldowns,
		Pool:         pool,
		Pricer:       pricer,
		Recorder:     recorder,
		Client:       upstreamClient,
		Config:       cfgStore,
		Metrics:      metrics,
		Log:          log,
	})

	handler := server.New(server.Deps{
		Dispatcher: dispatcher,
		Config:     cfgStore,
		Cooldowns:  cooldowns,
		Pool:       pool,
		OAuth:      oauth,
		Usage:      store,
		ReadyCheck: store.Ping,
		Metrics:    metrics,
		MetricsH:   metricsH,
	})

	runner := worker.NewRunner(
		recorder,
		worker.NewTokenRefreshWorker(pool),
		worker.NewUsageRollupWorker(store),
		config.NewWatcher(configPath, cfgStore, log),
	)
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(ctx) }()

	srv := &http.Server{
		Addr:         snap.Server.Addr,
		Handler:      handler,
		ReadTimeout:  snap.Server.ReadTimeout,
		WriteTimeout: snap.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("plexus ready", "addr", snap.Server.Addr)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		stop()
		<-workersDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), snap.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers drain after the listener stops accepting traffic.
	stop()
	if err := <-workersDone; err != nil {
		return err
	}

	log.Info("plexus stopped")
	return nil
}
