package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/codexlb/codexlb/internal/authmanager"
	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/config"
	"github.com/codexlb/codexlb/internal/proxyservice"
	"github.com/codexlb/codexlb/internal/secrets"
	"github.com/codexlb/codexlb/internal/selector"
	"github.com/codexlb/codexlb/internal/server"
	"github.com/codexlb/codexlb/internal/sticky"
	"github.com/codexlb/codexlb/internal/storage"
	"github.com/codexlb/codexlb/internal/storage/sqlite"
	"github.com/codexlb/codexlb/internal/telemetry"
	"github.com/codexlb/codexlb/internal/upstream"
	"github.com/codexlb/codexlb/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting codexlb", "version", version, "addr", cfg.Server.Addr)

	// Token encryption key.
	key, err := loadEncryptionKey(cfg.Encryption.KeyFile)
	if err != nil {
		return err
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		return err
	}

	// Open database(s). A separate accounts store is supported for
	// deployments that split credentials from the high-churn usage rows.
	mainStore, err := sqlite.New(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer mainStore.Close()

	var store storage.Store = mainStore
	if cfg.Database.AccountsURL != "" && cfg.Database.AccountsURL != cfg.Database.URL {
		accountsStore, err := sqlite.New(cfg.Database.AccountsURL)
		if err != nil {
			return err
		}
		defer accountsStore.Close()
		store = &splitStore{Store: mainStore, accounts: accountsStore}
		slog.Info("accounts store split", "url", redactDSN(cfg.Database.AccountsURL))
	}
	slog.Info("database opened", "url", redactDSN(cfg.Database.URL))

	// Bootstrap accounts and settings from config.
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store, box); err != nil {
		return err
	}

	// Shared DNS cache for the upstream transport and image inlining.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Sticky-session backend.
	stickyStore, err := buildStickyStore(cfg, mainStore)
	if err != nil {
		return err
	}
	slog.Info("sticky sessions configured", "backend", cfg.Sticky.Backend)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("codexlb/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	// Upstream client.
	upstreamClient := upstream.New(upstream.Config{
		BaseURL:       cfg.Upstream.BaseURL,
		IdleTimeout:   cfg.Stream.IdleTimeout,
		MaxEventBytes: cfg.Stream.MaxEventBytes,
		ImageInline: upstream.ImageInlineConfig{
			Enabled:      cfg.ImageInline.Enabled,
			AllowedHosts: cfg.ImageInline.AllowedHosts,
			MaxBytes:     cfg.ImageInline.MaxBytes,
		},
	}, dnsResolver)

	// Wire services.
	auth := authmanager.New(store, box, cfg.Upstream.AuthBaseURL, cfg.Upstream.OAuthClientID, nil)

	builder := selector.NewBuilder(store, stickyStore, cfg.Proxy.SnapshotTTL)
	sel := selector.New(builder, store, stickyStore, metrics, selector.Strategy(cfg.Proxy.SelectionStrategy))

	recorder := worker.NewRequestLogRecorder(store, metrics, worker.RecorderOptions{
		QueueSize:  cfg.RequestLogs.MaxSize,
		BatchSize:  cfg.RequestLogs.FlushMaxBatch,
		FlushEvery: cfg.RequestLogs.FlushInterval,
	})
	var logRecorder proxyservice.LogRecorder
	workers := []worker.Worker{}
	if cfg.RequestLogs.BufferOn() {
		logRecorder = recorder
		workers = append(workers, recorder)
	}

	refresher := worker.NewUsageRefresher(store, upstreamClient, auth, metrics,
		cfg.UsageRefresh.Interval, cfg.UsageRefresh.FetchConcurrency)
	workers = append(workers, refresher)

	proxy := proxyservice.New(sel, auth, upstreamClient, logRecorder, metrics, tracer,
		cfg.Proxy.MaxAttempts, key)

	runner := worker.NewRunner(workers...)

	handler := server.New(server.Deps{
		Proxy:          proxy,
		Store:          store,
		Sticky:         stickyStore,
		Selector:       sel,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("codexlb ready",
		"addr", cfg.Server.Addr,
		"endpoints", []string{
			"POST /v1/responses",
			"POST /backend-api/codex/responses",
			"POST /v1/responses/compact",
			"POST /v1/chat/completions",
			"GET  /api/codex/usage",
		},
	)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish logging).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("codexlb stopped")
	return nil
}

// loadEncryptionKey reads the configured key file, or generates an
// ephemeral key (tokens then survive only this process lifetime).
func loadEncryptionKey(path string) ([]byte, error) {
	if path != "" {
		return secrets.KeyFromFile(path)
	}
	slog.Warn("no encryption key file configured, using an ephemeral key")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// buildStickyStore selects the sticky backend: in-process LRU, Redis when
// a redis:// URL is configured, SQLite rows otherwise.
func buildStickyStore(cfg *config.Config, store *sqlite.Store) (sticky.Store, error) {
	switch cfg.Sticky.Backend {
	case "db":
		if strings.HasPrefix(cfg.Sticky.URL, "redis://") || strings.HasPrefix(cfg.Sticky.URL, "rediss://") {
			opts, err := redis.ParseURL(cfg.Sticky.URL)
			if err != nil {
				return nil, err
			}
			return sticky.NewRedis(redis.NewClient(opts), cfg.Sticky.TTL), nil
		}
		return store.Sticky(), nil
	default:
		return sticky.NewMemory(cfg.Sticky.MaxSize, cfg.Sticky.TTL)
	}
}

// splitStore routes account operations to a dedicated store while
// everything else (usage, logs, settings) stays on the main one.
type splitStore struct {
	storage.Store
	accounts storage.AccountStore
}

func (s *splitStore) List(ctx context.Context) ([]codexlb.Account, error) {
	return s.accounts.List(ctx)
}

func (s *splitStore) Upsert(ctx context.Context, a codexlb.Account) error {
	return s.accounts.Upsert(ctx, a)
}

func (s *splitStore) UpdateStatus(ctx context.Context, id string, status codexlb.AccountStatus, resetAt time.Time, reason string) error {
	return s.accounts.UpdateStatus(ctx, id, status, resetAt, reason)
}

func (s *splitStore) UpdateTokens(ctx context.Context, id, access, refresh, idToken string, lastRefresh time.Time, plan, email, chatgptAccountID string) error {
	return s.accounts.UpdateTokens(ctx, id, access, refresh, idToken, lastRefresh, plan, email, chatgptAccountID)
}

func (s *splitStore) Delete(ctx context.Context, id string) error {
	return s.accounts.Delete(ctx, id)
}

func redactDSN(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		return dsn[:i]
	}
	return dsn
}
