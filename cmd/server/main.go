package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mangastream/catalogservice/internal/aggregate"
	apihttp "mangastream/catalogservice/internal/api/http"
	"mangastream/catalogservice/internal/app"
	"mangastream/catalogservice/internal/domain"
	"mangastream/catalogservice/internal/metrics"
	"mangastream/catalogservice/internal/providers/mangadex"
	"mangastream/catalogservice/internal/providers/mirrorhub"
	"mangastream/catalogservice/internal/search"
	"mangastream/catalogservice/internal/store"
	"mangastream/catalogservice/internal/syncer"
	"mangastream/catalogservice/internal/telemetry"
)

// Aggregator providers and the priority lists per content subtype. Providers
// not in a subtype's list are skipped for that subtype.
var (
	aggregatorProviders = []struct {
		name  string
		label string
	}{
		{"flamescans", "FlameScans"},
		{"toonily", "Toonily"},
		{"mangapill", "MangaPill"},
		{"mgeko", "MGeko"},
		{"mangahere", "MangaHere"},
	}
	subtypePriorities = map[string][]string{
		"manhwa": {"flamescans", "toonily"},
		"manga":  {"mangapill", "mgeko"},
		"manhua": {"mangahere"},
	}
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Settings{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: "catalog-service",
		Environment: cfg.Environment,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "catalog-service"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("canonicalEndpoint", cfg.CanonicalEndpoint),
		slog.String("mirrorHubEndpoint", cfg.MirrorHubEndpoint),
		slog.Bool("hasPostgres", strings.TrimSpace(cfg.PostgresURL) != ""),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("hasSyncSecret", cfg.SyncSecret != ""),
		slog.Duration("pageTimeout", cfg.PageTimeout),
		slog.Int("pageBatchSize", cfg.PageBatchSize),
		slog.Int("syncBatchSize", cfg.SyncBatchSize),
	)

	canonicalClient := mangadex.NewClient(mangadex.Config{
		Endpoint:  cfg.CanonicalEndpoint,
		UserAgent: cfg.UserAgent,
		Client:    &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	})
	hubClient := mirrorhub.NewClient(mirrorhub.Config{
		Endpoint:  cfg.MirrorHubEndpoint,
		UserAgent: cfg.UserAgent,
		Client:    &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	})

	sources := make([]aggregate.PageFetcher, 0, len(aggregatorProviders))
	providerNames := make([]string, 0, len(aggregatorProviders))
	for _, provider := range aggregatorProviders {
		sources = append(sources, mirrorhub.NewSource(hubClient, provider.name, provider.label))
		providerNames = append(providerNames, provider.name)
	}
	engineOpts := []aggregate.EngineOption{
		aggregate.WithBatchSize(cfg.PageBatchSize),
		aggregate.WithMaxPages(cfg.MaxPagesPerSource),
		aggregate.WithPageTimeout(cfg.PageTimeout),
		aggregate.WithLogger(logger),
	}
	for subtype, priority := range subtypePriorities {
		engineOpts = append(engineOpts, aggregate.WithPriority(subtype, priority))
	}
	engine := aggregate.NewEngine(sources, engineOpts...)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	titleStore := buildStore(rootCtx, cfg, logger)
	var (
		index        search.Indexer
		availability search.Availability = unavailableIndex{}
	)
	if titleStore != nil {
		defer titleStore.Close()
		index = titleStore
		availability = search.NewAvailability(titleStore, 30*time.Second)
	}

	routerOpts := []search.RouterOption{
		search.WithRouterLogger(logger),
		search.WithCacheDisabled(cfg.CacheDisabled),
	}
	if backend := buildRedisCache(cfg, logger); backend != nil {
		routerOpts = append(routerOpts, search.WithLiveCache(backend, cfg.LiveCacheTTL))
	}
	router := search.NewRouter(index, canonicalClient, engine, availability, routerOpts...)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithProviderDiagnostics(engine),
	}
	if titleStore != nil {
		syncEngine := syncer.NewEngine(titleStore, canonicalClient, hubClient,
			syncer.WithBatchSize(cfg.SyncBatchSize),
			syncer.WithBatchInterval(cfg.SyncRateLimit),
			syncer.WithProviders(providerNames),
			syncer.WithLogger(logger),
			syncer.WithProgress(func(kind domain.SourceKind, processed, total int) {
				logger.Info("sync progress", slog.String("kind", string(kind)),
					slog.Int("processed", processed), slog.Int("total", total))
			}),
		)
		serverOpts = append(serverOpts, apihttp.WithSyncService(syncEngine, cfg.SyncSecret))
	}

	handler := apihttp.NewServer(router, serverOpts...).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("catalog service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Int("providers", len(sources)),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("catalog service stopped")
}

// unavailableIndex stands in when no database is configured: every request
// routes straight to the live tiers.
type unavailableIndex struct{}

func (unavailableIndex) IndexPopulated(context.Context, domain.SourceKind) bool { return false }

func buildStore(ctx context.Context, cfg app.Config, logger *slog.Logger) *store.Store {
	databaseURL := strings.TrimSpace(cfg.PostgresURL)
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not configured, index and sync disabled, all requests served live")
		return nil
	}
	titleStore, err := store.New(ctx, databaseURL, logger)
	if err != nil {
		logger.Error("postgres connection failed, index and sync disabled", slog.String("error", err.Error()))
		return nil
	}
	if err := titleStore.ResetStaleSync(ctx); err != nil {
		logger.Warn("stale sync recovery failed", slog.String("error", err.Error()))
	}
	logger.Info("postgres connected", slog.Bool("trigram", titleStore.TrigramEnabled()))
	return titleStore
}

func buildRedisCache(cfg app.Config, logger *slog.Logger) *search.RedisCacheBackend {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" || cfg.CacheDisabled {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, live cache disabled", slog.String("error", err.Error()))
		return nil
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis not reachable, live cache disabled", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return search.NewRedisCacheBackend(redisClient)
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
