package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/collectors"

	jsonfile "greenmove/adapters/jsonfile"
	mem "greenmove/adapters/memory"
	redisAdapter "greenmove/adapters/redis"
	sqlxAdapter "greenmove/adapters/sqlx"
	"greenmove/analytics"
	"greenmove/api/httpapi"
	"greenmove/config"
	"greenmove/core"
	"greenmove/ecotrack"
	"greenmove/engine"
	"greenmove/integrations/webhook"
	"greenmove/leaderboard"
	"greenmove/realtime"
	"greenmove/scheduler"
)

// App aggregates the assembled server components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Hub           *realtime.Hub
	Service       *engine.LedgerService
	Leaderboard   *leaderboard.Tracker
	Metrics       *analytics.PrometheusHook
	Reconciler    *scheduler.ReconcileJob
	Handler       http.Handler
	Server        *http.Server
	MetricsServer MetricsServer
}

// MetricsServer serves the Prometheus registry on its own listener. Server is
// nil when metrics are disabled.
type MetricsServer struct{ *http.Server }

func provideConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Environment == config.EnvProduction {
		if err := cfg.LoadSecretsFromEnv(ctx); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadConfig prefers an explicit file, then a named profile, then env only.
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("GREENMOVE_CONFIG_FILE"); path != "" {
		return config.LoadFromFile(path)
	}
	if profile := os.Getenv("GREENMOVE_PROFILE"); profile != "" {
		return config.LoadProfile(profile)
	}
	return config.Load()
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	return setupStorage(ctx, cfg, logger)
}

func provideRates(cfg *config.Config) (core.RateTable, error) {
	if cfg.Ledger.RatesFile == "" {
		return core.DefaultRateTable(), nil
	}
	data, err := os.ReadFile(cfg.Ledger.RatesFile)
	if err != nil {
		return core.RateTable{}, fmt.Errorf("read rates file: %w", err)
	}
	// yaml.v3 also accepts JSON documents.
	return core.ParseRateTableYAML(data)
}

func provideLeaderboard(logger *slog.Logger) *leaderboard.Tracker {
	return leaderboard.NewTracker(leaderboard.NewSkipList(), logger)
}

func provideMetrics(cfg *config.Config) *analytics.PrometheusHook {
	hook := analytics.NewPrometheusHook("greenmove")
	if cfg.Metrics.CollectSystem {
		hook.Registry().MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return hook
}

func provideWebhook(cfg *config.Config, logger *slog.Logger) *webhook.Sink {
	wh := cfg.Ledger.Webhooks
	return webhook.New(wh.Endpoints,
		webhook.WithTimeout(wh.Timeout),
		webhook.WithSecret(wh.Secret),
		webhook.WithLogger(logger),
	)
}

func provideService(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	hub *realtime.Hub,
	storage engine.Storage,
	rates core.RateTable,
	board *leaderboard.Tracker,
	metrics *analytics.PrometheusHook,
	sink *webhook.Sink,
) (*engine.LedgerService, func(), error) {
	opts := []ecotrack.Option{
		ecotrack.WithRealtime(hub),
		ecotrack.WithStorage(storage),
		ecotrack.WithDispatchMode(engine.DispatchAsync),
		ecotrack.WithRateTable(rates),
		ecotrack.WithAutoProvision(cfg.Ledger.AutoProvision),
		ecotrack.WithLogger(logger),
		ecotrack.WithLeaderboard(board),
		ecotrack.WithHooks(metrics),
	}
	if len(cfg.Ledger.Webhooks.Endpoints) > 0 {
		opts = append(opts, ecotrack.WithSubscriber(sink.OnEvent, sink.EventTypes()...))
	}
	svc := ecotrack.New(opts...)
	for component, count := range map[string]func() int64{
		"bus":           svc.DroppedEvents,
		"bus_panic":     svc.HandlerPanics,
		"realtime_hub":  hub.Dropped,
		"webhook_error": sink.Failed,
	} {
		if err := metrics.TrackDrops(component, count); err != nil {
			svc.Close()
			return nil, nil, fmt.Errorf("register %s metric: %w", component, err)
		}
	}
	if err := board.Seed(ctx, svc); err != nil {
		svc.Close()
		return nil, nil, fmt.Errorf("seed leaderboard: %w", err)
	}
	return svc, svc.Close, nil
}

func provideReconciler(cfg *config.Config, svc *engine.LedgerService, logger *slog.Logger) *scheduler.ReconcileJob {
	return scheduler.NewReconcileJob(svc, cfg.Ledger.ReconcileSchedule, logger)
}

func provideHandler(svc *engine.LedgerService, hub *realtime.Hub, board *leaderboard.Tracker, cfg *config.Config, logger *slog.Logger) http.Handler {
	return httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		DefaultUserID:    core.UserID(cfg.Ledger.DefaultUserID),
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		Leaderboard:      board.Board(),
		LeaderboardSize:  cfg.Ledger.LeaderboardSize,
		MapResolution:    cfg.Ledger.MapResolution,
		Logger:           logger,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func provideMetricsServer(cfg *config.Config, metrics *analytics.PrometheusHook) MetricsServer {
	if !cfg.Metrics.Enabled {
		return MetricsServer{}
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, metrics.Handler())
	return MetricsServer{&http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	var out io.Writer = os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the appropriate storage adapter based on configuration.
func setupStorage(_ context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	noop := func() {}
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), noop, nil
	case "file":
		s, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "redis":
		s, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(logger, "redis", s.Close), nil
	case "sql":
		s, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(logger, "sql", s.Close), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func closer(logger *slog.Logger, name string, fn func() error) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Error("failed to close storage", "adapter", name, "error", err)
		}
	}
}
