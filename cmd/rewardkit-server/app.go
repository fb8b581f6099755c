package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"rewardkit/adapters/jsonfile"
	mem "rewardkit/adapters/memory"
	redisAdapter "rewardkit/adapters/redis"
	sqlxAdapter "rewardkit/adapters/sqlx"
	"rewardkit/analytics"
	"rewardkit/api/httpapi"
	"rewardkit/config"
	"rewardkit/core"
	"rewardkit/engine"
	"rewardkit/integrations/webhook"
	"rewardkit/leaderboard"
	"rewardkit/metrics"
	"rewardkit/minigame"
	"rewardkit/realtime"
	"rewardkit/seed"
)

// App aggregates the assembled server components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Hub           *realtime.Hub
	Storage       engine.Storage
	Metrics       *metrics.Recorder
	Stats         *analytics.PlayStats
	Winners       *leaderboard.Winners
	Service       *engine.PlayService
	Handler       http.Handler
	Server        *http.Server
	MetricsServer *MetricsServer
}

// MetricsServer serves /metrics on its own address. Server is nil when metrics are disabled.
type MetricsServer struct {
	Server *http.Server
}

// provideConfig loads REWARDKIT_CONFIG_FILE when set, a named profile when
// REWARDKIT_PROFILE is set, and plain defaults otherwise. Environment
// variables override all three.
func provideConfig(ctx context.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case os.Getenv("REWARDKIT_CONFIG_FILE") != "":
		cfg, err = config.LoadFromFile(os.Getenv("REWARDKIT_CONFIG_FILE"))
	case os.Getenv("REWARDKIT_PROFILE") != "":
		cfg, err = config.LoadProfile(os.Getenv("REWARDKIT_PROFILE"))
	default:
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadSecretsFromEnv(ctx); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideStats() *analytics.PlayStats {
	return analytics.NewPlayStats()
}

func provideWinners() *leaderboard.Winners {
	return leaderboard.NewWinners()
}

func provideMetrics(cfg *config.Config) *metrics.Recorder {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.NewRecorder(metrics.WithSystemCollectors(cfg.Metrics.CollectSystem))
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	return setupStorage(ctx, cfg, logger)
}

func provideService(ctx context.Context, cfg *config.Config, logger *slog.Logger, storage engine.Storage, hub *realtime.Hub, rec *metrics.Recorder, stats *analytics.PlayStats, winners *leaderboard.Winners) (*engine.PlayService, func(), error) {
	loc, err := cfg.Game.Location()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Game.SeedFile != "" {
		n, err := seed.LoadFile(ctx, storage, cfg.Game.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("seeded games", "file", cfg.Game.SeedFile, "count", n)
	}

	svc, err := minigame.New(ctx,
		minigame.WithStorage(storage),
		minigame.WithRealtime(hub),
		minigame.WithDispatchMode(engine.DispatchAsync),
		minigame.WithBusOptions(
			engine.WithWorkers(cfg.Game.DispatchWorkers),
			engine.WithQueueSize(cfg.Game.DispatchQueueSize),
		),
		minigame.WithNotifier(setupNotifier(cfg, logger), cfg.Notify.Channels...),
		minigame.WithDispatcherOptions(
			engine.WithNotifyTimeout(cfg.Notify.Timeout),
			engine.WithDispatchLogger(logger),
			engine.WithErrorHook(rec.NotificationFailed),
		),
		minigame.WithServiceOptions(
			engine.WithLocation(loc),
			engine.WithMaxAwardAttempts(cfg.Game.MaxAwardAttempts),
			engine.WithLogger(logger),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	dau := analytics.NewDAU()
	fan := analytics.NewFanout(stats).
		Add(dau, core.EventRewardGranted, core.EventPlayDenied, core.EventPlayFailed).
		Add(analytics.HookFunc(func(ev core.Event) { winners.OnEvent(ctx, ev) }), core.EventRewardGranted)

	bus := svc.Bus()
	bus.SubscribeAll(analytics.Handler(fan), engine.AllEventTypes...)
	bus.SubscribeAll(rec.OnEvent, engine.AllEventTypes...)
	rec.RegisterGaugeFunc("daily_active_players", "Players who attempted a play today (UTC).",
		func() float64 { return float64(dau.CountOn(time.Now())) })
	rec.RegisterGaugeFunc("events_dropped", "Events discarded because the dispatch queue was full.",
		func() float64 { return float64(bus.Dropped()) })
	rec.RegisterGaugeFunc("stream_subscribers", "Connected event stream clients.",
		func() float64 { return float64(hub.Len()) })
	rec.RegisterGaugeFunc("stream_events_dropped", "Events not delivered to slow stream clients.",
		func() float64 { return float64(hub.Dropped()) })

	return svc, svc.Close, nil
}

func provideHandler(svc *engine.PlayService, hub *realtime.Hub, cfg *config.Config, rec *metrics.Recorder, stats *analytics.PlayStats, winners *leaderboard.Winners, logger *slog.Logger) http.Handler {
	return httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		Stats:            stats,
		Winners:          winners,
		Metrics:          rec,
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

func provideMetricsServer(cfg *config.Config, rec *metrics.Recorder) *MetricsServer {
	if rec == nil {
		return &MetricsServer{}
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, rec.Handler())
	return &MetricsServer{Server: &http.Server{
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
	result := make([]slog.Attr, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupNotifier posts to the configured webhooks, or logs notifications when there are none.
func setupNotifier(cfg *config.Config, logger *slog.Logger) engine.Notifier {
	if len(cfg.Notify.WebhookURLs) == 0 {
		return engine.LogNotifier{Logger: logger}
	}
	var opts []webhook.Option
	if cfg.Notify.WebhookToken != "" {
		opts = append(opts, webhook.WithHeader("Authorization", "Bearer "+cfg.Notify.WebhookToken))
	}
	opts = append(opts, webhook.WithClient(&http.Client{Timeout: cfg.Notify.Timeout}))
	return webhook.New(cfg.Notify.WebhookURLs, opts...)
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
			return nil, nil, fmt.Errorf("open file storage: %w", err)
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
			logger.Error("closing storage", "adapter", name, "error", err)
		}
	}
}
