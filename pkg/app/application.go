package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/osvaldoandrade/inspector/internal/backends"
	"github.com/osvaldoandrade/inspector/internal/metrics"
	"github.com/osvaldoandrade/inspector/internal/middleware"
	"github.com/osvaldoandrade/inspector/internal/providers"
	"github.com/osvaldoandrade/inspector/internal/ratelimit"
	"github.com/osvaldoandrade/inspector/internal/services"
	"github.com/osvaldoandrade/inspector/internal/tracing"
	"github.com/osvaldoandrade/inspector/pkg/auth"
	"github.com/osvaldoandrade/inspector/pkg/config"
	"github.com/osvaldoandrade/inspector/pkg/persistence"
	_ "github.com/osvaldoandrade/inspector/pkg/persistence/memory"   // registers "memory"
	_ "github.com/osvaldoandrade/inspector/pkg/persistence/postgres" // registers "postgres"
	_ "github.com/osvaldoandrade/inspector/pkg/persistence/redis"    // registers "redis"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Logger          *slog.Logger
	TZ              *time.Location
	Persistence     persistence.PluginPersistence
	Backends        *backends.Set
	Scheduler       services.JobScheduler
	Analysis        services.AnalysisService
	Credentials     services.CredentialsService
	Callbacks       services.ResultCallbackService
	Recovery        services.WatchRecoveryService
	Validator       auth.Validator
	RateLimiter     ratelimit.Limiter
	TracingShutdown func(context.Context) error

	registry     services.AnalysisRegistry
	cancelJobs   context.CancelFunc
	stopRecovery context.CancelFunc
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithValidator sets a custom bearer token validator
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

// WithPersistence injects an already opened persistence plugin instead of the configured one.
func WithPersistence(p persistence.PluginPersistence) ApplicationOption {
	return func(app *Application) error {
		app.Persistence = p
		return nil
	}
}

// WithBackends replaces the analysers and validators built from config.
func WithBackends(set *backends.Set) ApplicationOption {
	return func(app *Application) error {
		app.Backends = set
		return nil
	}
}

// WithLogger replaces the process logger built from config.
func WithLogger(logger *slog.Logger) ApplicationOption {
	return func(app *Application) error {
		app.Logger = logger
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}

	app := &Application{Config: cfg, TZ: loc}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if app.Logger == nil {
		app.Logger = newLogger(cfg)
		slog.SetDefault(app.Logger)
	}
	logger := app.Logger

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.OtelEndpoint != "",
		ServiceName:  "inspector",
		OTLPEndpoint: cfg.OtelEndpoint,
		OTLPInsecure: cfg.OtelInsecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	app.TracingShutdown = shutdown

	if app.Persistence == nil {
		p, err := openPersistence(cfg, loc)
		if err != nil {
			return nil, err
		}
		app.Persistence = p
	}
	if rc, ok := app.Persistence.(interface{ Client() *redis.Client }); ok {
		app.RateLimiter = ratelimit.NewTokenBucketLimiter(rc.Client())
	}
	metrics.RegisterStoreCollector(app.Persistence.TaskStorage(), logger)

	if app.Backends == nil {
		set, err := backends.FromConfig(cfg, providers.NewLocalArtifactStore(cfg.ArtifactsDir), logger)
		if err != nil {
			return nil, fmt.Errorf("backends: %w", err)
		}
		app.Backends = set
	}

	app.Scheduler = services.NewJobScheduler(services.JobSchedulerOptions{
		Resolution: time.Duration(cfg.SchedulerResolutionMs) * time.Millisecond,
		Workers:    cfg.SchedulerWorkers,
		Logger:     logger,
	})
	app.Callbacks = services.NewResultCallbackService(services.ResultCallbackOptions{
		Secret:      cfg.WebhookHmacSecret,
		MaxAttempts: cfg.ResultWebhookMaxAttempts,
		BaseBackoff: time.Duration(cfg.ResultWebhookBaseBackoffSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.ResultWebhookMaxBackoffSeconds) * time.Second,
		Jitter:      cfg.ResultWebhookBackoffJitter,
		Limiter:     app.RateLimiter,
		Bucket:      ratelimit.Bucket(cfg.RateLimit.Webhook),
		Logger:      logger,
	})
	app.Analysis, err = app.registry.Init(services.AnalysisOptions{
		Store:               app.Persistence.TaskStorage(),
		Backends:            app.Backends,
		Scheduler:           app.Scheduler,
		Callbacks:           app.Callbacks,
		PollInterval:        time.Duration(cfg.TaskRefreshSeconds) * time.Second,
		FileAnalysers:       cfg.FileAnalysers,
		DispatchConcurrency: cfg.DispatchConcurrency,
		RecoveryBatchSize:   cfg.RecoveryBatchSize,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	app.Credentials = services.NewCredentialsService(app.Persistence.CredentialStorage(), app.Backends, logger)
	app.Recovery = services.NewWatchRecoveryService(app.Analysis, logger, cfg.RecoveryIntervalSeconds)

	if app.Validator == nil {
		validator, err := middleware.NewAuthValidator(cfg)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		app.Validator = validator
	}

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.LoggerMiddleware(logger),
		middleware.TracingMiddleware("inspector"),
		middleware.CacheBusterMiddleware(cfg.CacheBuster),
	)
	app.Engine = engine

	return app, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "inspector", "env", cfg.Env)
}

func openPersistence(cfg *config.Config, loc *time.Location) (persistence.PluginPersistence, error) {
	var settings any
	switch cfg.PersistenceType {
	case "redis":
		settings = map[string]any{"addr": cfg.RedisAddr, "password": cfg.RedisPassword}
	case "postgres":
		settings = map[string]any{"dsn": cfg.PostgresDSN}
	default:
		settings = map[string]any{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	p, err := persistence.NewPersistence(
		persistence.ProviderConfig{Type: cfg.PersistenceType, Config: raw},
		persistence.PluginConfig{Timezone: loc},
	)
	if err != nil {
		return nil, fmt.Errorf("persistence %s: %w", cfg.PersistenceType, err)
	}
	return p, nil
}

// Start loads stored credentials and validator data, then starts polling and watch recovery.
// Watch recovery ends with ctx. Poll jobs get ctx's values without its cancellation and run
// until Shutdown, so a signal that cancels ctx does not cut off an in-flight save.
func (a *Application) Start(ctx context.Context) {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	recoveryCtx, stopRecovery := context.WithCancel(ctx)
	a.cancelJobs, a.stopRecovery = cancelJobs, stopRecovery
	a.Credentials.LoadStored(ctx)
	a.Backends.Load(ctx, a.Logger)
	a.Scheduler.Start(jobCtx)
	go a.Recovery.Start(recoveryCtx)
	a.Logger.Info("inspector started",
		"analysers", a.Analysis.UsableAnalyserNames(),
		"pollInterval", time.Duration(a.Config.TaskRefreshSeconds)*time.Second)
}

// Shutdown stops watch recovery, then drains the scheduler before cancelling job contexts
// and closing persistence.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if a.stopRecovery != nil {
		a.stopRecovery()
	}
	if err := a.Scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.cancelJobs != nil {
		a.cancelJobs()
	}
	if err := a.Persistence.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close persistence: %w", err))
	}
	if a.TracingShutdown != nil {
		if err := a.TracingShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
