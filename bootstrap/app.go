// Package bootstrap wires the application together: config, logging,
// storage, the rule engine, the scheduler and the HTTP API.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"conductor/api"
	"conductor/config"
	"conductor/core"
	"conductor/engine"
	"conductor/notify"
	"conductor/schedule"
	"conductor/storage"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	Logger    *zap.SugaredLogger
	DB        *storage.SQLite
	Rules     *storage.RuleStorage
	Engine    *engine.Engine
	Cache     *engine.RuleCache
	Scheduler *schedule.Scheduler
	Retention *storage.RetentionManager
	API       *api.API

	redisClient *redis.Client
	cancel      context.CancelFunc
}

// NewLogger builds the zap logger from logging config.
func NewLogger(cfg config.LoggingConfig) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// NewApp wires every component from the config. Nothing is started yet.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*App, error) {
	ctx, cancel := context.WithCancel(ctx)

	db, err := storage.NewSQLite(cfg.Database.Path, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	ruleStorage := storage.NewRuleStorage(db)
	executionStorage := storage.NewExecutionStorage(db)

	var redisClient *redis.Client
	var counterStore engine.CounterStore
	if cfg.RateLimit.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			_ = db.Close()
			cancel()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RateLimit.Redis.Addr, err)
		}
		counterStore = engine.NewRedisCounterStore(redisClient)
		logger.Infow("Using Redis rate limit counters", "addr", cfg.RateLimit.Redis.Addr)
	} else {
		counterStore = engine.NewMemoryCounterStore()
	}

	// Config.Validate guarantees both counts are positive, so the uint32
	// conversions cannot wrap.
	cbConfig := core.CircuitBreakerConfig{
		MaxFailures:         uint32(cfg.Engine.CircuitBreaker.MaxFailures),
		Timeout:             cfg.Engine.CircuitBreaker.Timeout,
		MaxHalfOpenRequests: uint32(cfg.Engine.CircuitBreaker.MaxHalfOpenRequests),
	}
	webhookSender, err := notify.NewHTTPWebhookSender(notify.WebhookSecurity{
		AllowLocalhost:  cfg.Security.Webhooks.AllowLocalhost,
		AllowPrivateIPs: cfg.Security.Webhooks.AllowPrivateIPs,
		Allowlist:       cfg.Security.Webhooks.Allowlist,
		DefaultTimeout:  cfg.Security.Webhooks.Timeout,
	}, cbConfig, logger)
	if err != nil {
		_ = db.Close()
		cancel()
		return nil, fmt.Errorf("failed to create webhook sender: %w", err)
	}

	logCaps := notify.NewLogCapabilities(logger)
	caps := engine.Capabilities{
		Tasks:         logCaps,
		Notifications: logCaps,
		Webhooks:      webhookSender,
		Entities:      logCaps,
		Inventory:     logCaps,
		Reports:       logCaps,
		Sync:          logCaps,
		Scripts:       logCaps,
	}
	if cfg.SMTP.Host != "" {
		emailSender, err := notify.NewSMTPEmailSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			UseTLS:   cfg.SMTP.UseTLS,
		}, logger)
		if err != nil {
			_ = db.Close()
			cancel()
			return nil, fmt.Errorf("failed to create email sender: %w", err)
		}
		caps.Email = emailSender
	}

	cache := engine.NewRuleCache(ruleStorage, cfg.Engine.RuleCacheSize, cfg.Engine.RuleCacheTTL)
	eng := engine.NewEngine(ctx, engine.Options{
		Rules:         ruleStorage,
		Cache:         cache,
		Evaluator:     engine.NewConditionEvaluator(logger),
		Limiter:       engine.NewRateLimiter(counterStore, logger),
		Dispatcher:    engine.NewDispatcher(caps, logger),
		Recorder:      engine.NewRecorder(executionStorage, ruleStorage, logger),
		WorkerCount:   cfg.Engine.WorkerCount,
		QueueSize:     cfg.Engine.QueueSize,
		ActionTimeout: cfg.Engine.ActionTimeout,
		Logger:        logger,
	})

	scheduler := schedule.NewScheduler(eng, ruleStorage, 30*time.Second, logger)
	retention := storage.NewRetentionManager(executionStorage, cfg.Database.ExecutionRetention, logger)

	apiServer, err := api.NewAPI(ruleStorage, executionStorage, eng, cache, cfg, logger)
	if err != nil {
		_ = db.Close()
		cancel()
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		Rules:       ruleStorage,
		Engine:      eng,
		Cache:       cache,
		Scheduler:   scheduler,
		Retention:   retention,
		API:         apiServer,
		redisClient: redisClient,
		cancel:      cancel,
	}, nil
}

// Run starts every component and blocks until the context is cancelled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Engine.Start()
	a.Retention.Start(ctx)
	if err := a.Scheduler.Start(ctx); err != nil {
		a.Shutdown()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	err := a.API.Start(ctx)
	a.Shutdown()
	return err
}

// Shutdown stops components in reverse dependency order.
func (a *App) Shutdown() {
	a.Logger.Infow("Shutting down")
	a.cancel()
	a.Scheduler.Stop()
	a.Retention.Stop()
	a.Engine.Stop()
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Errorw("Failed to close storage", "error", err)
	}
	_ = a.Logger.Sync()
}
