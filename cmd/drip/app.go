package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/drip/internal/actions"
	"github.com/rendis/drip/internal/audit"
	"github.com/rendis/drip/internal/delivery"
	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/internal/lock"
	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/internal/scheduler"
	"github.com/rendis/drip/internal/sequence"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/validation"
)

// app is the fully wired process.
type app struct {
	cfg        Config
	logger     *slog.Logger
	store      *store.LibSQLStore
	redis      *redis.Client
	hub        *audit.MemoryHub
	sink       *audit.AsyncSink
	manager    *sequence.Manager
	dispatcher *engine.Dispatcher
	scheduler  *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	conditions := engine.NewConditionEvaluator(expressions.NewGoJQEngine(), logger)
	goals := engine.NewGoalEvaluator(engines, conditions)

	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	registry := actions.NewRegistry(schemas)
	if err := actions.RegisterBuiltins(registry, st, actions.WebhookConfig{Timeout: cfg.WebhookTimeout}); err != nil {
		a.close(ctx)
		return nil, err
	}
	validator, err := validation.NewSequenceValidator(registry)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	var throttle *delivery.Throttle
	if a.redis != nil && cfg.SendRatePerMinute > 0 {
		throttle = delivery.NewThrottle(a.redis, cfg.SendRatePerMinute)
	}
	mailer := delivery.NewMailer(delivery.MailerConfig{
		Templates: st,
		Transport: transport,
		Throttle:  throttle,
		FromEmail: cfg.SES.FromEmail,
		FromName:  cfg.SES.FromName,
		Logger:    logger,
	})

	a.hub = audit.NewMemoryHub()
	a.sink = audit.NewAsyncSink(audit.SinkConfig{Writer: st, Hub: a.hub, Logger: logger})

	executor := engine.NewExecutor(engine.ExecutorConfig{
		Mailer:        mailer,
		Actions:       registry,
		Conditions:    conditions,
		Goals:         goals,
		Breakers:      engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig()),
		SendTimeout:   cfg.SendTimeout,
		ActionTimeout: cfg.ActionTimeout,
		Logger:        logger,
	})
	a.dispatcher = engine.NewDispatcher(st, executor, a.sink, engine.DispatcherConfig{
		BatchSize:  cfg.BatchSize,
		PoolSize:   cfg.PoolSize,
		ClaimLease: cfg.ClaimLease,
		Logger:     logger,
	})
	a.manager = sequence.NewManager(sequence.Config{
		Store:     st,
		Validator: validator,
		Goals:     goals,
		Events:    a.sink,
		Logger:    logger,
	})

	var locker lock.Locker
	if a.redis != nil {
		locker = lock.NewRedisLock(a.redis)
	}
	a.scheduler, err = scheduler.NewScheduler(a.dispatcher, locker, scheduler.Config{
		Schedule: cfg.DispatchSchedule,
		Tenants:  cfg.Tenants,
		Logger:   logger,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// newTransport picks SES when credentials are configured and the log
// transport otherwise.
func newTransport(ctx context.Context, cfg Config, logger *slog.Logger) (delivery.Transport, error) {
	if cfg.SES.AccessKey == "" {
		logger.Info("no SES credentials configured, emails will be logged")
		return delivery.NewLogTransport(logger), nil
	}
	return delivery.NewSESTransport(ctx, cfg.SES, logger)
}

// close flushes the audit sink and releases connections.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop())
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", slog.String("error", err.Error()))
	}
}
