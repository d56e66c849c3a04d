package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/lock"
	"github.com/rendis/drip/pkg/schema"
)

const (
	DefaultSchedule = "@every 1m"
	DefaultLockTTL  = 10 * time.Minute
)

// ErrPassInProgress is returned by RunOnce when another pass for the same
// scope holds the in-flight slot or the pass lock.
var ErrPassInProgress = schema.NewError(schema.ErrCodeConflict, "dispatcher pass already in progress")

// PassRunner runs one dispatcher pass. Satisfied by *engine.Dispatcher.
type PassRunner interface {
	Pass(ctx context.Context, tenantID string) (*engine.PassResult, error)
}

// Config tunes a Scheduler. Tenants empty means one pass across all tenants.
type Config struct {
	Schedule string
	Tenants  []string
	LockTTL  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scheduler triggers dispatcher passes on a cron schedule.
type Scheduler struct {
	runner   PassRunner
	locker   lock.Locker
	schedule cron.Schedule
	tenants  []string
	lockTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // pass scopes currently executing
}

// ParseSchedule accepts five-field cron expressions and descriptors such as
// "@every 1m" or "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// NewScheduler creates a Scheduler. A nil locker uses an in-process lock.
func NewScheduler(runner PassRunner, locker lock.Locker, cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if locker == nil {
		locker = lock.NewLocalLock(cfg.Now)
	}
	tenants := cfg.Tenants
	if len(tenants) == 0 {
		tenants = []string{""}
	}
	return &Scheduler{
		runner:   runner,
		locker:   locker,
		schedule: schedule,
		tenants:  tenants,
		lockTTL:  cfg.LockTTL,
		logger:   cfg.Logger,
		now:      cfg.Now,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the background loop. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)
	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// tick runs one pass per configured scope.
func (s *Scheduler) tick(ctx context.Context) {
	for _, tenantID := range s.tenants {
		if ctx.Err() != nil {
			return
		}
		_, err := s.RunOnce(ctx, tenantID)
		switch {
		case err == nil:
		case errors.Is(err, ErrPassInProgress):
			s.logger.Debug("dispatcher pass skipped", slog.String("lock", lock.PassKey(tenantID)))
		case errors.Is(err, context.Canceled):
		default:
			s.logger.Error("dispatcher pass failed",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RunOnce runs a single pass for tenantID ("" for all tenants) under the pass
// lock.
func (s *Scheduler) RunOnce(ctx context.Context, tenantID string) (*engine.PassResult, error) {
	key := lock.PassKey(tenantID)
	if !s.tryAcquire(key) {
		return nil, ErrPassInProgress
	}
	defer s.releasePass(key)

	lease, err := s.locker.TryAcquire(ctx, key, s.lockTTL)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "acquire pass lock").WithCause(err)
	}
	if lease == nil {
		return nil, ErrPassInProgress
	}
	defer func() {
		// The pass ctx may be gone by now; releasing must still happen.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			s.logger.Warn("release pass lock", slog.String("lock", key), slog.String("error", err.Error()))
		}
	}()

	return s.runner.Pass(ctx, tenantID)
}

// tryAcquire returns true and marks the scope as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) releasePass(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// NextRun returns when the schedule fires after from.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
