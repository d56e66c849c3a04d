package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// DispatchStore is the persistence the Dispatcher needs.
type DispatchStore interface {
	GetSequence(ctx context.Context, tenantID, id string) (*schema.Sequence, error)
	ListDueSubscribers(ctx context.Context, filter store.DueFilter) ([]*schema.SubscriberState, error)
	ClaimSubscriber(ctx context.Context, c store.Claim) (bool, error)
	ReleaseClaim(ctx context.Context, tenantID, id string, version int64) error
	CommitSubscriber(ctx context.Context, c store.Commit) error
}

// EventSink receives audit events. Emit must not block.
type EventSink interface {
	Emit(ctx context.Context, event *store.Event)
}

const (
	// DefaultBatchSize is the maximum number of rows one pass selects.
	DefaultBatchSize = 100
	// DefaultPoolSize is the default per-pass execution parallelism.
	DefaultPoolSize = 10
	// DefaultClaimLease is how long a claim protects a row from other workers.
	DefaultClaimLease = 5 * time.Minute
	// LeaseMargin is the minimum slack a lease keeps over the executor's
	// step budget for store round trips.
	LeaseMargin = time.Minute
)

// DispatcherConfig holds Dispatcher settings.
type DispatcherConfig struct {
	BatchSize  int
	PoolSize   int
	ClaimLease time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// PassResult summarizes one dispatcher pass.
type PassResult struct {
	Selected  int `json:"selected"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
}

// Dispatcher selects due subscribers and executes one step for each.
// It keeps no state between passes.
type Dispatcher struct {
	store    DispatchStore
	executor *Executor
	sink     EventSink
	config   DispatcherConfig
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. sink may be nil.
func NewDispatcher(s DispatchStore, executor *Executor, sink EventSink, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if executor != nil {
		if floor := executor.StepBudget() + LeaseMargin; cfg.ClaimLease < floor {
			cfg.Logger.Warn("claim lease shorter than step budget, raising it",
				slog.Duration("claim_lease", cfg.ClaimLease),
				slog.Duration("raised_to", floor))
			cfg.ClaimLease = floor
		}
	}
	return &Dispatcher{
		store:    s,
		executor: executor,
		sink:     sink,
		config:   cfg,
		logger:   cfg.Logger,
	}
}

// RunPass executes one step for up to BatchSize due subscribers, optionally
// limited to one tenant, and returns how many were processed. Individual
// subscriber failures are recorded on the subscriber; only store failures
// and cancellation are returned.
func (d *Dispatcher) RunPass(ctx context.Context, tenantID string) (int, error) {
	res, err := d.Pass(ctx, tenantID)
	if res == nil {
		return 0, err
	}
	return res.Processed, err
}

// Pass is RunPass with the full breakdown.
func (d *Dispatcher) Pass(ctx context.Context, tenantID string) (*PassResult, error) {
	now := d.config.Now()
	due, err := d.store.ListDueSubscribers(ctx, store.DueFilter{
		TenantID: tenantID,
		Now:      now,
		Limit:    d.config.BatchSize,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list due subscribers").WithCause(err)
	}

	var processed, skipped, conflicts int64
	pool := NewWorkerPool(d.config.PoolSize)
	for _, sub := range due {
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			r, err := d.process(ctx, sub)
			switch r {
			case rowProcessed:
				atomic.AddInt64(&processed, 1)
			case rowConflict:
				atomic.AddInt64(&processed, 1)
				atomic.AddInt64(&conflicts, 1)
			case rowSkipped:
				atomic.AddInt64(&skipped, 1)
			}
			return err
		}); err != nil {
			// Cancelled while waiting for a slot; rows not submitted stay due.
			break
		}
	}
	waitErr := pool.Wait()

	res := &PassResult{
		Selected:  len(due),
		Processed: int(processed),
		Skipped:   int(skipped),
		Conflicts: int(conflicts),
	}
	d.logger.InfoContext(ctx, "dispatcher pass finished",
		slog.String("tenant_id", tenantID),
		slog.Int("selected", res.Selected),
		slog.Int("processed", res.Processed),
		slog.Int("skipped", res.Skipped),
		slog.Int("conflicts", res.Conflicts),
	)

	if waitErr != nil {
		return res, waitErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

type rowResult int

const (
	rowSkipped rowResult = iota
	rowProcessed
	// rowConflict means the step ran but the row changed underneath it
	// (for example an unsubscribe), so nothing was persisted.
	rowConflict
)

// process claims and runs one row. Its lease runs from the claim, not from
// the start of the pass.
func (d *Dispatcher) process(ctx context.Context, sub *schema.SubscriberState) (rowResult, error) {
	ctx = logging.WithIDs(ctx, sub.TenantID, sub.SequenceID, sub.ID)
	logger := logging.LogWith(ctx, d.logger)
	now := d.config.Now()

	ok, err := d.store.ClaimSubscriber(ctx, store.Claim{
		TenantID:        sub.TenantID,
		ID:              sub.ID,
		ExpectedVersion: sub.Version,
		Now:             now,
		LeaseUntil:      now.Add(d.config.ClaimLease),
	})
	if err != nil {
		return rowSkipped, schema.NewError(schema.ErrCodeStore, "claim subscriber").WithCause(err)
	}
	if !ok {
		logger.DebugContext(ctx, "claim lost")
		return rowSkipped, nil
	}
	claimed := sub.Clone()
	claimed.Version = sub.Version + 1

	seq, err := d.store.GetSequence(ctx, sub.TenantID, sub.SequenceID)
	if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		return rowSkipped, schema.NewError(schema.ErrCodeStore, "load sequence").WithCause(err)
	}
	if seq == nil || seq.Status != schema.SequenceStatusActive {
		logger.DebugContext(ctx, "sequence not active, releasing claim")
		return rowSkipped, d.release(ctx, claimed)
	}

	graph, err := ParseStepGraph(seq.Steps)
	if err != nil {
		logger.ErrorContext(ctx, "active sequence has an invalid step graph", slog.String("error", err.Error()))
		return rowSkipped, d.release(ctx, claimed)
	}

	out, err := d.executor.Execute(ctx, seq, graph, claimed, now)
	if err != nil {
		_ = d.release(context.WithoutCancel(ctx), claimed)
		return rowSkipped, err
	}
	if out.Err != nil && out.Kind != OutcomeDeferred {
		logger.WarnContext(ctx, "step execution failed",
			slog.String("step_id", out.StepID),
			slog.String("outcome", string(out.Kind)),
			slog.String("error", out.Err.Error()),
		)
	}

	err = d.store.CommitSubscriber(ctx, store.Commit{
		State:           out.State,
		ExpectedVersion: claimed.Version,
		Delta:           out.Delta,
	})
	if schema.IsCode(err, schema.ErrCodeConflict) {
		logger.DebugContext(ctx, "subscriber changed during execution, result dropped", slog.String("error", err.Error()))
		return rowConflict, nil
	}
	if err != nil {
		return rowProcessed, schema.NewError(schema.ErrCodeStore, "commit subscriber").WithCause(err)
	}

	if d.sink != nil {
		for _, ev := range out.Events {
			d.sink.Emit(ctx, ev)
		}
	}
	return rowProcessed, nil
}

func (d *Dispatcher) release(ctx context.Context, claimed *schema.SubscriberState) error {
	if err := d.store.ReleaseClaim(ctx, claimed.TenantID, claimed.ID, claimed.Version); err != nil {
		return schema.NewError(schema.ErrCodeStore, "release claim").WithCause(err)
	}
	return nil
}
