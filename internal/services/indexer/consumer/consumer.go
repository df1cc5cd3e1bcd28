// Package consumer keeps a projection store in step with a committed event
// source.
//
// A Consumer is the single writer of its store. It pages history while
// Syncing, applies the live stream one transition at a time while Live, and
// rolls the projection back to final history when the source retracts events.
// Transient source or storage failures are retried with exponential backoff;
// a transition the auction rules cannot fold stops the consumer.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/platform/otel"
	"github.com/louisbranch/messagevault/internal/platform/timeouts"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/source"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPageSize     = 200
	defaultRetryInitial = 250 * time.Millisecond
	defaultRetryMax     = 30 * time.Second
	tracerName          = "github.com/louisbranch/messagevault/internal/services/indexer/consumer"
)

var (
	// ErrSourceRequired indicates a nil event source.
	ErrSourceRequired = errors.New("event source is required")
	// ErrStoreRequired indicates a nil projection store.
	ErrStoreRequired = errors.New("projection store is required")

	errResync = errors.New("resync required")
)

// Metrics receives consumer progress. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveApplied(seq uint64)
	ObserveDuplicate()
	ObserveGap(missing uint64)
	ObserveReorg(rolledBack uint64)
	ObserveState(state State)
}

type noopMetrics struct{}

func (noopMetrics) ObserveApplied(uint64) {}
func (noopMetrics) ObserveDuplicate()     {}
func (noopMetrics) ObserveGap(uint64)     {}
func (noopMetrics) ObserveReorg(uint64)   {}
func (noopMetrics) ObserveState(State)    {}

// Config wires a Consumer.
type Config struct {
	Source source.Source
	Store  storage.ProjectionStore
	// PageSize bounds each Fetch while syncing. Defaults to 200.
	PageSize     int
	RetryInitial time.Duration
	RetryMax     time.Duration
	Metrics      Metrics
	Logf         func(string, ...any)
	// OnState is called after every state change.
	OnState func(State)
}

// Status is a point-in-time view of the consumer.
type Status struct {
	State     State
	Since     time.Time
	LastError string
	Applied   uint64
	Reorgs    uint64
}

// Consumer feeds a projection store from an event source.
type Consumer struct {
	source       source.Source
	store        storage.ProjectionStore
	pageSize     int
	retryInitial time.Duration
	retryMax     time.Duration
	metrics      Metrics
	logf         func(string, ...any)
	onState      func(State)
	tracer       trace.Tracer
	now          func() time.Time

	mu     sync.Mutex
	status Status
}

// New validates cfg and returns a Consumer in the Syncing state.
func New(cfg Config) (*Consumer, error) {
	if cfg.Source == nil {
		return nil, ErrSourceRequired
	}
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	c := &Consumer{
		source:       cfg.Source,
		store:        cfg.Store,
		pageSize:     cfg.PageSize,
		retryInitial: cfg.RetryInitial,
		retryMax:     cfg.RetryMax,
		metrics:      cfg.Metrics,
		logf:         cfg.Logf,
		onState:      cfg.OnState,
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.retryInitial <= 0 {
		c.retryInitial = defaultRetryInitial
	}
	if c.retryMax < c.retryInitial {
		c.retryMax = max(defaultRetryMax, c.retryInitial)
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	if c.logf == nil {
		c.logf = func(string, ...any) {}
	}
	c.status = Status{State: StateSyncing, Since: c.now()}
	return c, nil
}

// Status returns a copy of the current status.
func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the current state.
func (c *Consumer) State() State {
	return c.Status().State
}

func (c *Consumer) setState(state State) {
	c.mu.Lock()
	changed := c.status.State != state
	if changed {
		c.status.State = state
		c.status.Since = c.now()
	}
	c.mu.Unlock()
	if !changed {
		return
	}
	c.metrics.ObserveState(state)
	if c.onState != nil {
		c.onState(state)
	}
}

func (c *Consumer) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastError = err.Error()
}

func (c *Consumer) countApplied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Applied++
}

func (c *Consumer) countReorg() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Reorgs++
}

func (c *Consumer) newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInitial
	policy.MaxInterval = c.retryMax
	return policy
}

// Run consumes the source until ctx ends or a non-retryable failure occurs.
// It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	reconnect := c.newBackOff()
	for {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}
		applied, err := c.session(ctx)
		switch {
		case err == nil, errors.Is(err, errResync):
			reconnect.Reset()
			continue
		case ctx.Err() != nil:
			c.setState(StateStopped)
			return nil
		case IsNonRetryable(err):
			c.recordError(err)
			c.setState(StateFailed)
			c.logf("consumer failed: %v", err)
			return err
		}
		if applied > 0 {
			reconnect.Reset()
		}
		delay := reconnect.NextBackOff()
		c.recordError(err)
		c.setState(StatePaused)
		c.logf("event source unavailable, reconnecting in %s: %v", delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateStopped)
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection to the source: verify, sync, then follow the
// live stream. It returns errResync when the projection must resync.
func (c *Consumer) session(ctx context.Context) (int, error) {
	c.setState(StateSyncing)
	if err := c.verifyTip(ctx); err != nil {
		return 0, err
	}
	applied, err := c.sync(ctx, 0)
	if err != nil {
		return applied, err
	}
	checkpoint, err := c.checkpoint(ctx)
	if err != nil {
		return applied, err
	}
	stream, err := c.source.Subscribe(ctx, checkpoint.Seq)
	if err != nil {
		return applied, fmt.Errorf("subscribe after seq %d: %w", checkpoint.Seq, err)
	}
	defer stream.Close()

	c.setState(StateLive)
	c.logf("live after seq %d", checkpoint.Seq)
	for {
		delivery, err := stream.Next(ctx)
		if err != nil {
			return applied, fmt.Errorf("next delivery: %w", err)
		}
		if delivery.Retracted {
			c.logf("warning: source retracted transitions from seq %d", delivery.FromSeq)
			if err := c.reconcile(ctx, delivery.FromSeq); err != nil {
				return applied, err
			}
			return applied, errResync
		}
		for _, evt := range delivery.Events {
			n, err := c.apply(ctx, evt)
			applied += n
			if err != nil {
				return applied, err
			}
		}
	}
}

// sync pages transitions after the checkpoint until the source is exhausted,
// or until untilSeq when it is positive.
func (c *Consumer) sync(ctx context.Context, untilSeq uint64) (int, error) {
	applied := 0
	for {
		checkpoint, err := c.checkpoint(ctx)
		if err != nil {
			return applied, err
		}
		if untilSeq > 0 && checkpoint.Seq >= untilSeq {
			return applied, nil
		}
		limit := c.pageSize
		if untilSeq > 0 {
			limit = int(min(uint64(limit), untilSeq-checkpoint.Seq))
		}
		page, err := c.fetch(ctx, checkpoint.Seq, limit)
		if err != nil {
			return applied, err
		}
		if len(page) == 0 {
			if untilSeq > 0 {
				return applied, fmt.Errorf("%w: source has nothing after seq %d, want through %d",
					storage.ErrSequenceGap, checkpoint.Seq, untilSeq)
			}
			return applied, nil
		}
		before := applied
		for _, evt := range page {
			n, err := c.apply(ctx, evt)
			applied += n
			if err != nil {
				return applied, err
			}
		}
		if applied == before {
			return applied, fmt.Errorf("%w: page after seq %d did not advance the checkpoint",
				storage.ErrSequenceGap, checkpoint.Seq)
		}
	}
}

// apply stores one transition. Only checkpoint+1 is ever committed; a gap is
// filled from the source first and a conflicting duplicate reconciles.
func (c *Consumer) apply(ctx context.Context, evt event.Transition) (int, error) {
	ctx, span := c.tracer.Start(ctx, "consumer.apply", trace.WithAttributes(
		attribute.Int64("event.seq", int64(evt.Seq)),
		attribute.Int("event.cell", evt.CellIndex),
	))
	defer span.End()

	err := c.persist(ctx, "apply", func() error {
		return c.store.Apply(ctx, evt)
	})
	switch {
	case err == nil:
		c.countApplied()
		c.metrics.ObserveApplied(evt.Seq)
		return 1, nil
	case errors.Is(err, storage.ErrAlreadyApplied):
		c.metrics.ObserveDuplicate()
		return 0, nil
	case errors.Is(err, event.ErrSchemaMismatch), errors.Is(err, event.ErrMalformed):
		span.RecordError(err)
		span.SetStatus(codes.Error, "schema mismatch")
		return 0, NonRetryable(fmt.Errorf("apply seq %d: %w", evt.Seq, err))
	case errors.Is(err, storage.ErrHistoryDiverged):
		span.AddEvent("history diverged")
		c.logf("warning: %v", err)
		if err := c.reconcile(ctx, evt.Seq); err != nil {
			return 0, err
		}
		return 0, errResync
	case errors.Is(err, storage.ErrSequenceGap):
		checkpoint, cpErr := c.checkpoint(ctx)
		if cpErr != nil {
			return 0, cpErr
		}
		if evt.Seq <= checkpoint.Seq+1 {
			return 0, err
		}
		missing := evt.Seq - checkpoint.Seq - 1
		c.metrics.ObserveGap(missing)
		c.logf("gap before seq %d, re-fetching %d transitions", evt.Seq, missing)
		filled, err := c.sync(ctx, evt.Seq-1)
		if err != nil {
			return filled, err
		}
		n, err := c.apply(ctx, evt)
		return filled + n, err
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return 0, err
	}
}

// verifyTip compares the stored tip with the source and walks back to the
// common ancestor. History at or below the finalized seq is trusted.
func (c *Consumer) verifyTip(ctx context.Context) error {
	checkpoint, err := c.checkpoint(ctx)
	if err != nil || checkpoint.Seq == 0 {
		return err
	}
	finalized, err := c.finalized(ctx)
	if err != nil {
		return err
	}
	seq := checkpoint.Seq
	for seq > finalized {
		var stored event.Transition
		err := c.persist(ctx, "load stored transition", func() error {
			var err error
			stored, err = c.store.EventAt(ctx, seq)
			return err
		})
		if err != nil {
			return err
		}
		remote, err := c.fetch(ctx, seq-1, 1)
		if err != nil {
			return err
		}
		if len(remote) == 1 && remote[0].Seq == seq && remote[0].SamePosition(stored) {
			break
		}
		seq--
	}
	if seq == checkpoint.Seq {
		return nil
	}
	c.logf("warning: stored tip %d is not canonical, common ancestor at seq %d", checkpoint.Seq, seq)
	return c.rollback(ctx, checkpoint.Seq, seq)
}

// reconcile rolls back to min(fromSeq-1, finalized) so the retracted range is
// replayed from canonical history.
func (c *Consumer) reconcile(ctx context.Context, fromSeq uint64) error {
	checkpoint, err := c.checkpoint(ctx)
	if err != nil {
		return err
	}
	finalized, err := c.finalized(ctx)
	if err != nil {
		return err
	}
	target := checkpoint.Seq
	if fromSeq > 0 {
		target = min(target, fromSeq-1)
	}
	target = min(target, finalized)
	return c.rollback(ctx, checkpoint.Seq, target)
}

func (c *Consumer) rollback(ctx context.Context, from, to uint64) error {
	ctx, span := c.tracer.Start(ctx, "consumer.rollback", trace.WithAttributes(
		attribute.Int64("rollback.from", int64(from)),
		attribute.Int64("rollback.to", int64(to)),
	))
	defer span.End()

	c.setState(StateReconciling)
	err := c.persist(ctx, "rollback", func() error {
		return c.store.RollbackTo(ctx, to)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		return fmt.Errorf("rollback to seq %d: %w", to, err)
	}
	c.countReorg()
	c.metrics.ObserveReorg(from - to)
	c.logf("warning: rolled back from seq %d to seq %d", from, to)
	c.setState(StateSyncing)
	return nil
}

func (c *Consumer) checkpoint(ctx context.Context) (storage.Checkpoint, error) {
	var checkpoint storage.Checkpoint
	err := c.persist(ctx, "read checkpoint", func() error {
		var err error
		checkpoint, err = c.store.Checkpoint(ctx)
		return err
	})
	return checkpoint, err
}

func (c *Consumer) fetch(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeouts.SourceRequest)
	defer cancel()
	page, err := c.source.Fetch(callCtx, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch after seq %d: %w", afterSeq, err)
	}
	return page, nil
}

func (c *Consumer) finalized(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeouts.SourceRequest)
	defer cancel()
	seq, err := c.source.Finalized(callCtx)
	if err != nil {
		return 0, fmt.Errorf("finalized seq: %w", err)
	}
	return seq, nil
}

// persist retries a store operation until it succeeds, fails with a
// classified error or ctx ends. The checkpoint never moves while retrying.
func (c *Consumer) persist(ctx context.Context, label string, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !isStorageFault(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			c.recordError(err)
			c.logf("%s failed, retrying in %s: %v", label, delay, err)
		}),
	)
	return err
}

// isStorageFault reports an uncoded failure such as a locked database or a
// broken connection. Coded errors describe the transition, not the store.
func isStorageFault(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return apperrors.GetCode(err) == apperrors.CodeUnknown
}
