// Package replay folds ordered transitions from a paged source.
package replay

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
)

const defaultPageSize = 200

var (
	// ErrSourceRequired indicates a missing event source.
	ErrSourceRequired = errors.New("event source is required")
	// ErrApplierRequired indicates a missing applier.
	ErrApplierRequired = errors.New("applier is required")
	// ErrSequenceGap reports a page whose next event is not last+1.
	ErrSequenceGap = apperrors.New(apperrors.CodeSequenceGap, "event sequence gap")
)

// Source lists committed transitions with seq greater than afterSeq, ascending.
type Source interface {
	Fetch(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error) {
	return f(ctx, afterSeq, limit)
}

// Applier consumes one transition.
type Applier interface {
	Apply(ctx context.Context, evt event.Transition) error
}

// Options configures replay behavior.
type Options struct {
	AfterSeq uint64
	// UntilSeq stops replay after this seq. Zero replays to the end of source.
	UntilSeq uint64
	PageSize int
}

// Result captures replay outcomes.
type Result struct {
	LastSeq uint64
	Applied int
}

// Replay pages through source and applies each transition in order.
func Replay(ctx context.Context, source Source, applier Applier, options Options) (Result, error) {
	if source == nil {
		return Result{}, ErrSourceRequired
	}
	if applier == nil {
		return Result{}, ErrApplierRequired
	}
	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	result := Result{LastSeq: options.AfterSeq}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		limit := pageSize
		if options.UntilSeq > 0 {
			if result.LastSeq >= options.UntilSeq {
				return result, nil
			}
			if remaining := options.UntilSeq - result.LastSeq; remaining < uint64(limit) {
				limit = int(remaining)
			}
		}
		events, err := source.Fetch(ctx, result.LastSeq, limit)
		if err != nil {
			return result, err
		}
		if len(events) == 0 {
			return result, nil
		}
		for _, evt := range events {
			if options.UntilSeq > 0 && evt.Seq > options.UntilSeq {
				return result, nil
			}
			expectedSeq := result.LastSeq + 1
			if evt.Seq != expectedSeq {
				return result, fmt.Errorf("%w: expected %d got %d", ErrSequenceGap, expectedSeq, evt.Seq)
			}
			if err := applier.Apply(ctx, evt); err != nil {
				return result, err
			}
			result.LastSeq = evt.Seq
			result.Applied++
		}
	}
}

// GridApplier folds transitions into an in-memory grid.
type GridApplier struct {
	Rules auction.Rules
	Grid  auction.Grid
}

// Apply folds evt into a.Grid.
func (a *GridApplier) Apply(_ context.Context, evt event.Transition) error {
	next, err := a.Rules.Apply(a.Grid, evt)
	if err != nil {
		return err
	}
	a.Grid = next
	return nil
}

// Grid rebuilds the grid as of untilSeq from genesis. Zero means the latest.
func Grid(ctx context.Context, source Source, rules auction.Rules, untilSeq uint64, pageSize int) (auction.Grid, error) {
	applier := &GridApplier{Rules: rules, Grid: rules.NewGrid()}
	if _, err := Replay(ctx, source, applier, Options{UntilSeq: untilSeq, PageSize: pageSize}); err != nil {
		return auction.Grid{}, err
	}
	return applier.Grid, nil
}
