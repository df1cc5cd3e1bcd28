package storage

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrSequenceGap indicates a transition that does not extend the checkpoint.
	ErrSequenceGap = apperrors.New(apperrors.CodeSequenceGap, "transition does not follow checkpoint")
	// ErrAlreadyApplied indicates a transition that is already stored.
	// Callers treat it as a no-op.
	ErrAlreadyApplied = apperrors.New(apperrors.CodeAlreadyApplied, "transition already applied")
	// ErrHistoryDiverged indicates the same seq arrived at a different ledger
	// position than the stored copy.
	ErrHistoryDiverged = apperrors.New(apperrors.CodeHistoryDiverged, "transition conflicts with stored history")
)

// Checkpoint is the last applied transition.
type Checkpoint struct {
	Seq       uint64
	Position  event.Position
	UpdatedAt time.Time
}

// ProjectionReader serves committed projection state.
type ProjectionReader interface {
	Checkpoint(ctx context.Context) (Checkpoint, error)
	// Grid returns the latest snapshot.
	Grid(ctx context.Context) (auction.Grid, error)
	// SnapshotAt returns the grid as of seq. Seq zero is the empty grid.
	SnapshotAt(ctx context.Context, seq uint64) (auction.Grid, error)
	// History returns up to limit transitions, most recent first.
	History(ctx context.Context, limit int) ([]event.Transition, error)
	// CellHistory returns up to limit transitions for one cell, most recent first.
	CellHistory(ctx context.Context, index int, limit int) ([]event.Transition, error)
	EventAt(ctx context.Context, seq uint64) (event.Transition, error)
	// Events lists stored transitions after afterSeq in ascending order.
	Events(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error)
}

// ProjectionWriter mutates projection state. A store has a single writer.
type ProjectionWriter interface {
	Apply(ctx context.Context, evt event.Transition) error
	// RollbackTo discards every transition after seq and restores the grid
	// as of seq.
	RollbackTo(ctx context.Context, seq uint64) error
	// Reset discards all state so the projection can be rebuilt from genesis.
	Reset(ctx context.Context) error
}

// ProjectionStore is the full projection surface.
type ProjectionStore interface {
	ProjectionReader
	ProjectionWriter
	Close() error
}

// CheckNext classifies evt against the checkpoint. When evt.Seq is at or below
// the checkpoint, stored loads the existing copy for comparison.
func CheckNext(checkpoint Checkpoint, evt event.Transition, stored func(seq uint64) (event.Transition, error)) error {
	switch {
	case evt.Seq == checkpoint.Seq+1:
		return nil
	case evt.Seq > checkpoint.Seq+1:
		return fmt.Errorf("%w: expected %d got %d", ErrSequenceGap, checkpoint.Seq+1, evt.Seq)
	}
	existing, err := stored(evt.Seq)
	if err != nil {
		return fmt.Errorf("load stored seq %d: %w", evt.Seq, err)
	}
	if existing.SamePosition(evt) {
		return ErrAlreadyApplied
	}
	return fmt.Errorf("%w: seq %d stored at block %d %s, got block %d %s", ErrHistoryDiverged,
		evt.Seq, existing.Position.BlockNumber, existing.Position.BlockHash.Hex(),
		evt.Position.BlockNumber, evt.Position.BlockHash.Hex())
}
