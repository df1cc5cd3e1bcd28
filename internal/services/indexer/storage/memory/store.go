// Package memory provides an in-memory projection store for replicas and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/replay"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage"
)

// Store keeps projection state in process memory.
type Store struct {
	mu         sync.RWMutex
	rules      auction.Rules
	grid       auction.Grid
	events     []event.Transition
	checkpoint storage.Checkpoint
	snapshots  *storage.SnapshotCache
	now        func() time.Time
}

// New creates an empty store for grids built by rules.
func New(rules auction.Rules) (*Store, error) {
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("auction rules: %w", err)
	}
	snapshots, err := storage.NewSnapshotCache(storage.DefaultSnapshotCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		rules:     rules,
		grid:      rules.NewGrid(),
		snapshots: snapshots,
		now:       time.Now,
	}, nil
}

var _ storage.ProjectionStore = (*Store)(nil)

// Apply folds evt into the grid and appends it to history.
func (s *Store) Apply(ctx context.Context, evt event.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	evt = evt.Normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := storage.CheckNext(s.checkpoint, evt, s.eventAtLocked); err != nil {
		return err
	}
	next, err := s.rules.Apply(s.grid, evt)
	if err != nil {
		return err
	}
	s.grid = next
	s.events = append(s.events, evt)
	s.checkpoint = storage.Checkpoint{Seq: evt.Seq, Position: evt.Position, UpdatedAt: s.now().UTC()}
	return nil
}

// Checkpoint returns the last applied transition.
func (s *Store) Checkpoint(ctx context.Context) (storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return storage.Checkpoint{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint, nil
}

// Grid returns a copy of the latest grid.
func (s *Store) Grid(ctx context.Context) (auction.Grid, error) {
	if err := ctx.Err(); err != nil {
		return auction.Grid{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grid.Clone(), nil
}

// SnapshotAt replays history up to seq.
func (s *Store) SnapshotAt(ctx context.Context, seq uint64) (auction.Grid, error) {
	if err := ctx.Err(); err != nil {
		return auction.Grid{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case seq > s.checkpoint.Seq:
		return auction.Grid{}, fmt.Errorf("snapshot at %d beyond checkpoint %d: %w", seq, s.checkpoint.Seq, storage.ErrNotFound)
	case seq == s.checkpoint.Seq:
		return s.grid.Clone(), nil
	case seq == 0:
		return s.rules.NewGrid(), nil
	}
	if grid, ok := s.snapshots.Get(seq); ok {
		return grid, nil
	}
	grid, err := s.rules.Fold(s.rules.NewGrid(), s.events[:seq])
	if err != nil {
		return auction.Grid{}, fmt.Errorf("replay to %d: %w", seq, err)
	}
	s.snapshots.Add(grid)
	return grid, nil
}

// History returns recent transitions ordered by timestamp then seq, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]event.Transition, error) {
	return s.history(ctx, limit, func(event.Transition) bool { return true })
}

// CellHistory returns recent transitions for one cell, newest first.
func (s *Store) CellHistory(ctx context.Context, index int, limit int) ([]event.Transition, error) {
	return s.history(ctx, limit, func(evt event.Transition) bool { return evt.CellIndex == index })
}

func (s *Store) history(ctx context.Context, limit int, keep func(event.Transition) bool) ([]event.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Transition
	for _, evt := range s.events {
		if keep(evt) {
			out = append(out, evt)
		}
	}
	slices.SortFunc(out, func(a, b event.Transition) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EventAt returns the stored transition with seq.
func (s *Store) EventAt(ctx context.Context, seq uint64) (event.Transition, error) {
	if err := ctx.Err(); err != nil {
		return event.Transition{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventAtLocked(seq)
}

func (s *Store) eventAtLocked(seq uint64) (event.Transition, error) {
	if seq == 0 || seq > uint64(len(s.events)) {
		return event.Transition{}, storage.ErrNotFound
	}
	return s.events[seq-1], nil
}

// Events lists stored transitions after afterSeq.
func (s *Store) Events(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if afterSeq >= uint64(len(s.events)) || limit <= 0 {
		return nil, nil
	}
	end := min(afterSeq+uint64(limit), uint64(len(s.events)))
	return slices.Clone(s.events[afterSeq:end]), nil
}

// RollbackTo truncates history after seq and rebuilds the grid.
func (s *Store) RollbackTo(ctx context.Context, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq > s.checkpoint.Seq {
		return fmt.Errorf("rollback to %d beyond checkpoint %d: %w", seq, s.checkpoint.Seq, storage.ErrNotFound)
	}
	kept := s.events[:seq]
	applier := &replay.GridApplier{Rules: s.rules, Grid: s.rules.NewGrid()}
	source := replay.SourceFunc(func(_ context.Context, afterSeq uint64, limit int) ([]event.Transition, error) {
		end := min(afterSeq+uint64(limit), uint64(len(kept)))
		return kept[afterSeq:end], nil
	})
	if _, err := replay.Replay(ctx, source, applier, replay.Options{}); err != nil {
		return fmt.Errorf("rebuild grid at %d: %w", seq, err)
	}

	s.grid = applier.Grid
	s.events = slices.Clone(kept)
	s.checkpoint = storage.Checkpoint{UpdatedAt: s.now().UTC()}
	if seq > 0 {
		s.checkpoint.Seq = seq
		s.checkpoint.Position = kept[seq-1].Position
	}
	s.snapshots.Purge()
	return nil
}

// Reset discards all state.
func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grid = s.rules.NewGrid()
	s.events = nil
	s.checkpoint = storage.Checkpoint{}
	s.snapshots.Purge()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
