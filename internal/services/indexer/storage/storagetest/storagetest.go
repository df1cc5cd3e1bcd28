// Package storagetest holds behavior tests shared by projection store
// implementations.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"
	"github.com/holiman/uint256"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

// Factory opens an empty store for rules.
type Factory func(t testing.TB, rules auction.Rules) storage.ProjectionStore

// TB is the subset of testing.TB the helpers need; *rapid.T satisfies it.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Rules is the small grid used by the shared tests.
func Rules() auction.Rules {
	rules := auction.DefaultRules()
	rules.Width, rules.Height = 3, 2
	return rules
}

var bidders = []common.Address{
	common.HexToAddress("0x00000000000000000000000000000000000000a1"),
	common.HexToAddress("0x00000000000000000000000000000000000000b2"),
	common.HexToAddress("0x00000000000000000000000000000000000000c3"),
}

// Purchase describes one generated purchase.
type Purchase struct {
	Cell   int
	Bidder int
	Bump   uint64
}

// Build turns purchases into a valid transition history. Every purchase
// outbids the current price by at least the increment.
func Build(t TB, rules auction.Rules, fork byte, purchases []Purchase) []event.Transition {
	t.Helper()
	grid := rules.NewGrid()
	parent := common.Hash{}
	out := make([]event.Transition, 0, len(purchases))
	for i, p := range purchases {
		minimum, err := rules.MinimumAcceptableBid(grid, p.Cell)
		if err != nil {
			t.Fatalf("minimum bid %d: %v", i, err)
		}
		value := minimum
		value.Add(&value, uint256.NewInt(p.Bump+1))
		decision := rules.Decide(grid, auction.Purchase{
			CellIndex: p.Cell,
			Bidder:    bidders[p.Bidder%len(bidders)],
			Content:   fmt.Sprintf("msg-%d", i),
			Value:     value,
			// Timestamps repeat so ordering falls back to seq.
			At: time.Unix(1700000000+int64(i/2)*60, 0),
		})
		if !decision.Accepted() {
			t.Fatalf("purchase %d rejected: %s", i, decision.Rejection.Message)
		}
		evt := decision.Transition
		hash := crypto.Keccak256Hash(parent.Bytes(), []byte{fork}, []byte(fmt.Sprint(evt.Seq)))
		evt.Position = event.Position{BlockNumber: evt.Seq, BlockHash: hash}
		parent = hash
		next, err := rules.Apply(grid, evt)
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		grid = next
		out = append(out, evt)
	}
	return out
}

// Sample is a fixed history touching every cell with overwrites.
func Sample(t TB, rules auction.Rules) []event.Transition {
	return Build(t, rules, 0, []Purchase{
		{Cell: 0, Bidder: 0, Bump: 999},
		{Cell: 1, Bidder: 1},
		{Cell: 0, Bidder: 1, Bump: 5},
		{Cell: 5, Bidder: 2},
		{Cell: 0, Bidder: 2},
		{Cell: 2, Bidder: 0, Bump: 3},
		{Cell: 1, Bidder: 0, Bump: 7},
	})
}

func applyAll(t TB, store storage.ProjectionStore, events []event.Transition) {
	t.Helper()
	ctx := context.Background()
	for _, evt := range events {
		if err := store.Apply(ctx, evt); err != nil {
			t.Fatalf("apply seq %d: %v", evt.Seq, err)
		}
	}
}

func mustGrid(t TB, store storage.ProjectionStore) auction.Grid {
	t.Helper()
	grid, err := store.Grid(context.Background())
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	return grid
}

// Run exercises the behavior every projection store must share.
func Run(t *testing.T, factory Factory) {
	t.Run("apply advances checkpoint", func(t *testing.T) { testApply(t, factory) })
	t.Run("apply is idempotent", func(t *testing.T) { testIdempotent(t, factory) })
	t.Run("apply rejects gaps and forks", func(t *testing.T) { testOrdering(t, factory) })
	t.Run("rule violations do not mutate", func(t *testing.T) { testRuleViolation(t, factory) })
	t.Run("snapshot at", func(t *testing.T) { testSnapshotAt(t, factory) })
	t.Run("history ordering", func(t *testing.T) { testHistory(t, factory) })
	t.Run("events pages", func(t *testing.T) { testEvents(t, factory) })
	t.Run("rollback then replay", func(t *testing.T) { testRollback(t, factory) })
	t.Run("reset", func(t *testing.T) { testReset(t, factory) })
	t.Run("replay determinism", func(t *testing.T) { testDeterminism(t, factory) })
	t.Run("timestamps keep whole seconds", func(t *testing.T) { testTimestampPrecision(t, factory) })
	t.Run("reads stay consistent during writes", func(t *testing.T) { testConcurrentReads(t, factory) })
}

func testApply(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)
	applyAll(t, store, events)

	checkpoint, err := store.Checkpoint(context.Background())
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	last := events[len(events)-1]
	if checkpoint.Seq != last.Seq || checkpoint.Position != last.Position {
		t.Fatalf("checkpoint = %+v, want seq %d at %+v", checkpoint, last.Seq, last.Position)
	}

	want, err := rules.Fold(rules.NewGrid(), events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if diff := cmp.Diff(want, mustGrid(t, store)); diff != "" {
		t.Fatalf("grid mismatch (-want +got):\n%s", diff)
	}
	if err := rules.CheckInvariants(mustGrid(t, store)); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	got, err := store.EventAt(context.Background(), 3)
	if err != nil {
		t.Fatalf("event at 3: %v", err)
	}
	if diff := cmp.Diff(events[2], got); diff != "" {
		t.Fatalf("event at 3 mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.EventAt(context.Background(), 99); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("event at 99 err = %v, want ErrNotFound", err)
	}
}

func testIdempotent(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)
	applyAll(t, store, events[:4])
	before := mustGrid(t, store)

	for _, evt := range events[:4] {
		if err := store.Apply(context.Background(), evt); !errors.Is(err, storage.ErrAlreadyApplied) {
			t.Fatalf("reapply seq %d err = %v, want ErrAlreadyApplied", evt.Seq, err)
		}
	}
	if diff := cmp.Diff(before, mustGrid(t, store)); diff != "" {
		t.Fatalf("grid changed on duplicate apply (-want +got):\n%s", diff)
	}
}

func testOrdering(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)
	applyAll(t, store, events[:2])

	if err := store.Apply(context.Background(), events[3]); !errors.Is(err, storage.ErrSequenceGap) {
		t.Fatalf("gap err = %v, want ErrSequenceGap", err)
	}
	forked := events[1]
	forked.Position.BlockHash = common.HexToHash("0xdead")
	if err := store.Apply(context.Background(), forked); !errors.Is(err, storage.ErrHistoryDiverged) {
		t.Fatalf("fork err = %v, want ErrHistoryDiverged", err)
	}
	checkpoint, _ := store.Checkpoint(context.Background())
	if checkpoint.Seq != 2 {
		t.Fatalf("checkpoint = %d, want 2", checkpoint.Seq)
	}
}

func testRuleViolation(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)
	applyAll(t, store, events[:2])
	before := mustGrid(t, store)

	bad := events[2]
	bad.NewPrice = *uint256.NewInt(1)
	if err := store.Apply(context.Background(), bad); !errors.Is(err, event.ErrSchemaMismatch) {
		t.Fatalf("err = %v, want ErrSchemaMismatch", err)
	}
	outOfRange := events[2]
	outOfRange.CellIndex = rules.Size()
	if err := store.Apply(context.Background(), outOfRange); !errors.Is(err, event.ErrSchemaMismatch) {
		t.Fatalf("err = %v, want ErrSchemaMismatch", err)
	}
	if diff := cmp.Diff(before, mustGrid(t, store)); diff != "" {
		t.Fatalf("grid changed on rejected apply (-want +got):\n%s", diff)
	}
	checkpoint, _ := store.Checkpoint(context.Background())
	if checkpoint.Seq != 2 {
		t.Fatalf("checkpoint = %d, want 2", checkpoint.Seq)
	}
	if err := store.Apply(context.Background(), events[2]); err != nil {
		t.Fatalf("apply after rejection: %v", err)
	}
}

func testSnapshotAt(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)
	applyAll(t, store, events)

	for k := 0; k <= len(events); k++ {
		want, err := rules.Fold(rules.NewGrid(), events[:k])
		if err != nil {
			t.Fatalf("fold %d: %v", k, err)
		}
		// twice: the second read may come from the cache
		for range 2 {
			got, err := store.SnapshotAt(context.Background(), uint64(k))
			if err != nil {
				t.Fatalf("snapshot at %d: %v", k, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("snapshot at %d mismatch (-want +got):\n%s", k, diff)
			}
		}
	}
	if _, err := store.SnapshotAt(context.Background(), uint64(len(events)+1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("snapshot beyond checkpoint err = %v, want ErrNotFound", err)
	}
}

func testHistory(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)
	applyAll(t, store, events)

	recent, err := store.History(context.Background(), 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// seq 7 is alone in the last minute, 5 and 6 share a timestamp
	want := []uint64{7, 6, 5}
	if len(recent) != len(want) {
		t.Fatalf("history len = %d, want %d", len(recent), len(want))
	}
	for i, evt := range recent {
		if evt.Seq != want[i] {
			t.Fatalf("history[%d] = seq %d, want %d", i, evt.Seq, want[i])
		}
	}

	all, err := store.History(context.Background(), 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != len(events) {
		t.Fatalf("history len = %d, want %d", len(all), len(events))
	}
	if diff := cmp.Diff(events[0], all[len(all)-1]); diff != "" {
		t.Fatalf("oldest entry mismatch (-want +got):\n%s", diff)
	}

	cell, err := store.CellHistory(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("cell history: %v", err)
	}
	wantCell := []uint64{5, 3, 1}
	if len(cell) != len(wantCell) {
		t.Fatalf("cell history len = %d, want %d", len(cell), len(wantCell))
	}
	for i, evt := range cell {
		if evt.Seq != wantCell[i] || evt.CellIndex != 0 {
			t.Fatalf("cell history[%d] = seq %d cell %d, want seq %d cell 0", i, evt.Seq, evt.CellIndex, wantCell[i])
		}
	}
	empty, err := store.CellHistory(context.Background(), 4, 10)
	if err != nil {
		t.Fatalf("cell history: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("cell 4 history len = %d, want 0", len(empty))
	}
}

func testEvents(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)
	applyAll(t, store, events)

	page, err := store.Events(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if diff := cmp.Diff(events[2:5], page); diff != "" {
		t.Fatalf("events page mismatch (-want +got):\n%s", diff)
	}
	tail, err := store.Events(context.Background(), uint64(len(events)), 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(tail) != 0 {
		t.Fatalf("tail len = %d, want 0", len(tail))
	}
}

func testRollback(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)
	applyAll(t, store, events)
	want := mustGrid(t, store)

	// warm the snapshot cache past the rollback point
	if _, err := store.SnapshotAt(context.Background(), 5); err != nil {
		t.Fatalf("snapshot at 5: %v", err)
	}
	if err := store.RollbackTo(context.Background(), 3); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	checkpoint, _ := store.Checkpoint(context.Background())
	if checkpoint.Seq != 3 || checkpoint.Position != events[2].Position {
		t.Fatalf("checkpoint = %+v, want seq 3 at %+v", checkpoint, events[2].Position)
	}
	atThree, err := rules.Fold(rules.NewGrid(), events[:3])
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if diff := cmp.Diff(atThree, mustGrid(t, store)); diff != "" {
		t.Fatalf("grid after rollback mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.EventAt(context.Background(), 4); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("event at 4 err = %v, want ErrNotFound", err)
	}
	if _, err := store.SnapshotAt(context.Background(), 5); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("snapshot at 5 err = %v, want ErrNotFound", err)
	}

	applyAll(t, store, events[3:])
	if diff := cmp.Diff(want, mustGrid(t, store)); diff != "" {
		t.Fatalf("grid after replay mismatch (-want +got):\n%s", diff)
	}

	forked := Build(t, rules, 1, []Purchase{{Cell: 0}, {Cell: 1}, {Cell: 2}, {Cell: 3}})
	if err := store.RollbackTo(context.Background(), 0); err != nil {
		t.Fatalf("rollback to genesis: %v", err)
	}
	applyAll(t, store, forked)
	checkpoint, _ = store.Checkpoint(context.Background())
	if checkpoint.Seq != 4 || checkpoint.Position != forked[3].Position {
		t.Fatalf("checkpoint = %+v, want forked seq 4", checkpoint)
	}

	if err := store.RollbackTo(context.Background(), 9); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rollback beyond checkpoint err = %v, want ErrNotFound", err)
	}
}

func testReset(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)
	applyAll(t, store, events)

	if err := store.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	checkpoint, _ := store.Checkpoint(context.Background())
	if checkpoint.Seq != 0 {
		t.Fatalf("checkpoint = %d, want 0", checkpoint.Seq)
	}
	if diff := cmp.Diff(rules.NewGrid(), mustGrid(t, store)); diff != "" {
		t.Fatalf("grid after reset mismatch (-want +got):\n%s", diff)
	}
	history, err := store.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history len = %d, want 0", len(history))
	}
	applyAll(t, store, events)
}

func testDeterminism(t *testing.T, factory Factory) {
	rules := Rules()
	rapid.Check(t, func(rt *rapid.T) {
		purchases := rapid.SliceOfN(rapid.Custom(func(rt *rapid.T) Purchase {
			return Purchase{
				Cell:   rapid.IntRange(0, rules.Size()-1).Draw(rt, "cell"),
				Bidder: rapid.IntRange(0, len(bidders)-1).Draw(rt, "bidder"),
				Bump:   rapid.Uint64Range(0, 50).Draw(rt, "bump"),
			}
		}), 1, 12).Draw(rt, "purchases")
		events := Build(rt, rules, 0, purchases)
		rollback := rapid.IntRange(0, len(events)).Draw(rt, "rollback")

		incremental := factory(t, rules)
		defer incremental.Close()
		applyAll(rt, incremental, events)

		resumed := factory(t, rules)
		defer resumed.Close()
		applyAll(rt, resumed, events)
		if err := resumed.RollbackTo(context.Background(), uint64(rollback)); err != nil {
			rt.Fatalf("rollback: %v", err)
		}
		applyAll(rt, resumed, events[rollback:])
		for _, evt := range events {
			if err := resumed.Apply(context.Background(), evt); !errors.Is(err, storage.ErrAlreadyApplied) {
				rt.Fatalf("reapply seq %d err = %v, want ErrAlreadyApplied", evt.Seq, err)
			}
		}

		if diff := cmp.Diff(mustGrid(rt, incremental), mustGrid(rt, resumed)); diff != "" {
			rt.Fatalf("replayed grid differs (-incremental +resumed):\n%s", diff)
		}
	})
}

func testTimestampPrecision(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)
	events := Sample(t, rules)[:2]
	events[0].Timestamp = time.Unix(1700000000, 123456789)
	events[1].Timestamp = time.Unix(1700000000, 999999999).In(time.FixedZone("UTC+2", 2*60*60))
	applyAll(t, store, events)

	ctx := context.Background()
	for _, evt := range events {
		got, err := store.EventAt(ctx, evt.Seq)
		if err != nil {
			t.Fatalf("event at %d: %v", evt.Seq, err)
		}
		want := time.Unix(1700000000, 0).UTC()
		if !got.Timestamp.Equal(want) || got.Timestamp.Location() != time.UTC {
			t.Fatalf("seq %d timestamp = %v, want %v", evt.Seq, got.Timestamp, want)
		}
	}
	history, err := store.History(ctx, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Seq != 2 || history[1].Seq != 1 {
		t.Fatalf("history seqs = %v, want [2 1]", seqs(history))
	}
	// Re-applying the unnormalized event is still a duplicate.
	if err := store.Apply(ctx, events[1]); !errors.Is(err, storage.ErrAlreadyApplied) {
		t.Fatalf("reapply err = %v, want ErrAlreadyApplied", err)
	}
}

// testConcurrentReads applies one history, rolls back and applies a different
// suffix while readers check that every view they get is one the writer
// actually committed.
func testConcurrentReads(t *testing.T, factory Factory) {
	rules := Rules()
	store := factory(t, rules)

	const shared = 5
	var first, second []Purchase
	for i := 0; i < 14; i++ {
		first = append(first, Purchase{Cell: i % rules.Size(), Bidder: i})
		if i < shared {
			second = append(second, first[i])
			continue
		}
		second = append(second, Purchase{Cell: (rules.Size() - 1) - i%rules.Size(), Bidder: i + 1, Bump: uint64(i)})
	}
	// Both histories share their first events byte for byte.
	original := Build(t, rules, 0, first)
	rewritten := Build(t, rules, 0, second)

	expected := func(history []event.Transition) []auction.Grid {
		grids := make([]auction.Grid, len(history)+1)
		grids[0] = rules.NewGrid()
		for i, evt := range history {
			next, err := rules.Apply(grids[i], evt)
			if err != nil {
				t.Fatalf("fold %d: %v", evt.Seq, err)
			}
			grids[i+1] = next
		}
		return grids
	}
	originalGrids := expected(original)
	rewrittenGrids := expected(rewritten)

	// rewound flips once the rollback has committed; from then on only the
	// rewritten history is a valid answer.
	var rewound atomic.Bool
	matches := func(grid auction.Grid, seq uint64, afterRewind bool) bool {
		if seq >= uint64(len(originalGrids)) {
			return false
		}
		if cmp.Equal(rewrittenGrids[seq], grid) {
			return true
		}
		return !afterRewind && cmp.Equal(originalGrids[seq], grid)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		for _, evt := range original {
			if err := store.Apply(context.Background(), evt); err != nil {
				return fmt.Errorf("apply original %d: %w", evt.Seq, err)
			}
		}
		if err := store.RollbackTo(context.Background(), shared); err != nil {
			return fmt.Errorf("rollback to %d: %w", shared, err)
		}
		rewound.Store(true)
		for _, evt := range rewritten[shared:] {
			if err := store.Apply(context.Background(), evt); err != nil {
				return fmt.Errorf("apply rewritten %d: %w", evt.Seq, err)
			}
		}
		return nil
	})
	for reader := 0; reader < 4; reader++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				afterRewind := rewound.Load()
				grid, err := store.Grid(context.Background())
				if err != nil {
					return fmt.Errorf("grid: %w", err)
				}
				if err := rules.CheckInvariants(grid); err != nil {
					return fmt.Errorf("grid at %d: %w", grid.Seq, err)
				}
				if !matches(grid, grid.Seq, afterRewind) {
					return fmt.Errorf("grid at %d was never committed", grid.Seq)
				}

				var seq uint64
				if grid.Seq > 0 {
					seq = grid.Seq - 1
				}
				afterRewind = rewound.Load()
				snapshot, err := store.SnapshotAt(context.Background(), seq)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return fmt.Errorf("snapshot at %d: %w", seq, err)
				}
				if snapshot.Seq != seq || !matches(snapshot, seq, afterRewind) {
					return fmt.Errorf("snapshot at %d does not match a committed history", seq)
				}

				history, err := store.History(context.Background(), 4)
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
				for i := 1; i < len(history); i++ {
					if history[i].Seq >= history[i-1].Seq {
						return fmt.Errorf("history out of order: %v", seqs(history))
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(rewrittenGrids[len(rewritten)], mustGrid(t, store)); diff != "" {
		t.Fatalf("final grid mismatch (-want +got):\n%s", diff)
	}
	for seq := uint64(shared + 1); seq < uint64(len(rewritten)); seq++ {
		snapshot, err := store.SnapshotAt(context.Background(), seq)
		if err != nil {
			t.Fatalf("snapshot at %d: %v", seq, err)
		}
		if diff := cmp.Diff(rewrittenGrids[seq], snapshot); diff != "" {
			t.Fatalf("snapshot at %d served from before rollback (-want +got):\n%s", seq, diff)
		}
	}
}

func seqs(events []event.Transition) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Seq)
	}
	return out
}
