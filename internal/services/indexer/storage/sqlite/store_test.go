package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage/storagetest"
	"golang.org/x/sync/errgroup"
)

func openTestStore(t testing.TB, path string, rules auction.Rules) *Store {
	t.Helper()
	store, err := Open(path, rules)
	if err != nil {
		t.Fatalf("open projection store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close projection store: %v", err)
		}
	})
	return store
}

func TestProjectionStore(t *testing.T) {
	storagetest.Run(t, func(t testing.TB, rules auction.Rules) storage.ProjectionStore {
		return openTestStore(t, filepath.Join(t.TempDir(), "projections.db"), rules)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  ", storagetest.Rules()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReopenKeepsState(t *testing.T) {
	rules := storagetest.Rules()
	path := filepath.Join(t.TempDir(), "projections.db")
	events := storagetest.Sample(t, rules)

	first, err := Open(path, rules)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, evt := range events[:4] {
		if err := first.Apply(context.Background(), evt); err != nil {
			t.Fatalf("apply %d: %v", evt.Seq, err)
		}
	}
	want, err := first.Grid(context.Background())
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openTestStore(t, path, rules)
	checkpoint, err := second.Checkpoint(context.Background())
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if checkpoint.Seq != 4 || checkpoint.Position != events[3].Position {
		t.Fatalf("checkpoint = %+v, want seq 4 at %+v", checkpoint, events[3].Position)
	}
	got, err := second.Grid(context.Background())
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("grid after reopen mismatch (-want +got):\n%s", diff)
	}
	if err := second.Apply(context.Background(), events[4]); err != nil {
		t.Fatalf("apply after reopen: %v", err)
	}
}

func TestOpenRejectsDifferentDimensions(t *testing.T) {
	rules := storagetest.Rules()
	path := filepath.Join(t.TempDir(), "projections.db")
	store, err := Open(path, rules)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	wider := rules
	wider.Width++
	_, err = Open(path, wider)
	if !errors.Is(err, event.ErrSchemaMismatch) {
		t.Fatalf("err = %v, want ErrSchemaMismatch", err)
	}
}

func TestApplyRejectsZeroSeq(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "projections.db"), storagetest.Rules())
	if err := store.Apply(context.Background(), event.Transition{}); !errors.Is(err, event.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestApplyHonorsCanceledContext(t *testing.T) {
	rules := storagetest.Rules()
	store := openTestStore(t, filepath.Join(t.TempDir(), "projections.db"), rules)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Apply(ctx, storagetest.Sample(t, rules)[0]); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCellUpdatedSeqTracksRollback(t *testing.T) {
	rules := storagetest.Rules()
	store := openTestStore(t, filepath.Join(t.TempDir(), "projections.db"), rules)
	events := storagetest.Sample(t, rules)
	for _, evt := range events {
		if err := store.Apply(context.Background(), evt); err != nil {
			t.Fatalf("apply %d: %v", evt.Seq, err)
		}
	}
	if err := store.RollbackTo(context.Background(), 4); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	var updated int64
	if err := store.sqlDB.QueryRow(`SELECT updated_seq FROM cells WHERE cell_index = 0`).Scan(&updated); err != nil {
		t.Fatalf("query updated_seq: %v", err)
	}
	if updated != 3 {
		t.Fatalf("cell 0 updated_seq = %d, want 3", updated)
	}
}

func TestOpenAppliesConnectionPragmas(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "projections.db"), storagetest.Rules())
	ctx := context.Background()

	var mode string
	if err := store.sqlDB.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
	var foreignKeys, busyTimeout int
	if err := store.sqlDB.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&foreignKeys); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("foreign_keys = %d, want 1", foreignKeys)
	}
	if err := store.sqlDB.QueryRowContext(ctx, `PRAGMA busy_timeout`).Scan(&busyTimeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", busyTimeout)
	}
}

func TestConcurrentWritersShareOneFile(t *testing.T) {
	rules := storagetest.Rules()
	path := filepath.Join(t.TempDir(), "projections.db")
	writers := []*Store{openTestStore(t, path, rules), openTestStore(t, path, rules)}
	events := storagetest.Sample(t, rules)

	var g errgroup.Group
	for _, store := range writers {
		g.Go(func() error {
			for _, evt := range events {
				err := store.Apply(context.Background(), evt)
				if err != nil && !errors.Is(err, storage.ErrAlreadyApplied) {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent apply: %v", err)
	}

	want, err := writers[0].Grid(context.Background())
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if want.Seq != uint64(len(events)) {
		t.Fatalf("seq = %d, want %d", want.Seq, len(events))
	}
	got, err := writers[1].Grid(context.Background())
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("writers disagree (-first +second):\n%s", diff)
	}
	// Every pooled connection must be usable after the contention.
	for i := 0; i < 4; i++ {
		if _, err := writers[1].Checkpoint(context.Background()); err != nil {
			t.Fatalf("checkpoint after contention: %v", err)
		}
	}
}
