package memory

import (
	"context"
	"testing"

	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage/storagetest"
)

func TestProjectionStore(t *testing.T) {
	storagetest.Run(t, func(t testing.TB, rules auction.Rules) storage.ProjectionStore {
		store, err := New(rules)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return store
	})
}

func TestNewRejectsInvalidRules(t *testing.T) {
	if _, err := New(auction.Rules{}); err == nil {
		t.Fatal("expected error for zero rules")
	}
}

func TestGridIsCopied(t *testing.T) {
	rules := storagetest.Rules()
	store, err := New(rules)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := storagetest.Sample(t, rules)
	if err := store.Apply(context.Background(), events[0]); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	grid, _ := store.Grid(context.Background())
	grid.Cells[0].Content = "changed"
	again, _ := store.Grid(context.Background())
	if again.Cells[0].Content == "changed" {
		t.Fatal("Grid shares memory with the store")
	}
}
