package auction

import (
	"fmt"

	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
)

// ErrOutOfSequence reports a transition whose seq is not grid.Seq+1.
var ErrOutOfSequence = apperrors.New(apperrors.CodeSequenceGap, "transition out of sequence")

// Apply folds a committed transition into grid and returns the next grid.
//
// The transition is re-checked against the rules: it must reference the
// cell's current owner and price, and its price must clear the minimum bid.
// A transition that fails those checks wraps event.ErrSchemaMismatch.
func (r Rules) Apply(grid Grid, t event.Transition) (Grid, error) {
	if err := t.Validate(grid.Size()); err != nil {
		return grid, err
	}
	if t.Seq != grid.Seq+1 {
		return grid, fmt.Errorf("%w: expected %d got %d", ErrOutOfSequence, grid.Seq+1, t.Seq)
	}
	cell := grid.Cells[t.CellIndex]
	if t.PreviousOwner != cell.Owner || !t.PreviousPrice.Eq(&cell.Price) {
		return grid, fmt.Errorf("%w: seq %d expects cell %d owned by %s at %s, found %s at %s",
			event.ErrSchemaMismatch, t.Seq, t.CellIndex,
			t.PreviousOwner.Hex(), t.PreviousPrice.Dec(), cell.Owner.Hex(), cell.Price.Dec())
	}
	if rej := r.checkContent(t.NewContent); rej != nil {
		return grid, fmt.Errorf("%w: seq %d: %s", event.ErrSchemaMismatch, t.Seq, rej.Message)
	}
	if rej := r.checkBid(cell, t.NewPrice); rej != nil {
		return grid, fmt.Errorf("%w: seq %d: %s", event.ErrSchemaMismatch, t.Seq, rej.Message)
	}
	balance, total, err := r.nextVault(grid, cell.Price, t.NewPrice)
	if err != nil {
		return grid, fmt.Errorf("%w: seq %d: %v", event.ErrSchemaMismatch, t.Seq, err)
	}

	next := grid.Clone()
	next.Cells[t.CellIndex] = Cell{
		Index:   t.CellIndex,
		Content: t.NewContent,
		Price:   t.NewPrice,
		Owner:   t.NewOwner,
	}
	next.VaultBalance = balance
	next.TotalVaultValue = total
	next.Seq = t.Seq
	return next, nil
}

// Fold applies transitions in order starting from grid.
func (r Rules) Fold(grid Grid, transitions []event.Transition) (Grid, error) {
	for _, t := range transitions {
		next, err := r.Apply(grid, t)
		if err != nil {
			return grid, err
		}
		grid = next
	}
	return grid, nil
}
