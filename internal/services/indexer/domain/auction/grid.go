package auction

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Cell is one addressable slot on the grid.
//
// An unclaimed cell has zero price, empty content and the zero owner.
type Cell struct {
	Index   int
	Content string
	Price   uint256.Int
	Owner   common.Address
}

// Claimed reports whether someone owns the cell.
func (c Cell) Claimed() bool {
	return !c.Price.IsZero()
}

func (c Cell) consistent() bool {
	priceZero := c.Price.IsZero()
	return priceZero == (c.Content == "") && priceZero == (c.Owner == common.Address{})
}

// Grid is the full auction state at sequence Seq.
type Grid struct {
	Width           int
	Height          int
	Cells           []Cell
	VaultBalance    uint256.Int
	TotalVaultValue uint256.Int
	Seq             uint64
}

// Size returns the number of cells.
func (g Grid) Size() int {
	return len(g.Cells)
}

// Cell returns the cell at index.
func (g Grid) Cell(index int) (Cell, bool) {
	if index < 0 || index >= len(g.Cells) {
		return Cell{}, false
	}
	return g.Cells[index], true
}

// AllCells returns a copy of every cell ordered by index.
func (g Grid) AllCells() []Cell {
	return append([]Cell(nil), g.Cells...)
}

// Claimed returns the number of owned cells.
func (g Grid) Claimed() int {
	n := 0
	for _, cell := range g.Cells {
		if cell.Claimed() {
			n++
		}
	}
	return n
}

// Clone returns a grid that shares no memory with g.
func (g Grid) Clone() Grid {
	g.Cells = g.AllCells()
	return g
}

// CheckInvariants verifies the cell and vault invariants of a grid built by r.
func (r Rules) CheckInvariants(g Grid) error {
	if g.Width != r.Width || g.Height != r.Height || len(g.Cells) != r.Size() {
		return fmt.Errorf("grid is %dx%d with %d cells, want %dx%d", g.Width, g.Height, len(g.Cells), r.Width, r.Height)
	}
	var sum uint256.Int
	for i, cell := range g.Cells {
		if cell.Index != i {
			return fmt.Errorf("cell %d stored at position %d", cell.Index, i)
		}
		if !cell.consistent() {
			return fmt.Errorf("cell %d has inconsistent price, content and owner", i)
		}
		if _, overflow := sum.AddOverflow(&sum, &cell.Price); overflow {
			return fmt.Errorf("cell prices overflow")
		}
	}
	if g.VaultBalance.Gt(&g.TotalVaultValue) {
		return fmt.Errorf("vault balance %s exceeds total value %s", g.VaultBalance.Dec(), g.TotalVaultValue.Dec())
	}
	if r.Policy == PolicyRefund && !sum.Eq(&g.VaultBalance) {
		return fmt.Errorf("vault balance %s, want sum of prices %s", g.VaultBalance.Dec(), sum.Dec())
	}
	return nil
}
