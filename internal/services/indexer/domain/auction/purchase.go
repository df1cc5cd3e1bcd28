package auction

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
)

// MetadataMinimum is the rejection metadata key carrying the smallest
// acceptable bid, in base 10.
const MetadataMinimum = "minimum"

// Purchase is an attempt to buy or overwrite a cell.
type Purchase struct {
	CellIndex int
	Bidder    common.Address
	Content   string
	Value     uint256.Int
	At        time.Time
}

// Rejection explains why a purchase was declined.
type Rejection struct {
	Code    apperrors.Code
	Message string
	// Minimum is set for BID_TOO_LOW rejections.
	Minimum *uint256.Int
}

// Err converts the rejection into a coded error for transport layers.
func (r Rejection) Err() error {
	if r.Minimum == nil {
		return apperrors.New(r.Code, r.Message)
	}
	return apperrors.WithMetadata(r.Code, r.Message, map[string]string{MetadataMinimum: r.Minimum.Dec()})
}

// Decision is the pure outcome of a purchase attempt. Exactly one of
// Transition or Rejection is meaningful.
type Decision struct {
	Transition event.Transition
	Rejection  *Rejection
}

// Accepted reports whether the purchase produced a transition.
func (d Decision) Accepted() bool {
	return d.Rejection == nil
}

func reject(code apperrors.Code, format string, args ...any) Decision {
	return Decision{Rejection: &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Decide evaluates a purchase against grid and returns the transition the
// ledger would commit. The proposed transition carries seq grid.Seq+1.
func (r Rules) Decide(grid Grid, p Purchase) Decision {
	if p.CellIndex < 0 || p.CellIndex >= grid.Size() {
		return reject(apperrors.CodeCellOutOfRange, "cell %d is outside [0, %d)", p.CellIndex, grid.Size())
	}
	if p.Bidder == (common.Address{}) {
		return reject(apperrors.CodeBidderRequired, "bidder is required")
	}
	if rej := r.checkContent(p.Content); rej != nil {
		return Decision{Rejection: rej}
	}
	cell := grid.Cells[p.CellIndex]
	if rej := r.checkBid(cell, p.Value); rej != nil {
		return Decision{Rejection: rej}
	}
	if _, _, err := r.nextVault(grid, cell.Price, p.Value); err != nil {
		return reject(apperrors.CodeValueOverflow, "%v", err)
	}
	return Decision{Transition: event.Transition{
		Seq:           grid.Seq + 1,
		CellIndex:     p.CellIndex,
		PreviousOwner: cell.Owner,
		NewOwner:      p.Bidder,
		PreviousPrice: cell.Price,
		NewPrice:      p.Value,
		NewContent:    p.Content,
		Timestamp:     p.At.UTC(),
	}}
}

// MinimumAcceptableBid returns the overwrite threshold for a claimed cell, or
// the configured first-bid floor for an unclaimed one. Bids must also be
// strictly positive, so an unclaimed cell with no floor reports zero and
// requires a bid of at least one unit.
func (r Rules) MinimumAcceptableBid(grid Grid, index int) (uint256.Int, error) {
	cell, ok := grid.Cell(index)
	if !ok {
		return uint256.Int{}, apperrors.New(apperrors.CodeCellOutOfRange, fmt.Sprintf("cell %d is outside [0, %d)", index, grid.Size()))
	}
	if !cell.Claimed() {
		return r.MinFirstBid, nil
	}
	minimum, overflow := r.overwriteMinimum(cell.Price)
	if overflow {
		return uint256.Int{}, apperrors.New(apperrors.CodeValueOverflow, "minimum bid overflows")
	}
	return minimum, nil
}

// overwriteMinimum is floor(price * IncrementPercent / 100).
func (r Rules) overwriteMinimum(price uint256.Int) (uint256.Int, bool) {
	var minimum uint256.Int
	_, overflow := minimum.MulDivOverflow(&price, uint256.NewInt(r.IncrementPercent), uint256.NewInt(100))
	return minimum, overflow
}

func (r Rules) checkContent(content string) *Rejection {
	switch {
	case content == "":
		return &Rejection{Code: apperrors.CodeContentEmpty, Message: "content is required"}
	case !utf8.ValidString(content):
		return &Rejection{Code: apperrors.CodeContentInvalid, Message: "content must be valid UTF-8"}
	case len(content) > r.MaxContentBytes:
		return &Rejection{
			Code:    apperrors.CodeContentTooLong,
			Message: fmt.Sprintf("content is %d bytes, limit is %d", len(content), r.MaxContentBytes),
		}
	}
	return nil
}

func (r Rules) checkBid(cell Cell, value uint256.Int) *Rejection {
	var minimum uint256.Int
	if cell.Claimed() {
		var overflow bool
		minimum, overflow = r.overwriteMinimum(cell.Price)
		if overflow {
			return &Rejection{Code: apperrors.CodeValueOverflow, Message: "minimum bid overflows"}
		}
	} else {
		minimum = r.MinFirstBid
	}
	if minimum.IsZero() {
		minimum.SetOne()
	}
	if value.Lt(&minimum) {
		return &Rejection{
			Code:    apperrors.CodeBidTooLow,
			Message: fmt.Sprintf("bid %s is below minimum %s", value.Dec(), minimum.Dec()),
			Minimum: &minimum,
		}
	}
	return nil
}

// nextVault computes the vault totals after a bid of value displaces
// previousPrice.
func (r Rules) nextVault(grid Grid, previousPrice, value uint256.Int) (balance, total uint256.Int, err error) {
	if _, overflow := total.AddOverflow(&grid.TotalVaultValue, &value); overflow {
		return balance, total, fmt.Errorf("total vault value overflows")
	}
	balance = grid.VaultBalance
	if r.Policy == PolicyRefund {
		if balance.Lt(&previousPrice) {
			return balance, total, fmt.Errorf("vault balance %s cannot refund %s", balance.Dec(), previousPrice.Dec())
		}
		balance.Sub(&balance, &previousPrice)
	}
	if _, overflow := balance.AddOverflow(&balance, &value); overflow {
		return balance, total, fmt.Errorf("vault balance overflows")
	}
	return balance, total, nil
}
