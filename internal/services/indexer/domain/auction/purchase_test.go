package auction

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// milli is 0.001 of a unit with 18 decimals.
const milli = 1_000_000_000_000_000

func wei(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

func buy(t *testing.T, rules Rules, grid Grid, p Purchase) Grid {
	t.Helper()
	decision := rules.Decide(grid, p)
	if !decision.Accepted() {
		t.Fatalf("purchase rejected: %s %s", decision.Rejection.Code, decision.Rejection.Message)
	}
	next, err := rules.Apply(grid, decision.Transition)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return next
}

func TestDecideOverwriteBoundary(t *testing.T) {
	rules := DefaultRules()
	grid := rules.NewGrid()

	grid = buy(t, rules, grid, Purchase{CellIndex: 5, Bidder: alice, Content: "HELLO", Value: wei(milli)})
	cell, _ := grid.Cell(5)
	if cell.Owner != alice || cell.Content != "HELLO" || !cell.Price.Eq(uint256.NewInt(milli)) {
		t.Fatalf("cell 5 = %+v", cell)
	}

	low := rules.Decide(grid, Purchase{CellIndex: 5, Bidder: bob, Content: "WORLD", Value: wei(1_090_000_000_000_000)})
	if low.Accepted() {
		t.Fatal("expected 0.00109 to be rejected")
	}
	if low.Rejection.Code != apperrors.CodeBidTooLow {
		t.Fatalf("code = %s, want %s", low.Rejection.Code, apperrors.CodeBidTooLow)
	}
	if got := low.Rejection.Minimum.Dec(); got != "1100000000000000" {
		t.Fatalf("minimum = %s, want 1100000000000000", got)
	}

	exact := rules.Decide(grid, Purchase{CellIndex: 5, Bidder: bob, Content: "WORLD", Value: wei(1_100_000_000_000_000)})
	if !exact.Accepted() {
		t.Fatalf("expected 0.0011 to be accepted: %s", exact.Rejection.Message)
	}
	if exact.Transition.PreviousOwner != alice || !exact.Transition.PreviousPrice.Eq(uint256.NewInt(milli)) {
		t.Fatalf("transition = %+v", exact.Transition)
	}
	if exact.Transition.Seq != 2 {
		t.Fatalf("seq = %d, want 2", exact.Transition.Seq)
	}
}

func TestDecideRejections(t *testing.T) {
	rules := DefaultRules()
	rules.MinFirstBid = wei(10)
	grid := rules.NewGrid()
	grid = buy(t, rules, grid, Purchase{CellIndex: 0, Bidder: alice, Content: "taken", Value: wei(100)})

	tests := []struct {
		name string
		p    Purchase
		want apperrors.Code
	}{
		{name: "negative index", p: Purchase{CellIndex: -1, Bidder: bob, Content: "x", Value: wei(10)}, want: apperrors.CodeCellOutOfRange},
		{name: "index past grid", p: Purchase{CellIndex: 100, Bidder: bob, Content: "x", Value: wei(10)}, want: apperrors.CodeCellOutOfRange},
		{name: "no bidder", p: Purchase{CellIndex: 1, Content: "x", Value: wei(10)}, want: apperrors.CodeBidderRequired},
		{name: "empty content", p: Purchase{CellIndex: 1, Bidder: bob, Value: wei(10)}, want: apperrors.CodeContentEmpty},
		{name: "invalid utf8", p: Purchase{CellIndex: 1, Bidder: bob, Content: "\xc3\x28", Value: wei(10)}, want: apperrors.CodeContentInvalid},
		{name: "content too long", p: Purchase{CellIndex: 1, Bidder: bob, Content: strings.Repeat("a", 101), Value: wei(10)}, want: apperrors.CodeContentTooLong},
		{name: "multibyte too long", p: Purchase{CellIndex: 1, Bidder: bob, Content: strings.Repeat("é", 51), Value: wei(10)}, want: apperrors.CodeContentTooLong},
		{name: "zero bid", p: Purchase{CellIndex: 1, Bidder: bob, Content: "x"}, want: apperrors.CodeBidTooLow},
		{name: "below first bid floor", p: Purchase{CellIndex: 1, Bidder: bob, Content: "x", Value: wei(9)}, want: apperrors.CodeBidTooLow},
		{name: "below overwrite", p: Purchase{CellIndex: 0, Bidder: bob, Content: "x", Value: wei(109)}, want: apperrors.CodeBidTooLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := rules.Decide(grid, tt.p)
			if decision.Accepted() {
				t.Fatal("expected rejection")
			}
			if decision.Rejection.Code != tt.want {
				t.Fatalf("code = %s, want %s", decision.Rejection.Code, tt.want)
			}
			if !errors.Is(decision.Rejection.Err(), apperrors.New(tt.want, "")) {
				t.Fatalf("Err() does not carry code %s", tt.want)
			}
		})
	}

	ok := rules.Decide(grid, Purchase{CellIndex: 1, Bidder: bob, Content: strings.Repeat("é", 50), Value: wei(10)})
	if !ok.Accepted() {
		t.Fatalf("expected 100-byte content at the floor to be accepted: %s", ok.Rejection.Message)
	}
}

func TestDecideValueOverflow(t *testing.T) {
	rules := DefaultRules()
	grid := rules.NewGrid()
	var max uint256.Int
	max.SetAllOne()
	grid = buy(t, rules, grid, Purchase{CellIndex: 0, Bidder: alice, Content: "max", Value: max})

	decision := rules.Decide(grid, Purchase{CellIndex: 1, Bidder: bob, Content: "more", Value: wei(1)})
	if decision.Accepted() || decision.Rejection.Code != apperrors.CodeValueOverflow {
		t.Fatalf("decision = %+v, want VALUE_OVERFLOW", decision.Rejection)
	}
	overwrite := rules.Decide(grid, Purchase{CellIndex: 0, Bidder: bob, Content: "more", Value: max})
	if overwrite.Accepted() || overwrite.Rejection.Code != apperrors.CodeValueOverflow {
		t.Fatalf("overwrite = %+v, want VALUE_OVERFLOW", overwrite.Rejection)
	}
	if _, err := rules.MinimumAcceptableBid(grid, 0); apperrors.GetCode(err) != apperrors.CodeValueOverflow {
		t.Fatalf("minimum err = %v, want VALUE_OVERFLOW", err)
	}
}

func TestRejectionErrCarriesMinimum(t *testing.T) {
	minimum := wei(1100)
	err := Rejection{Code: apperrors.CodeBidTooLow, Message: "low", Minimum: &minimum}.Err()
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		t.Fatalf("err = %T, want *errors.Error", err)
	}
	if domainErr.Metadata[MetadataMinimum] != "1100" {
		t.Fatalf("metadata = %v", domainErr.Metadata)
	}
}

func TestMinimumAcceptableBid(t *testing.T) {
	rules := DefaultRules()
	grid := rules.NewGrid()

	got, err := rules.MinimumAcceptableBid(grid, 3)
	if err != nil {
		t.Fatalf("MinimumAcceptableBid: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("minimum = %s, want 0", got.Dec())
	}

	grid = buy(t, rules, grid, Purchase{CellIndex: 3, Bidder: alice, Content: "a", Value: wei(15)})
	got, err = rules.MinimumAcceptableBid(grid, 3)
	if err != nil {
		t.Fatalf("MinimumAcceptableBid: %v", err)
	}
	// floor(15 * 1.1) = 16
	if got.Uint64() != 16 {
		t.Fatalf("minimum = %s, want 16", got.Dec())
	}

	if _, err := rules.MinimumAcceptableBid(grid, 100); apperrors.GetCode(err) != apperrors.CodeCellOutOfRange {
		t.Fatalf("err = %v, want CELL_OUT_OF_RANGE", err)
	}
}

func TestDecideIsPure(t *testing.T) {
	rules := DefaultRules()
	grid := rules.NewGrid()
	before := grid.Clone()
	decision := rules.Decide(grid, Purchase{CellIndex: 2, Bidder: alice, Content: "x", Value: wei(5), At: time.Unix(10, 0)})
	if !decision.Accepted() {
		t.Fatal("expected acceptance")
	}
	if grid.Cells[2] != before.Cells[2] || grid.Seq != before.Seq {
		t.Fatal("Decide mutated its input grid")
	}
	if !decision.Transition.Timestamp.Equal(time.Unix(10, 0)) {
		t.Fatalf("timestamp = %v", decision.Transition.Timestamp)
	}
}
