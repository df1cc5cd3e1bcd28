package event

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
)

// ErrMalformed reports a wire row that cannot be normalized into a Transition.
var ErrMalformed = apperrors.New(apperrors.CodeEventMalformed, "malformed event")

// ErrSchemaMismatch reports a well-formed event that cannot belong to this grid,
// such as a cell index outside the configured dimensions.
var ErrSchemaMismatch = apperrors.New(apperrors.CodeSchemaMismatch, "event does not match grid schema")

// Position is the ledger-native location of a committed event.
type Position struct {
	BlockNumber uint64
	BlockHash   common.Hash
	LogIndex    uint
}

// IsZero reports whether no ledger position was recorded.
func (p Position) IsZero() bool {
	return p.BlockNumber == 0 && p.BlockHash == (common.Hash{}) && p.LogIndex == 0
}

// Transition is an immutable record of one accepted purchase.
//
// Seq is the ledger-assigned purchase counter: contiguous, starting at 1.
type Transition struct {
	Seq           uint64
	CellIndex     int
	PreviousOwner common.Address
	NewOwner      common.Address
	PreviousPrice uint256.Int
	NewPrice      uint256.Int
	NewContent    string
	Timestamp     time.Time
	Position      Position
}

// SamePosition reports whether both events were committed at the same ledger
// location. The same seq at a different position means history was rewritten.
func (t Transition) SamePosition(other Transition) bool {
	return t.Seq == other.Seq && t.Position == other.Position
}

// Normalized returns t with its timestamp at the ledger's whole-second
// precision in UTC. Stores persist normalized transitions so every backend
// returns the same value for the same event.
func (t Transition) Normalized() Transition {
	if !t.Timestamp.IsZero() {
		t.Timestamp = t.Timestamp.Truncate(time.Second).UTC()
	}
	return t
}

// Validate checks the structural shape of a transition against a grid of
// gridSize cells. Rule checks (minimum bid, previous owner) live in auction.
func (t Transition) Validate(gridSize int) error {
	if t.Seq == 0 {
		return fmt.Errorf("%w: sequence number must be positive", ErrMalformed)
	}
	if t.CellIndex < 0 || t.CellIndex >= gridSize {
		return fmt.Errorf("%w: seq %d references cell %d outside [0, %d)", ErrSchemaMismatch, t.Seq, t.CellIndex, gridSize)
	}
	if t.NewOwner == (common.Address{}) {
		return fmt.Errorf("%w: seq %d has no new owner", ErrSchemaMismatch, t.Seq)
	}
	if t.NewPrice.IsZero() {
		return fmt.Errorf("%w: seq %d has zero price", ErrSchemaMismatch, t.Seq)
	}
	if t.NewContent == "" || !utf8.ValidString(t.NewContent) {
		return fmt.Errorf("%w: seq %d has empty or invalid content", ErrSchemaMismatch, t.Seq)
	}
	if t.PreviousPrice.IsZero() != (t.PreviousOwner == common.Address{}) {
		return fmt.Errorf("%w: seq %d previous owner and price disagree", ErrSchemaMismatch, t.Seq)
	}
	return nil
}
