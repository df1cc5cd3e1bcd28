package event

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestTransitionValidate(t *testing.T) {
	valid := wantTransitions()[1]

	tests := []struct {
		name   string
		mutate func(*Transition)
		want   error
	}{
		{name: "valid"},
		{name: "zero seq", mutate: func(t *Transition) { t.Seq = 0 }, want: ErrMalformed},
		{name: "negative cell", mutate: func(t *Transition) { t.CellIndex = -1 }, want: ErrSchemaMismatch},
		{name: "cell past grid", mutate: func(t *Transition) { t.CellIndex = 100 }, want: ErrSchemaMismatch},
		{name: "no owner", mutate: func(t *Transition) { t.NewOwner = common.Address{} }, want: ErrSchemaMismatch},
		{name: "zero price", mutate: func(t *Transition) { t.NewPrice = uint256.Int{} }, want: ErrSchemaMismatch},
		{name: "empty content", mutate: func(t *Transition) { t.NewContent = "" }, want: ErrSchemaMismatch},
		{name: "invalid utf8", mutate: func(t *Transition) { t.NewContent = "\xff" }, want: ErrSchemaMismatch},
		{name: "owner without price", mutate: func(t *Transition) { t.PreviousPrice = uint256.Int{} }, want: ErrSchemaMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := valid
			if tt.mutate != nil {
				tt.mutate(&evt)
			}
			err := evt.Validate(100)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSamePosition(t *testing.T) {
	a := wantTransitions()[0]
	a.Position = Position{BlockNumber: 1, BlockHash: common.HexToHash("0xaa")}
	b := a
	if !a.SamePosition(b) {
		t.Fatal("expected identical transitions to share position")
	}
	b.Position.BlockHash = common.HexToHash("0xbb")
	if a.SamePosition(b) {
		t.Fatal("expected different block hash to differ")
	}
	if !(Position{}).IsZero() {
		t.Fatal("expected zero position")
	}
}

func TestNormalizedTruncatesToSeconds(t *testing.T) {
	evt := wantTransitions()[0]
	evt.Timestamp = time.Unix(1700000000, 987654321).In(time.FixedZone("UTC-3", -3*60*60))

	got := evt.Normalized()
	want := time.Unix(1700000000, 0)
	if !got.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, want)
	}
	if got.Timestamp.Location() != time.UTC {
		t.Fatalf("location = %v, want UTC", got.Timestamp.Location())
	}
	if evt.Timestamp.Nanosecond() == 0 {
		t.Fatal("Normalized changed the receiver")
	}

	evt.Timestamp = time.Time{}
	if !evt.Normalized().Timestamp.IsZero() {
		t.Fatal("zero timestamp should stay zero")
	}
}
