package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/source"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

const milli = 1_000_000_000_000_000

func newTestVault(t *testing.T, finality uint64) *Vault {
	t.Helper()
	now := time.Unix(1700000000, 0)
	vault, err := NewVault(Config{
		Rules:         auction.DefaultRules(),
		Owner:         alice,
		FinalityDepth: finality,
		Clock: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return vault
}

func mustBuy(t *testing.T, v *Vault, bidder common.Address, index int, content string, value uint64) {
	t.Helper()
	if _, err := v.BuyCell(context.Background(), bidder, index, content, *uint256.NewInt(value)); err != nil {
		t.Fatalf("BuyCell(%d, %q, %d): %v", index, content, value, err)
	}
}

func TestBuyCellScenario(t *testing.T) {
	v := newTestVault(t, 0)
	ctx := context.Background()

	evt, err := v.BuyCell(ctx, alice, 5, "HELLO", *uint256.NewInt(milli))
	if err != nil {
		t.Fatalf("BuyCell: %v", err)
	}
	if evt.Seq != 1 || evt.Position.BlockNumber != 1 || evt.Position.BlockHash == (common.Hash{}) {
		t.Fatalf("transition = %+v", evt)
	}

	_, err = v.BuyCell(ctx, bob, 5, "WORLD", *uint256.NewInt(1_090_000_000_000_000))
	if apperrors.GetCode(err) != apperrors.CodeBidTooLow {
		t.Fatalf("err = %v, want BID_TOO_LOW", err)
	}
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) || domainErr.Metadata[auction.MetadataMinimum] != "1100000000000000" {
		t.Fatalf("rejection metadata = %+v", domainErr)
	}

	mustBuy(t, v, bob, 5, "WORLD", 1_100_000_000_000_000)
	cells := v.GetAllCells()
	if len(cells) != v.GridWidth()*v.GridHeight() {
		t.Fatalf("len(cells) = %d, want %d", len(cells), v.GridWidth()*v.GridHeight())
	}
	if cells[5].Owner != bob || cells[5].Content != "WORLD" {
		t.Fatalf("cell 5 = %+v", cells[5])
	}

	minimum, err := v.GetMinimumPrice(5)
	if err != nil {
		t.Fatalf("GetMinimumPrice: %v", err)
	}
	if minimum.Dec() != "1210000000000000" {
		t.Fatalf("minimum = %s, want 1210000000000000", minimum.Dec())
	}
	balance := v.GetVaultBalance()
	if balance.Dec() != "1100000000000000" {
		t.Fatalf("vault balance = %s, want refund policy balance 1100000000000000", balance.Dec())
	}
	total := v.TotalVaultValue()
	if total.Dec() != "2100000000000000" {
		t.Fatalf("total vault value = %s, want 2100000000000000", total.Dec())
	}
	if v.Owner() != alice {
		t.Fatalf("owner = %s, want %s", v.Owner().Hex(), alice.Hex())
	}
	if v.Head() != 2 {
		t.Fatalf("head = %d, want 2", v.Head())
	}
}

func TestRejectionsDoNotCommit(t *testing.T) {
	v := newTestVault(t, 0)
	ctx := context.Background()
	if _, err := v.BuyCell(ctx, alice, 100, "x", *uint256.NewInt(1)); apperrors.GetCode(err) != apperrors.CodeCellOutOfRange {
		t.Fatalf("err = %v, want CELL_OUT_OF_RANGE", err)
	}
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := v.BuyCell(ctx, alice, 1, string(long), *uint256.NewInt(1)); apperrors.GetCode(err) != apperrors.CodeContentTooLong {
		t.Fatalf("err = %v, want CONTENT_TOO_LONG", err)
	}
	if v.Head() != 0 {
		t.Fatalf("head = %d, want 0", v.Head())
	}
	events, err := v.Fetch(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("len(events) = %d, want 0", len(events))
	}
}

func TestFetchPages(t *testing.T) {
	v := newTestVault(t, 0)
	for i := 0; i < 5; i++ {
		mustBuy(t, v, alice, i, "x", 1)
	}
	page, err := v.Fetch(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 2 || page[1].Seq != 3 {
		t.Fatalf("page = %+v", page)
	}
	finalized, err := v.Finalized(context.Background())
	if err != nil || finalized != 5 {
		t.Fatalf("finalized = %d, %v; want 5", finalized, err)
	}
}

func TestSubscribeDeliversBacklogThenLive(t *testing.T) {
	v := newTestVault(t, 0)
	mustBuy(t, v, alice, 0, "a", 1)
	mustBuy(t, v, alice, 1, "b", 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream, err := v.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	backlog, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(backlog.Events) != 1 || backlog.Events[0].Seq != 2 {
		t.Fatalf("backlog = %+v", backlog)
	}
	mustBuy(t, v, bob, 2, "c", 1)
	live, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(live.Events) != 1 || live.Events[0].Seq != 3 {
		t.Fatalf("live = %+v", live)
	}
}

func TestReorgRetractsAndRehashes(t *testing.T) {
	v := newTestVault(t, 3)
	for i := 0; i < 5; i++ {
		mustBuy(t, v, alice, i, "x", 1)
	}
	stream, err := v.Subscribe(context.Background(), 5)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	finalized, _ := v.Finalized(context.Background())
	if finalized != 2 {
		t.Fatalf("finalized = %d, want 2", finalized)
	}
	if err := v.Reorg(4); !errors.Is(err, ErrReorgTooDeep) {
		t.Fatalf("err = %v, want ErrReorgTooDeep", err)
	}

	before, _ := v.Fetch(context.Background(), 3, 1)
	if err := v.Reorg(2); err != nil {
		t.Fatalf("Reorg: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !delivery.Retracted || delivery.FromSeq != 4 {
		t.Fatalf("delivery = %+v, want retraction from 4", delivery)
	}
	if v.Head() != 3 {
		t.Fatalf("head = %d, want 3", v.Head())
	}
	if cells := v.GetAllCells(); cells[3].Claimed() || cells[4].Claimed() {
		t.Fatal("retracted purchases still visible")
	}

	mustBuy(t, v, bob, 3, "y", 1)
	after, _ := v.Fetch(context.Background(), 3, 1)
	if after[0].Seq != before[0].Seq || after[0].Position.BlockHash == before[0].Position.BlockHash {
		t.Fatalf("recommitted seq %d kept block hash %s", after[0].Seq, after[0].Position.BlockHash.Hex())
	}
}

func TestSubscribeAheadOfHeadSignalsRetraction(t *testing.T) {
	v := newTestVault(t, 0)
	mustBuy(t, v, alice, 0, "a", 1)
	stream, err := v.Subscribe(context.Background(), 4)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()
	delivery, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !delivery.Retracted || delivery.FromSeq != 2 {
		t.Fatalf("delivery = %+v, want retraction from 2", delivery)
	}
}

func TestOfflineFailsReadsAndStreams(t *testing.T) {
	v := newTestVault(t, 0)
	stream, err := v.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	v.SetOffline(true)
	if _, err := stream.Next(context.Background()); !errors.Is(err, source.ErrOffline) {
		t.Fatalf("Next err = %v, want ErrOffline", err)
	}
	if _, err := v.Fetch(context.Background(), 0, 1); !errors.Is(err, source.ErrOffline) {
		t.Fatalf("Fetch err = %v, want ErrOffline", err)
	}
	if _, err := v.Subscribe(context.Background(), 0); !errors.Is(err, source.ErrOffline) {
		t.Fatalf("Subscribe err = %v, want ErrOffline", err)
	}
	v.SetOffline(false)
	if _, err := v.Fetch(context.Background(), 0, 1); err != nil {
		t.Fatalf("Fetch after reconnect: %v", err)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	v := newTestVault(t, 0)
	stream, err := v.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < subscriberBuffer+1; i++ {
		mustBuy(t, v, alice, i%100, "x", uint64(1+i*2))
	}
	var got int
	for {
		delivery, err := stream.Next(context.Background())
		if err != nil {
			if !errors.Is(err, source.ErrStreamClosed) {
				t.Fatalf("err = %v, want ErrStreamClosed", err)
			}
			break
		}
		got += len(delivery.Events)
	}
	if got != subscriberBuffer {
		t.Fatalf("delivered = %d, want %d", got, subscriberBuffer)
	}
}
