package ethlog

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/source"
)

var (
	contract = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeSubscription struct {
	errs chan error
}

func (s *fakeSubscription) Unsubscribe()      {}
func (s *fakeSubscription) Err() <-chan error { return s.errs }

type fakeClient struct {
	logs      []types.Log
	queries   []ethereum.FilterQuery
	head      uint64
	finalized uint64
	err       error
	sink      chan<- types.Log
	sub       *fakeSubscription
}

func (c *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.queries = append(c.queries, q)
	if c.err != nil {
		return nil, c.err
	}
	want := map[common.Hash]bool{}
	if len(q.Topics) > 1 {
		for _, topic := range q.Topics[1] {
			want[topic] = true
		}
	}
	var out []types.Log
	for _, log := range c.logs {
		if len(want) == 0 || want[log.Topics[1]] {
			out = append(out, log)
		}
	}
	return out, nil
}

func (c *fakeClient) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.sink = ch
	c.sub = &fakeSubscription{errs: make(chan error, 1)}
	return c.sub, nil
}

func (c *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if c.err != nil {
		return nil, c.err
	}
	if number.Int64() != -3 {
		return nil, errors.New("expected finalized tag")
	}
	return &types.Header{Number: new(big.Int).SetUint64(c.finalized)}, nil
}

func (c *fakeClient) BlockNumber(context.Context) (uint64, error) {
	return c.head, c.err
}

func purchaseLog(t *testing.T, seq uint64, cell int64, owner, previous common.Address, prevPrice, price int64, content string, block uint64) types.Log {
	t.Helper()
	vaultEvent, err := ParseABI()
	if err != nil {
		t.Fatalf("ParseABI: %v", err)
	}
	data, err := vaultEvent.Inputs.NonIndexed().Pack(previous, big.NewInt(prevPrice), big.NewInt(price), content, big.NewInt(1700000000+int64(seq)))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			vaultEvent.ID,
			seqTopic(seq),
			common.BigToHash(big.NewInt(cell)),
			common.BytesToHash(owner.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block*1000 + seq)),
		Index:       uint(seq % 3),
	}
}

func newTestSource(t *testing.T, client *fakeClient, cfg Config) *Source {
	t.Helper()
	cfg.Contract = contract
	src, err := New(client, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return src
}

func TestFetchDecodesOrderedRange(t *testing.T) {
	client := &fakeClient{logs: []types.Log{
		purchaseLog(t, 2, 5, bob, alice, 1000, 1100, "WORLD", 11),
		purchaseLog(t, 1, 5, alice, common.Address{}, 0, 1000, "HELLO", 10),
		purchaseLog(t, 4, 1, bob, common.Address{}, 0, 7, "later", 13),
	}}
	src := newTestSource(t, client, Config{StartBlock: 9})

	got, err := src.Fetch(context.Background(), 0, 5)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// seq 3 is missing so the page stops at 2
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	first := got[0]
	if first.Seq != 1 || first.CellIndex != 5 || first.NewOwner != alice || first.NewContent != "HELLO" {
		t.Fatalf("first = %+v", first)
	}
	if first.NewPrice.Uint64() != 1000 || !first.PreviousPrice.IsZero() {
		t.Fatalf("first prices = %s/%s", first.PreviousPrice.Dec(), first.NewPrice.Dec())
	}
	if !first.Timestamp.Equal(time.Unix(1700000001, 0)) {
		t.Fatalf("timestamp = %v", first.Timestamp)
	}
	if err := first.Validate(100); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	second := got[1]
	if second.PreviousOwner != alice || second.Position.BlockNumber != 11 {
		t.Fatalf("second = %+v", second)
	}

	q := client.queries[0]
	if q.FromBlock.Uint64() != 9 || len(q.Addresses) != 1 || q.Addresses[0] != contract {
		t.Fatalf("query = %+v", q)
	}
	if len(q.Topics) != 2 || len(q.Topics[1]) != 5 || q.Topics[1][0] != seqTopic(1) {
		t.Fatalf("topics = %v", q.Topics)
	}
}

func TestFetchWrapsTransportErrors(t *testing.T) {
	src := newTestSource(t, &fakeClient{err: errors.New("connection refused")}, Config{})
	_, err := src.Fetch(context.Background(), 0, 1)
	if !errors.Is(err, source.ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
}

func TestFetchRejectsForeignLogs(t *testing.T) {
	bad := purchaseLog(t, 1, 5, alice, common.Address{}, 0, 10, "x", 1)
	bad.Topics[0] = common.HexToHash("0x01")
	src := newTestSource(t, &fakeClient{logs: []types.Log{bad}}, Config{})
	if _, err := src.Fetch(context.Background(), 0, 1); !errors.Is(err, event.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestFinalizedTracksObservedSeqs(t *testing.T) {
	client := &fakeClient{
		logs: []types.Log{
			purchaseLog(t, 1, 0, alice, common.Address{}, 0, 1, "a", 10),
			purchaseLog(t, 2, 1, alice, common.Address{}, 0, 1, "b", 20),
		},
		finalized: 15,
	}
	src := newTestSource(t, client, Config{})
	if _, err := src.Fetch(context.Background(), 0, 10); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := src.Finalized(context.Background())
	if err != nil {
		t.Fatalf("Finalized: %v", err)
	}
	if got != 1 {
		t.Fatalf("finalized = %d, want 1", got)
	}

	confirmed := newTestSource(t, &fakeClient{logs: client.logs, head: 26}, Config{Confirmations: 6})
	if _, err := confirmed.Fetch(context.Background(), 0, 10); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err = confirmed.Finalized(context.Background())
	if err != nil {
		t.Fatalf("Finalized: %v", err)
	}
	if got != 2 {
		t.Fatalf("finalized = %d, want 2", got)
	}
}

func TestFinalizedAdvancesFromResumedCheckpoint(t *testing.T) {
	client := &fakeClient{finalized: 40}
	src := newTestSource(t, client, Config{})
	src.Resume(7, event.Position{BlockNumber: 50})

	got, err := src.Finalized(context.Background())
	if err != nil {
		t.Fatalf("Finalized: %v", err)
	}
	if got != 0 {
		t.Fatalf("finalized = %d, want 0 while block 50 is unfinalized", got)
	}

	client.finalized = 50
	got, err = src.Finalized(context.Background())
	if err != nil {
		t.Fatalf("Finalized: %v", err)
	}
	if got != 7 {
		t.Fatalf("finalized = %d, want 7", got)
	}

	// A restart at genesis records nothing.
	fresh := newTestSource(t, &fakeClient{finalized: 100}, Config{})
	fresh.Resume(0, event.Position{})
	if got, err := fresh.Finalized(context.Background()); err != nil || got != 0 {
		t.Fatalf("finalized = %d, %v, want 0", got, err)
	}
}

func TestSubscribeStreamsAndRetracts(t *testing.T) {
	client := &fakeClient{}
	src := newTestSource(t, client, Config{})
	stream, err := src.Subscribe(context.Background(), 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	old := purchaseLog(t, 1, 0, alice, common.Address{}, 0, 1, "a", 10)
	live := purchaseLog(t, 2, 1, bob, common.Address{}, 0, 1, "b", 11)
	removed := live
	removed.Removed = true
	client.sink <- old
	client.sink <- live
	client.sink <- removed

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(delivery.Events) != 1 || delivery.Events[0].Seq != 2 {
		t.Fatalf("delivery = %+v, want seq 2", delivery)
	}
	delivery, err = stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !delivery.Retracted || delivery.FromSeq != 2 {
		t.Fatalf("delivery = %+v, want retraction from 2", delivery)
	}

	client.sub.errs <- errors.New("ws closed")
	if _, err := stream.Next(ctx); apperrors.GetCode(err) != apperrors.CodeSourceOffline {
		t.Fatalf("err = %v, want SOURCE_OFFLINE", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, Config{Contract: contract}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := New(&fakeClient{}, Config{}); err == nil {
		t.Fatal("expected error for missing contract")
	}
}
