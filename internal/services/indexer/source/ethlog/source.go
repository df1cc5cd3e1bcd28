// Package ethlog indexes a deployed MessageVault contract through its
// CellPurchased logs.
package ethlog

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/source"
)

// Client is the subset of ethclient.Client the source uses.
type Client interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config configures a Source.
type Config struct {
	Contract   common.Address
	StartBlock uint64
	// Confirmations, when positive, treats blocks this far below the head as
	// final instead of asking the node for its finalized block.
	Confirmations uint64
}

// Source reads committed purchases from contract logs.
type Source struct {
	client     Client
	cfg        Config
	vaultEvent abi.Event

	mu sync.Mutex
	// seen maps recently observed seqs to their block numbers so Finalized
	// can translate a block height into a seq.
	seen map[uint64]uint64
	// finalSeq is the highest seq known to be final.
	finalSeq uint64
}

var (
	_ source.Source  = (*Source)(nil)
	_ source.Resumer = (*Source)(nil)
)

// Dial connects to an RPC endpoint and returns a source for the contract.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Source, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeSourceOffline, "dial rpc", err)
	}
	src, err := New(client, cfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return src, client.Close, nil
}

// New creates a source over client.
func New(client Client, cfg Config) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("rpc client is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("contract address is required")
	}
	vaultEvent, err := ParseABI()
	if err != nil {
		return nil, err
	}
	return &Source{client: client, cfg: cfg, vaultEvent: vaultEvent, seen: make(map[uint64]uint64)}, nil
}

func (s *Source) query(seqs []common.Hash) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(s.cfg.StartBlock),
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{{s.vaultEvent.ID}},
	}
	if len(seqs) > 0 {
		q.Topics = append(q.Topics, seqs)
	}
	return q
}

// Fetch filters logs by the indexed seq topic for (afterSeq, afterSeq+limit].
func (s *Source) Fetch(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error) {
	if limit <= 0 {
		return nil, nil
	}
	seqs := make([]common.Hash, 0, limit)
	for seq := afterSeq + 1; seq <= afterSeq+uint64(limit); seq++ {
		seqs = append(seqs, seqTopic(seq))
	}
	logs, err := s.client.FilterLogs(ctx, s.query(seqs))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSourceOffline, "filter logs", err)
	}

	bySeq := make(map[uint64]event.Transition, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		evt, err := decodeLog(s.vaultEvent, log)
		if err != nil {
			return nil, err
		}
		// A node can briefly return logs from two forks; keep the later block.
		if prev, ok := bySeq[evt.Seq]; ok && prev.Position.BlockNumber > evt.Position.BlockNumber {
			continue
		}
		bySeq[evt.Seq] = evt
	}

	out := make([]event.Transition, 0, len(bySeq))
	for seq := afterSeq + 1; seq <= afterSeq+uint64(limit); seq++ {
		evt, ok := bySeq[seq]
		if !ok {
			break
		}
		out = append(out, evt)
	}
	s.remember(out)
	return out, nil
}

func (s *Source) remember(events []event.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		s.seen[evt.Seq] = evt.Position.BlockNumber
	}
}

// Resume records the indexed checkpoint at seq. Fetch only reads past the
// checkpoint, so without it Finalized stays at zero after a restart until a
// new purchase is finalized.
func (s *Source) Resume(seq uint64, pos event.Position) {
	if seq == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.finalSeq {
		s.seen[seq] = pos.BlockNumber
	}
}

// Finalized maps the finalized block height onto the highest seq observed at
// or below it.
func (s *Source) Finalized(ctx context.Context) (uint64, error) {
	var finalBlock uint64
	if s.cfg.Confirmations > 0 {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.CodeSourceOffline, "block number", err)
		}
		if head > s.cfg.Confirmations {
			finalBlock = head - s.cfg.Confirmations
		}
	} else {
		header, err := s.client.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
		if err != nil {
			return 0, apperrors.Wrap(apperrors.CodeSourceOffline, "finalized header", err)
		}
		finalBlock = header.Number.Uint64()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, block := range s.seen {
		if block <= finalBlock {
			if seq > s.finalSeq {
				s.finalSeq = seq
			}
			delete(s.seen, seq)
		}
	}
	return s.finalSeq, nil
}

// Subscribe streams new logs. Removed logs surface as retractions.
func (s *Source) Subscribe(ctx context.Context, afterSeq uint64) (source.Stream, error) {
	logs := make(chan types.Log, 128)
	sub, err := s.client.SubscribeFilterLogs(ctx, s.query(nil), logs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSourceOffline, "subscribe logs", err)
	}
	return &stream{source: s, sub: sub, logs: logs, after: afterSeq}, nil
}

type stream struct {
	source *Source
	sub    ethereum.Subscription
	logs   chan types.Log
	after  uint64
}

// Next returns the next delivery. Logs at or below the subscription start
// are skipped.
func (st *stream) Next(ctx context.Context) (source.Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return source.Delivery{}, ctx.Err()
		case err, ok := <-st.sub.Err():
			if !ok || err == nil {
				return source.Delivery{}, source.ErrStreamClosed
			}
			return source.Delivery{}, apperrors.Wrap(apperrors.CodeSourceOffline, "log subscription", err)
		case log := <-st.logs:
			evt, err := decodeLog(st.source.vaultEvent, log)
			if err != nil {
				return source.Delivery{}, err
			}
			if log.Removed {
				return source.Delivery{Retracted: true, FromSeq: evt.Seq}, nil
			}
			if evt.Seq <= st.after {
				continue
			}
			st.source.remember([]event.Transition{evt})
			return source.Delivery{Events: []event.Transition{evt}}, nil
		}
	}
}

// Close unsubscribes.
func (st *stream) Close() error {
	st.sub.Unsubscribe()
	return nil
}
