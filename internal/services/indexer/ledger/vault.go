// Package ledger is an in-process authoritative executor of the grid auction.
//
// Vault serializes every purchase, commits accepted transitions to an
// append-only log with a block position, and serves that log as a
// source.Source. It also simulates reorganizations and outages so the
// indexer can be exercised without a chain.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/source"
)

// ErrReorgTooDeep reports a reorganization that would retract final events.
var ErrReorgTooDeep = errors.New("reorg depth reaches finalized history")

const subscriberBuffer = 64

// Config configures a Vault.
type Config struct {
	Rules auction.Rules
	// Owner is the deploying account reported by Owner.
	Owner common.Address
	// FinalityDepth is the number of most recent transitions that may still
	// be retracted. Zero makes every commit final immediately.
	FinalityDepth uint64
	Clock         func() time.Time
}

// Vault is the authoritative in-process ledger.
type Vault struct {
	mu          sync.Mutex
	rules       auction.Rules
	owner       common.Address
	finality    uint64
	clock       func() time.Time
	grid        auction.Grid
	log         []event.Transition
	epoch       uint64
	offline     bool
	subscribers map[*stream]struct{}
}

var _ source.Source = (*Vault)(nil)

// NewVault creates an empty ledger.
func NewVault(cfg Config) (*Vault, error) {
	if err := cfg.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("auction rules: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Vault{
		rules:       cfg.Rules,
		owner:       cfg.Owner,
		finality:    cfg.FinalityDepth,
		clock:       clock,
		grid:        cfg.Rules.NewGrid(),
		subscribers: make(map[*stream]struct{}),
	}, nil
}

// BuyCell attempts a purchase on behalf of bidder. Rejections are returned as
// coded errors; a BID_TOO_LOW rejection carries the minimum bid in metadata.
func (v *Vault) BuyCell(ctx context.Context, bidder common.Address, index int, content string, value uint256.Int) (event.Transition, error) {
	if err := ctx.Err(); err != nil {
		return event.Transition{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	decision := v.rules.Decide(v.grid, auction.Purchase{
		CellIndex: index,
		Bidder:    bidder,
		Content:   content,
		Value:     value,
		At:        v.clock(),
	})
	if !decision.Accepted() {
		return event.Transition{}, decision.Rejection.Err()
	}
	evt := decision.Transition
	evt.Position = v.positionFor(evt)
	next, err := v.rules.Apply(v.grid, evt)
	if err != nil {
		return event.Transition{}, apperrors.Wrap(apperrors.CodeUnknown, "commit purchase", err)
	}
	v.grid = next
	v.log = append(v.log, evt)
	v.broadcast(source.Delivery{Events: []event.Transition{evt}})
	return evt, nil
}

// positionFor chains block hashes over the log so a retraction followed by a
// new commit at the same seq yields a different hash.
func (v *Vault) positionFor(evt event.Transition) event.Position {
	var parent common.Hash
	if n := len(v.log); n > 0 {
		parent = v.log[n-1].Position.BlockHash
	}
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], evt.Seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(evt.CellIndex))
	binary.BigEndian.PutUint64(buf[16:24], v.epoch)
	hash := crypto.Keccak256Hash(parent.Bytes(), buf[:], evt.NewOwner.Bytes(), evt.NewPrice.Bytes(), []byte(evt.NewContent))
	return event.Position{BlockNumber: evt.Seq, BlockHash: hash}
}

// GetAllCells returns every cell ordered by index.
func (v *Vault) GetAllCells() []auction.Cell {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.grid.AllCells()
}

// GetMinimumPrice returns the minimum acceptable bid for a cell.
func (v *Vault) GetMinimumPrice(index int) (uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rules.MinimumAcceptableBid(v.grid, index)
}

// GetVaultBalance returns the escrowed balance.
func (v *Vault) GetVaultBalance() uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.grid.VaultBalance
}

// TotalVaultValue returns the cumulative value paid into the grid.
func (v *Vault) TotalVaultValue() uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.grid.TotalVaultValue
}

// Owner returns the deploying account.
func (v *Vault) Owner() common.Address {
	return v.owner
}

// GridWidth returns the configured grid width.
func (v *Vault) GridWidth() int {
	return v.rules.Width
}

// GridHeight returns the configured grid height.
func (v *Vault) GridHeight() int {
	return v.rules.Height
}

// Rules returns the auction rules the ledger enforces.
func (v *Vault) Rules() auction.Rules {
	return v.rules
}

// Grid returns a copy of the authoritative grid.
func (v *Vault) Grid() auction.Grid {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.grid.Clone()
}

// Head returns the seq of the last committed transition.
func (v *Vault) Head() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(len(v.log))
}

// FinalityDepth returns the number of retractable transitions.
func (v *Vault) FinalityDepth() uint64 {
	return v.finality
}

func (v *Vault) finalizedLocked() uint64 {
	head := uint64(len(v.log))
	if head <= v.finality {
		return 0
	}
	return head - v.finality
}

// Reorg retracts the last depth transitions and notifies subscribers.
func (v *Vault) Reorg(depth uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	head := uint64(len(v.log))
	if depth == 0 {
		return nil
	}
	if depth > head || head-depth < v.finalizedLocked() {
		return fmt.Errorf("%w: depth %d, head %d, finalized %d", ErrReorgTooDeep, depth, head, v.finalizedLocked())
	}
	kept := v.log[:head-depth]
	grid, err := v.rules.Fold(v.rules.NewGrid(), kept)
	if err != nil {
		return fmt.Errorf("rebuild grid after reorg: %w", err)
	}
	v.grid = grid
	v.log = append([]event.Transition(nil), kept...)
	v.epoch++
	v.broadcast(source.Delivery{Retracted: true, FromSeq: head - depth + 1})
	return nil
}

// SetOffline simulates losing the connection to the ledger. Open streams are
// closed and reads fail with source.ErrOffline until it is cleared.
func (v *Vault) SetOffline(offline bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.offline = offline
	if offline {
		for sub := range v.subscribers {
			sub.fail(source.ErrOffline)
			delete(v.subscribers, sub)
		}
	}
}

// Fetch returns committed transitions after afterSeq.
func (v *Vault) Fetch(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.offline {
		return nil, source.ErrOffline
	}
	return v.rangeLocked(afterSeq, limit), nil
}

func (v *Vault) rangeLocked(afterSeq uint64, limit int) []event.Transition {
	head := uint64(len(v.log))
	if afterSeq >= head || limit <= 0 {
		return nil
	}
	end := min(afterSeq+uint64(limit), head)
	return append([]event.Transition(nil), v.log[afterSeq:end]...)
}

// Finalized returns the highest final seq.
func (v *Vault) Finalized(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.offline {
		return 0, source.ErrOffline
	}
	return v.finalizedLocked(), nil
}

// Subscribe opens a live feed. Transitions already committed after afterSeq
// are delivered first.
func (v *Vault) Subscribe(ctx context.Context, afterSeq uint64) (source.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.offline {
		return nil, source.ErrOffline
	}
	sub := &stream{
		vault:  v,
		queue:  make(chan source.Delivery, subscriberBuffer),
		closed: make(chan struct{}),
	}
	head := uint64(len(v.log))
	switch {
	case afterSeq > head:
		// The subscriber is ahead of the canonical log, so its tail was retracted.
		sub.queue <- source.Delivery{Retracted: true, FromSeq: head + 1}
	case afterSeq < head:
		sub.queue <- source.Delivery{Events: v.rangeLocked(afterSeq, int(head-afterSeq))}
	}
	v.subscribers[sub] = struct{}{}
	return sub, nil
}

// broadcast fans a delivery out to subscribers. A subscriber that cannot keep
// up is dropped with source.ErrStreamClosed and must resubscribe.
func (v *Vault) broadcast(delivery source.Delivery) {
	for sub := range v.subscribers {
		select {
		case sub.queue <- delivery:
		default:
			sub.fail(source.ErrStreamClosed)
			delete(v.subscribers, sub)
		}
	}
}

func (v *Vault) unsubscribe(sub *stream) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.subscribers, sub)
}

type stream struct {
	vault  *Vault
	queue  chan source.Delivery
	once   sync.Once
	closed chan struct{}
	err    error
}

func (s *stream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.closed)
	})
}

// Next blocks until a delivery is available. Pending deliveries are drained
// before a failure is reported.
func (s *stream) Next(ctx context.Context) (source.Delivery, error) {
	select {
	case delivery := <-s.queue:
		return delivery, nil
	default:
	}
	select {
	case delivery := <-s.queue:
		return delivery, nil
	case <-s.closed:
		select {
		case delivery := <-s.queue:
			return delivery, nil
		default:
		}
		return source.Delivery{}, s.err
	case <-ctx.Done():
		return source.Delivery{}, ctx.Err()
	}
}

// Close ends the subscription.
func (s *stream) Close() error {
	s.vault.unsubscribe(s)
	s.fail(source.ErrStreamClosed)
	return nil
}
