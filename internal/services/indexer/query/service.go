// Package query serves read-only views of the committed projection.
//
// Every view is built from a single committed snapshot and reports the seq it
// reflects as AsOfSeq, so a client can tell how fresh the answer is.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/consumer"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage"
)

const (
	// DefaultLimit is the history page size when none is requested.
	DefaultLimit = 20
	// MaxLimit caps history pages.
	MaxLimit = 200
)

// ErrStoreRequired indicates a nil projection reader.
var ErrStoreRequired = errors.New("projection reader is required")

// StatusReporter exposes the consumer lifecycle.
type StatusReporter interface {
	Status() consumer.Status
}

// Config wires a Service.
type Config struct {
	Store storage.ProjectionReader
	Rules auction.Rules
	// Consumer is optional; without it Status reports no consumer state.
	Consumer StatusReporter
}

// Service answers queries from committed projection state.
type Service struct {
	store    storage.ProjectionReader
	rules    auction.Rules
	consumer StatusReporter
}

// NewService validates cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("auction rules: %w", err)
	}
	return &Service{store: cfg.Store, rules: cfg.Rules, consumer: cfg.Consumer}, nil
}

// CellView is one cell as served to clients. Amounts are base-10 strings.
type CellView struct {
	Index      int    `json:"index"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Content    string `json:"content"`
	Price      string `json:"price"`
	Owner      string `json:"owner,omitempty"`
	Claimed    bool   `json:"claimed"`
	MinimumBid string `json:"minimumBid"`
}

// VaultView summarizes the escrow.
type VaultView struct {
	Balance    string `json:"balance"`
	TotalValue string `json:"totalValue"`
	Claimed    int    `json:"claimed"`
	Policy     string `json:"policy"`
}

// GridView is a full grid snapshot.
type GridView struct {
	AsOfSeq uint64     `json:"asOfSeq"`
	Width   int        `json:"width"`
	Height  int        `json:"height"`
	Cells   []CellView `json:"cells"`
	Vault   VaultView  `json:"vault"`
}

// CellResponse wraps a single cell.
type CellResponse struct {
	AsOfSeq uint64   `json:"asOfSeq"`
	Cell    CellView `json:"cell"`
}

// VaultResponse wraps the vault summary.
type VaultResponse struct {
	AsOfSeq uint64 `json:"asOfSeq"`
	VaultView
}

// HistoryResponse lists transitions, most recent first.
type HistoryResponse struct {
	AsOfSeq     uint64         `json:"asOfSeq"`
	Transitions []event.Record `json:"transitions"`
}

// StatusResponse reports indexing progress.
type StatusResponse struct {
	AsOfSeq     uint64    `json:"asOfSeq"`
	BlockNumber uint64    `json:"blockNumber"`
	BlockHash   string    `json:"blockHash,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
	State       string    `json:"state,omitempty"`
	StateSince  time.Time `json:"stateSince,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
	Applied     uint64    `json:"applied"`
	Reorgs      uint64    `json:"reorgs"`
}

// Cells returns the latest grid.
func (s *Service) Cells(ctx context.Context) (GridView, error) {
	grid, err := s.store.Grid(ctx)
	if err != nil {
		return GridView{}, fmt.Errorf("load grid: %w", err)
	}
	return s.gridView(grid), nil
}

// Cell returns one cell of the latest grid.
func (s *Service) Cell(ctx context.Context, index int) (CellResponse, error) {
	grid, err := s.store.Grid(ctx)
	if err != nil {
		return CellResponse{}, fmt.Errorf("load grid: %w", err)
	}
	cell, ok := grid.Cell(index)
	if !ok {
		return CellResponse{}, apperrors.New(apperrors.CodeCellOutOfRange,
			fmt.Sprintf("cell %d is outside [0, %d)", index, grid.Size()))
	}
	return CellResponse{AsOfSeq: grid.Seq, Cell: s.cellView(grid, cell)}, nil
}

// Vault returns the escrow summary of the latest grid.
func (s *Service) Vault(ctx context.Context) (VaultResponse, error) {
	grid, err := s.store.Grid(ctx)
	if err != nil {
		return VaultResponse{}, fmt.Errorf("load grid: %w", err)
	}
	return VaultResponse{AsOfSeq: grid.Seq, VaultView: s.vaultView(grid)}, nil
}

// Recent returns up to limit transitions across the grid, most recent first.
func (s *Service) Recent(ctx context.Context, limit int) (HistoryResponse, error) {
	return s.history(ctx, limit, func(limit int) ([]event.Transition, error) {
		return s.store.History(ctx, limit)
	})
}

// CellHistory returns up to limit transitions of one cell, most recent first.
func (s *Service) CellHistory(ctx context.Context, index, limit int) (HistoryResponse, error) {
	if index < 0 || index >= s.rules.Size() {
		return HistoryResponse{}, apperrors.New(apperrors.CodeCellOutOfRange,
			fmt.Sprintf("cell %d is outside [0, %d)", index, s.rules.Size()))
	}
	return s.history(ctx, limit, func(limit int) ([]event.Transition, error) {
		return s.store.CellHistory(ctx, index, limit)
	})
}

// history pins the page to the checkpoint read first, so transitions applied
// while the page is read are left out.
func (s *Service) history(ctx context.Context, limit int, load func(int) ([]event.Transition, error)) (HistoryResponse, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return HistoryResponse{}, err
	}
	checkpoint, err := s.store.Checkpoint(ctx)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("load checkpoint: %w", err)
	}
	transitions, err := load(limit)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("load history: %w", err)
	}
	records := make([]event.Record, 0, len(transitions))
	for _, t := range transitions {
		if t.Seq > checkpoint.Seq {
			continue
		}
		records = append(records, event.ToRecord(t))
	}
	return HistoryResponse{AsOfSeq: checkpoint.Seq, Transitions: records}, nil
}

// SnapshotAt returns the grid as of seq.
func (s *Service) SnapshotAt(ctx context.Context, seq uint64) (GridView, error) {
	grid, err := s.store.SnapshotAt(ctx, seq)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return GridView{}, apperrors.Wrap(apperrors.CodeNotFound,
				fmt.Sprintf("seq %d is beyond the projection", seq), err)
		}
		return GridView{}, fmt.Errorf("snapshot at %d: %w", seq, err)
	}
	return s.gridView(grid), nil
}

// Status reports the checkpoint and, when wired, the consumer state.
func (s *Service) Status(ctx context.Context) (StatusResponse, error) {
	checkpoint, err := s.store.Checkpoint(ctx)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("load checkpoint: %w", err)
	}
	resp := StatusResponse{
		AsOfSeq:     checkpoint.Seq,
		BlockNumber: checkpoint.Position.BlockNumber,
		UpdatedAt:   checkpoint.UpdatedAt,
	}
	if checkpoint.Position.BlockHash != (common.Hash{}) {
		resp.BlockHash = checkpoint.Position.BlockHash.Hex()
	}
	if s.consumer != nil {
		status := s.consumer.Status()
		resp.State = string(status.State)
		resp.StateSince = status.Since
		resp.LastError = status.LastError
		resp.Applied = status.Applied
		resp.Reorgs = status.Reorgs
	}
	return resp, nil
}

// NormalizeLimit applies DefaultLimit to zero and caps at MaxLimit.
func NormalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, apperrors.New(apperrors.CodeInvalidArgument, "limit must not be negative")
	case limit == 0:
		return DefaultLimit, nil
	default:
		return min(limit, MaxLimit), nil
	}
}

func (s *Service) gridView(grid auction.Grid) GridView {
	cells := make([]CellView, 0, len(grid.Cells))
	for _, cell := range grid.Cells {
		cells = append(cells, s.cellView(grid, cell))
	}
	return GridView{
		AsOfSeq: grid.Seq,
		Width:   grid.Width,
		Height:  grid.Height,
		Cells:   cells,
		Vault:   s.vaultView(grid),
	}
}

func (s *Service) cellView(grid auction.Grid, cell auction.Cell) CellView {
	view := CellView{
		Index:   cell.Index,
		X:       cell.Index % grid.Width,
		Y:       cell.Index / grid.Width,
		Content: cell.Content,
		Price:   cell.Price.Dec(),
		Claimed: cell.Claimed(),
	}
	if cell.Claimed() {
		view.Owner = cell.Owner.Hex()
	}
	if minimum, err := s.rules.MinimumAcceptableBid(grid, cell.Index); err == nil {
		view.MinimumBid = positive(minimum).Dec()
	}
	return view
}

func (s *Service) vaultView(grid auction.Grid) VaultView {
	return VaultView{
		Balance:    grid.VaultBalance.Dec(),
		TotalValue: grid.TotalVaultValue.Dec(),
		Claimed:    grid.Claimed(),
		Policy:     string(s.rules.Policy),
	}
}

// positive raises a zero minimum to one unit, the smallest accepted bid.
func positive(value uint256.Int) *uint256.Int {
	if value.IsZero() {
		return uint256.NewInt(1)
	}
	return &value
}
