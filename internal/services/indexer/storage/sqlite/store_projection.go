package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/replay"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage"
)

const transitionColumns = `seq, cell_index, previous_owner, new_owner, previous_price, new_price,
	new_content, timestamp, block_number, block_hash, log_index`

// Apply commits evt together with the grid and checkpoint changes it causes.
func (s *Store) Apply(ctx context.Context, evt event.Transition) error {
	if evt.Seq == 0 {
		return fmt.Errorf("%w: sequence number must be positive", event.ErrMalformed)
	}
	evt = evt.Normalized()
	return s.inTx(ctx, "apply transition", func(tx *Store) error {
		checkpoint, err := tx.Checkpoint(ctx)
		if err != nil {
			return err
		}
		if err := storage.CheckNext(checkpoint, evt, func(seq uint64) (event.Transition, error) {
			return tx.EventAt(ctx, seq)
		}); err != nil {
			return err
		}
		grid, err := tx.readGrid(ctx)
		if err != nil {
			return err
		}
		next, err := s.rules.Apply(grid, evt)
		if err != nil {
			return err
		}

		cell := next.Cells[evt.CellIndex]
		if _, err := tx.q.ExecContext(ctx,
			`UPDATE cells SET content = ?, price = ?, owner = ?, updated_seq = ? WHERE cell_index = ?`,
			cell.Content, cell.Price.Dec(), addressText(cell.Owner), int64(evt.Seq), evt.CellIndex,
		); err != nil {
			return fmt.Errorf("update cell %d: %w", evt.CellIndex, err)
		}
		if err := tx.writeVault(ctx, next); err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx,
			`INSERT INTO transitions (`+transitionColumns+`, applied_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(evt.Seq),
			evt.CellIndex,
			addressText(evt.PreviousOwner),
			addressText(evt.NewOwner),
			evt.PreviousPrice.Dec(),
			evt.NewPrice.Dec(),
			evt.NewContent,
			toMillis(evt.Timestamp),
			int64(evt.Position.BlockNumber),
			hashText(evt.Position.BlockHash),
			int64(evt.Position.LogIndex),
			toMillis(s.now()),
		); err != nil {
			return fmt.Errorf("insert transition %d: %w", evt.Seq, err)
		}
		return tx.writeCheckpoint(ctx, evt.Seq, evt.Position)
	})
}

func (s *Store) writeVault(ctx context.Context, grid auction.Grid) error {
	if _, err := s.q.ExecContext(ctx,
		`UPDATE vault SET balance = ?, total_value = ? WHERE id = 1`,
		grid.VaultBalance.Dec(), grid.TotalVaultValue.Dec(),
	); err != nil {
		return fmt.Errorf("update vault: %w", err)
	}
	return nil
}

func (s *Store) writeCheckpoint(ctx context.Context, seq uint64, pos event.Position) error {
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO projection_checkpoint (id, seq, block_number, block_hash, log_index, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   seq = excluded.seq,
		   block_number = excluded.block_number,
		   block_hash = excluded.block_hash,
		   log_index = excluded.log_index,
		   updated_at = excluded.updated_at`,
		int64(seq), int64(pos.BlockNumber), hashText(pos.BlockHash), int64(pos.LogIndex), toMillis(s.now()),
	); err != nil {
		return fmt.Errorf("save checkpoint %d: %w", seq, err)
	}
	return nil
}

// Checkpoint returns the last applied transition.
func (s *Store) Checkpoint(ctx context.Context) (storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return storage.Checkpoint{}, err
	}
	var (
		seq, blockNumber, logIndex, updatedAt int64
		blockHash                             string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT seq, block_number, block_hash, log_index, updated_at FROM projection_checkpoint WHERE id = 1`,
	).Scan(&seq, &blockNumber, &blockHash, &logIndex, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Checkpoint{}, nil
	}
	if err != nil {
		return storage.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return storage.Checkpoint{
		Seq: uint64(seq),
		Position: event.Position{
			BlockNumber: uint64(blockNumber),
			BlockHash:   parseHash(blockHash),
			LogIndex:    uint(logIndex),
		},
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}

// Grid returns the latest grid. Cells, vault and checkpoint are read from
// one transaction.
func (s *Store) Grid(ctx context.Context) (auction.Grid, error) {
	var grid auction.Grid
	err := s.view(ctx, "grid", func(tx *Store) error {
		var err error
		grid, err = tx.readGrid(ctx)
		return err
	})
	if err != nil {
		return auction.Grid{}, err
	}
	return grid, nil
}

func (s *Store) readGrid(ctx context.Context) (auction.Grid, error) {
	if err := ctx.Err(); err != nil {
		return auction.Grid{}, err
	}
	grid := s.rules.NewGrid()

	rows, err := s.q.QueryContext(ctx, `SELECT cell_index, content, price, owner FROM cells ORDER BY cell_index`)
	if err != nil {
		return auction.Grid{}, fmt.Errorf("query cells: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			index               int
			content, price, own string
		)
		if err := rows.Scan(&index, &content, &price, &own); err != nil {
			return auction.Grid{}, fmt.Errorf("scan cell: %w", err)
		}
		if index < 0 || index >= grid.Size() {
			return auction.Grid{}, fmt.Errorf("%w: stored cell %d outside grid", event.ErrSchemaMismatch, index)
		}
		cell := auction.Cell{Index: index, Content: content}
		if cell.Price, err = parseAmount(price); err != nil {
			return auction.Grid{}, err
		}
		if cell.Owner, err = parseAddress(own); err != nil {
			return auction.Grid{}, err
		}
		grid.Cells[index] = cell
	}
	if err := rows.Err(); err != nil {
		return auction.Grid{}, fmt.Errorf("read cells: %w", err)
	}

	var balance, total string
	if err := s.q.QueryRowContext(ctx, `SELECT balance, total_value FROM vault WHERE id = 1`).Scan(&balance, &total); err != nil {
		return auction.Grid{}, fmt.Errorf("read vault: %w", err)
	}
	if grid.VaultBalance, err = parseAmount(balance); err != nil {
		return auction.Grid{}, err
	}
	if grid.TotalVaultValue, err = parseAmount(total); err != nil {
		return auction.Grid{}, err
	}

	checkpoint, err := s.Checkpoint(ctx)
	if err != nil {
		return auction.Grid{}, err
	}
	grid.Seq = checkpoint.Seq
	return grid, nil
}

// SnapshotAt returns the grid as of seq by replaying stored history. The
// checkpoint and the replayed prefix come from one read transaction.
func (s *Store) SnapshotAt(ctx context.Context, seq uint64) (auction.Grid, error) {
	generation := s.snapshots.Generation()
	var (
		grid     auction.Grid
		replayed bool
	)
	err := s.view(ctx, "snapshot", func(tx *Store) error {
		checkpoint, err := tx.Checkpoint(ctx)
		if err != nil {
			return err
		}
		switch {
		case seq > checkpoint.Seq:
			return fmt.Errorf("snapshot at %d beyond checkpoint %d: %w", seq, checkpoint.Seq, storage.ErrNotFound)
		case seq == 0:
			grid = s.rules.NewGrid()
			return nil
		case seq == checkpoint.Seq:
			grid, err = tx.readGrid(ctx)
			return err
		}
		if hit, ok := s.snapshots.Get(seq); ok {
			grid = hit
			return nil
		}
		grid, err = replay.Grid(ctx, replay.SourceFunc(tx.Events), s.rules, seq, s.pageSize)
		if err != nil {
			return fmt.Errorf("replay to %d: %w", seq, err)
		}
		if grid.Seq != seq {
			return fmt.Errorf("replay to %d stopped at %d: %w", seq, grid.Seq, storage.ErrNotFound)
		}
		replayed = true
		return nil
	})
	if err != nil {
		return auction.Grid{}, err
	}
	if replayed {
		s.snapshots.AddAt(generation, grid)
	}
	return grid, nil
}

// History returns recent transitions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]event.Transition, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive")
	}
	return s.queryTransitions(ctx,
		`SELECT `+transitionColumns+` FROM transitions ORDER BY timestamp DESC, seq DESC LIMIT ?`, limit)
}

// CellHistory returns recent transitions for one cell, newest first.
func (s *Store) CellHistory(ctx context.Context, index int, limit int) ([]event.Transition, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive")
	}
	return s.queryTransitions(ctx,
		`SELECT `+transitionColumns+` FROM transitions WHERE cell_index = ? ORDER BY timestamp DESC, seq DESC LIMIT ?`,
		index, limit)
}

// Events lists stored transitions after afterSeq in ascending order.
func (s *Store) Events(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryTransitions(ctx,
		`SELECT `+transitionColumns+` FROM transitions WHERE seq > ? ORDER BY seq LIMIT ?`, int64(afterSeq), limit)
}

// EventAt returns the stored transition with seq.
func (s *Store) EventAt(ctx context.Context, seq uint64) (event.Transition, error) {
	events, err := s.queryTransitions(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE seq = ?`, int64(seq))
	if err != nil {
		return event.Transition{}, err
	}
	if len(events) == 0 {
		return event.Transition{}, storage.ErrNotFound
	}
	return events[0], nil
}

func (s *Store) queryTransitions(ctx context.Context, query string, args ...any) ([]event.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []event.Transition
	for rows.Next() {
		evt, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read transitions: %w", err)
	}
	return out, nil
}

func scanTransition(rows *sql.Rows) (event.Transition, error) {
	var (
		seq, timestamp, blockNumber, logIndex int64
		cellIndex                             int
		prevOwner, newOwner                   string
		prevPrice, newPrice                   string
		content, blockHash                    string
	)
	if err := rows.Scan(&seq, &cellIndex, &prevOwner, &newOwner, &prevPrice, &newPrice,
		&content, &timestamp, &blockNumber, &blockHash, &logIndex); err != nil {
		return event.Transition{}, fmt.Errorf("scan transition: %w", err)
	}
	evt := event.Transition{
		Seq:        uint64(seq),
		CellIndex:  cellIndex,
		NewContent: content,
		Timestamp:  fromMillis(timestamp),
		Position: event.Position{
			BlockNumber: uint64(blockNumber),
			BlockHash:   parseHash(blockHash),
			LogIndex:    uint(logIndex),
		},
	}
	var err error
	if evt.PreviousOwner, err = parseAddress(prevOwner); err != nil {
		return event.Transition{}, err
	}
	if evt.NewOwner, err = parseAddress(newOwner); err != nil {
		return event.Transition{}, err
	}
	if evt.PreviousPrice, err = parseAmount(prevPrice); err != nil {
		return event.Transition{}, err
	}
	if evt.NewPrice, err = parseAmount(newPrice); err != nil {
		return event.Transition{}, err
	}
	return evt, nil
}

// RollbackTo deletes history after seq and rewrites the grid from the kept
// prefix in one transaction.
func (s *Store) RollbackTo(ctx context.Context, seq uint64) error {
	err := s.inTx(ctx, "rollback projection", func(tx *Store) error {
		checkpoint, err := tx.Checkpoint(ctx)
		if err != nil {
			return err
		}
		if seq > checkpoint.Seq {
			return fmt.Errorf("rollback to %d beyond checkpoint %d: %w", seq, checkpoint.Seq, storage.ErrNotFound)
		}
		grid := s.rules.NewGrid()
		if seq > 0 {
			grid, err = replay.Grid(ctx, replay.SourceFunc(tx.Events), s.rules, seq, s.pageSize)
			if err != nil {
				return fmt.Errorf("rebuild grid at %d: %w", seq, err)
			}
		}
		if grid.Seq != seq {
			return fmt.Errorf("rebuild grid at %d stopped at %d: %w", seq, grid.Seq, replay.ErrSequenceGap)
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM transitions WHERE seq > ?`, int64(seq)); err != nil {
			return fmt.Errorf("delete transitions after %d: %w", seq, err)
		}
		if err := tx.writeGrid(ctx, grid); err != nil {
			return err
		}
		var pos event.Position
		if seq > 0 {
			last, err := tx.EventAt(ctx, seq)
			if err != nil {
				return fmt.Errorf("load checkpoint transition %d: %w", seq, err)
			}
			pos = last.Position
		}
		return tx.writeCheckpoint(ctx, seq, pos)
	})
	if err != nil {
		return err
	}
	s.snapshots.Purge()
	return nil
}

// Reset discards every transition and empties the grid.
func (s *Store) Reset(ctx context.Context) error {
	err := s.inTx(ctx, "reset projection", func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM transitions`); err != nil {
			return fmt.Errorf("delete transitions: %w", err)
		}
		if err := tx.writeGrid(ctx, s.rules.NewGrid()); err != nil {
			return err
		}
		return tx.writeCheckpoint(ctx, 0, event.Position{})
	})
	if err != nil {
		return err
	}
	s.snapshots.Purge()
	return nil
}

func (s *Store) writeGrid(ctx context.Context, grid auction.Grid) error {
	for _, cell := range grid.Cells {
		if _, err := s.q.ExecContext(ctx,
			`UPDATE cells SET content = ?, price = ?, owner = ?,
			   updated_seq = COALESCE((SELECT MAX(seq) FROM transitions t WHERE t.cell_index = cells.cell_index), 0)
			 WHERE cell_index = ?`,
			cell.Content, cell.Price.Dec(), addressText(cell.Owner), cell.Index,
		); err != nil {
			return fmt.Errorf("rewrite cell %d: %w", cell.Index, err)
		}
	}
	return s.writeVault(ctx, grid)
}
