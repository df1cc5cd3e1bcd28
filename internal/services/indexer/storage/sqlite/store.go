package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/louisbranch/messagevault/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis reverses toMillis for persisted millisecond timestamps.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite-backed projection store.
type Store struct {
	sqlDB     *sql.DB
	q         dbtx
	rules     auction.Rules
	snapshots *storage.SnapshotCache
	pageSize  int
	now       func() time.Time
	inTxn     bool
}

var _ storage.ProjectionStore = (*Store)(nil)

func (s *Store) withTx(tx *sql.Tx) *Store {
	if s == nil || tx == nil {
		return s
	}
	cloned := *s
	cloned.q = tx
	cloned.inTxn = true
	return &cloned
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshotCacheSize bounds the point-in-time grid cache.
func WithSnapshotCacheSize(size int) Option {
	return func(s *Store) {
		snapshots, err := storage.NewSnapshotCache(size)
		if err == nil {
			s.snapshots = snapshots
		}
	}
}

// WithReplayPageSize sets the page size used when replaying history.
func WithReplayPageSize(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// Open opens a SQLite projection store at path for grids built by rules.
// The stored grid dimensions must match rules.
func Open(path string, rules auction.Rules, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("auction rules: %w", err)
	}

	cleanPath := filepath.Clean(path)
	// Write transactions take the lock at BEGIN so two appliers never both
	// hold a deferred read lock and deadlock on upgrade.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	snapshots, err := storage.NewSnapshotCache(storage.DefaultSnapshotCacheSize)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	store := &Store{
		sqlDB:     sqlDB,
		q:         sqlDB,
		rules:     rules,
		snapshots: snapshots,
		pageSize:  200,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	ctx := context.Background()
	if _, err := sqlitemigrate.Apply(ctx, sqlDB, migrations.ProjectionsFS, "projections"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := store.ensureGrid(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// ensureGrid seeds the singleton rows on first open and checks the stored
// dimensions on later opens.
func (s *Store) ensureGrid(ctx context.Context) error {
	return s.inTx(ctx, "seed grid", func(tx *Store) error {
		now := toMillis(s.now())
		if _, err := tx.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO grid_meta (id, width, height, created_at) VALUES (1, ?, ?, ?)`,
			s.rules.Width, s.rules.Height, now,
		); err != nil {
			return fmt.Errorf("seed grid meta: %w", err)
		}
		var width, height int
		if err := tx.q.QueryRowContext(ctx, `SELECT width, height FROM grid_meta WHERE id = 1`).Scan(&width, &height); err != nil {
			return fmt.Errorf("read grid meta: %w", err)
		}
		if width != s.rules.Width || height != s.rules.Height {
			return fmt.Errorf("%w: database holds a %dx%d grid, configured %dx%d",
				event.ErrSchemaMismatch, width, height, s.rules.Width, s.rules.Height)
		}
		for i := 0; i < s.rules.Size(); i++ {
			if _, err := tx.q.ExecContext(ctx, `INSERT OR IGNORE INTO cells (cell_index) VALUES (?)`, i); err != nil {
				return fmt.Errorf("seed cell %d: %w", i, err)
			}
		}
		if _, err := tx.q.ExecContext(ctx, `INSERT OR IGNORE INTO vault (id) VALUES (1)`); err != nil {
			return fmt.Errorf("seed vault: %w", err)
		}
		if _, err := tx.q.ExecContext(ctx, `INSERT OR IGNORE INTO projection_checkpoint (id, updated_at) VALUES (1, ?)`, now); err != nil {
			return fmt.Errorf("seed checkpoint: %w", err)
		}
		return nil
	})
}

const (
	maxBusyRetries = 8
	retryBaseDelay = 10 * time.Millisecond
)

// inTx runs fn in a transaction and retries the whole attempt while SQLite
// reports the database busy or locked.
func (s *Store) inTx(ctx context.Context, label string, fn func(tx *Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	waitForRetry := func(attempt int) error {
		delay := time.Duration(attempt+1) * retryBaseDelay
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	var lastBusyErr error
	for attempt := 0; ; attempt++ {
		err := s.attemptTx(ctx, label, fn)
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		lastBusyErr = err
		if attempt >= maxBusyRetries {
			return fmt.Errorf("%s remained busy: %w", label, lastBusyErr)
		}
		if waitErr := waitForRetry(attempt); waitErr != nil {
			return waitErr
		}
	}
}

// attemptTx runs one transaction on a pinned connection. A failed COMMIT
// leaves SQLite inside the transaction, so the connection is rolled back
// explicitly before it goes back to the pool.
func (s *Store) attemptTx(ctx context.Context, label string, fn func(tx *Store) error) error {
	conn, err := s.sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire %s conn: %w", label, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", label, err)
	}
	defer tx.Rollback()

	if err := fn(s.withTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		return fmt.Errorf("commit %s tx: %w", label, err)
	}
	return nil
}

// view runs fn against a single read transaction so every query in fn sees
// the same committed state. Inside an open transaction fn runs on it directly.
func (s *Store) view(ctx context.Context, label string, fn func(tx *Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if s.inTxn {
		return fn(s)
	}
	tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin %s read: %w", label, err)
	}
	defer tx.Rollback()

	if err := fn(s.withTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("end %s read: %w", label, err)
	}
	return nil
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func addressText(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func parseAddress(value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("stored address %q is invalid", value)
	}
	return common.HexToAddress(value), nil
}

func hashText(hash common.Hash) string {
	if hash == (common.Hash{}) {
		return ""
	}
	return hash.Hex()
}

func parseHash(value string) common.Hash {
	if value == "" {
		return common.Hash{}
	}
	return common.HexToHash(value)
}

func parseAmount(value string) (uint256.Int, error) {
	parsed, err := uint256.FromDecimal(value)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("stored amount %q is invalid: %w", value, err)
	}
	return *parsed, nil
}
