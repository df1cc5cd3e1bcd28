// Package maintenance implements operator commands against a projection
// database: status, rebuild, rollback, integrity and health.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-cmp/cmp"
	"github.com/louisbranch/messagevault/internal/platform/discovery"
	platformgrpc "github.com/louisbranch/messagevault/internal/platform/grpc"
	"github.com/louisbranch/messagevault/internal/services/indexer/app"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/replay"
	"github.com/louisbranch/messagevault/internal/services/indexer/source"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage/memory"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage/sqlite"
)

const replayPageSize = 200

// Commands accepted as the first positional argument.
const (
	CommandStatus    = "status"
	CommandRebuild   = "rebuild"
	CommandRollback  = "rollback"
	CommandIntegrity = "integrity"
	CommandHealth    = "health"
)

// Config holds maintenance command configuration.
type Config struct {
	Command     string
	DBPath      string
	HealthAddr  string
	Timeout     time.Duration
	RollbackTo  uint64
	rollbackSet bool
	UntilSeq    uint64
	WarningsCap int
	JSONOutput  bool
	Rules       app.RulesConfig
	Source      app.SourceConfig
}

type envConfig struct {
	app.RulesConfig
	app.SourceConfig
	DBPath     string        `env:"MESSAGEVAULT_INDEXER_DB_PATH"`
	HealthAddr string        `env:"MESSAGEVAULT_INDEXER_GRPC_ADDR"`
	Timeout    time.Duration `env:"MESSAGEVAULT_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses env and flags into a Config. Flags may appear before or
// after the command name.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DBPath:      envCfg.DBPath,
		HealthAddr:  discovery.OrDefaultGRPCAddr(envCfg.HealthAddr, discovery.ServiceIndexer),
		Timeout:     envCfg.Timeout,
		WarningsCap: 25,
		Rules:       envCfg.RulesConfig,
		Source:      envCfg.SourceConfig,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "projections.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to projections sqlite database (default: MESSAGEVAULT_INDEXER_DB_PATH or data/projections.db)")
	fs.StringVar(&cfg.HealthAddr, "addr", cfg.HealthAddr, "indexer health gRPC address")
	fs.Uint64Var(&cfg.RollbackTo, "to", 0, "rollback target sequence")
	fs.Uint64Var(&cfg.UntilSeq, "until-seq", 0, "rebuild up to this sequence (0 = latest)")
	fs.IntVar(&cfg.WarningsCap, "warnings-cap", cfg.WarningsCap, "max warnings to print (0 = no limit)")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command = strings.TrimSpace(rest[0])
		if err := fs.Parse(rest[1:]); err != nil {
			return Config{}, err
		}
		if extra := fs.Args(); len(extra) > 0 {
			return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(extra, " "))
		}
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "to" {
			cfg.rollbackSet = true
		}
	})
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if err := validate(cfg); err != nil {
		return err
	}

	if cfg.Command == CommandHealth {
		return finish(cfg, runHealth(ctx, cfg.HealthAddr, errOut), out, errOut)
	}

	rules, err := cfg.Rules.Rules()
	if err != nil {
		return fmt.Errorf("auction rules: %w", err)
	}
	store, err := openStore(cfg.DBPath, rules)
	if err != nil {
		return err
	}
	deps := deps{
		store: store,
		rules: rules,
		openSource: func(ctx context.Context) (source.Source, func(), error) {
			opened, err := app.OpenSource(ctx, cfg.Source, rules)
			if err != nil {
				return nil, nil, err
			}
			return opened.Source, opened.Close, nil
		},
	}
	return runWithDeps(ctx, cfg, deps, out, errOut)
}

func validate(cfg Config) error {
	switch cfg.Command {
	case "":
		return fmt.Errorf("command is required (%s)", strings.Join(commands(), ", "))
	case CommandStatus, CommandRebuild, CommandIntegrity, CommandHealth:
		if cfg.rollbackSet {
			return fmt.Errorf("-to is only valid with %s", CommandRollback)
		}
	case CommandRollback:
		if !cfg.rollbackSet {
			return fmt.Errorf("%s requires -to", CommandRollback)
		}
	default:
		return fmt.Errorf("unknown command %q (want one of %s)", cfg.Command, strings.Join(commands(), ", "))
	}
	if cfg.UntilSeq > 0 && cfg.Command != CommandRebuild {
		return fmt.Errorf("-until-seq is only valid with %s", CommandRebuild)
	}
	if cfg.WarningsCap < 0 {
		return errors.New("-warnings-cap must be >= 0")
	}
	return nil
}

func commands() []string {
	return []string{CommandStatus, CommandRebuild, CommandRollback, CommandIntegrity, CommandHealth}
}

type deps struct {
	store      storage.ProjectionStore
	rules      auction.Rules
	openSource func(context.Context) (source.Source, func(), error)
}

// runWithDeps owns the store lifecycle and closes it on return.
func runWithDeps(ctx context.Context, cfg Config, d deps, out io.Writer, errOut io.Writer) error {
	defer func() {
		if err := d.store.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close projection store: %v\n", err)
		}
	}()

	var result runResult
	switch cfg.Command {
	case CommandStatus:
		result = runStatus(ctx, d.store)
	case CommandRebuild:
		result = runRebuild(ctx, d, cfg.UntilSeq)
	case CommandRollback:
		result = runRollback(ctx, d.store, cfg.RollbackTo)
	case CommandIntegrity:
		result = runIntegrity(ctx, d.store, d.rules)
	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}
	return finish(cfg, result, out, errOut)
}

func finish(cfg Config, result runResult, out io.Writer, errOut io.Writer) error {
	result.Warnings, result.WarningsTotal = capWarnings(result.Warnings, cfg.WarningsCap)
	if cfg.JSONOutput {
		outputJSON(out, errOut, result)
	} else {
		printResult(out, errOut, result)
	}
	if result.ExitCode != 0 {
		return errors.New("maintenance failed")
	}
	return nil
}

type statusReport struct {
	LastSeq      uint64    `json:"last_seq"`
	BlockNumber  uint64    `json:"block_number"`
	BlockHash    string    `json:"block_hash,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
	Claimed      int       `json:"claimed"`
	Cells        int       `json:"cells"`
	VaultBalance string    `json:"vault_balance"`
	TotalValue   string    `json:"total_value"`
}

type rebuildReport struct {
	LastSeq uint64 `json:"last_seq"`
	Applied int    `json:"applied"`
}

type rollbackReport struct {
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}

type integrityReport struct {
	LastSeq        uint64 `json:"last_seq"`
	CellMismatches int    `json:"cell_mismatches"`
	VaultMatch     bool   `json:"vault_match"`
}

type healthReport struct {
	Addr    string `json:"addr"`
	Service string `json:"service"`
	Status  string `json:"status"`
}

type runResult struct {
	Mode          string          `json:"mode"`
	Report        json.RawMessage `json:"report,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
	WarningsTotal int             `json:"warnings_total,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExitCode      int             `json:"-"`
}

func (r *runResult) fail(format string, args ...any) runResult {
	r.Error = fmt.Sprintf(format, args...)
	r.ExitCode = 1
	return *r
}

func (r *runResult) setReport(report any) runResult {
	payload, err := json.Marshal(report)
	if err != nil {
		return r.fail("encode report: %v", err)
	}
	r.Report = payload
	return *r
}

func runStatus(ctx context.Context, store storage.ProjectionReader) runResult {
	result := runResult{Mode: CommandStatus}
	checkpoint, err := store.Checkpoint(ctx)
	if err != nil {
		return result.fail("read checkpoint: %v", err)
	}
	grid, err := store.Grid(ctx)
	if err != nil {
		return result.fail("read grid: %v", err)
	}
	report := statusReport{
		LastSeq:      checkpoint.Seq,
		BlockNumber:  checkpoint.Position.BlockNumber,
		UpdatedAt:    checkpoint.UpdatedAt,
		Claimed:      grid.Claimed(),
		Cells:        len(grid.Cells),
		VaultBalance: grid.VaultBalance.Dec(),
		TotalValue:   grid.TotalVaultValue.Dec(),
	}
	if checkpoint.Seq > 0 {
		report.BlockHash = checkpoint.Position.BlockHash.Hex()
	}
	return result.setReport(report)
}

func runRebuild(ctx context.Context, d deps, untilSeq uint64) runResult {
	result := runResult{Mode: CommandRebuild}
	src, closeSource, err := d.openSource(ctx)
	if err != nil {
		return result.fail("open source: %v", err)
	}
	defer closeSource()

	if err := d.store.Reset(ctx); err != nil {
		return result.fail("reset projections: %v", err)
	}
	replayed, err := replay.Replay(ctx, src, d.store, replay.Options{UntilSeq: untilSeq, PageSize: replayPageSize})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("projection left at seq %d", replayed.LastSeq))
		return result.fail("replay: %v", err)
	}
	return result.setReport(rebuildReport{LastSeq: replayed.LastSeq, Applied: replayed.Applied})
}

func runRollback(ctx context.Context, store storage.ProjectionStore, to uint64) runResult {
	result := runResult{Mode: CommandRollback}
	checkpoint, err := store.Checkpoint(ctx)
	if err != nil {
		return result.fail("read checkpoint: %v", err)
	}
	if to > checkpoint.Seq {
		return result.fail("rollback target %d is ahead of checkpoint %d", to, checkpoint.Seq)
	}
	if err := store.RollbackTo(ctx, to); err != nil {
		return result.fail("rollback: %v", err)
	}
	return result.setReport(rollbackReport{FromSeq: checkpoint.Seq, ToSeq: to})
}

// runIntegrity folds the stored events into a scratch store and compares the
// result with the stored grid.
func runIntegrity(ctx context.Context, store storage.ProjectionReader, rules auction.Rules) runResult {
	result := runResult{Mode: CommandIntegrity}
	scratch, err := memory.New(rules)
	if err != nil {
		return result.fail("open scratch store: %v", err)
	}
	defer scratch.Close()

	checkpoint, err := store.Checkpoint(ctx)
	if err != nil {
		return result.fail("read checkpoint: %v", err)
	}
	replayed, err := replay.Replay(ctx, replay.SourceFunc(store.Events), scratch, replay.Options{
		UntilSeq: checkpoint.Seq,
		PageSize: replayPageSize,
	})
	if err != nil {
		return result.fail("replay stored events: %v", err)
	}
	if replayed.LastSeq != checkpoint.Seq {
		result.Warnings = append(result.Warnings, fmt.Sprintf("stored events end at seq %d, checkpoint is %d", replayed.LastSeq, checkpoint.Seq))
	}

	stored, err := store.Grid(ctx)
	if err != nil {
		return result.fail("read stored grid: %v", err)
	}
	folded, err := scratch.Grid(ctx)
	if err != nil {
		return result.fail("read replayed grid: %v", err)
	}

	report := integrityReport{LastSeq: replayed.LastSeq}
	for i := range stored.Cells {
		if i >= len(folded.Cells) {
			break
		}
		if diff := cmp.Diff(folded.Cells[i], stored.Cells[i]); diff != "" {
			report.CellMismatches++
			result.Warnings = append(result.Warnings, fmt.Sprintf("cell %d differs (-replay +stored):\n%s", i, diff))
		}
	}
	if len(stored.Cells) != len(folded.Cells) {
		report.CellMismatches++
		result.Warnings = append(result.Warnings, fmt.Sprintf("stored grid has %d cells, replay has %d", len(stored.Cells), len(folded.Cells)))
	}
	report.VaultMatch = stored.VaultBalance.Eq(&folded.VaultBalance) && stored.TotalVaultValue.Eq(&folded.TotalVaultValue)
	if !report.VaultMatch {
		result.Warnings = append(result.Warnings, fmt.Sprintf("vault differs (replay=%s/%s stored=%s/%s)",
			folded.VaultBalance.Dec(), folded.TotalVaultValue.Dec(), stored.VaultBalance.Dec(), stored.TotalVaultValue.Dec()))
	}
	result.setReport(report)
	if report.CellMismatches > 0 || !report.VaultMatch || replayed.LastSeq != checkpoint.Seq {
		result.ExitCode = 1
	}
	return result
}

func runHealth(ctx context.Context, addr string, errOut io.Writer) runResult {
	result := runResult{Mode: CommandHealth}
	conn, err := platformgrpc.Dial(addr)
	if err != nil {
		return result.fail("dial %s: %v", addr, err)
	}
	defer conn.Close()
	logf := func(format string, args ...any) {
		fmt.Fprintf(errOut, format+"\n", args...)
	}
	if err := platformgrpc.WaitForHealth(ctx, conn, app.HealthService, logf); err != nil {
		return result.fail("%v", err)
	}
	return result.setReport(healthReport{Addr: addr, Service: app.HealthService, Status: "SERVING"})
}

func capWarnings(warnings []string, limit int) ([]string, int) {
	total := len(warnings)
	if limit == 0 || total <= limit {
		return warnings, total
	}
	return warnings[:limit], total
}

func outputJSON(out io.Writer, errOut io.Writer, result runResult) {
	encoded, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(errOut, "Error: encode report: %v\n", err)
		return
	}
	fmt.Fprintln(out, string(encoded))
}

func printResult(out io.Writer, errOut io.Writer, result runResult) {
	if result.Error != "" {
		fmt.Fprintf(errOut, "Error: %s\n", result.Error)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(errOut, "Warning: %s\n", warning)
	}
	if result.WarningsTotal > len(result.Warnings) {
		fmt.Fprintf(errOut, "Warning: %d more warnings suppressed\n", result.WarningsTotal-len(result.Warnings))
	}
	if len(result.Report) == 0 {
		return
	}

	decode := func(target any) bool {
		if err := json.Unmarshal(result.Report, target); err != nil {
			fmt.Fprintf(errOut, "Error: decode report: %v\n", err)
			return false
		}
		return true
	}
	switch result.Mode {
	case CommandStatus:
		var report statusReport
		if decode(&report) {
			fmt.Fprintf(out, "Checkpoint seq %d at block %d %s\n", report.LastSeq, report.BlockNumber, report.BlockHash)
			fmt.Fprintf(out, "Cells claimed: %d of %d\n", report.Claimed, report.Cells)
			fmt.Fprintf(out, "Vault balance: %s (total value %s)\n", report.VaultBalance, report.TotalValue)
		}
	case CommandRebuild:
		var report rebuildReport
		if decode(&report) {
			fmt.Fprintf(out, "Rebuilt projections through seq %d (%d transitions applied)\n", report.LastSeq, report.Applied)
		}
	case CommandRollback:
		var report rollbackReport
		if decode(&report) {
			fmt.Fprintf(out, "Rolled back projections from seq %d to seq %d\n", report.FromSeq, report.ToSeq)
		}
	case CommandIntegrity:
		var report integrityReport
		if decode(&report) {
			fmt.Fprintf(out, "Integrity check through seq %d\n", report.LastSeq)
			fmt.Fprintf(out, "Cell mismatches: %d, vault match: %t\n", report.CellMismatches, report.VaultMatch)
		}
	case CommandHealth:
		var report healthReport
		if decode(&report) {
			fmt.Fprintf(out, "%s at %s is %s\n", report.Service, report.Addr, report.Status)
		}
	}
}

func openStore(path string, rules auction.Rules) (*sqlite.Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("projections db path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("projections db %s: %w", path, err)
	}
	store, err := sqlite.Open(path, rules)
	if err != nil {
		return nil, fmt.Errorf("open projection store: %w", err)
	}
	return store, nil
}
