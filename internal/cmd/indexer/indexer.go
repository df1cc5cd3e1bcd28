// Package indexer parses indexer command flags and launches the indexer runtime.
package indexer

import (
	"context"
	"flag"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/messagevault/internal/platform/cmd"
	"github.com/louisbranch/messagevault/internal/services/indexer/app"
)

// Config holds indexer command configuration.
type Config struct {
	entrypoint.TelemetryConfig
	app.RulesConfig
	app.SourceConfig

	HTTPAddr          string        `env:"MESSAGEVAULT_INDEXER_HTTP_ADDR" envDefault:":42069"`
	GRPCPort          int           `env:"MESSAGEVAULT_INDEXER_GRPC_PORT" envDefault:"8090"`
	DBPath            string        `env:"MESSAGEVAULT_INDEXER_DB_PATH" envDefault:"data/projections.db"`
	PageSize          int           `env:"MESSAGEVAULT_INDEXER_PAGE_SIZE" envDefault:"200"`
	RetryInitial      time.Duration `env:"MESSAGEVAULT_INDEXER_RETRY_INITIAL" envDefault:"250ms"`
	RetryMax          time.Duration `env:"MESSAGEVAULT_INDEXER_RETRY_MAX" envDefault:"30s"`
	SnapshotCacheSize int           `env:"MESSAGEVAULT_INDEXER_SNAPSHOT_CACHE" envDefault:"64"`
	CORSOrigins       []string      `env:"MESSAGEVAULT_INDEXER_CORS_ORIGINS" envSeparator:","`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	origins := strings.Join(cfg.CORSOrigins, ",")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The query API listen address")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The projection SQLite database path")
	fs.StringVar(&cfg.Source, "source", cfg.Source, "Event source: memory or eth")
	fs.StringVar(&cfg.RPCURL, "rpc-url", cfg.RPCURL, "JSON-RPC endpoint for the eth source")
	fs.StringVar(&cfg.ContractAddress, "contract", cfg.ContractAddress, "Vault contract address for the eth source")
	fs.Uint64Var(&cfg.StartBlock, "start-block", cfg.StartBlock, "First block scanned by the eth source")
	fs.Uint64Var(&cfg.Confirmations, "confirmations", cfg.Confirmations, "Blocks behind head treated as final by the eth source")
	fs.Uint64Var(&cfg.FinalityDepth, "finality-depth", cfg.FinalityDepth, "Reorg window of the memory source")
	fs.IntVar(&cfg.GridWidth, "grid-width", cfg.GridWidth, "Grid width in cells")
	fs.IntVar(&cfg.GridHeight, "grid-height", cfg.GridHeight, "Grid height in cells")
	fs.StringVar(&cfg.AccountingPolicy, "policy", cfg.AccountingPolicy, "Vault accounting policy: refund or pool")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Backfill page size")
	fs.DurationVar(&cfg.RetryInitial, "retry-initial", cfg.RetryInitial, "Initial reconnect delay")
	fs.DurationVar(&cfg.RetryMax, "retry-max", cfg.RetryMax, "Maximum reconnect delay")
	fs.StringVar(&origins, "cors-origins", origins, "Comma-separated allowed CORS origins")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.CORSOrigins = splitList(origins)
	return cfg, nil
}

// Run starts the indexer runtime.
func Run(ctx context.Context, cfg Config) error {
	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	options := entrypoint.RunOptions{Telemetry: cfg.Options()}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceIndexer, options, func(ctx context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			HTTPAddr:          cfg.HTTPAddr,
			GRPCPort:          cfg.GRPCPort,
			DBPath:            cfg.DBPath,
			Rules:             rules,
			Source:            cfg.SourceConfig,
			PageSize:          cfg.PageSize,
			RetryInitial:      cfg.RetryInitial,
			RetryMax:          cfg.RetryMax,
			CORSOrigins:       cfg.CORSOrigins,
			SnapshotCacheSize: cfg.SnapshotCacheSize,
		})
	})
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
