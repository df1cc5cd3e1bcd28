// Package cmd holds the startup helpers shared by every messagevault binary.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/messagevault/internal/platform/config"
	"github.com/louisbranch/messagevault/internal/platform/otel"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// Service identifiers for command startup telemetry and CLI naming consistency.
const (
	ServiceIndexer     = "indexer"
	ServiceMaintenance = "maintenance"
)

// TelemetryConfig is embedded by command configs that export traces.
type TelemetryConfig struct {
	OTelEndpoint    string  `env:"MESSAGEVAULT_OTEL_ENDPOINT"`
	OTelEnabled     bool    `env:"MESSAGEVAULT_OTEL_ENABLED" envDefault:"true"`
	OTelSampleRatio float64 `env:"MESSAGEVAULT_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Options converts the env-facing settings into exporter options.
func (c TelemetryConfig) Options() otel.Options {
	return otel.Options{
		Endpoint:    c.OTelEndpoint,
		Disabled:    !c.OTelEnabled,
		SampleRatio: c.OTelSampleRatio,
	}
}

// RunOptions controls shared entrypoint behavior for service commands.
type RunOptions struct {
	// Telemetry configures the tracing exporter.
	Telemetry otel.Options
	// ShutdownTimeout sets the timeout used when stopping telemetry.
	ShutdownTimeout time.Duration
}

// ParseConfig loads environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// ParseConfigFromArgs loads defaults from env and then parses flags.
func ParseConfigFromArgs[T any](cfg *T, fs *flag.FlagSet, args []string) error {
	if err := ParseConfig(cfg); err != nil {
		return err
	}
	return ParseArgs(fs, args)
}

// RunWithTelemetry configures observability and executes a service run loop.
func RunWithTelemetry(ctx context.Context, service string, options RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := otel.Setup(ctx, service, options.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownTimeout := options.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = defaultOTelShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s otel shutdown: %v", service, err)
		}
	}()
	return run(ctx)
}
