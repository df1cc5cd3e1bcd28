// Package app assembles the indexer process: projection store, event
// source, consumer, query API and health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/messagevault/internal/platform/discovery"
	"github.com/louisbranch/messagevault/internal/platform/telemetry/metrics"
	"github.com/louisbranch/messagevault/internal/platform/timeouts"
	"github.com/louisbranch/messagevault/internal/services/indexer/consumer"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/ledger"
	"github.com/louisbranch/messagevault/internal/services/indexer/query"
	"github.com/louisbranch/messagevault/internal/services/indexer/source"
	"github.com/louisbranch/messagevault/internal/services/indexer/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health name that tracks the consumer.
const HealthService = "indexer.consumer"

const defaultDBPath = "data/projections.db"

// RuntimeConfig controls indexer startup and dependencies.
type RuntimeConfig struct {
	HTTPAddr          string
	GRPCPort          int
	DBPath            string
	Rules             auction.Rules
	Source            SourceConfig
	PageSize          int
	RetryInitial      time.Duration
	RetryMax          time.Duration
	CORSOrigins       []string
	SnapshotCacheSize int
}

// Runtime is a started indexer. Serve runs it; Close releases what New opened.
type Runtime struct {
	store    *sqlite.Store
	source   Opened
	consumer *consumer.Consumer
	metrics  *metrics.Indexer

	health       *health.Server
	grpcServer   *grpc.Server
	grpcListener net.Listener
	httpServer   *http.Server
	httpListener net.Listener
}

// Run starts the indexer and blocks until ctx ends or a server fails.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.Serve(ctx)
}

// New opens storage and the source and binds both listeners.
func New(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = fmt.Sprintf(":%d", discovery.DefaultHTTPPort(discovery.ServiceIndexer))
	}
	if cfg.GRPCPort < 0 {
		return nil, fmt.Errorf("grpc port %d is invalid", cfg.GRPCPort)
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("auction rules: %w", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create projection storage dir: %w", err)
		}
	}

	rt := &Runtime{metrics: metrics.NewIndexer()}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	store, err := sqlite.Open(cfg.DBPath, cfg.Rules,
		sqlite.WithSnapshotCacheSize(cfg.SnapshotCacheSize),
		sqlite.WithReplayPageSize(cfg.PageSize),
	)
	if err != nil {
		return nil, fmt.Errorf("open projection store: %w", err)
	}
	rt.store = store
	checkpoint, err := store.Checkpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	rt.metrics.ObserveCheckpoint(checkpoint.Seq)

	opened, err := OpenSource(ctx, cfg.Source, cfg.Rules)
	if err != nil {
		return nil, err
	}
	rt.source = opened
	if resumer, ok := opened.Source.(source.Resumer); ok {
		resumer.Resume(checkpoint.Seq, checkpoint.Position)
	}

	rt.health = health.NewServer()
	rt.consumer, err = consumer.New(consumer.Config{
		Source:       opened.Source,
		Store:        store,
		PageSize:     cfg.PageSize,
		RetryInitial: cfg.RetryInitial,
		RetryMax:     cfg.RetryMax,
		Metrics:      rt.metrics,
		Logf:         log.Printf,
		OnState:      rt.observeState,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	service, err := query.NewService(query.Config{Store: store, Rules: cfg.Rules, Consumer: rt.consumer})
	if err != nil {
		return nil, fmt.Errorf("create query service: %w", err)
	}
	options := query.HandlerOptions{
		AllowedOrigins: cfg.CORSOrigins,
		Metrics:        rt.metrics.Handler(),
		Logf:           log.Printf,
	}
	if opened.Vault != nil {
		options.Ledger = opened.Vault
	}

	rt.grpcListener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return nil, fmt.Errorf("listen on indexer grpc port %d: %w", cfg.GRPCPort, err)
	}
	rt.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	grpc_health_v1.RegisterHealthServer(rt.grpcServer, rt.health)
	rt.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	rt.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	rt.httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	rt.httpServer = &http.Server{
		Handler:           query.NewHandler(service, options),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	ok = true
	return rt, nil
}

// HTTPAddr returns the bound query API address.
func (rt *Runtime) HTTPAddr() net.Addr {
	return rt.httpListener.Addr()
}

// GRPCAddr returns the bound health server address.
func (rt *Runtime) GRPCAddr() net.Addr {
	return rt.grpcListener.Addr()
}

// Ledger returns the in-process ledger, or nil for remote sources.
func (rt *Runtime) Ledger() *ledger.Vault {
	return rt.source.Vault
}

// Consumer returns the projection consumer.
func (rt *Runtime) Consumer() *consumer.Consumer {
	return rt.consumer
}

func (rt *Runtime) observeState(state consumer.State) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !state.Healthy() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	rt.health.SetServingStatus(HealthService, status)
}

// Serve runs the HTTP API, health server and consumer until ctx ends. A
// consumer failure marks the health service NOT_SERVING while reads keep
// being served.
func (rt *Runtime) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("indexer health server listening at %v", rt.grpcListener.Addr())
		if err := rt.grpcServer.Serve(rt.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("indexer query API listening at %v", rt.httpListener.Addr())
		if err := rt.httpServer.Serve(rt.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := rt.consumer.Run(gctx)
		if err != nil {
			log.Printf("indexing stopped, serving committed state only: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		rt.health.Shutdown()
		if err := rt.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown http server: %v", err)
		}
		rt.grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}

// Close releases the store and source. Serve must have returned.
func (rt *Runtime) Close() {
	if rt.grpcListener != nil {
		_ = rt.grpcListener.Close()
	}
	if rt.httpListener != nil {
		_ = rt.httpListener.Close()
	}
	if rt.source.Close != nil {
		rt.source.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			log.Printf("close projection store: %v", err)
		}
	}
}
