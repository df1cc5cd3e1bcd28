// Package timeouts defines shared timeout constants used across binaries.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the indexer health endpoint.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// SourceRequest caps a single fetch or head query against the ledger.
const SourceRequest = 10 * time.Second
