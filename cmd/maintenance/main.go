// Package main provides maintenance utilities for the projection database.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/messagevault/internal/platform/config"
	"github.com/louisbranch/messagevault/internal/tools/maintenance"
)

func main() {
	cfg, err := maintenance.ParseConfig(flag.CommandLine, os.Args[1:])
	config.ExitOnError(err)
	log.SetPrefix("[MAINT] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	err = maintenance.Run(ctx, cfg, os.Stdout, os.Stderr)
	stop()
	cancel()
	config.ExitOnError(err)
}
