package config

import (
	"bytes"
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port     int           `env:"MESSAGEVAULT_TEST_PORT" envDefault:"123"`
	Interval time.Duration `env:"MESSAGEVAULT_TEST_INTERVAL" envDefault:"250ms"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
	if cfg.Interval != 250*time.Millisecond {
		t.Fatalf("expected default interval 250ms, got %v", cfg.Interval)
	}
}

func TestParseEnvOverride(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("MESSAGEVAULT_TEST_PORT", "9000")

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("MESSAGEVAULT_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvFromUsesProvidedVars(t *testing.T) {
	var cfg envTestConfig
	if err := ParseEnvFrom(&cfg, map[string]string{"MESSAGEVAULT_TEST_INTERVAL": "2s"}); err != nil {
		t.Fatalf("parse env from: %v", err)
	}
	if cfg.Interval != 2*time.Second {
		t.Fatalf("interval = %v, want 2s", cfg.Interval)
	}
	if cfg.Port != 123 {
		t.Fatalf("port = %d, want default 123", cfg.Port)
	}
}

func TestReport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOut  string
	}{
		{name: "failure", err: fmt.Errorf("open store: %w", fmt.Errorf("disk full")), wantCode: 1, wantOut: "Error: open store: disk full\n"},
		{name: "help", err: fmt.Errorf("parse flags: %w", flag.ErrHelp), wantCode: 0, wantOut: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if got := report(&out, tt.err); got != tt.wantCode {
				t.Fatalf("exit code = %d, want %d", got, tt.wantCode)
			}
			if out.String() != tt.wantOut {
				t.Fatalf("output = %q, want %q", out.String(), tt.wantOut)
			}
		})
	}
}

func TestExitOnErrorIgnoresNil(t *testing.T) {
	ExitOnError(nil)
}
