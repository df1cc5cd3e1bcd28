package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/ledger"
	"github.com/louisbranch/messagevault/internal/services/indexer/source"
	"github.com/louisbranch/messagevault/internal/services/indexer/source/ethlog"
)

const (
	// SourceMemory runs the in-process ledger.
	SourceMemory = "memory"
	// SourceEth reads contract logs over JSON-RPC.
	SourceEth = "eth"
)

// RulesConfig holds the deployment-time auction parameters.
type RulesConfig struct {
	GridWidth        int    `env:"MESSAGEVAULT_GRID_WIDTH" envDefault:"10"`
	GridHeight       int    `env:"MESSAGEVAULT_GRID_HEIGHT" envDefault:"10"`
	MaxContentBytes  int    `env:"MESSAGEVAULT_MAX_CONTENT_BYTES" envDefault:"100"`
	IncrementPercent uint64 `env:"MESSAGEVAULT_INCREMENT_PERCENT" envDefault:"110"`
	MinFirstBid      string `env:"MESSAGEVAULT_MIN_FIRST_BID" envDefault:"0"`
	AccountingPolicy string `env:"MESSAGEVAULT_ACCOUNTING_POLICY" envDefault:"refund"`
}

// Rules converts the settings into validated auction rules.
func (c RulesConfig) Rules() (auction.Rules, error) {
	policy, err := auction.ParsePolicy(c.AccountingPolicy)
	if err != nil {
		return auction.Rules{}, err
	}
	minFirst, err := auction.ParseAmount(strings.TrimSpace(c.MinFirstBid))
	if err != nil {
		return auction.Rules{}, fmt.Errorf("min first bid: %w", err)
	}
	rules := auction.Rules{
		Width:            c.GridWidth,
		Height:           c.GridHeight,
		MaxContentBytes:  c.MaxContentBytes,
		IncrementPercent: c.IncrementPercent,
		MinFirstBid:      minFirst,
		Policy:           policy,
	}
	if err := rules.Validate(); err != nil {
		return auction.Rules{}, err
	}
	return rules, nil
}

// SourceConfig selects and configures the event source.
type SourceConfig struct {
	Source          string `env:"MESSAGEVAULT_SOURCE" envDefault:"memory"`
	RPCURL          string `env:"MESSAGEVAULT_RPC_URL"`
	ContractAddress string `env:"MESSAGEVAULT_CONTRACT_ADDRESS"`
	StartBlock      uint64 `env:"MESSAGEVAULT_START_BLOCK"`
	Confirmations   uint64 `env:"MESSAGEVAULT_CONFIRMATIONS"`
	// FinalityDepth applies to the memory source only.
	FinalityDepth uint64 `env:"MESSAGEVAULT_FINALITY_DEPTH"`
}

// Opened is a connected event source. Vault is set for the memory source.
type Opened struct {
	Source source.Source
	Vault  *ledger.Vault
	Close  func()
}

// OpenSource connects the configured source.
func OpenSource(ctx context.Context, cfg SourceConfig, rules auction.Rules) (Opened, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "", SourceMemory:
		vault, err := ledger.NewVault(ledger.Config{Rules: rules, FinalityDepth: cfg.FinalityDepth})
		if err != nil {
			return Opened{}, fmt.Errorf("create memory ledger: %w", err)
		}
		return Opened{Source: vault, Vault: vault, Close: func() {}}, nil
	case SourceEth:
		if strings.TrimSpace(cfg.RPCURL) == "" {
			return Opened{}, fmt.Errorf("rpc url is required for the %s source", SourceEth)
		}
		if !common.IsHexAddress(cfg.ContractAddress) {
			return Opened{}, fmt.Errorf("contract address %q is not a hex address", cfg.ContractAddress)
		}
		src, closeFn, err := ethlog.Dial(ctx, cfg.RPCURL, ethlog.Config{
			Contract:      common.HexToAddress(cfg.ContractAddress),
			StartBlock:    cfg.StartBlock,
			Confirmations: cfg.Confirmations,
		})
		if err != nil {
			return Opened{}, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
		}
		return Opened{Source: src, Close: closeFn}, nil
	default:
		return Opened{}, fmt.Errorf("unknown source %q (want %s or %s)", cfg.Source, SourceMemory, SourceEth)
	}
}
