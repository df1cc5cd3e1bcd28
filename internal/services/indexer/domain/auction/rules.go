package auction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Policy selects how the vault balance moves when a claimed cell is overwritten.
type Policy string

const (
	// PolicyRefund returns the previous price to the displaced owner. The vault
	// balance always equals the sum of current cell prices.
	PolicyRefund Policy = "refund"
	// PolicyPool keeps every payment in the vault.
	PolicyPool Policy = "pool"
)

// ParsePolicy maps a configuration value onto a Policy.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicyRefund:
		return PolicyRefund, nil
	case PolicyPool:
		return PolicyPool, nil
	default:
		return "", fmt.Errorf("unknown accounting policy %q", value)
	}
}

const (
	DefaultWidth            = 10
	DefaultHeight           = 10
	DefaultMaxContentBytes  = 100
	DefaultIncrementPercent = 110
)

// Rules are the deployment-time auction parameters.
type Rules struct {
	Width           int
	Height          int
	MaxContentBytes int
	// IncrementPercent is the overwrite threshold relative to the current
	// price. 110 means a new bid must be at least 110% of the current price.
	IncrementPercent uint64
	// MinFirstBid is an optional floor for unclaimed cells. Zero means any
	// positive bid claims a free cell.
	MinFirstBid uint256.Int
	Policy      Policy
}

// DefaultRules returns a 10x10 grid with the standard 110% overwrite rule.
func DefaultRules() Rules {
	return Rules{
		Width:            DefaultWidth,
		Height:           DefaultHeight,
		MaxContentBytes:  DefaultMaxContentBytes,
		IncrementPercent: DefaultIncrementPercent,
		Policy:           PolicyRefund,
	}
}

// Size returns the number of cells on the grid.
func (r Rules) Size() int {
	return r.Width * r.Height
}

// Validate reports configuration errors.
func (r Rules) Validate() error {
	var errs []error
	if r.Width <= 0 || r.Height <= 0 {
		errs = append(errs, fmt.Errorf("grid dimensions must be positive, got %dx%d", r.Width, r.Height))
	}
	if r.MaxContentBytes <= 0 {
		errs = append(errs, errors.New("max content bytes must be positive"))
	}
	if r.IncrementPercent < 100 {
		errs = append(errs, fmt.Errorf("increment percent must be at least 100, got %d", r.IncrementPercent))
	}
	if r.Policy != PolicyRefund && r.Policy != PolicyPool {
		errs = append(errs, fmt.Errorf("unknown accounting policy %q", r.Policy))
	}
	return errors.Join(errs...)
}

// NewGrid returns an empty grid sized for the rules.
func (r Rules) NewGrid() Grid {
	cells := make([]Cell, r.Size())
	for i := range cells {
		cells[i].Index = i
	}
	return Grid{Width: r.Width, Height: r.Height, Cells: cells}
}

// ParseAmount parses a base-10 or 0x-prefixed currency amount in the smallest unit.
func ParseAmount(value string) (uint256.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return uint256.Int{}, nil
	}
	var (
		parsed *uint256.Int
		err    error
	)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		parsed, err = uint256.FromHex(value)
	} else {
		parsed, err = uint256.FromDecimal(value)
	}
	if err != nil {
		return uint256.Int{}, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return *parsed, nil
}
