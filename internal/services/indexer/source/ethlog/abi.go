package ethlog

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EventName is the contract event emitted for every accepted purchase.
const EventName = "CellPurchased"

// VaultABI is the event surface of the MessageVault contract.
const VaultABI = `[
  {
    "type": "event",
    "name": "CellPurchased",
    "anonymous": false,
    "inputs": [
      {"name": "seq", "type": "uint256", "indexed": true},
      {"name": "cellIndex", "type": "uint256", "indexed": true},
      {"name": "newOwner", "type": "address", "indexed": true},
      {"name": "previousOwner", "type": "address", "indexed": false},
      {"name": "previousPrice", "type": "uint256", "indexed": false},
      {"name": "newPrice", "type": "uint256", "indexed": false},
      {"name": "newContent", "type": "string", "indexed": false},
      {"name": "timestamp", "type": "uint256", "indexed": false}
    ]
  }
]`

// ParseABI parses VaultABI and returns the purchase event.
func ParseABI() (abi.Event, error) {
	parsed, err := abi.JSON(strings.NewReader(VaultABI))
	if err != nil {
		return abi.Event{}, fmt.Errorf("parse vault abi: %w", err)
	}
	evt, ok := parsed.Events[EventName]
	if !ok {
		return abi.Event{}, fmt.Errorf("vault abi has no %s event", EventName)
	}
	return evt, nil
}
