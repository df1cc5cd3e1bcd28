package ethlog

import (
	"fmt"
	"math"
	"math/big"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
)

// seqTopic encodes a seq as an indexed uint256 topic.
func seqTopic(seq uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(seq))
}

// decodeLog normalizes a CellPurchased log into a transition.
func decodeLog(vaultEvent abi.Event, log types.Log) (event.Transition, error) {
	if len(log.Topics) != 4 || log.Topics[0] != vaultEvent.ID {
		return event.Transition{}, fmt.Errorf("%w: log %s/%d is not %s", event.ErrMalformed, log.TxHash.Hex(), log.Index, EventName)
	}
	seq, err := topicUint64(log.Topics[1], "seq")
	if err != nil {
		return event.Transition{}, err
	}
	cell, err := topicUint64(log.Topics[2], "cellIndex")
	if err != nil {
		return event.Transition{}, err
	}
	if cell > math.MaxInt32 {
		return event.Transition{}, fmt.Errorf("%w: cellIndex %d too large", event.ErrMalformed, cell)
	}

	values, err := vaultEvent.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return event.Transition{}, fmt.Errorf("%w: unpack %s: %v", event.ErrMalformed, EventName, err)
	}
	if len(values) != 5 {
		return event.Transition{}, fmt.Errorf("%w: %s has %d data fields", event.ErrMalformed, EventName, len(values))
	}
	previousOwner, ok := values[0].(common.Address)
	if !ok {
		return event.Transition{}, fmt.Errorf("%w: previousOwner has type %T", event.ErrMalformed, values[0])
	}
	previousPrice, err := bigAmount(values[1], "previousPrice")
	if err != nil {
		return event.Transition{}, err
	}
	newPrice, err := bigAmount(values[2], "newPrice")
	if err != nil {
		return event.Transition{}, err
	}
	content, ok := values[3].(string)
	if !ok || !utf8.ValidString(content) {
		return event.Transition{}, fmt.Errorf("%w: newContent is not a UTF-8 string", event.ErrMalformed)
	}
	timestamp, err := bigAmount(values[4], "timestamp")
	if err != nil {
		return event.Transition{}, err
	}
	if !timestamp.IsUint64() || timestamp.Uint64() > math.MaxInt64 {
		return event.Transition{}, fmt.Errorf("%w: timestamp out of range", event.ErrMalformed)
	}

	return event.Transition{
		Seq:           seq,
		CellIndex:     int(cell),
		PreviousOwner: previousOwner,
		NewOwner:      common.BytesToAddress(log.Topics[3].Bytes()),
		PreviousPrice: previousPrice,
		NewPrice:      newPrice,
		NewContent:    content,
		Timestamp:     time.Unix(int64(timestamp.Uint64()), 0).UTC(),
		Position: event.Position{
			BlockNumber: log.BlockNumber,
			BlockHash:   log.BlockHash,
			LogIndex:    log.Index,
		},
	}, nil
}

func topicUint64(topic common.Hash, name string) (uint64, error) {
	value := new(big.Int).SetBytes(topic.Bytes())
	if !value.IsUint64() {
		return 0, fmt.Errorf("%w: %s topic overflows uint64", event.ErrMalformed, name)
	}
	return value.Uint64(), nil
}

func bigAmount(value any, name string) (uint256.Int, error) {
	b, ok := value.(*big.Int)
	if !ok {
		return uint256.Int{}, fmt.Errorf("%w: %s has type %T", event.ErrMalformed, name, value)
	}
	amount, overflow := uint256.FromBig(b)
	if overflow {
		return uint256.Int{}, fmt.Errorf("%w: %s overflows 256 bits", event.ErrMalformed, name)
	}
	return *amount, nil
}
