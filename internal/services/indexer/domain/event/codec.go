package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Record is the JSON shape of a Transition on the query surface. Currency is a
// base-10 string; timestamps are unix seconds.
type Record struct {
	Seq           uint64 `json:"seq"`
	CellIndex     int    `json:"cellIndex"`
	PreviousOwner string `json:"previousOwner"`
	NewOwner      string `json:"newOwner"`
	PreviousPrice string `json:"previousPrice"`
	NewPrice      string `json:"newPrice"`
	NewContent    string `json:"newContent"`
	Timestamp     int64  `json:"timestamp"`
	BlockNumber   uint64 `json:"blockNumber"`
	BlockHash     string `json:"blockHash"`
	LogIndex      uint   `json:"logIndex"`
}

// ToRecord renders a transition for JSON consumers.
func ToRecord(t Transition) Record {
	record := Record{
		Seq:           t.Seq,
		CellIndex:     t.CellIndex,
		PreviousPrice: t.PreviousPrice.Dec(),
		NewPrice:      t.NewPrice.Dec(),
		NewContent:    t.NewContent,
		Timestamp:     t.Timestamp.Unix(),
		BlockNumber:   t.Position.BlockNumber,
		BlockHash:     t.Position.BlockHash.Hex(),
		LogIndex:      t.Position.LogIndex,
	}
	if t.PreviousOwner != (common.Address{}) {
		record.PreviousOwner = t.PreviousOwner.Hex()
	}
	record.NewOwner = t.NewOwner.Hex()
	return record
}

// Columns is the positional column order accepted by DecodeTuple. SQL-over-HTTP
// clients may return rows as arrays in this order.
var Columns = []string{
	"seq",
	"cell_index",
	"previous_owner",
	"new_owner",
	"previous_price",
	"new_price",
	"new_content",
	"timestamp",
	"block_number",
	"block_hash",
	"log_index",
}

// fieldAliases maps accepted object keys onto the canonical column names.
var fieldAliases = map[string]string{
	"seq":            "seq",
	"sequence":       "seq",
	"sequencenumber": "seq",
	"cellindex":      "cell_index",
	"cell":           "cell_index",
	"index":          "cell_index",
	"previousowner":  "previous_owner",
	"newowner":       "new_owner",
	"owner":          "new_owner",
	"previousprice":  "previous_price",
	"newprice":       "new_price",
	"price":          "new_price",
	"value":          "new_price",
	"newcontent":     "new_content",
	"content":        "new_content",
	"text":           "new_content",
	"timestamp":      "timestamp",
	"blocknumber":    "block_number",
	"blockhash":      "block_hash",
	"logindex":       "log_index",
}

func canonicalField(key string) (string, bool) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), "_", ""))
	name, ok := fieldAliases[normalized]
	return name, ok
}

// DecodeJSON normalizes any supported payload into transitions, in input order.
//
// Accepted shapes: a single object, an array of objects, an array of positional
// arrays, or an envelope object carrying one of those under "rows", "items",
// "events", or "data".
func DecodeJSON(data []byte) ([]Transition, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return decodeValue(raw, 0)
}

func decodeValue(raw any, depth int) ([]Transition, error) {
	if depth > 2 {
		return nil, fmt.Errorf("%w: envelope nested too deeply", ErrMalformed)
	}
	switch typed := raw.(type) {
	case []any:
		out := make([]Transition, 0, len(typed))
		for i, row := range typed {
			evt, err := decodeRow(row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			out = append(out, evt)
		}
		return out, nil
	case map[string]any:
		for _, key := range []string{"rows", "items", "events", "data"} {
			if inner, ok := typed[key]; ok {
				return decodeValue(inner, depth+1)
			}
		}
		evt, err := DecodeObject(typed)
		if err != nil {
			return nil, err
		}
		return []Transition{evt}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrMalformed, raw)
	}
}

func decodeRow(row any) (Transition, error) {
	switch typed := row.(type) {
	case []any:
		return DecodeTuple(typed)
	case map[string]any:
		return DecodeObject(typed)
	default:
		return Transition{}, fmt.Errorf("%w: unsupported row %T", ErrMalformed, row)
	}
}

// DecodeTuple normalizes a positional row ordered as Columns. Trailing
// position columns may be omitted.
func DecodeTuple(cols []any) (Transition, error) {
	if len(cols) < 8 || len(cols) > len(Columns) {
		return Transition{}, fmt.Errorf("%w: expected 8 to %d columns, got %d", ErrMalformed, len(Columns), len(cols))
	}
	fields := make(map[string]any, len(cols))
	for i, value := range cols {
		fields[Columns[i]] = value
	}
	return fromFields(fields)
}

// DecodeObject normalizes an object row keyed by camelCase or snake_case names.
func DecodeObject(obj map[string]any) (Transition, error) {
	fields := make(map[string]any, len(obj))
	for key, value := range obj {
		name, ok := canonicalField(key)
		if !ok {
			continue
		}
		if _, dup := fields[name]; dup {
			return Transition{}, fmt.Errorf("%w: field %s given twice", ErrMalformed, name)
		}
		fields[name] = value
	}
	return fromFields(fields)
}

func fromFields(fields map[string]any) (Transition, error) {
	var (
		t   Transition
		err error
	)
	if t.Seq, err = uintField(fields, "seq", true); err != nil {
		return Transition{}, err
	}
	cell, err := uintField(fields, "cell_index", true)
	if err != nil {
		return Transition{}, err
	}
	if cell > math.MaxInt32 {
		return Transition{}, fmt.Errorf("%w: cell_index %d too large", ErrMalformed, cell)
	}
	t.CellIndex = int(cell)
	if t.PreviousOwner, err = addressField(fields, "previous_owner"); err != nil {
		return Transition{}, err
	}
	if t.NewOwner, err = addressField(fields, "new_owner"); err != nil {
		return Transition{}, err
	}
	if t.PreviousPrice, err = amountField(fields, "previous_price"); err != nil {
		return Transition{}, err
	}
	if t.NewPrice, err = amountField(fields, "new_price"); err != nil {
		return Transition{}, err
	}
	if t.NewContent, err = stringField(fields, "new_content"); err != nil {
		return Transition{}, err
	}
	if t.Timestamp, err = timeField(fields, "timestamp"); err != nil {
		return Transition{}, err
	}
	if t.Position.BlockNumber, err = uintField(fields, "block_number", false); err != nil {
		return Transition{}, err
	}
	hash, err := stringField(fields, "block_hash")
	if err != nil {
		return Transition{}, err
	}
	if hash != "" {
		t.Position.BlockHash = common.HexToHash(hash)
	}
	logIndex, err := uintField(fields, "log_index", false)
	if err != nil {
		return Transition{}, err
	}
	t.Position.LogIndex = uint(logIndex)
	return t, nil
}

func uintField(fields map[string]any, name string, required bool) (uint64, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		if required {
			return 0, fmt.Errorf("%w: missing %s", ErrMalformed, name)
		}
		return 0, nil
	}
	var text string
	switch typed := raw.(type) {
	case json.Number:
		text = typed.String()
	case string:
		text = strings.TrimSpace(typed)
	case float64:
		if typed < 0 || typed != math.Trunc(typed) || typed > math.MaxUint64 {
			return 0, fmt.Errorf("%w: %s is not an unsigned integer", ErrMalformed, name)
		}
		return uint64(typed), nil
	case int:
		if typed < 0 {
			return 0, fmt.Errorf("%w: %s is negative", ErrMalformed, name)
		}
		return uint64(typed), nil
	case int64:
		if typed < 0 {
			return 0, fmt.Errorf("%w: %s is negative", ErrMalformed, name)
		}
		return uint64(typed), nil
	case uint64:
		return typed, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrMalformed, name, raw)
	}
	base := 10
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		text, base = text[2:], 16
	}
	value, err := strconv.ParseUint(text, base, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return value, nil
}

func amountField(fields map[string]any, name string) (uint256.Int, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return uint256.Int{}, nil
	}
	var text string
	switch typed := raw.(type) {
	case json.Number:
		text = typed.String()
	case string:
		text = strings.TrimSpace(typed)
	case uint64:
		return *uint256.NewInt(typed), nil
	case int:
		if typed < 0 {
			return uint256.Int{}, fmt.Errorf("%w: %s is negative", ErrMalformed, name)
		}
		return *uint256.NewInt(uint64(typed)), nil
	default:
		return uint256.Int{}, fmt.Errorf("%w: %s has type %T", ErrMalformed, name, raw)
	}
	if text == "" {
		return uint256.Int{}, nil
	}
	var (
		value *uint256.Int
		err   error
	)
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		value, err = uint256.FromHex(text)
	} else {
		value, err = uint256.FromDecimal(text)
	}
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return *value, nil
}

func addressField(fields map[string]any, name string) (common.Address, error) {
	text, err := stringField(fields, name)
	if err != nil || text == "" {
		return common.Address{}, err
	}
	if !common.IsHexAddress(text) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address", ErrMalformed, name)
	}
	return common.HexToAddress(text), nil
}

func stringField(fields map[string]any, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return "", nil
	}
	text, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s has type %T", ErrMalformed, name, raw)
	}
	return text, nil
}

func timeField(fields map[string]any, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return time.Time{}, nil
	}
	if text, ok := raw.(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text)); err == nil {
			return parsed.UTC(), nil
		}
	}
	seconds, err := uintField(fields, name, true)
	if err != nil {
		return time.Time{}, err
	}
	if seconds > math.MaxInt64 {
		return time.Time{}, fmt.Errorf("%w: %s out of range", ErrMalformed, name)
	}
	return time.Unix(int64(seconds), 0).UTC(), nil
}
