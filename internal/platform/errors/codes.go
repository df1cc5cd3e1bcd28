// Package errors provides structured, coded errors shared by the indexer,
// its transports, and the in-process ledger.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Purchase rejections
	CodeCellOutOfRange  Code = "CELL_OUT_OF_RANGE"
	CodeContentTooLong  Code = "CONTENT_TOO_LONG"
	CodeContentEmpty    Code = "CONTENT_EMPTY"
	CodeContentInvalid  Code = "CONTENT_INVALID"
	CodeBidderRequired  Code = "BIDDER_REQUIRED"
	CodeBidTooLow       Code = "BID_TOO_LOW"
	CodeValueOverflow   Code = "VALUE_OVERFLOW"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Event stream errors
	CodeEventMalformed  Code = "EVENT_MALFORMED"
	CodeSchemaMismatch  Code = "SCHEMA_MISMATCH"
	CodeSequenceGap     Code = "SEQUENCE_GAP"
	CodeAlreadyApplied  Code = "ALREADY_APPLIED"
	CodeHistoryDiverged Code = "HISTORY_DIVERGED"
	CodeSourceOffline   Code = "SOURCE_OFFLINE"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// IsRejection reports whether the code is a synchronous purchase rejection.
func (c Code) IsRejection() bool {
	switch c {
	case CodeCellOutOfRange,
		CodeContentTooLong,
		CodeContentEmpty,
		CodeContentInvalid,
		CodeBidderRequired,
		CodeBidTooLow,
		CodeValueOverflow:
		return true
	default:
		return false
	}
}

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeCellOutOfRange,
		CodeContentTooLong,
		CodeContentEmpty,
		CodeContentInvalid,
		CodeBidderRequired,
		CodeInvalidArgument,
		CodeEventMalformed:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeBidTooLow,
		CodeValueOverflow,
		CodeSequenceGap,
		CodeHistoryDiverged,
		CodeSchemaMismatch:
		return codes.FailedPrecondition

	case CodeAlreadyApplied:
		return codes.AlreadyExists

	case CodeNotFound:
		return codes.NotFound

	case CodeSourceOffline:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes for the JSON surface.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition, codes.AlreadyExists:
		return http.StatusConflict
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
