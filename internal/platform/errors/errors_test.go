package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("buy cell: %w", WithMetadata(CodeBidTooLow, "bid too low", map[string]string{"minimum": "11"}))
	if !stderrors.Is(err, New(CodeBidTooLow, "")) {
		t.Fatal("expected wrapped error to match BID_TOO_LOW")
	}
	if stderrors.Is(err, New(CodeContentTooLong, "")) {
		t.Fatal("expected wrapped error not to match CONTENT_TOO_LONG")
	}
	if got := GetCode(err); got != CodeBidTooLow {
		t.Fatalf("code = %s, want %s", got, CodeBidTooLow)
	}
	if got := GetCode(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("code = %s, want %s", got, CodeUnknown)
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodeUnknown, "apply event", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestCodeMappings(t *testing.T) {
	tests := []struct {
		code       Code
		grpc       codes.Code
		httpStatus int
		rejection  bool
	}{
		{CodeCellOutOfRange, codes.InvalidArgument, http.StatusBadRequest, true},
		{CodeContentTooLong, codes.InvalidArgument, http.StatusBadRequest, true},
		{CodeBidTooLow, codes.FailedPrecondition, http.StatusConflict, true},
		{CodeSequenceGap, codes.FailedPrecondition, http.StatusConflict, false},
		{CodeNotFound, codes.NotFound, http.StatusNotFound, false},
		{CodeSourceOffline, codes.Unavailable, http.StatusServiceUnavailable, false},
		{CodeUnknown, codes.Internal, http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		if got := tt.code.GRPCCode(); got != tt.grpc {
			t.Fatalf("%s grpc = %v, want %v", tt.code, got, tt.grpc)
		}
		if got := tt.code.HTTPStatus(); got != tt.httpStatus {
			t.Fatalf("%s http = %d, want %d", tt.code, got, tt.httpStatus)
		}
		if got := tt.code.IsRejection(); got != tt.rejection {
			t.Fatalf("%s rejection = %v, want %v", tt.code, got, tt.rejection)
		}
	}
}
