package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
	"github.com/rs/cors"
)

const maxBidBody = 4 << 10

// Ledger is the purchase surface of an in-process ledger.
type Ledger interface {
	BuyCell(ctx context.Context, bidder common.Address, index int, content string, value uint256.Int) (event.Transition, error)
	GetMinimumPrice(index int) (uint256.Int, error)
}

// HandlerOptions configures the HTTP surface.
type HandlerOptions struct {
	// AllowedOrigins feeds the CORS policy. Empty allows every origin.
	AllowedOrigins []string
	// Ledger enables the purchase routes when set.
	Ledger Ledger
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
	Logf    func(string, ...any)
}

type handler struct {
	service *Service
	ledger  Ledger
	logf    func(string, ...any)
}

// NewHandler returns the JSON query API wrapped in a CORS policy.
func NewHandler(service *Service, opts HandlerOptions) http.Handler {
	h := &handler{service: service, ledger: opts.Ledger, logf: opts.Logf}
	if h.logf == nil {
		h.logf = func(string, ...any) {}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" /v1/cells", h.handleCells)
	mux.HandleFunc(http.MethodGet+" /v1/cells/{index}", h.handleCell)
	mux.HandleFunc(http.MethodGet+" /v1/cells/{index}/history", h.handleCellHistory)
	mux.HandleFunc(http.MethodGet+" /v1/vault", h.handleVault)
	mux.HandleFunc(http.MethodGet+" /v1/history", h.handleHistory)
	mux.HandleFunc(http.MethodGet+" /v1/snapshots/{seq}", h.handleSnapshot)
	mux.HandleFunc(http.MethodGet+" /v1/status", h.handleStatus)
	if h.ledger != nil {
		mux.HandleFunc(http.MethodPost+" /v1/ledger/cells/{index}/bids", h.handleBid)
		mux.HandleFunc(http.MethodGet+" /v1/ledger/cells/{index}/minimum", h.handleMinimum)
	}
	if opts.Metrics != nil {
		mux.Handle(http.MethodGet+" /metrics", opts.Metrics)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
}

func (h *handler) handleCells(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Cells(r.Context())
	h.respond(w, resp, err)
}

func (h *handler) handleCell(w http.ResponseWriter, r *http.Request) {
	index, err := pathInt(r, "index")
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.service.Cell(r.Context(), index)
	h.respond(w, resp, err)
}

func (h *handler) handleCellHistory(w http.ResponseWriter, r *http.Request) {
	index, err := pathInt(r, "index")
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.service.CellHistory(r.Context(), index, limit)
	h.respond(w, resp, err)
}

func (h *handler) handleVault(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Vault(r.Context())
	h.respond(w, resp, err)
}

func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.service.Recent(r.Context(), limit)
	h.respond(w, resp, err)
}

func (h *handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.PathValue("seq"))
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("seq %q is not a number", raw)))
		return
	}
	resp, err := h.service.SnapshotAt(r.Context(), seq)
	h.respond(w, resp, err)
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Status(r.Context())
	h.respond(w, resp, err)
}

type bidRequest struct {
	Bidder  string `json:"bidder"`
	Content string `json:"content"`
	Value   string `json:"value"`
}

type bidResponse struct {
	Transition event.Record `json:"transition"`
}

type minimumResponse struct {
	Index   int    `json:"index"`
	Minimum string `json:"minimum"`
}

func (h *handler) handleBid(w http.ResponseWriter, r *http.Request) {
	index, err := pathInt(r, "index")
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req bidRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBidBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("decode bid: %v", err)))
		return
	}
	if !common.IsHexAddress(req.Bidder) {
		h.writeError(w, apperrors.New(apperrors.CodeBidderRequired, "bidder must be a hex address"))
		return
	}
	value, err := auction.ParseAmount(req.Value)
	if err != nil {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("value: %v", err)))
		return
	}
	t, err := h.ledger.BuyCell(r.Context(), common.HexToAddress(req.Bidder), index, req.Content, value)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bidResponse{Transition: event.ToRecord(t)})
}

func (h *handler) handleMinimum(w http.ResponseWriter, r *http.Request) {
	index, err := pathInt(r, "index")
	if err != nil {
		h.writeError(w, err)
		return
	}
	minimum, err := h.ledger.GetMinimumPrice(index)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, minimumResponse{Index: index, Minimum: positive(minimum).Dec()})
}

func (h *handler) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		h.logf("query failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
			Code:    string(apperrors.CodeUnknown),
			Message: "internal error",
		}})
		return
	}
	status := domainErr.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logf("query failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: errorBody{
		Code:     string(domainErr.Code),
		Message:  domainErr.Message,
		Metadata: domainErr.Metadata,
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func pathInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.PathValue(name))
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("%s %q is not a number", name, raw))
	}
	return value, nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("limit %q must be a non-negative number", raw))
	}
	return limit, nil
}
