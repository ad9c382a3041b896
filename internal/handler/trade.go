package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/service"
)

// TradeHandler handles HTTP requests for trade endpoints.
type TradeHandler struct {
	tradeSvc *service.TradeService
}

// NewTradeHandler creates a new TradeHandler.
func NewTradeHandler(tradeSvc *service.TradeService) *TradeHandler {
	return &TradeHandler{tradeSvc: tradeSvc}
}

// submitTradeRequest is the JSON request body for POST /trades.
type submitTradeRequest struct {
	AccountID     string `json:"account_id"`
	EntityKey     string `json:"entity_key"`
	Action        string `json:"action"`
	Quantity      int64  `json:"quantity"`
	ExpectedPrice string `json:"expected_price"`
}

// tradeResponse is the JSON response for POST /trades. Committed trades
// carry the new version and balance; rejections and conflicts carry a
// reason, and conflicts the latest version observed.
type tradeResponse struct {
	Status           domain.CommandStatus `json:"status"`
	Version          int64                `json:"version,omitempty"`
	ResultingBalance string               `json:"resulting_balance,omitempty"`
	EventID          string               `json:"event_id,omitempty"`
	ExecutedPrice    string               `json:"executed_price,omitempty"`
	Reason           string               `json:"reason,omitempty"`
	Message          string               `json:"message,omitempty"`
}

// Submit handles POST /trades.
func (h *TradeHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitTradeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	expected, err := parseMoney("expected_price", req.ExpectedPrice)
	if err != nil {
		writeTradeRejection(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	resp, err := h.tradeSvc.Submit(r.Context(), service.TradeRequest{
		AccountID:     req.AccountID,
		EntityKey:     req.EntityKey,
		Action:        req.Action,
		Quantity:      req.Quantity,
		ExpectedPrice: expected,
	})
	if err != nil {
		mapTradeError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, tradeResponse{
		Status:           resp.Status,
		Version:          resp.Version,
		ResultingBalance: money(resp.ResultingBalance),
		EventID:          resp.EventID,
		ExecutedPrice:    money(resp.ExecutedPrice),
	})
}

func writeTradeRejection(w http.ResponseWriter, status int, reason, message string) {
	WriteJSON(w, status, tradeResponse{
		Status:  domain.StatusRejected,
		Reason:  reason,
		Message: message,
	})
}

// mapTradeError maps command outcomes to HTTP responses for POST /trades.
func mapTradeError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		writeTradeRejection(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	var exhausted *domain.RetryExhaustedError
	if errors.As(err, &exhausted) {
		WriteJSON(w, http.StatusConflict, tradeResponse{
			Status:  domain.StatusConflict,
			Version: exhausted.LatestVersion,
			Reason:  "retry_exhausted",
			Message: err.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		writeTradeRejection(w, http.StatusNotFound, "account_not_found", err.Error())
	case errors.Is(err, domain.ErrEntityNotFound):
		writeTradeRejection(w, http.StatusNotFound, "entity_not_found", err.Error())
	case errors.Is(err, domain.ErrEntityNotTradable):
		writeTradeRejection(w, http.StatusUnprocessableEntity, "entity_not_tradable", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeTradeRejection(w, http.StatusUnprocessableEntity, "insufficient_funds", err.Error())
	case errors.Is(err, domain.ErrInsufficientHoldings):
		writeTradeRejection(w, http.StatusUnprocessableEntity, "insufficient_holdings", err.Error())
	case errors.Is(err, domain.ErrPriceSlippage):
		writeTradeRejection(w, http.StatusUnprocessableEntity, "price_slippage", err.Error())
	case errors.Is(err, domain.ErrDownstreamUnavailable):
		w.Header().Set("Retry-After", "1")
		WriteError(w, http.StatusServiceUnavailable, "downstream_unavailable", "Pricing is temporarily unavailable")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		WriteError(w, http.StatusServiceUnavailable, "request_cancelled", "The request was cancelled before it committed")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
