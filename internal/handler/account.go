package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/publisher"
	"github.com/efreitasn/stockledger/internal/service"
)

// AccountHandler handles HTTP requests for account endpoints.
type AccountHandler struct {
	accountSvc *service.AccountService
	hub        *publisher.StreamHub
	logger     *slog.Logger
}

// NewAccountHandler creates a new AccountHandler. hub may be nil, in which
// case the stream endpoint is unavailable.
func NewAccountHandler(accountSvc *service.AccountService, hub *publisher.StreamHub, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accountSvc: accountSvc, hub: hub, logger: logger}
}

// openAccountRequest is the JSON request body for POST /accounts.
type openAccountRequest struct {
	AccountID      string `json:"account_id"`
	InitialDeposit string `json:"initial_deposit"`
}

// adjustBalanceRequest is the JSON request body for
// POST /accounts/{account_id}/adjustments.
type adjustBalanceRequest struct {
	Delta  string `json:"delta"`
	Reason string `json:"reason"`
}

type holdingResponse struct {
	EntityKey string `json:"entity_key"`
	Quantity  int64  `json:"quantity"`
}

// portfolioResponse is the JSON response for an account's portfolio.
type portfolioResponse struct {
	AccountID   string            `json:"account_id"`
	Balance     string            `json:"balance"`
	Holdings    []holdingResponse `json:"holdings"`
	AsOfVersion int64             `json:"as_of_version"`
}

type positionResponse struct {
	EntityKey   string  `json:"entity_key"`
	Quantity    int64   `json:"quantity"`
	Price       *string `json:"price"`
	MarketValue *string `json:"market_value"`
}

// valuationResponse is the JSON response for GET /accounts/{account_id}/valuation.
type valuationResponse struct {
	AccountID     string             `json:"account_id"`
	AsOfVersion   int64              `json:"as_of_version"`
	Balance       string             `json:"balance"`
	HoldingsValue string             `json:"holdings_value"`
	TotalValue    string             `json:"total_value"`
	Degraded      bool               `json:"degraded"`
	Positions     []positionResponse `json:"positions"`
}

type eventResponse struct {
	EventID    string           `json:"event_id"`
	Sequence   int64            `json:"sequence"`
	Type       domain.EventType `json:"type"`
	Payload    domain.Payload   `json:"payload"`
	OccurredAt string           `json:"occurred_at"`
}

// eventListResponse is the JSON response for GET /accounts/{account_id}/events.
type eventListResponse struct {
	AccountID string          `json:"account_id"`
	Events    []eventResponse `json:"events"`
}

// Open handles POST /accounts.
func (h *AccountHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	deposit, err := parseMoney("initial_deposit", req.InitialDeposit)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	p, err := h.accountSvc.Open(r.Context(), service.OpenAccountRequest{
		AccountID:      req.AccountID,
		InitialDeposit: deposit,
	})
	if err != nil {
		mapAccountError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, buildPortfolioResponse(p))
}

// Portfolio handles GET /accounts/{account_id}/portfolio.
func (h *AccountHandler) Portfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.accountSvc.Portfolio(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		mapAccountError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildPortfolioResponse(p))
}

// Valuation handles GET /accounts/{account_id}/valuation.
func (h *AccountHandler) Valuation(w http.ResponseWriter, r *http.Request) {
	v, err := h.accountSvc.Valuation(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		mapAccountError(w, err)
		return
	}

	positions := make([]positionResponse, len(v.Positions))
	for i, p := range v.Positions {
		positions[i] = positionResponse{EntityKey: p.EntityKey, Quantity: p.Quantity}
		if p.Price != nil {
			price := money(*p.Price)
			positions[i].Price = &price
		}
		if p.MarketValue != nil {
			value := money(*p.MarketValue)
			positions[i].MarketValue = &value
		}
	}

	WriteJSON(w, http.StatusOK, valuationResponse{
		AccountID:     v.AccountID,
		AsOfVersion:   v.AsOfVersion,
		Balance:       money(v.Balance),
		HoldingsValue: money(v.HoldingsValue),
		TotalValue:    money(v.TotalValue),
		Degraded:      v.Degraded,
		Positions:     positions,
	})
}

// Events handles GET /accounts/{account_id}/events?from=N.
func (h *AccountHandler) Events(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")

	var from int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "from must be an integer")
			return
		}
		from = n
	}

	events, err := h.accountSvc.Events(r.Context(), accountID, from)
	if err != nil {
		mapAccountError(w, err)
		return
	}

	result := make([]eventResponse, len(events))
	for i, e := range events {
		result[i] = eventResponse{
			EventID:    e.EventID,
			Sequence:   e.Sequence,
			Type:       e.Type,
			Payload:    e.Payload,
			OccurredAt: e.OccurredAt.UTC().Format(timeLayout),
		}
	}
	WriteJSON(w, http.StatusOK, eventListResponse{AccountID: accountID, Events: result})
}

// Adjust handles POST /accounts/{account_id}/adjustments.
func (h *AccountHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustBalanceRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	delta, err := parseMoney("delta", req.Delta)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	p, err := h.accountSvc.Adjust(r.Context(), service.AdjustBalanceRequest{
		AccountID: chi.URLParam(r, "account_id"),
		Delta:     delta,
		Reason:    req.Reason,
	})
	if err != nil {
		mapAccountError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildPortfolioResponse(p))
}

// Stream handles GET /accounts/{account_id}/stream. The connection is
// upgraded to a websocket that receives the account's committed events.
func (h *AccountHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		WriteError(w, http.StatusNotFound, "not_found", "event streaming is disabled")
		return
	}
	accountID := chi.URLParam(r, "account_id")

	exists, err := h.accountSvc.Exists(r.Context(), accountID)
	if err != nil {
		mapAccountError(w, err)
		return
	}
	if !exists {
		mapAccountError(w, domain.ErrAccountNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the response.
		h.logger.Debug("websocket upgrade failed", slog.String("account_id", accountID), slog.Any("error", err))
		return
	}
	if err := h.hub.Serve(r.Context(), conn, accountID); err != nil {
		h.logger.Debug("stream closed", slog.String("account_id", accountID), slog.Any("error", err))
	}
}

func buildPortfolioResponse(p *service.PortfolioResponse) portfolioResponse {
	holdings := make([]holdingResponse, len(p.Holdings))
	for i, hl := range p.Holdings {
		holdings[i] = holdingResponse{EntityKey: hl.EntityKey, Quantity: hl.Quantity}
	}
	return portfolioResponse{
		AccountID:   p.AccountID,
		Balance:     money(p.Balance),
		Holdings:    holdings,
		AsOfVersion: p.AsOfVersion,
	}
}

// mapAccountError maps domain errors to HTTP responses for account endpoints.
func mapAccountError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		WriteError(w, http.StatusNotFound, "account_not_found", err.Error())
	case errors.Is(err, domain.ErrAccountAlreadyExists):
		WriteError(w, http.StatusConflict, "account_already_exists", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		WriteError(w, http.StatusUnprocessableEntity, "insufficient_funds", err.Error())
	case errors.Is(err, domain.ErrRetryExhausted):
		WriteError(w, http.StatusConflict, "retry_exhausted", err.Error())
	case errors.Is(err, domain.ErrDownstreamUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "downstream_unavailable", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
