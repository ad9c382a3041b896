package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/publisher"
	"github.com/efreitasn/stockledger/internal/service"
)

// EntityHandler handles HTTP requests for entity endpoints.
type EntityHandler struct {
	entitySvc *service.EntityService
}

// NewEntityHandler creates a new EntityHandler.
func NewEntityHandler(entitySvc *service.EntityService) *EntityHandler {
	return &EntityHandler{entitySvc: entitySvc}
}

// createEntityRequest is the JSON request body for POST /entities.
type createEntityRequest struct {
	Key      string  `json:"key"`
	Name     string  `json:"name"`
	Crew     string  `json:"crew"`
	Tradable bool    `json:"tradable"`
	Price    *string `json:"price"`
}

// updateEntityRequest is the JSON request body for PATCH /entities/{entity_key}.
type updateEntityRequest struct {
	Tradable *bool `json:"tradable"`
}

// setPriceRequest is the JSON request body for PUT /entities/{entity_key}/price.
type setPriceRequest struct {
	Price string `json:"price"`
}

type entityResponse struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Crew      string `json:"crew"`
	Tradable  bool   `json:"tradable"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type entityListResponse struct {
	Entities []entityResponse `json:"entities"`
}

type priceResponse struct {
	EntityKey string `json:"entity_key"`
	Price     string `json:"price"`
	QuotedAt  string `json:"quoted_at"`
}

type statsResponse struct {
	EntityKey   string  `json:"entity_key"`
	Trades      int64   `json:"trades"`
	UnitsBought int64   `json:"units_bought"`
	UnitsSold   int64   `json:"units_sold"`
	Notional    string  `json:"notional"`
	LastPrice   *string `json:"last_price"`
	LastTradeAt *string `json:"last_trade_at"`
}

// Create handles POST /entities.
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createEntityRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	svcReq := service.CreateEntityRequest{
		Key:      req.Key,
		Name:     req.Name,
		Crew:     req.Crew,
		Tradable: req.Tradable,
	}
	if req.Price != nil {
		p, err := parseMoney("price", *req.Price)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		svcReq.Price = &p
	}

	e, err := h.entitySvc.Create(r.Context(), svcReq)
	if err != nil {
		mapEntityError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildEntityResponse(e))
}

// List handles GET /entities.
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	entities, err := h.entitySvc.List(r.Context())
	if err != nil {
		mapEntityError(w, err)
		return
	}

	result := make([]entityResponse, len(entities))
	for i, e := range entities {
		result[i] = buildEntityResponse(e)
	}
	WriteJSON(w, http.StatusOK, entityListResponse{Entities: result})
}

// Get handles GET /entities/{entity_key}.
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.entitySvc.Get(r.Context(), chi.URLParam(r, "entity_key"))
	if err != nil {
		mapEntityError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildEntityResponse(e))
}

// Update handles PATCH /entities/{entity_key}. Only the tradable flag can
// change.
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateEntityRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Tradable == nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "tradable is required")
		return
	}

	e, err := h.entitySvc.SetTradable(r.Context(), chi.URLParam(r, "entity_key"), *req.Tradable)
	if err != nil {
		mapEntityError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildEntityResponse(e))
}

// GetPrice handles GET /entities/{entity_key}/price.
func (h *EntityHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.entitySvc.Price(r.Context(), chi.URLParam(r, "entity_key"))
	if err != nil {
		mapEntityError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, priceResponse{
		EntityKey: p.EntityKey,
		Price:     money(p.Price),
		QuotedAt:  p.QuotedAt.UTC().Format(timeLayout),
	})
}

// SetPrice handles PUT /entities/{entity_key}/price.
func (h *EntityHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req setPriceRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	price, err := parseMoney("price", req.Price)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	key := chi.URLParam(r, "entity_key")
	if err := h.entitySvc.SetPrice(r.Context(), key, price); err != nil {
		mapEntityError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, priceResponse{
		EntityKey: key,
		Price:     money(price),
		QuotedAt:  time.Now().UTC().Format(timeLayout),
	})
}

// Stats handles GET /entities/{entity_key}/stats.
func (h *EntityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "entity_key")
	v, err := h.entitySvc.Stats(r.Context(), key)
	if err != nil {
		mapEntityError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildStatsResponse(key, v))
}

func buildEntityResponse(e *domain.Entity) entityResponse {
	return entityResponse{
		Key:       e.Key,
		Name:      e.Name,
		Crew:      e.Crew,
		Tradable:  e.Tradable,
		CreatedAt: e.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: e.UpdatedAt.UTC().Format(timeLayout),
	}
}

func buildStatsResponse(key string, v *publisher.Volume) statsResponse {
	resp := statsResponse{
		EntityKey:   key,
		Trades:      v.Trades,
		UnitsBought: v.UnitsBought,
		UnitsSold:   v.UnitsSold,
		Notional:    money(v.Notional),
	}
	if v.Trades > 0 {
		last := money(v.LastPrice)
		at := v.LastTradeAt.UTC().Format(timeLayout)
		resp.LastPrice = &last
		resp.LastTradeAt = &at
	}
	return resp
}

// mapEntityError maps domain errors to HTTP responses for entity endpoints.
func mapEntityError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrEntityNotFound):
		WriteError(w, http.StatusNotFound, "entity_not_found", err.Error())
	case errors.Is(err, domain.ErrEntityAlreadyExists):
		WriteError(w, http.StatusConflict, "entity_already_exists", err.Error())
	case errors.Is(err, domain.ErrPriceNotSettable):
		WriteError(w, http.StatusConflict, "price_not_settable", "Prices are owned by the external price feed")
	case errors.Is(err, domain.ErrDownstreamUnavailable):
		w.Header().Set("Retry-After", "1")
		WriteError(w, http.StatusServiceUnavailable, "downstream_unavailable", "Pricing is temporarily unavailable")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
