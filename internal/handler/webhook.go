package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/service"
)

// WebhookHandler serves an account's webhook subscriptions.
type WebhookHandler struct {
	webhookSvc *service.WebhookService
	logger     *slog.Logger
}

func NewWebhookHandler(webhookSvc *service.WebhookService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc, logger: logger}
}

// subscribeRequest is the JSON request body for
// POST /accounts/{account_id}/webhooks.
type subscribeRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type subscriptionResponse struct {
	WebhookID string `json:"webhook_id"`
	Event     string `json:"event"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// subscriptionsResponse lists an account's subscriptions, one per event.
type subscriptionsResponse struct {
	AccountID string                 `json:"account_id"`
	Webhooks  []subscriptionResponse `json:"webhooks"`
}

// Subscribe handles POST /accounts/{account_id}/webhooks. Registering an
// event again moves it to the new URL and keeps its webhook_id; the
// response is 201 when at least one subscription is new.
func (h *WebhookHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")

	var req subscribeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	webhooks, created, err := h.webhookSvc.Upsert(r.Context(), service.UpsertWebhookRequest{
		AccountID: accountID,
		URL:       req.URL,
		Events:    req.Events,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteJSON(w, status, newSubscriptionsResponse(accountID, webhooks))
}

// List handles GET /accounts/{account_id}/webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")

	webhooks, err := h.webhookSvc.List(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newSubscriptionsResponse(accountID, webhooks))
}

// Unsubscribe handles DELETE /accounts/{account_id}/webhooks/{webhook_id}.
func (h *WebhookHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	err := h.webhookSvc.Delete(r.Context(), chi.URLParam(r, "account_id"), chi.URLParam(r, "webhook_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newSubscriptionsResponse(accountID string, webhooks []*domain.Webhook) subscriptionsResponse {
	resp := subscriptionsResponse{
		AccountID: accountID,
		Webhooks:  make([]subscriptionResponse, len(webhooks)),
	}
	for i, wh := range webhooks {
		resp.Webhooks[i] = subscriptionResponse{
			WebhookID: wh.WebhookID,
			Event:     wh.Event,
			URL:       wh.URL,
			CreatedAt: wh.CreatedAt.UTC().Format(timeLayout),
			UpdatedAt: wh.UpdatedAt.UTC().Format(timeLayout),
		}
	}
	return resp
}

func (h *WebhookHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := webhookErrorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("webhook request failed",
			"path", r.URL.Path, "account_id", chi.URLParam(r, "account_id"), "error", err)
	}
	WriteError(w, status, code, msg)
}

// webhookErrorStatus maps subscription errors to a status, code and message.
func webhookErrorStatus(err error) (int, string, string) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "validation_error", validationErr.Message
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found", err.Error()
	case errors.Is(err, domain.ErrWebhookNotFound):
		return http.StatusNotFound, "webhook_not_found", err.Error()
	case errors.Is(err, domain.ErrDownstreamUnavailable):
		return http.StatusServiceUnavailable, "downstream_unavailable", err.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request_cancelled", "The request was cancelled"
	default:
		return http.StatusInternalServerError, "internal_error", "An unexpected error occurred"
	}
}
