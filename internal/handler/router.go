package handler

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/stockledger/internal/publisher"
	"github.com/efreitasn/stockledger/internal/service"
)

// Check reports the health of one dependency. A failing critical check turns
// /healthz into a 503; a failing non-critical one only marks it degraded.
type Check struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
}

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware.
func NewRouter(
	accountSvc *service.AccountService,
	tradeSvc *service.TradeService,
	entitySvc *service.EntityService,
	webhookSvc *service.WebhookService,
	hub *publisher.StreamHub,
	checks []Check,
	logger *slog.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	// Create handlers.
	accountH := NewAccountHandler(accountSvc, hub, logger)
	tradeH := NewTradeHandler(tradeSvc)
	entityH := NewEntityHandler(entitySvc)
	webhookH := NewWebhookHandler(webhookSvc, logger)

	// Health check.
	r.Get("/healthz", healthz(checks))

	// Account routes.
	r.Post("/accounts", accountH.Open)
	r.Get("/accounts/{account_id}/portfolio", accountH.Portfolio)
	r.Get("/accounts/{account_id}/valuation", accountH.Valuation)
	r.Get("/accounts/{account_id}/events", accountH.Events)
	r.Post("/accounts/{account_id}/adjustments", accountH.Adjust)
	r.Get("/accounts/{account_id}/stream", accountH.Stream)
	r.Post("/accounts/{account_id}/webhooks", webhookH.Subscribe)
	r.Get("/accounts/{account_id}/webhooks", webhookH.List)
	r.Delete("/accounts/{account_id}/webhooks/{webhook_id}", webhookH.Unsubscribe)

	// Trade routes.
	r.Post("/trades", tradeH.Submit)

	// Entity routes.
	r.Post("/entities", entityH.Create)
	r.Get("/entities", entityH.List)
	r.Get("/entities/{entity_key}", entityH.Get)
	r.Patch("/entities/{entity_key}", entityH.Update)
	r.Get("/entities/{entity_key}/price", entityH.GetPrice)
	r.Put("/entities/{entity_key}/price", entityH.SetPrice)
	r.Get("/entities/{entity_key}/stats", entityH.Stats)

	return r
}

// healthResponse is the JSON response for GET /healthz.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthz(checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		code := http.StatusOK
		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}
		for _, c := range checks {
			if err := c.Run(ctx); err != nil {
				resp.Checks[c.Name] = err.Error()
				if c.Critical {
					resp.Status = "unavailable"
					code = http.StatusServiceUnavailable
				} else if resp.Status == "ok" {
					resp.Status = "degraded"
				}
				continue
			}
			resp.Checks[c.Name] = "ok"
		}
		WriteJSON(w, code, resp)
	}
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if !w.wroteHeader {
		w.status = http.StatusSwitchingProtocols
		w.wroteHeader = true
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests. If the Content-Type header doesn't start with
// "application/json", it returns 400 Bad Request before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
