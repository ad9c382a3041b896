package publisher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/store"
)

// WebhookSink POSTs committed events to the subscribing account's webhook.
// X-Delivery-Id carries the event ID so receivers can drop redeliveries.
type WebhookSink struct {
	store  store.WebhookStore
	client *http.Client
}

// NewWebhookSink creates a WebhookSink.
func NewWebhookSink(webhookStore store.WebhookStore, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		store:  webhookStore,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	Event     string       `json:"event"`
	Timestamp string       `json:"timestamp"`
	Data      domain.Event `json:"data"`
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink. Accounts without a subscription for the event
// are skipped.
func (s *WebhookSink) Deliver(ctx context.Context, e domain.Event) error {
	name := domain.WebhookEventName(e.Type)
	if name == "" {
		return nil
	}
	wh, err := s.store.GetByAccountEvent(ctx, e.AccountID, name)
	if err != nil {
		return fmt.Errorf("webhook lookup: %w", err)
	}
	if wh == nil {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		Event:     name,
		Timestamp: e.OccurredAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		Data:      e,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", e.EventID)
	req.Header.Set("X-Webhook-Id", wh.WebhookID)
	req.Header.Set("X-Event-Type", name)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", wh.WebhookID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post webhook %s: status %d", wh.WebhookID, resp.StatusCode)
	}
	return nil
}
