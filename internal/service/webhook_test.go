package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/efreitasn/stockledger/internal/domain"
)

func newTestWebhookService(t *testing.T) (*WebhookService, *testServices) {
	t.Helper()
	s := newTestServices(t)
	if _, err := s.accounts.Open(context.Background(), OpenAccountRequest{AccountID: "acc-1", InitialDeposit: dec("1000")}); err != nil {
		t.Fatalf("failed to open account: %v", err)
	}
	return s.webhooks, s
}

// --- Upsert tests ---

func TestUpsert_Success_NewSubscriptions(t *testing.T) {
	svc, _ := newTestWebhookService(t)

	webhooks, created, err := svc.Upsert(context.Background(), UpsertWebhookRequest{
		AccountID: "acc-1",
		URL:       "https://example.com/hooks",
		Events:    []string{"entity.purchased", "entity.sold"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("expected created=true for new subscriptions")
	}
	if len(webhooks) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(webhooks))
	}
	if webhooks[0].Event != "entity.purchased" {
		t.Errorf("got event %q, want %q", webhooks[0].Event, "entity.purchased")
	}
	if webhooks[1].Event != "entity.sold" {
		t.Errorf("got event %q, want %q", webhooks[1].Event, "entity.sold")
	}
	if webhooks[0].URL != "https://example.com/hooks" {
		t.Errorf("got URL %q, want %q", webhooks[0].URL, "https://example.com/hooks")
	}
}

func TestUpsert_Success_UpdateExistingURL(t *testing.T) {
	svc, _ := newTestWebhookService(t)
	ctx := context.Background()

	first, _, err := svc.Upsert(ctx, UpsertWebhookRequest{
		AccountID: "acc-1",
		URL:       "https://example.com/old",
		Events:    []string{"entity.purchased"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, created, err := svc.Upsert(ctx, UpsertWebhookRequest{
		AccountID: "acc-1",
		URL:       "https://example.com/new",
		Events:    []string{"entity.purchased"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected created=false when updating an existing subscription")
	}
	if second[0].WebhookID != first[0].WebhookID {
		t.Errorf("webhook_id changed: %q → %q", first[0].WebhookID, second[0].WebhookID)
	}
	if second[0].URL != "https://example.com/new" {
		t.Errorf("got URL %q, want the new URL", second[0].URL)
	}
}

func TestUpsert_DeduplicatesEvents(t *testing.T) {
	svc, _ := newTestWebhookService(t)

	webhooks, _, err := svc.Upsert(context.Background(), UpsertWebhookRequest{
		AccountID: "acc-1",
		URL:       "https://example.com/hooks",
		Events:    []string{"balance.adjusted", "balance.adjusted", "entity.sold"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(webhooks) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(webhooks))
	}
}

func TestUpsert_ValidationErrors(t *testing.T) {
	svc, _ := newTestWebhookService(t)

	tests := []struct {
		name string
		req  UpsertWebhookRequest
		want string
	}{
		{"missing url", UpsertWebhookRequest{AccountID: "acc-1", Events: []string{"entity.sold"}}, "url is required"},
		{"long url", UpsertWebhookRequest{AccountID: "acc-1", URL: "https://example.com/" + strings.Repeat("a", 2048), Events: []string{"entity.sold"}}, "at most 2048"},
		{"relative url", UpsertWebhookRequest{AccountID: "acc-1", URL: "/hooks", Events: []string{"entity.sold"}}, "absolute URL"},
		{"http scheme", UpsertWebhookRequest{AccountID: "acc-1", URL: "http://example.com/hooks", Events: []string{"entity.sold"}}, "https"},
		{"no events", UpsertWebhookRequest{AccountID: "acc-1", URL: "https://example.com/hooks"}, "non-empty"},
		{"unknown event", UpsertWebhookRequest{AccountID: "acc-1", URL: "https://example.com/hooks", Events: []string{"order.expired"}}, "Unknown event type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Upsert(context.Background(), tt.req)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(ve.Message, tt.want) {
				t.Errorf("message %q does not mention %q", ve.Message, tt.want)
			}
		})
	}
}

func TestUpsert_UnknownAccount(t *testing.T) {
	svc, _ := newTestWebhookService(t)

	_, _, err := svc.Upsert(context.Background(), UpsertWebhookRequest{
		AccountID: "ghost",
		URL:       "https://example.com/hooks",
		Events:    []string{"entity.sold"},
	})
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

// --- List / Delete tests ---

func TestListAndDelete(t *testing.T) {
	svc, _ := newTestWebhookService(t)
	ctx := context.Background()

	webhooks, _, _ := svc.Upsert(ctx, UpsertWebhookRequest{
		AccountID: "acc-1",
		URL:       "https://example.com/hooks",
		Events:    []string{"entity.sold", "entity.purchased"},
	})

	list, err := svc.List(ctx, "acc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(list))
	}

	if err := svc.Delete(ctx, "acc-2", webhooks[0].WebhookID); !errors.Is(err, domain.ErrWebhookNotFound) {
		t.Fatalf("delete through another account: expected ErrWebhookNotFound, got %v", err)
	}
	if err := svc.Delete(ctx, "acc-1", webhooks[0].WebhookID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, _ = svc.List(ctx, "acc-1")
	if len(list) != 1 {
		t.Fatalf("got %d webhooks after delete, want 1", len(list))
	}

	if err := svc.Delete(ctx, "acc-1", webhooks[0].WebhookID); !errors.Is(err, domain.ErrWebhookNotFound) {
		t.Fatalf("expected ErrWebhookNotFound, got %v", err)
	}
	if _, err := svc.List(ctx, "ghost"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
