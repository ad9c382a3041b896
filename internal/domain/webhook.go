package domain

import "time"

// Webhook event names accepted for subscriptions.
const (
	WebhookEntityPurchased = "entity.purchased"
	WebhookEntitySold      = "entity.sold"
	WebhookBalanceAdjusted = "balance.adjusted"
)

// WebhookEventName maps an event type to its webhook event name.
func WebhookEventName(t EventType) string {
	switch t {
	case EventEntityPurchased:
		return WebhookEntityPurchased
	case EventEntitySold:
		return WebhookEntitySold
	case EventBalanceAdjusted:
		return WebhookBalanceAdjusted
	}
	return ""
}

// Webhook represents an account's subscription to an event notification.
type Webhook struct {
	WebhookID string
	AccountID string
	Event     string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}
