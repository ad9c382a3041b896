package domain

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// EventType identifies the kind of fact recorded in an account log.
type EventType string

const (
	EventEntityPurchased EventType = "EntityPurchased"
	EventEntitySold      EventType = "EntitySold"
	EventBalanceAdjusted EventType = "BalanceAdjusted"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventEntityPurchased, EventEntitySold, EventBalanceAdjusted:
		return true
	}
	return false
}

// Payload is the type-specific body of an Event.
type Payload interface {
	EventType() EventType
}

// EntityPurchased records a buy: cash leaves the account, units arrive.
type EntityPurchased struct {
	EntityKey string          `json:"entity_key"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

// EventType implements Payload.
func (EntityPurchased) EventType() EventType { return EventEntityPurchased }

// EntitySold records a sell: units leave the account, cash arrives.
type EntitySold struct {
	EntityKey    string          `json:"entity_key"`
	Quantity     int64           `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
}

// EventType implements Payload.
func (EntitySold) EventType() EventType { return EventEntitySold }

// BalanceAdjusted records a direct cash movement: deposits, corrections and
// compensating refunds.
type BalanceAdjusted struct {
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason,omitempty"`
}

// EventType implements Payload.
func (BalanceAdjusted) EventType() EventType { return EventBalanceAdjusted }

// Event is an immutable, committed fact in an account's log. Sequence is
// assigned by the event store at append time: 1 for the first event of an
// account, then strictly increasing with no gaps.
type Event struct {
	EventID    string    `json:"event_id"`
	AccountID  string    `json:"account_id"`
	Sequence   int64     `json:"sequence"`
	Type       EventType `json:"type"`
	Payload    Payload   `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent builds an uncommitted event for the account. The event store
// assigns the sequence number.
func NewEvent(eventID, accountID string, payload Payload, occurredAt time.Time) Event {
	return Event{
		EventID:    eventID,
		AccountID:  accountID,
		Type:       payload.EventType(),
		Payload:    payload,
		OccurredAt: occurredAt,
	}
}

// EncodePayload serializes the event payload as JSON.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	return json.Marshal(p)
}

// DecodePayload deserializes a JSON payload of the given event type.
func DecodePayload(t EventType, data []byte) (Payload, error) {
	switch t {
	case EventEntityPurchased:
		var p EntityPurchased
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case EventEntitySold:
		var p EntitySold
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case EventBalanceAdjusted:
		var p BalanceAdjusted
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("decode payload: unknown event type %q", t)
}
