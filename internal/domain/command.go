package domain

import (
	"github.com/shopspring/decimal"
)

// TradeAction indicates whether a command buys or sells an entity.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// CommandStatus is the outcome reported to the caller of a trade command.
type CommandStatus string

const (
	StatusCommitted CommandStatus = "committed"
	StatusRejected  CommandStatus = "rejected"
	StatusConflict  CommandStatus = "conflict"
)

// Command is a request to buy or sell Quantity units of an entity at a price
// the client expects to be current. It is never persisted as-is; a
// validated command becomes one or more events.
type Command struct {
	AccountID     string
	EntityKey     string
	Action        TradeAction
	Quantity      int64
	ExpectedPrice decimal.Decimal
}

// Validate checks the command's shape. Business rules (funds, holdings,
// tradability, slippage) are checked by the command processor against the
// current projection.
func (c Command) Validate() error {
	if c.AccountID == "" {
		return &ValidationError{Message: "account_id is required"}
	}
	if c.EntityKey == "" {
		return &ValidationError{Message: "entity_key is required"}
	}
	if c.Action != ActionBuy && c.Action != ActionSell {
		return &ValidationError{Message: "action must be 'buy' or 'sell'"}
	}
	if c.Quantity <= 0 {
		return &ValidationError{Message: "quantity must be a positive integer"}
	}
	if !c.ExpectedPrice.IsPositive() {
		return &ValidationError{Message: "expected_price must be greater than 0"}
	}
	if err := ValidatePrecision(c.ExpectedPrice, MoneyPlaces); err != nil {
		return &ValidationError{Message: "expected_price must have at most 2 decimal places"}
	}
	return nil
}

// TradeResult is the outcome of a committed command.
type TradeResult struct {
	Status           CommandStatus
	Version          int64
	ResultingBalance decimal.Decimal
	Events           []Event
}
