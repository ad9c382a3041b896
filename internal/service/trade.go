package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/engine"
)

// TradeRequest represents the input for POST /trades.
type TradeRequest struct {
	AccountID     string
	EntityKey     string
	Action        string
	Quantity      int64
	ExpectedPrice decimal.Decimal
}

// TradeResponse represents a committed trade.
type TradeResponse struct {
	Status           domain.CommandStatus
	Version          int64
	ResultingBalance decimal.Decimal
	EventID          string
	ExecutedPrice    decimal.Decimal
}

// TradeService submits trade commands to the processor.
type TradeService struct {
	processor *engine.Processor
}

// NewTradeService creates a new TradeService.
func NewTradeService(processor *engine.Processor) *TradeService {
	return &TradeService{processor: processor}
}

// Submit validates the action and executes the trade.
func (s *TradeService) Submit(ctx context.Context, req TradeRequest) (*TradeResponse, error) {
	action := domain.TradeAction(req.Action)
	if action != domain.ActionBuy && action != domain.ActionSell {
		return nil, &domain.ValidationError{Message: "action must be 'buy' or 'sell'"}
	}

	res, err := s.processor.Execute(ctx, domain.Command{
		AccountID:     req.AccountID,
		EntityKey:     req.EntityKey,
		Action:        action,
		Quantity:      req.Quantity,
		ExpectedPrice: req.ExpectedPrice,
	})
	if err != nil {
		return nil, err
	}

	resp := &TradeResponse{
		Status:           res.Status,
		Version:          res.Version,
		ResultingBalance: res.ResultingBalance,
	}
	if len(res.Events) > 0 {
		e := res.Events[len(res.Events)-1]
		resp.EventID = e.EventID
		switch p := e.Payload.(type) {
		case domain.EntityPurchased:
			resp.ExecutedPrice = p.UnitPrice
		case domain.EntitySold:
			resp.ExecutedPrice = p.UnitPrice
		}
	}
	return resp, nil
}
