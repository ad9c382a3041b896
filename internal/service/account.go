package service

import (
	"context"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/engine"
)

var accountIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// OpenAccountRequest represents the input for opening an account.
type OpenAccountRequest struct {
	AccountID      string
	InitialDeposit decimal.Decimal
}

// AdjustBalanceRequest represents a compensating balance adjustment.
type AdjustBalanceRequest struct {
	AccountID string
	Delta     decimal.Decimal
	Reason    string
}

// HoldingResponse is one position in a portfolio.
type HoldingResponse struct {
	EntityKey string
	Quantity  int64
}

// PortfolioResponse represents the response for GET /accounts/{id}/portfolio.
type PortfolioResponse struct {
	AccountID   string
	Balance     decimal.Decimal
	Holdings    []HoldingResponse // sorted by entity key
	AsOfVersion int64
}

// PositionValue is one holding marked to its quoted price. Price and
// MarketValue are nil when the price is unavailable.
type PositionValue struct {
	EntityKey   string
	Quantity    int64
	Price       *decimal.Decimal
	MarketValue *decimal.Decimal
}

// ValuationResponse represents the response for GET /accounts/{id}/valuation.
type ValuationResponse struct {
	AccountID     string
	AsOfVersion   int64
	Balance       decimal.Decimal
	HoldingsValue decimal.Decimal
	TotalValue    decimal.Decimal
	Degraded      bool // at least one position could not be priced
	Positions     []PositionValue
}

// Quoter returns recent prices for reads.
type Quoter interface {
	QuotedPrice(ctx context.Context, entityKey string) (decimal.Decimal, error)
}

// AccountService handles account lifecycle and portfolio queries.
type AccountService struct {
	processor *engine.Processor
	ledger    *engine.Ledger
	quoter    Quoter
}

// NewAccountService creates a new AccountService.
func NewAccountService(processor *engine.Processor, ledger *engine.Ledger, quoter Quoter) *AccountService {
	return &AccountService{
		processor: processor,
		ledger:    ledger,
		quoter:    quoter,
	}
}

// Open validates the request and opens the account with its deposit.
func (s *AccountService) Open(ctx context.Context, req OpenAccountRequest) (*PortfolioResponse, error) {
	if !accountIDRegex.MatchString(req.AccountID) {
		return nil, &domain.ValidationError{
			Message: "account_id must match ^[a-zA-Z0-9_-]{1,64}$",
		}
	}

	res, err := s.processor.Open(ctx, req.AccountID, req.InitialDeposit)
	if err != nil {
		return nil, err
	}
	return &PortfolioResponse{
		AccountID:   req.AccountID,
		Balance:     res.ResultingBalance,
		Holdings:    []HoldingResponse{},
		AsOfVersion: res.Version,
	}, nil
}

// Portfolio returns the account's balance and holdings. Repeated calls with
// no intervening writes return identical results.
func (s *AccountService) Portfolio(ctx context.Context, accountID string) (*PortfolioResponse, error) {
	proj, err := s.ledger.Load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !proj.Exists() {
		// The cached miss may be older than the account.
		if proj, err = s.ledger.Rebuild(ctx, accountID); err != nil {
			return nil, err
		}
		if !proj.Exists() {
			return nil, domain.ErrAccountNotFound
		}
	}

	keys := proj.State.HoldingKeys()
	holdings := make([]HoldingResponse, 0, len(keys))
	for _, k := range keys {
		holdings = append(holdings, HoldingResponse{EntityKey: k, Quantity: proj.State.Holdings[k]})
	}

	return &PortfolioResponse{
		AccountID:   accountID,
		Balance:     proj.State.Balance,
		Holdings:    holdings,
		AsOfVersion: proj.Version,
	}, nil
}

// Valuation marks the portfolio to quoted prices. A position whose price
// cannot be obtained is reported without a value and flags the whole
// valuation as degraded; the call itself still succeeds.
func (s *AccountService) Valuation(ctx context.Context, accountID string) (*ValuationResponse, error) {
	p, err := s.Portfolio(ctx, accountID)
	if err != nil {
		return nil, err
	}

	resp := &ValuationResponse{
		AccountID:     p.AccountID,
		AsOfVersion:   p.AsOfVersion,
		Balance:       p.Balance,
		HoldingsValue: decimal.Zero,
		Positions:     make([]PositionValue, 0, len(p.Holdings)),
	}
	for _, h := range p.Holdings {
		pos := PositionValue{EntityKey: h.EntityKey, Quantity: h.Quantity}
		price, err := s.quoter.QuotedPrice(ctx, h.EntityKey)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			resp.Degraded = true
		} else {
			value := domain.Notional(price, h.Quantity)
			pos.Price = &price
			pos.MarketValue = &value
			resp.HoldingsValue = resp.HoldingsValue.Add(value)
		}
		resp.Positions = append(resp.Positions, pos)
	}
	resp.TotalValue = resp.Balance.Add(resp.HoldingsValue)
	return resp, nil
}

// Events returns the account's events with sequence greater than from.
func (s *AccountService) Events(ctx context.Context, accountID string, from int64) ([]domain.Event, error) {
	if from < 0 {
		return nil, &domain.ValidationError{Message: "from must be >= 0"}
	}
	version, err := s.ledger.Version(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, domain.ErrAccountNotFound
	}
	return s.ledger.History(ctx, accountID, from)
}

// Adjust appends a compensating balance adjustment.
func (s *AccountService) Adjust(ctx context.Context, req AdjustBalanceRequest) (*PortfolioResponse, error) {
	if len(req.Reason) > 256 {
		return nil, &domain.ValidationError{Message: "reason must be at most 256 characters"}
	}
	if _, err := s.processor.Adjust(ctx, req.AccountID, req.Delta, req.Reason); err != nil {
		return nil, err
	}
	return s.Portfolio(ctx, req.AccountID)
}

// Exists reports whether the account has been opened.
func (s *AccountService) Exists(ctx context.Context, accountID string) (bool, error) {
	version, err := s.ledger.Version(ctx, accountID)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}
