// Package engine executes trade commands against account event logs.
//
// Commands for the same account are serialized by optimistic concurrency:
// each attempt appends at the version it validated against, and a loser
// re-reads and re-validates. No lock is held across accounts or calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/projection"
	"github.com/efreitasn/stockledger/internal/resilience"
	"github.com/efreitasn/stockledger/internal/store"
	"github.com/efreitasn/stockledger/internal/telemetry"
)

const openingDepositReason = "opening deposit"

// Pricer supplies the price a trade executes at.
type Pricer interface {
	CurrentPrice(ctx context.Context, entityKey string) (decimal.Decimal, error)
}

// Publisher receives committed events. Publish must not block.
type Publisher interface {
	Publish(events []domain.Event) int
}

// Config holds the processor's tunables.
type Config struct {
	// SlippageTolerance is the largest accepted |expected-current|/current.
	SlippageTolerance decimal.Decimal
	Retry             resilience.RetryPolicy
}

// Processor validates commands and appends the resulting events.
type Processor struct {
	ledger    *Ledger
	events    store.EventStore
	entities  store.EntityStore
	pricer    Pricer
	publisher Publisher
	cfg       Config
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewProcessor creates a Processor. publisher may be nil.
func NewProcessor(
	ledger *Ledger,
	entities store.EntityStore,
	pricer Pricer,
	publisher Publisher,
	cfg Config,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		ledger:    ledger,
		events:    ledger.events,
		entities:  entities,
		pricer:    pricer,
		publisher: publisher,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Execute runs a trade command: Received → Validated → Committed or
// Rejected. The entity and price checks run once; the funds or holdings
// check runs again on every attempt against the re-read projection.
//
// Execute can be cancelled until the append is issued. Once the append
// succeeds the trade stands; cancellation after that point is ignored.
func (p *Processor) Execute(ctx context.Context, cmd domain.Command) (domain.TradeResult, error) {
	action := string(cmd.Action)

	price, err := p.quote(ctx, cmd)
	if err != nil {
		p.record(ctx, action, cmd.AccountID, err)
		return domain.TradeResult{}, err
	}

	proj, committed, err := p.commit(ctx, cmd.AccountID, func(proj domain.Projection) ([]domain.Event, error) {
		e, err := p.trade(proj, cmd, price)
		if err != nil {
			return nil, err
		}
		return []domain.Event{e}, nil
	})
	if err != nil {
		p.record(ctx, action, cmd.AccountID, err)
		return domain.TradeResult{}, err
	}

	p.metrics.Command(ctx, action, "committed")
	p.logger.Debug("trade committed",
		"account_id", cmd.AccountID, "entity_key", cmd.EntityKey, "action", action,
		"quantity", cmd.Quantity, "price", price.StringFixed(domain.MoneyPlaces), "version", proj.Version)

	return domain.TradeResult{
		Status:           domain.StatusCommitted,
		Version:          proj.Version,
		ResultingBalance: proj.State.Balance,
		Events:           committed,
	}, nil
}

// quote validates the command's shape and entity, then fetches the
// execution price once and applies the slippage check.
func (p *Processor) quote(ctx context.Context, cmd domain.Command) (decimal.Decimal, error) {
	if err := cmd.Validate(); err != nil {
		return decimal.Zero, err
	}

	entity, err := p.entities.Get(ctx, cmd.EntityKey)
	if err != nil {
		return decimal.Zero, err
	}
	if !entity.Tradable {
		return decimal.Zero, domain.ErrEntityNotTradable
	}

	price, err := p.pricer.CurrentPrice(ctx, cmd.EntityKey)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s for %s", domain.ErrDownstreamUnavailable, price, cmd.EntityKey)
	}

	if domain.Deviation(cmd.ExpectedPrice, price).GreaterThan(p.cfg.SlippageTolerance) {
		return decimal.Zero, &domain.SlippageError{
			EntityKey:     cmd.EntityKey,
			ExpectedPrice: cmd.ExpectedPrice,
			CurrentPrice:  price,
			Tolerance:     p.cfg.SlippageTolerance,
		}
	}
	return price, nil
}

// trade builds the event for cmd at price, or the business rejection.
func (p *Processor) trade(proj domain.Projection, cmd domain.Command, price decimal.Decimal) (domain.Event, error) {
	total := domain.Notional(price, cmd.Quantity)

	switch cmd.Action {
	case domain.ActionBuy:
		if proj.State.Balance.LessThan(total) {
			return domain.Event{}, domain.ErrInsufficientFunds
		}
		return domain.NewEvent(p.newID(), cmd.AccountID, domain.EntityPurchased{
			EntityKey: cmd.EntityKey,
			Quantity:  cmd.Quantity,
			UnitPrice: price,
			TotalCost: total,
		}, p.now().UTC()), nil
	default:
		if proj.State.Quantity(cmd.EntityKey) < cmd.Quantity {
			return domain.Event{}, domain.ErrInsufficientHoldings
		}
		return domain.NewEvent(p.newID(), cmd.AccountID, domain.EntitySold{
			EntityKey:    cmd.EntityKey,
			Quantity:     cmd.Quantity,
			UnitPrice:    price,
			TotalRevenue: total,
		}, p.now().UTC()), nil
	}
}

// Open creates an account by appending its opening deposit at version 0.
func (p *Processor) Open(ctx context.Context, accountID string, deposit decimal.Decimal) (domain.TradeResult, error) {
	if accountID == "" {
		return domain.TradeResult{}, &domain.ValidationError{Message: "account_id is required"}
	}
	if deposit.IsNegative() {
		return domain.TradeResult{}, &domain.ValidationError{Message: "initial_deposit must be non-negative"}
	}
	if err := domain.ValidatePrecision(deposit, domain.MoneyPlaces); err != nil {
		return domain.TradeResult{}, &domain.ValidationError{Message: "initial_deposit must have at most 2 decimal places"}
	}
	if err := ctx.Err(); err != nil {
		return domain.TradeResult{}, err
	}

	e := domain.NewEvent(p.newID(), accountID, domain.BalanceAdjusted{
		Delta:  deposit,
		Reason: openingDepositReason,
	}, p.now().UTC())

	committed, err := p.append(ctx, accountID, 0, []domain.Event{e})
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			err = domain.ErrAccountAlreadyExists
		}
		p.record(ctx, "open", accountID, err)
		return domain.TradeResult{}, err
	}

	proj, err := projection.Replay(accountID, nil, committed)
	if err != nil {
		return domain.TradeResult{}, err
	}
	p.after(ctx, 0, proj, committed)
	p.metrics.Command(ctx, "open", "committed")

	return domain.TradeResult{
		Status:           domain.StatusCommitted,
		Version:          proj.Version,
		ResultingBalance: proj.State.Balance,
		Events:           committed,
	}, nil
}

// Adjust appends a compensating BalanceAdjusted event. The resulting
// balance may not go below zero.
func (p *Processor) Adjust(ctx context.Context, accountID string, delta decimal.Decimal, reason string) (domain.TradeResult, error) {
	if accountID == "" {
		return domain.TradeResult{}, &domain.ValidationError{Message: "account_id is required"}
	}
	if delta.IsZero() {
		return domain.TradeResult{}, &domain.ValidationError{Message: "delta must be non-zero"}
	}
	if err := domain.ValidatePrecision(delta, domain.MoneyPlaces); err != nil {
		return domain.TradeResult{}, &domain.ValidationError{Message: "delta must have at most 2 decimal places"}
	}

	proj, committed, err := p.commit(ctx, accountID, func(proj domain.Projection) ([]domain.Event, error) {
		if proj.State.Balance.Add(delta).IsNegative() {
			return nil, domain.ErrInsufficientFunds
		}
		return []domain.Event{domain.NewEvent(p.newID(), accountID, domain.BalanceAdjusted{
			Delta:  delta,
			Reason: reason,
		}, p.now().UTC())}, nil
	})
	if err != nil {
		p.record(ctx, "adjust", accountID, err)
		return domain.TradeResult{}, err
	}
	p.metrics.Command(ctx, "adjust", "committed")

	return domain.TradeResult{
		Status:           domain.StatusCommitted,
		Version:          proj.Version,
		ResultingBalance: proj.State.Balance,
		Events:           committed,
	}, nil
}

// revalidate returns proj when it is at the log's head and a rebuilt
// projection otherwise.
func (p *Processor) revalidate(ctx context.Context, accountID string, proj domain.Projection) (domain.Projection, error) {
	head, err := p.events.Version(ctx, accountID)
	if err != nil {
		return domain.Projection{}, err
	}
	if head == proj.Version {
		return proj, nil
	}
	p.logger.Debug("stale cached projection",
		"account_id", accountID, "cached_version", proj.Version, "head", head)
	return p.ledger.Rebuild(ctx, accountID)
}

// commit loads the projection, asks decide for the events to append and
// appends them at the loaded version, retrying on concurrency conflicts.
// The first attempt may use a cached projection, but a rejection from it
// is rechecked against the log head. Retries always rebuild.
func (p *Processor) commit(
	ctx context.Context,
	accountID string,
	decide func(domain.Projection) ([]domain.Event, error),
) (domain.Projection, []domain.Event, error) {
	type outcome struct {
		before    int64
		proj      domain.Projection
		committed []domain.Event
	}

	var latest int64
	res, attempts, err := resilience.Retry(ctx, p.cfg.Retry,
		func(ctx context.Context, attempt int) (outcome, error) {
			var (
				proj   domain.Projection
				err    error
				cached bool
			)
			if attempt == 1 {
				proj, err = p.ledger.Load(ctx, accountID)
				cached = true
				if err == nil && !proj.Exists() {
					// A cached miss may predate the account being opened.
					proj, err = p.ledger.Rebuild(ctx, accountID)
					cached = false
				}
			} else {
				proj, err = p.ledger.Rebuild(ctx, accountID)
			}
			if err != nil {
				return outcome{}, err
			}
			latest = proj.Version
			if !proj.Exists() {
				return outcome{}, domain.ErrAccountNotFound
			}

			pending, err := decide(proj)
			if err != nil && cached {
				// A rejection only stands against the head of the log.
				proj, err = p.revalidate(ctx, accountID, proj)
				if err != nil {
					return outcome{}, err
				}
				latest = proj.Version
				pending, err = decide(proj)
			}
			if err != nil {
				return outcome{}, err
			}
			if err := ctx.Err(); err != nil {
				return outcome{}, err
			}

			committed, err := p.append(ctx, accountID, proj.Version, pending)
			if err != nil {
				var conflict *domain.ConflictError
				if errors.As(err, &conflict) {
					latest = conflict.ActualVersion
				}
				return outcome{}, err
			}

			next, err := projection.Advance(proj, committed)
			if err != nil {
				return outcome{}, err
			}
			return outcome{before: proj.Version, proj: next, committed: committed}, nil
		},
		isConflict,
		func(err error, attempt int, wait time.Duration) {
			p.metrics.ConflictRetry(ctx)
			p.logger.Debug("concurrency conflict, retrying",
				"account_id", accountID, "attempt", attempt, "wait", wait, "error", err)
		},
	)
	if err != nil {
		if isConflict(err) {
			return domain.Projection{}, nil, &domain.RetryExhaustedError{
				AccountID:     accountID,
				Attempts:      attempts,
				LatestVersion: latest,
			}
		}
		return domain.Projection{}, nil, err
	}

	p.after(ctx, res.before, res.proj, res.committed)
	return res.proj, res.committed, nil
}

func (p *Processor) append(ctx context.Context, accountID string, expectedVersion int64, events []domain.Event) ([]domain.Event, error) {
	start := time.Now()
	committed, err := p.events.Append(ctx, accountID, expectedVersion, events)

	result := "ok"
	switch {
	case err == nil:
	case isConflict(err):
		result = "conflict"
	default:
		result = "error"
	}
	p.metrics.AppendDuration(ctx, time.Since(start), result)
	return committed, err
}

// after runs post-commit work on a context that outlives the request.
func (p *Processor) after(ctx context.Context, before int64, proj domain.Projection, committed []domain.Event) {
	ctx = context.WithoutCancel(ctx)
	p.ledger.Committed(ctx, before, proj)
	if p.publisher != nil {
		p.publisher.Publish(committed)
	}
}

func (p *Processor) record(ctx context.Context, action, accountID string, err error) {
	result := outcomeOf(err)
	p.metrics.Command(ctx, action, result)

	switch result {
	case "rejected":
		p.logger.Info("command rejected", "account_id", accountID, "action", action, "reason", err.Error())
	case "conflict":
		p.logger.Warn("command gave up after conflicts", "account_id", accountID, "action", action, "error", err)
	case "cancelled":
		p.logger.Debug("command cancelled", "account_id", accountID, "action", action)
	default:
		p.logger.Error("command failed", "account_id", accountID, "action", action, "error", err)
	}
}

func outcomeOf(err error) string {
	switch {
	case domain.IsRejection(err), errors.Is(err, domain.ErrAccountAlreadyExists):
		return "rejected"
	case errors.Is(err, domain.ErrRetryExhausted):
		return "conflict"
	case errors.Is(err, domain.ErrDownstreamUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "failed"
}

func isConflict(err error) bool {
	var conflict *domain.ConflictError
	return errors.As(err, &conflict)
}
