package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrAccountAlreadyExists  = errors.New("account_already_exists")
	ErrAccountNotFound       = errors.New("account_not_found")
	ErrEntityAlreadyExists   = errors.New("entity_already_exists")
	ErrEntityNotFound        = errors.New("entity_not_found")
	ErrEntityNotTradable     = errors.New("entity_not_tradable")
	ErrInsufficientFunds     = errors.New("insufficient_funds")
	ErrInsufficientHoldings  = errors.New("insufficient_holdings")
	ErrPriceSlippage         = errors.New("price_slippage")
	ErrConcurrencyConflict   = errors.New("concurrency_conflict")
	ErrRetryExhausted        = errors.New("retry_exhausted")
	ErrDownstreamUnavailable = errors.New("downstream_unavailable")
	ErrStorageFailure        = errors.New("storage_failure")
	ErrWebhookNotFound       = errors.New("webhook_not_found")
	ErrPriceNotSettable      = errors.New("price_not_settable")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ConflictError reports that an append was attempted against a stale
// account version. It matches ErrConcurrencyConflict with errors.Is.
type ConflictError struct {
	AccountID       string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency_conflict: account %s expected version %d, actual %d",
		e.AccountID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// RetryExhaustedError is returned when a command kept losing the optimistic
// concurrency race until the retry bound was reached. LatestVersion is the
// last account version observed, so the caller can resynchronize.
type RetryExhaustedError struct {
	AccountID     string
	Attempts      int
	LatestVersion int64
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry_exhausted: account %s after %d attempts, latest version %d",
		e.AccountID, e.Attempts, e.LatestVersion)
}

func (e *RetryExhaustedError) Unwrap() error {
	return ErrRetryExhausted
}

// SlippageError is returned when the client's expected price deviates from
// the current price by more than the configured tolerance.
type SlippageError struct {
	EntityKey     string
	ExpectedPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	Tolerance     decimal.Decimal
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("price_slippage: %s expected %s, current %s, tolerance %s",
		e.EntityKey, e.ExpectedPrice, e.CurrentPrice, e.Tolerance)
}

func (e *SlippageError) Unwrap() error {
	return ErrPriceSlippage
}

// StorageError wraps a failure of the durable store. The write it belongs to
// must be treated as not committed.
func StorageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}

// IsRejection reports whether err is a terminal business or validation
// rejection, as opposed to a transient or infrastructure failure.
func IsRejection(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return true
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientHoldings),
		errors.Is(err, ErrPriceSlippage),
		errors.Is(err, ErrEntityNotFound),
		errors.Is(err, ErrEntityNotTradable),
		errors.Is(err, ErrAccountNotFound):
		return true
	}
	return false
}
