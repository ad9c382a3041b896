// Package resilience wraps calls to external collaborators in circuit
// breakers and runs bounded, jittered retries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/telemetry"
)

// BreakerSettings configures a circuit breaker.
type BreakerSettings struct {
	Name string
	// FailureThreshold consecutive failures within Window open the circuit.
	FailureThreshold uint32
	Window           time.Duration
	// Cooldown is how long the circuit stays open before trial calls.
	Cooldown time.Duration
	// HalfOpenCalls trial calls are admitted while half-open; that many
	// consecutive successes close the circuit.
	HalfOpenCalls uint32
	// IsFailure decides which errors count against the circuit. The
	// default counts everything except cancellation and rejections.
	IsFailure func(error) bool
}

// DefaultIsFailure reports whether err is a collaborator failure. Caller
// cancellation and business rejections (unknown entity and the like) are
// answers, not outages.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || domain.IsRejection(err) {
		return false
	}
	return true
}

// Breaker guards calls returning T.
type Breaker[T any] struct {
	name      string
	cb        *gobreaker.CircuitBreaker[T]
	isFailure func(error) bool
}

// NewBreaker builds a breaker. State changes are logged and counted.
func NewBreaker[T any](s BreakerSettings, metrics *telemetry.Metrics, logger *slog.Logger) *Breaker[T] {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.HalfOpenCalls == 0 {
		s.HalfOpenCalls = 1
	}
	if s.IsFailure == nil {
		s.IsFailure = DefaultIsFailure
	}
	if logger == nil {
		logger = slog.Default()
	}
	threshold := s.FailureThreshold
	isFailure := s.IsFailure

	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenCalls,
		Interval:    s.Window,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.BreakerTransition(name, from.String(), to.String())
		},
		IsSuccessful: func(err error) bool {
			return !isFailure(err)
		},
	})
	return &Breaker[T]{name: s.Name, cb: cb, isFailure: isFailure}
}

// Execute runs fn through the breaker. While the circuit is open, or the
// half-open trial budget is spent, it fails immediately without calling
// fn. Every failure it returns matches domain.ErrDownstreamUnavailable;
// errors that do not count as failures come back unchanged.
func (b *Breaker[T]) Execute(fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(fn)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return res, fmt.Errorf("%w: %s: %w", domain.ErrDownstreamUnavailable, b.name, err)
	}
	if !b.isFailure(err) || errors.Is(err, domain.ErrDownstreamUnavailable) {
		return res, err
	}
	return res, fmt.Errorf("%w: %s: %w", domain.ErrDownstreamUnavailable, b.name, err)
}

// State returns the current state name: closed, half-open or open.
func (b *Breaker[T]) State() string {
	return b.cb.State().String()
}

// Name returns the breaker name.
func (b *Breaker[T]) Name() string {
	return b.name
}

// IsOpen reports whether err came from a breaker refusing the call
// without running it.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
