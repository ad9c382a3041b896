// Package publisher hands committed events to notification sinks,
// asynchronously and at least once. Publishing never blocks the writer:
// when a sink's queue is full the event is dropped for that sink and
// counted.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/resilience"
	"github.com/efreitasn/stockledger/internal/telemetry"
)

const drainTimeout = 5 * time.Second

// Sink receives committed events. Deliver may be called more than once for
// the same event; sinks deduplicate by EventID when it matters.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e domain.Event) error
}

// Config tunes the publisher.
type Config struct {
	// Buffer is the queue length of each sink.
	Buffer int
	// DeliveryTimeout bounds one event's delivery to one sink, retries
	// included. Zero means no bound beyond the retry policy.
	DeliveryTimeout time.Duration
	Retry           resilience.RetryPolicy
	// Breaker is the template for each sink's breaker; Name is replaced by
	// the sink name.
	Breaker resilience.BreakerSettings
}

// lane is one sink with its own queue and breaker.
type lane struct {
	sink    Sink
	breaker *resilience.Breaker[struct{}]
	queue   chan domain.Event
}

// Publisher fans events out to its sinks. Every sink drains its own queue
// in commit order, so a slow sink only backs up itself. Each sink call goes
// through the sink's own circuit breaker and the retry policy.
type Publisher struct {
	lanes   []*lane
	timeout time.Duration
	retry   resilience.RetryPolicy
	dropped atomic.Int64
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New creates a Publisher. Call Run to start delivering.
func New(cfg Config, sinks []Sink, metrics *telemetry.Metrics, logger *slog.Logger) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	lanes := make([]*lane, 0, len(sinks))
	for _, s := range sinks {
		settings := cfg.Breaker
		settings.Name = "sink." + s.Name()
		lanes = append(lanes, &lane{
			sink:    s,
			breaker: resilience.NewBreaker[struct{}](settings, metrics, logger),
			queue:   make(chan domain.Event, cfg.Buffer),
		})
	}

	return &Publisher{
		lanes:   lanes,
		timeout: cfg.DeliveryTimeout,
		retry:   cfg.Retry,
		metrics: metrics,
		logger:  logger,
	}
}

// Publish enqueues events on every sink's queue without blocking. It
// returns the number of events that at least one sink had to drop because
// its queue was full.
func (p *Publisher) Publish(events []domain.Event) int {
	dropped := 0
	for _, e := range events {
		lost := false
		for _, l := range p.lanes {
			select {
			case l.queue <- e:
			default:
				lost = true
				p.metrics.Delivery(context.Background(), l.sink.Name(), "dropped")
				p.logger.Warn("sink queue full, dropping event",
					"sink", l.sink.Name(), "event_id", e.EventID, "account_id", e.AccountID, "sequence", e.Sequence)
			}
		}
		if lost {
			dropped++
			p.dropped.Add(1)
		}
	}
	return dropped
}

// Dropped returns the number of events dropped since start.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run delivers queued events until ctx is done, then makes a bounded
// best-effort pass over whatever is still queued. It returns once every
// sink has stopped.
func (p *Publisher) Run(ctx context.Context) {
	wp := pool.New()
	for _, l := range p.lanes {
		wp.Go(func() { p.serve(ctx, l) })
	}
	wp.Wait()
}

func (p *Publisher) serve(ctx context.Context, l *lane) {
	for {
		select {
		case <-ctx.Done():
			p.drain(ctx, l)
			return
		case e := <-l.queue:
			p.deliver(ctx, l, e)
		}
	}
}

func (p *Publisher) drain(parent context.Context, l *lane) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-l.queue:
			p.deliver(ctx, l, e)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, l *lane, e domain.Event) {
	name := l.sink.Name()
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("sink panic", "sink", name, "event_id", e.EventID, "panic", fmt.Sprint(rec))
			p.metrics.Delivery(ctx, name, "failed")
		}
	}()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	_, attempts, err := resilience.Retry(ctx, p.retry,
		func(ctx context.Context, _ int) (struct{}, error) {
			return l.breaker.Execute(func() (struct{}, error) {
				return struct{}{}, l.sink.Deliver(ctx, e)
			})
		},
		retryableDelivery,
		nil,
	)
	if err != nil {
		p.metrics.Delivery(ctx, name, "failed")
		p.logger.Warn("event delivery failed",
			"sink", name, "event_id", e.EventID, "account_id", e.AccountID,
			"attempts", attempts, "error", err)
		return
	}
	p.metrics.Delivery(ctx, name, "delivered")
}

func retryableDelivery(err error) bool {
	if resilience.IsOpen(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !domain.IsRejection(err)
}
