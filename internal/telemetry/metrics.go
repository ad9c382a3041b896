package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared by the ledger's instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrAction      = attribute.Key("action")
	AttrResult      = attribute.Key("result")
	AttrTier        = attribute.Key("cache.tier")
	AttrClass       = attribute.Key("cache.class")
	AttrBreaker     = attribute.Key("breaker")
	AttrFromState   = attribute.Key("state.from")
	AttrToState     = attribute.Key("state.to")
	AttrSink        = attribute.Key("sink")
)

// Metrics holds the ledger's instruments. A nil *Metrics is valid and
// records nothing, so components can be built without telemetry in tests.
type Metrics struct {
	commands     metric.Int64Counter
	retries      metric.Int64Counter
	appendTime   metric.Float64Histogram
	cache        metric.Int64Counter
	breaker      metric.Int64Counter
	deliveries   metric.Int64Counter
	streamsGauge metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on meter. A nil meter uses the global
// provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("stockledger")
	}
	var (
		m   Metrics
		err error
	)
	if m.commands, err = meter.Int64Counter("stockledger.commands",
		metric.WithDescription("Trade and balance commands by outcome"),
		metric.WithUnit("{command}")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("stockledger.conflict.retries",
		metric.WithDescription("Optimistic concurrency conflicts retried by the command processor"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if m.appendTime, err = meter.Float64Histogram("stockledger.append.duration",
		metric.WithDescription("Event store append latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.cache, err = meter.Int64Counter("stockledger.cache.requests",
		metric.WithDescription("Read cache lookups by tier, class and result"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.breaker, err = meter.Int64Counter("stockledger.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("stockledger.publisher.deliveries",
		metric.WithDescription("Event publisher deliveries by sink and result"),
		metric.WithUnit("{delivery}")); err != nil {
		return nil, err
	}
	if m.streamsGauge, err = meter.Int64UpDownCounter("stockledger.stream.subscribers",
		metric.WithDescription("Open live event stream subscribers"),
		metric.WithUnit("{subscriber}")); err != nil {
		return nil, err
	}
	return &m, nil
}

func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append(kv, AttrEnvironment.String(Environment()))...)
}

// Command records a command outcome.
func (m *Metrics) Command(ctx context.Context, action, result string) {
	if m == nil {
		return
	}
	m.commands.Add(ctx, 1, attrs(AttrAction.String(action), AttrResult.String(result)))
}

// ConflictRetry records one retried concurrency conflict.
func (m *Metrics) ConflictRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, attrs())
}

// AppendDuration records the latency of one append call.
func (m *Metrics) AppendDuration(ctx context.Context, d time.Duration, result string) {
	if m == nil {
		return
	}
	m.appendTime.Record(ctx, float64(d.Microseconds())/1000, attrs(AttrResult.String(result)))
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(ctx context.Context, tier, class string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.Add(ctx, 1, attrs(AttrTier.String(tier), AttrClass.String(class), AttrResult.String(result)))
}

// BreakerTransition records a circuit breaker state change.
func (m *Metrics) BreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.breaker.Add(context.Background(), 1,
		attrs(AttrBreaker.String(name), AttrFromState.String(from), AttrToState.String(to)))
}

// Delivery records a publisher delivery outcome for a sink.
func (m *Metrics) Delivery(ctx context.Context, sink, result string) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1, attrs(AttrSink.String(sink), AttrResult.String(result)))
}

// StreamSubscribers adjusts the open stream subscriber count.
func (m *Metrics) StreamSubscribers(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.streamsGauge.Add(ctx, delta, attrs())
}
