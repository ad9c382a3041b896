package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/telemetry"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

type subscription struct {
	ch chan domain.Event
}

// StreamHub pushes committed events to live subscribers of an account.
// A subscriber that falls behind by more than its buffer loses events;
// the sequence numbers let it notice and re-read the log.
type StreamHub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscription]struct{} // account_id → subscribers
	buffer  int
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewStreamHub creates a hub with the given per-subscriber buffer.
func NewStreamHub(buffer int, metrics *telemetry.Metrics, logger *slog.Logger) *StreamHub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHub{
		subs:    make(map[string]map[*subscription]struct{}),
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
	}
}

// Name implements Sink.
func (h *StreamHub) Name() string { return "stream" }

// Deliver implements Sink. It never blocks on a slow subscriber.
func (h *StreamHub) Deliver(_ context.Context, e domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[e.AccountID] {
		select {
		case sub.ch <- e:
		default:
			h.logger.Warn("stream subscriber lagging, dropping event",
				"account_id", e.AccountID, "sequence", e.Sequence)
		}
	}
	return nil
}

// Subscribe registers a subscriber for the account. The returned cancel
// function must be called to release it.
func (h *StreamHub) Subscribe(accountID string) (<-chan domain.Event, func()) {
	sub := &subscription{ch: make(chan domain.Event, h.buffer)}

	h.mu.Lock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*subscription]struct{})
	}
	h.subs[accountID][sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.StreamSubscribers(context.Background(), 1)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[accountID], sub)
			if len(h.subs[accountID]) == 0 {
				delete(h.subs, accountID)
			}
			h.mu.Unlock()
			h.metrics.StreamSubscribers(context.Background(), -1)
		})
	}
}

// Subscribers returns the number of live subscribers of the account.
func (h *StreamHub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

// Serve streams the account's events over conn as JSON text messages until
// the client goes away or ctx is done.
func (h *StreamHub) Serve(ctx context.Context, conn *websocket.Conn, accountID string) error {
	events, cancel := h.Subscribe(accountID)
	defer cancel()

	// Client messages are ignored; CloseRead handles control frames and
	// cancels ctx when the peer closes.
	ctx = conn.CloseRead(ctx)

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return err
			}
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("encode stream event", "event_id", e.EventID, "error", err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				return err
			}
		}
	}
}
