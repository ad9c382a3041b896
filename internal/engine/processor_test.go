package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockledger/internal/cache"
	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/pricing"
	"github.com/efreitasn/stockledger/internal/resilience"
	"github.com/efreitasn/stockledger/internal/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testRetry = resilience.RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(events []domain.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return 0
}

type harness struct {
	proc      *Processor
	ledger    *Ledger
	events    store.EventStore
	snapshots *store.MemorySnapshotStore
	entities  *store.MemoryEntityStore
	board     *pricing.Board
	published *recordingPublisher
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	events        store.EventStore
	feed          pricing.Feed
	cache         *cache.Cache
	snapshotEvery int64
	retry         resilience.RetryPolicy
	breaker       resilience.BreakerSettings
}

func withEventStore(s store.EventStore) harnessOption {
	return func(c *harnessConfig) { c.events = s }
}

func withFeed(f pricing.Feed) harnessOption {
	return func(c *harnessConfig) { c.feed = f }
}

func withCache(ch *cache.Cache) harnessOption {
	return func(c *harnessConfig) { c.cache = ch }
}

func withSnapshotEvery(n int64) harnessOption {
	return func(c *harnessConfig) { c.snapshotEvery = n }
}

func withRetry(p resilience.RetryPolicy) harnessOption {
	return func(c *harnessConfig) { c.retry = p }
}

func withBreaker(s resilience.BreakerSettings) harnessOption {
	return func(c *harnessConfig) { c.breaker = s }
}

// newHarness wires a processor over in-memory stores with a price board
// quoting X at 100.00 and Y at 120.00.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	board := pricing.NewBoard()
	_ = board.Set("X", dec("100.00"))
	_ = board.Set("Y", dec("120.00"))

	cfg := harnessConfig{
		events: store.NewMemoryEventStore(),
		feed:   board,
		retry:  testRetry,
		breaker: resilience.BreakerSettings{
			Name:             "pricing",
			FailureThreshold: 5,
			Window:           30 * time.Second,
			Cooldown:         time.Minute,
			HalfOpenCalls:    1,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	entities := store.NewMemoryEntityStore()
	ctx := context.Background()
	for _, e := range []*domain.Entity{
		{Key: "X", Name: "Monkey D. Luffy", Crew: "Straw Hat Pirates", Tradable: true},
		{Key: "Y", Name: "Roronoa Zoro", Crew: "Straw Hat Pirates", Tradable: true},
		{Key: "FROZEN", Name: "Gol D. Roger", Tradable: false},
	} {
		if err := entities.Create(ctx, e); err != nil {
			t.Fatalf("seed entity: %v", err)
		}
	}

	snapshots := store.NewMemorySnapshotStore()
	ledger := NewLedger(cfg.events, snapshots, cfg.cache, cfg.snapshotEvery, nil)
	guarded := pricing.NewGuarded(cfg.feed, resilience.NewBreaker[decimal.Decimal](cfg.breaker, nil, nil), nil)
	published := &recordingPublisher{}

	proc := NewProcessor(ledger, entities, guarded, published, Config{
		SlippageTolerance: dec("0.02"),
		Retry:             cfg.retry,
	}, nil, nil)

	return &harness{
		proc:      proc,
		ledger:    ledger,
		events:    cfg.events,
		snapshots: snapshots,
		entities:  entities,
		board:     board,
		published: published,
	}
}

func (h *harness) open(t *testing.T, accountID, deposit string) {
	t.Helper()
	if _, err := h.proc.Open(context.Background(), accountID, dec(deposit)); err != nil {
		t.Fatalf("open %s: %v", accountID, err)
	}
}

func buy(accountID, key string, qty int64, expected string) domain.Command {
	return domain.Command{AccountID: accountID, EntityKey: key, Action: domain.ActionBuy, Quantity: qty, ExpectedPrice: dec(expected)}
}

func sell(accountID, key string, qty int64, expected string) domain.Command {
	return domain.Command{AccountID: accountID, EntityKey: key, Action: domain.ActionSell, Quantity: qty, ExpectedPrice: dec(expected)}
}

func TestExecute_BuyThenConcurrentSells(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "acc-1", "10000.00")

	res, err := h.proc.Execute(ctx, buy("acc-1", "X", 10, "100.00"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Status != domain.StatusCommitted {
		t.Fatalf("status = %s, want committed", res.Status)
	}
	// The opening deposit is version 1.
	if res.Version != 2 {
		t.Fatalf("version = %d, want 2", res.Version)
	}
	if !res.ResultingBalance.Equal(dec("9000")) {
		t.Fatalf("balance = %s, want 9000", res.ResultingBalance)
	}

	_ = h.board.Set("X", dec("120.00"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, qty := range []int64{5, 10} {
		wg.Add(1)
		go func(i int, qty int64) {
			defer wg.Done()
			_, errs[i] = h.proc.Execute(ctx, sell("acc-1", "X", qty, "120.00"))
		}(i, qty)
	}
	wg.Wait()

	var ok, holdings int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientHoldings):
			holdings++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || holdings != 1 {
		t.Fatalf("committed=%d insufficient_holdings=%d, want 1 and 1", ok, holdings)
	}

	proj, err := h.ledger.Rebuild(ctx, "acc-1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if proj.Version != 3 {
		t.Fatalf("version = %d, want 3", proj.Version)
	}
	q := proj.State.Quantity("X")
	switch {
	case q == 5 && proj.State.Balance.Equal(dec("9600")):
	case q == 0 && proj.State.Balance.Equal(dec("10200")):
	default:
		t.Fatalf("unexpected state: balance %s, X=%d", proj.State.Balance, q)
	}
}

func TestExecute_ConcurrentBuysNeverOverspend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "acc-1", "1000.00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.proc.Execute(ctx, buy("acc-1", "X", 6, "100.00"))
		}(i)
	}
	wg.Wait()

	var ok, funds int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientFunds):
			funds++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || funds != 1 {
		t.Fatalf("committed=%d insufficient_funds=%d, want 1 and 1", ok, funds)
	}

	proj, _ := h.ledger.Rebuild(ctx, "acc-1")
	if !proj.State.Balance.Equal(dec("400")) {
		t.Fatalf("balance = %s, want 400", proj.State.Balance)
	}
}

func TestExecute_ManyRacersSpendExactlyTheBalance(t *testing.T) {
	const racers = 10
	h := newHarness(t, withRetry(resilience.RetryPolicy{
		MaxAttempts:     racers + 1,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}))
	ctx := context.Background()
	h.open(t, "acc-1", "500.00")

	var (
		wg        sync.WaitGroup
		committed atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.proc.Execute(ctx, buy("acc-1", "X", 1, "100.00"))
			switch {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, domain.ErrInsufficientFunds):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if committed.Load() != 5 {
		t.Fatalf("committed = %d, want 5", committed.Load())
	}
	proj, _ := h.ledger.Rebuild(ctx, "acc-1")
	if !proj.State.Balance.IsZero() || proj.State.Quantity("X") != 5 {
		t.Fatalf("unexpected state: balance %s, X=%d", proj.State.Balance, proj.State.Quantity("X"))
	}
	if proj.Version != 6 {
		t.Fatalf("version = %d, want 6", proj.Version)
	}
}

func TestExecute_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "acc-1", "1000.00")

	tests := []struct {
		name string
		cmd  domain.Command
		want error
	}{
		{"zero quantity", buy("acc-1", "X", 0, "100.00"), nil},
		{"unknown entity", buy("acc-1", "NOPE", 1, "100.00"), domain.ErrEntityNotFound},
		{"not tradable", buy("acc-1", "FROZEN", 1, "100.00"), domain.ErrEntityNotTradable},
		{"unknown account", buy("acc-2", "X", 1, "100.00"), domain.ErrAccountNotFound},
		{"insufficient funds", buy("acc-1", "X", 11, "100.00"), domain.ErrInsufficientFunds},
		{"insufficient holdings", sell("acc-1", "X", 1, "100.00"), domain.ErrInsufficientHoldings},
		{"slippage above tolerance", buy("acc-1", "X", 1, "103.00"), domain.ErrPriceSlippage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.proc.Execute(ctx, tt.cmd)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !domain.IsRejection(err) {
				t.Fatalf("expected a rejection, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	v, _ := h.events.Version(ctx, "acc-1")
	if v != 1 {
		t.Fatalf("rejections appended events: version = %d", v)
	}
}

func TestExecute_SlippageWithinToleranceExecutesAtCurrentPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "acc-1", "1000.00")

	res, err := h.proc.Execute(ctx, buy("acc-1", "X", 2, "101.50"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.ResultingBalance.Equal(dec("800")) {
		t.Fatalf("balance = %s, want 800", res.ResultingBalance)
	}

	var slip *domain.SlippageError
	_, err = h.proc.Execute(ctx, buy("acc-1", "X", 1, "97.00"))
	if !errors.As(err, &slip) {
		t.Fatalf("expected SlippageError, got %v", err)
	}
	if !slip.CurrentPrice.Equal(dec("100")) || !slip.Tolerance.Equal(dec("0.02")) {
		t.Fatalf("unexpected slippage detail: %+v", slip)
	}
}

type flakyFeed struct {
	calls   atomic.Int32
	healthy atomic.Bool
}

func (f *flakyFeed) Price(ctx context.Context, key string) (decimal.Decimal, error) {
	f.calls.Add(1)
	if !f.healthy.Load() {
		return decimal.Zero, errors.New("pricing service returned 503")
	}
	return dec("100.00"), nil
}

func TestExecute_PricingOutageOpensBreaker(t *testing.T) {
	feed := &flakyFeed{}
	h := newHarness(t, withFeed(feed), withBreaker(resilience.BreakerSettings{
		Name:             "pricing",
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         50 * time.Millisecond,
		HalfOpenCalls:    1,
	}))
	ctx := context.Background()
	h.open(t, "acc-1", "1000.00")

	for i := 0; i < 5; i++ {
		if _, err := h.proc.Execute(ctx, buy("acc-1", "X", 1, "100.00")); !errors.Is(err, domain.ErrDownstreamUnavailable) {
			t.Fatalf("call %d: expected ErrDownstreamUnavailable, got %v", i, err)
		}
	}
	if feed.calls.Load() != 5 {
		t.Fatalf("feed called %d times, want 5", feed.calls.Load())
	}

	// Open: fail fast without calling the feed.
	if _, err := h.proc.Execute(ctx, buy("acc-1", "X", 1, "100.00")); !errors.Is(err, domain.ErrDownstreamUnavailable) {
		t.Fatalf("expected ErrDownstreamUnavailable, got %v", err)
	}
	if feed.calls.Load() != 5 {
		t.Fatalf("open breaker still called the feed: %d calls", feed.calls.Load())
	}

	// Reads keep working.
	proj, err := h.ledger.Load(ctx, "acc-1")
	if err != nil {
		t.Fatalf("portfolio read during outage: %v", err)
	}
	if !proj.State.Balance.Equal(dec("1000")) {
		t.Fatalf("balance = %s, want 1000", proj.State.Balance)
	}

	feed.healthy.Store(true)
	time.Sleep(80 * time.Millisecond)

	if _, err := h.proc.Execute(ctx, buy("acc-1", "X", 1, "100.00")); err != nil {
		t.Fatalf("trial call after cooldown: %v", err)
	}
}

func TestExecute_CancelledBeforeAppend(t *testing.T) {
	h := newHarness(t)
	h.open(t, "acc-1", "1000.00")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.proc.Execute(ctx, buy("acc-1", "X", 1, "100.00")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	v, _ := h.events.Version(context.Background(), "acc-1")
	if v != 1 {
		t.Fatalf("version = %d after cancelled command, want 1", v)
	}
}

// conflictingStore loses every optimistic race after the account exists.
type conflictingStore struct {
	*store.MemoryEventStore
	appends atomic.Int32
}

func (s *conflictingStore) Append(ctx context.Context, accountID string, expectedVersion int64, events []domain.Event) ([]domain.Event, error) {
	if expectedVersion == 0 {
		return s.MemoryEventStore.Append(ctx, accountID, expectedVersion, events)
	}
	s.appends.Add(1)
	return nil, &domain.ConflictError{AccountID: accountID, ExpectedVersion: expectedVersion, ActualVersion: expectedVersion + 7}
}

func TestExecute_RetryExhausted(t *testing.T) {
	events := &conflictingStore{MemoryEventStore: store.NewMemoryEventStore()}
	h := newHarness(t, withEventStore(events))
	h.open(t, "acc-1", "1000.00")

	_, err := h.proc.Execute(context.Background(), buy("acc-1", "X", 1, "100.00"))

	var exhausted *domain.RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if exhausted.Attempts != testRetry.MaxAttempts {
		t.Fatalf("attempts = %d, want %d", exhausted.Attempts, testRetry.MaxAttempts)
	}
	if exhausted.LatestVersion != 8 {
		t.Fatalf("latest version = %d, want 8", exhausted.LatestVersion)
	}
	if int(events.appends.Load()) != testRetry.MaxAttempts {
		t.Fatalf("appends = %d, want %d", events.appends.Load(), testRetry.MaxAttempts)
	}
}

type failingStore struct {
	*store.MemoryEventStore
	appends atomic.Int32
}

func (s *failingStore) Append(ctx context.Context, accountID string, expectedVersion int64, events []domain.Event) ([]domain.Event, error) {
	if expectedVersion == 0 {
		return s.MemoryEventStore.Append(ctx, accountID, expectedVersion, events)
	}
	s.appends.Add(1)
	return nil, domain.StorageError("append", errors.New("connection reset by peer"))
}

func TestExecute_StorageFailureIsNotRetried(t *testing.T) {
	events := &failingStore{MemoryEventStore: store.NewMemoryEventStore()}
	h := newHarness(t, withEventStore(events))
	h.open(t, "acc-1", "1000.00")

	_, err := h.proc.Execute(context.Background(), buy("acc-1", "X", 1, "100.00"))
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}
	if events.appends.Load() != 1 {
		t.Fatalf("appends = %d, want 1", events.appends.Load())
	}
	if len(h.published.events) != 1 {
		t.Fatalf("published %d events, want only the opening deposit", len(h.published.events))
	}
}

func TestExecute_PublishesCommittedEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "acc-1", "1000.00")

	res, err := h.proc.Execute(ctx, buy("acc-1", "X", 1, "100.00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.published.events) != 2 {
		t.Fatalf("published %d events, want 2", len(h.published.events))
	}
	last := h.published.events[1]
	if last.Sequence != res.Version || last.Type != domain.EventEntityPurchased || last.EventID == "" {
		t.Fatalf("unexpected published event %+v", last)
	}
}

func TestExecute_InvalidatesCachedProjection(t *testing.T) {
	c := cache.New(cache.Config{LocalTTL: time.Minute}, nil, nil, nil)
	h := newHarness(t, withCache(c))
	ctx := context.Background()
	h.open(t, "acc-1", "1000.00")

	before, err := h.ledger.Load(ctx, "acc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := h.proc.Execute(ctx, buy("acc-1", "X", 1, "100.00")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	after, err := h.ledger.Load(ctx, "acc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if after.Version != before.Version+1 || after.State.Quantity("X") != 1 {
		t.Fatalf("stale projection after commit: %+v", after)
	}
}

func TestExecute_StaleCachedMissIsRebuilt(t *testing.T) {
	c := cache.New(cache.Config{LocalTTL: time.Minute}, nil, nil, nil)
	h := newHarness(t, withCache(c))
	ctx := context.Background()

	// Cache the empty projection, then open the account behind the
	// cache's back.
	if _, err := h.ledger.Load(ctx, "acc-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	opening := domain.NewEvent("evt-open", "acc-1", domain.BalanceAdjusted{Delta: dec("500")}, time.Now())
	if _, err := h.events.Append(ctx, "acc-1", 0, []domain.Event{opening}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := h.proc.Execute(ctx, buy("acc-1", "X", 1, "100.00")); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestExecute_StaleCacheFromAnotherProcessDoesNotReject(t *testing.T) {
	events := store.NewMemoryEventStore()
	a := newHarness(t, withEventStore(events), withCache(cache.New(cache.Config{LocalTTL: time.Minute}, nil, nil, nil)))
	b := newHarness(t, withEventStore(events), withCache(cache.New(cache.Config{LocalTTL: time.Minute}, nil, nil, nil)))
	ctx := context.Background()
	a.open(t, "acc-1", "1000.00")

	// b caches version 1: the opening deposit and no holdings.
	if proj, err := b.ledger.Load(ctx, "acc-1"); err != nil || proj.Version != 1 {
		t.Fatalf("load: %+v, %v", proj, err)
	}

	if _, err := a.proc.Execute(ctx, buy("acc-1", "X", 5, "100.00")); err != nil {
		t.Fatalf("buy through a: %v", err)
	}
	res, err := b.proc.Execute(ctx, sell("acc-1", "X", 5, "100.00"))
	if err != nil {
		t.Fatalf("sell through b: %v", err)
	}
	if res.Version != 3 || !res.ResultingBalance.Equal(dec("1000")) {
		t.Fatalf("unexpected result %+v", res)
	}

	// A deposit through a lifts a buy that b's cached balance would refuse.
	if _, err := b.ledger.Load(ctx, "acc-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := a.proc.Adjust(ctx, "acc-1", dec("500.00"), "top-up"); err != nil {
		t.Fatalf("adjust through a: %v", err)
	}
	if _, err := b.proc.Execute(ctx, buy("acc-1", "X", 15, "100.00")); err != nil {
		t.Fatalf("buy through b after deposit: %v", err)
	}

	// Rejections against the log head still stand.
	if _, err := b.proc.Execute(ctx, sell("acc-1", "X", 16, "100.00")); !errors.Is(err, domain.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}
	if v, _ := events.Version(ctx, "acc-1"); v != 5 {
		t.Fatalf("log version = %d, want 5", v)
	}
}

func TestOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.proc.Open(ctx, "acc-1", dec("250.50"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Version != 1 || !res.ResultingBalance.Equal(dec("250.50")) {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := h.proc.Open(ctx, "acc-1", dec("1")); !errors.Is(err, domain.ErrAccountAlreadyExists) {
		t.Fatalf("expected ErrAccountAlreadyExists, got %v", err)
	}

	var ve *domain.ValidationError
	if _, err := h.proc.Open(ctx, "acc-2", dec("-1")); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for negative deposit, got %v", err)
	}
	if _, err := h.proc.Open(ctx, "acc-2", dec("1.001")); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for sub-cent deposit, got %v", err)
	}
	if _, err := h.proc.Open(ctx, "", dec("1")); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for empty id, got %v", err)
	}
}

func TestAdjust(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "acc-1", "100.00")

	res, err := h.proc.Adjust(ctx, "acc-1", dec("-40.00"), "correction")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if res.Version != 2 || !res.ResultingBalance.Equal(dec("60")) {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := h.proc.Adjust(ctx, "acc-1", dec("-60.01"), "overdraw"); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := h.proc.Adjust(ctx, "acc-9", dec("1"), "refund"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	var ve *domain.ValidationError
	if _, err := h.proc.Adjust(ctx, "acc-1", decimal.Zero, "noop"); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
