package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/efreitasn/stockledger/internal/domain"
)

// HTTPFeed reads prices from a remote pricing service:
// GET {base}/prices/{key} → {"price": "123.45"}.
type HTTPFeed struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
}

type priceResponse struct {
	Price decimal.Decimal `json:"price"`
}

// NewHTTPFeed creates a feed for baseURL. Outbound requests are limited to
// rps per second; rps <= 0 disables the limit.
func NewHTTPFeed(baseURL string, timeout time.Duration, rps float64) *HTTPFeed {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPFeed{
		base:    strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Price implements Feed.
func (f *HTTPFeed) Price(ctx context.Context, entityKey string) (decimal.Decimal, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("price %s: rate limit: %w", entityKey, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/prices/"+url.PathEscape(entityKey), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", entityKey, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", entityKey, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Zero, domain.ErrEntityNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return decimal.Zero, fmt.Errorf("price %s: unexpected status %d", entityKey, resp.StatusCode)
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("price %s: decode response: %w", entityKey, err)
	}
	if !body.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price %s: non-positive price %s", entityKey, body.Price)
	}
	return body.Price, nil
}
