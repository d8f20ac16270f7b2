// Package provider fetches spot prices over HTTP with short-lived caching.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"pricewatch/internal/models"
)

// Client provides access to the exchange spot price API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	maxRetries     int
	retryDelayBase time.Duration

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cachedQuote

	now func() time.Time
}

type cachedQuote struct {
	quote     models.Quote
	fetchedAt time.Time
}

// ClientConfig tunes retry and caching behavior.
type ClientConfig struct {
	MaxRetries     int
	RetryDelayBase time.Duration
	CacheTTL       time.Duration
}

// tickerResponse is the exchange's /api/v3/ticker/price payload.
type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewClient creates a new spot price client.
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		cacheTTL:       cfg.CacheTTL,
		cache:          make(map[string]cachedQuote),
		now:            time.Now,
	}
}

// SpotPrice returns the current price for a symbol. A quote fetched within the
// cache TTL is returned without a new HTTP call, so many groups polling the
// same symbol share one fetch per interval. On fetch failure a stale cached
// quote of any age is returned; the error surfaces only when no cached value
// exists at all.
func (c *Client) SpotPrice(ctx context.Context, symbol string) (models.Quote, error) {
	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && c.now().Sub(entry.fetchedAt) < c.cacheTTL {
		c.mu.Unlock()
		return entry.quote, nil
	}
	c.mu.Unlock()

	quote, err := c.fetch(ctx, symbol)
	if err != nil {
		c.mu.Lock()
		entry, ok := c.cache[symbol]
		c.mu.Unlock()
		if ok {
			return entry.quote, nil
		}
		return models.Quote{}, fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
	}

	c.mu.Lock()
	c.cache[symbol] = cachedQuote{quote: quote, fetchedAt: c.now()}
	c.mu.Unlock()
	return quote, nil
}

func (c *Client) fetch(ctx context.Context, symbol string) (models.Quote, error) {
	u, err := url.Parse(c.baseURL + "/api/v3/ticker/price")
	if err != nil {
		return models.Quote{}, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return models.Quote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Quote{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var ticker tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return models.Quote{}, fmt.Errorf("failed to decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return models.Quote{}, fmt.Errorf("failed to parse price %q: %w", ticker.Price, err)
	}
	if price <= 0 {
		return models.Quote{}, fmt.Errorf("non-positive price %v for %s", price, symbol)
	}

	return models.Quote{
		Price: price,
		AsOf:  time.Unix(c.now().Unix(), 0),
	}, nil
}

// doRequest performs an HTTP request with linear-backoff retry on transport
// errors and 5xx responses.
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		} else {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
