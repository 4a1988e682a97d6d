// Package symbols resolves exchange listings for base/quote currency pairs
// and builds chart-embed URLs for the matches.
package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMarketsURL = "https://http-api.livecoinwatch.com/markets"

	defaultPageSize   = 30
	defaultMaxRetries = 3

	marketRequestTimeout = 10 * time.Second
	retryBaseDelay       = 2 * time.Second
)

// Market is one exchange listing row from the markets API.
type Market struct {
	Base     string  `json:"base"`
	Quote    string  `json:"quote"`
	Exchange string  `json:"exchange"`
	Depth    float64 `json:"depth"`
	Price    float64 `json:"price"`
	Volume   float64 `json:"volume"`
}

// ClientOptions configures a markets API client.
type ClientOptions struct {
	BaseURL    string
	Proxies    []string
	PageSize   int
	MaxRetries int
	Logger     *slog.Logger
}

// Client fetches exchange listings from a markets HTTP API. Requests rotate
// across the configured proxies; retries use exponential backoff on 503 and
// transport failures.
type Client struct {
	baseURL    string
	proxies    []string
	pageSize   int
	maxRetries int
	logger     *slog.Logger

	next atomic.Uint64

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClient creates a markets API client. An empty BaseURL selects the
// default provider; an empty proxy list means direct requests.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultMarketsURL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	for _, proxy := range opts.Proxies {
		if _, err := url.Parse(proxy); err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
	}
	return &Client{
		baseURL:    opts.BaseURL,
		proxies:    opts.Proxies,
		pageSize:   opts.PageSize,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		clients:    make(map[string]*http.Client),
	}, nil
}

// FetchMarkets pages through the listings for coin until an empty page and
// keeps only exact base/quote matches. The coin may carry an underscore
// prefix padding; matches compare against the unpadded name.
func (c *Client) FetchMarkets(ctx context.Context, coin, quote string) ([]Market, error) {
	base := strings.TrimLeft(coin, "_")

	var matches []Market
	for offset := 0; ; offset += c.pageSize {
		page, err := c.fetchPage(ctx, coin, quote, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch markets for %s at offset %d: %w", coin, offset, err)
		}
		if len(page) == 0 {
			break
		}
		for _, market := range page {
			if market.Base == base && market.Quote == quote {
				matches = append(matches, market)
			}
		}
	}
	return matches, nil
}

func (c *Client) fetchPage(ctx context.Context, coin, quote string, offset int) ([]Market, error) {
	params := url.Values{}
	params.Set("coin", coin)
	params.Set("currency", quote)
	params.Set("limit", strconv.Itoa(c.pageSize))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("sort", "depth")
	params.Set("order", "descending")
	fullURL := c.baseURL + "?" + params.Encode()

	proxy := c.nextProxy()
	httpClient, err := c.clientFor(proxy)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseDelay
	policy.MaxElapsedTime = 0

	var page []Market
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			c.logger.Warn("markets request failed, retrying", "proxy", proxy, "error", err)
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			var envelope struct {
				Data []Market `json:"data"`
			}
			if err := json.Unmarshal(body, &envelope); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to parse markets response: %w", err))
			}
			page = envelope.Data
			return nil
		case resp.StatusCode == http.StatusServiceUnavailable:
			c.logger.Warn("markets API unavailable, retrying", "offset", offset)
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("request failed with status %d", resp.StatusCode))
		}
	}

	err = backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) nextProxy() string {
	if len(c.proxies) == 0 {
		return ""
	}
	n := c.next.Add(1) - 1
	return c.proxies[n%uint64(len(c.proxies))]
}

func (c *Client) clientFor(proxy string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[proxy]; ok {
		return client, nil
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Timeout:   marketRequestTimeout,
		Transport: transport,
	}
	c.clients[proxy] = client
	return client, nil
}
