package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultBarsURL = "https://api.exchange.coinbase.com"

	candlesEndpoint = "/products/%s/candles"

	// Provider caps a single candles request at 300 bars.
	maxBarsPerRequest = 300

	maxRequestsPerSecond = 10
	requestTimeout       = 30 * time.Second

	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
	maxRetries        = 3
)

// FetchRequest describes one bar-series fetch.
type FetchRequest struct {
	Symbol    string
	Timeframe Timeframe
	Start     time.Time
	End       time.Time
}

// Validate checks the request parameters.
func (r FetchRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if _, err := r.Timeframe.Duration(); err != nil {
		return err
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end %s must be after start %s", r.End, r.Start)
	}
	return nil
}

// Client fetches price bars from the provider's public candles endpoint,
// with request rate limiting and bounded exponential-backoff retries.
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger
}

// NewClient creates a bar-data client. An empty baseURL selects the default
// provider.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBarsURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(maxRequestsPerSecond), 1),
		baseURL:     baseURL,
		logger:      logger,
	}
}

// FetchBars retrieves the bar series for the request, splitting long ranges
// into provider-sized chunks and merging the results with duplicate
// timestamps removed.
func (c *Client) FetchBars(ctx context.Context, req FetchRequest) ([]Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	barWidth, _ := req.Timeframe.Duration()

	c.logger.Debug("fetching bars",
		"symbol", req.Symbol,
		"timeframe", string(req.Timeframe),
		"start", req.Start,
		"end", req.End)

	chunkWidth := time.Duration(maxBarsPerRequest) * barWidth
	var chunks [][]Bar
	for cur := req.Start; cur.Before(req.End); cur = cur.Add(chunkWidth) {
		chunkEnd := cur.Add(chunkWidth)
		if chunkEnd.After(req.End) {
			chunkEnd = req.End
		}
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait failed: %w", err)
		}
		bars, err := c.fetchChunk(ctx, req.Symbol, cur, chunkEnd, barWidth)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch bars %s..%s: %w", cur, chunkEnd, err)
		}
		chunks = append(chunks, bars)
	}

	merged := MergeBars(chunks...)
	c.logger.Debug("fetched bars", "symbol", req.Symbol, "count", len(merged))
	return merged, nil
}

// HealthCheck verifies the provider answers on a lightweight endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, c.baseURL+"/products", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) fetchChunk(ctx context.Context, symbol string, start, end time.Time, barWidth time.Duration) ([]Bar, error) {
	params := url.Values{}
	params.Set("granularity", strconv.Itoa(int(barWidth.Seconds())))
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	fullURL := fmt.Sprintf(c.baseURL+candlesEndpoint, url.PathEscape(symbol)) + "?" + params.Encode()

	body, err := c.getWithRetry(ctx, fullURL)
	if err != nil {
		return nil, err
	}

	// The provider returns rows of [time, low, high, open, close, volume].
	var rows [][]json.Number
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse candles response: %w", err)
	}

	bars := make([]Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := barFromRow(row)
		if err != nil {
			c.logger.Warn("skipping malformed bar", "error", err)
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func barFromRow(row []json.Number) (Bar, error) {
	if len(row) != 6 {
		return Bar{}, fmt.Errorf("expected 6 fields, got %d", len(row))
	}
	ts, err := row[0].Int64()
	if err != nil {
		return Bar{}, fmt.Errorf("bad timestamp %q: %w", row[0], err)
	}
	fields := make([]decimal.Decimal, 5)
	for i, raw := range row[1:] {
		d, err := decimal.NewFromString(raw.String())
		if err != nil {
			return Bar{}, fmt.Errorf("bad field %q: %w", raw, err)
		}
		fields[i] = d
	}
	return Bar{
		Time:   time.Unix(ts, 0).UTC(),
		Low:    fields[0],
		High:   fields[1],
		Open:   fields[2],
		Close:  fields[3],
		Volume: fields[4],
	}, nil
}

func (c *Client) getWithRetry(ctx context.Context, fullURL string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryDelay
	policy.MaxInterval = maxRetryDelay
	policy.MaxElapsedTime = 0

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "signalpipe/1.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.logger.Warn("provider busy, retrying", "status", resp.StatusCode)
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("request failed with status %d", resp.StatusCode))
		}
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}
