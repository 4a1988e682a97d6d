package symbols

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const (
	defaultWorkers = 4

	// The markets API hides some listings behind underscore-padded coin
	// names, so every pair is queried once per padding length.
	paddingVariants = 20
)

// Pair is a base/quote currency pair to collect markets for.
type Pair struct {
	Base  string
	Quote string
}

// ParsePair splits a "BASE/QUOTE" string.
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || base == "" || quote == "" {
		return Pair{}, fmt.Errorf("invalid pair %q: want BASE/QUOTE", s)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// LoadPairs reads pairs from a single-column CSV, one BASE/QUOTE per row.
// A header row is skipped when present.
func LoadPairs(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairs file %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	var pairs []Pair
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read pairs row: %w", err)
		}
		if len(row) == 0 || row[0] == "" {
			continue
		}
		pair, err := ParsePair(row[0])
		if err != nil {
			// Tolerate a header row, reject anything else.
			if len(pairs) == 0 {
				continue
			}
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// Collector fans market collection out over a bounded worker pool, querying
// every padding variant of every pair.
type Collector struct {
	client   *Client
	workers  int
	paddings int
	logger   *slog.Logger
}

// NewCollector creates a collector running up to workers concurrent fetches.
func NewCollector(client *Client, workers int, logger *slog.Logger) *Collector {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		client:   client,
		workers:  workers,
		paddings: paddingVariants,
		logger:   logger,
	}
}

type collectJob struct {
	coin  string
	quote string
}

// CollectMarkets fetches the exact-match markets for every pair. Individual
// job failures are logged and skipped; the collected markets from the
// remaining jobs are still returned. Cancellation stops the pool.
func (c *Collector) CollectMarkets(ctx context.Context, pairs []Pair) ([]Market, error) {
	jobs := make(chan collectJob)
	results := make(chan []Market)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				markets, err := c.client.FetchMarkets(ctx, job.coin, job.quote)
				if err != nil {
					c.logger.Warn("market fetch failed",
						"coin", job.coin,
						"quote", job.quote,
						"error", err)
					continue
				}
				if len(markets) == 0 {
					continue
				}
				select {
				case results <- markets:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, pair := range pairs {
			for n := 0; n < c.paddings; n++ {
				job := collectJob{
					coin:  strings.Repeat("_", n) + pair.Base,
					quote: pair.Quote,
				}
				select {
				case jobs <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var collected []Market
	for markets := range results {
		collected = append(collected, markets...)
	}
	if err := ctx.Err(); err != nil {
		return collected, err
	}

	c.logger.Info("market collection finished",
		"pairs", len(pairs),
		"markets", len(collected))
	return collected, nil
}
