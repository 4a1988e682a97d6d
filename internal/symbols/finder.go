package symbols

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const defaultQuote = "USD"

// Listing is one row from an exchange symbols export.
type Listing struct {
	Symbol       string
	CurrencyCode string
	Exchange     string
	SourceID     string
	Base         string
}

// Resolution is one resolved market with its chart-embed URL.
type Resolution struct {
	BaseCurrency  string
	QuoteCurrency string
	Exchange      string
	URL           string
}

// NoMatchError reports a base currency with no listed market.
type NoMatchError struct {
	Base string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no matches for base currency %q", e.Base)
}

// LoadListings reads an exchange symbols CSV with symbol, currency_code,
// exchange and source_id columns. Rows without a currency code are dropped.
// The base currency is derived from the symbol by stripping a perpetual
// ".P" suffix and removing the currency code.
func LoadListings(path string) ([]Listing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open listings file %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read listings header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"symbol", "currency_code", "exchange", "source_id"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("listings file %s is missing column %q", path, required)
		}
	}

	var listings []Listing
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read listings row: %w", err)
		}
		currencyCode := strings.TrimSpace(row[columns["currency_code"]])
		if currencyCode == "" {
			continue
		}
		symbol := strings.TrimSpace(row[columns["symbol"]])
		base := strings.TrimSuffix(symbol, ".P")
		base = strings.ReplaceAll(base, currencyCode, "")
		listings = append(listings, Listing{
			Symbol:       symbol,
			CurrencyCode: currencyCode,
			Exchange:     strings.TrimSpace(row[columns["exchange"]]),
			SourceID:     strings.TrimSpace(row[columns["source_id"]]),
			Base:         base,
		})
	}
	return listings, nil
}

// ResolveExchange finds the listings for base quoted in quote and returns
// them with embed URLs. An empty quote defaults to USD. When the quote is
// not listed for the base, the most similar listed quote is used instead.
// An unlisted base returns a NoMatchError.
func ResolveExchange(listings []Listing, base, quote string) ([]Resolution, error) {
	base = strings.ToUpper(base)
	if quote == "" {
		quote = defaultQuote
	}
	quote = strings.ToUpper(quote)

	var forBase []Listing
	for _, listing := range listings {
		if listing.Base == base {
			forBase = append(forBase, listing)
		}
	}
	if len(forBase) == 0 {
		return nil, &NoMatchError{Base: base}
	}

	listed := false
	for _, listing := range forBase {
		if listing.CurrencyCode == quote {
			listed = true
			break
		}
	}
	if !listed {
		quote = mostSimilarQuote(forBase, quote)
	}

	var resolutions []Resolution
	for _, listing := range forBase {
		if listing.CurrencyCode != quote {
			continue
		}
		resolutions = append(resolutions, Resolution{
			BaseCurrency:  base,
			QuoteCurrency: quote,
			Exchange:      listing.Exchange,
			URL:           EmbedURL(listing.Symbol, listing.SourceID),
		})
	}
	return resolutions, nil
}

// mostSimilarQuote picks the listed quote with the highest sequence-matcher
// similarity to the requested one.
func mostSimilarQuote(listings []Listing, quote string) string {
	best := listings[0].CurrencyCode
	bestRatio := -1.0
	for _, listing := range listings {
		matcher := difflib.NewMatcher(
			strings.Split(quote, ""),
			strings.Split(listing.CurrencyCode, ""))
		if ratio := matcher.Ratio(); ratio > bestRatio {
			bestRatio = ratio
			best = listing.CurrencyCode
		}
	}
	return best
}

// EmbedURL builds the chart-embed URL for a trading pair on an exchange.
func EmbedURL(tradingPair, exchange string) string {
	return fmt.Sprintf(
		"https://s.tradingview.com/widgetembed/?frameElementId=tradingview_abc&symbol=%s:%s&interval=60&theme=dark",
		strings.ToUpper(exchange), strings.ToUpper(tradingPair))
}
