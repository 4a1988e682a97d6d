package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeListings(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tv_symbols.csv")
	content := "symbol,currency_code,exchange,source_id\n" + rows
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadListings(t *testing.T) {
	path := writeListings(t,
		"TORNUSDT,USDT,Binance,BINANCE\n"+
			"TORNUSDT.P,USDT,Binance Futures,BINANCE\n"+
			"TORNBTC,BTC,Binance,BINANCE\n"+
			"MYSTERY,,Nowhere,NOWHERE\n")

	listings, err := LoadListings(path)
	require.NoError(t, err)
	require.Len(t, listings, 3, "row without a currency code is dropped")

	assert.Equal(t, "TORN", listings[0].Base)
	assert.Equal(t, "TORN", listings[1].Base, "perpetual suffix stripped before base extraction")
	assert.Equal(t, "TORN", listings[2].Base)
	assert.Equal(t, "BINANCE", listings[0].SourceID)
}

func TestLoadListings_MissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("symbol,exchange\nTORNUSDT,Binance\n"), 0o644))
	_, err := LoadListings(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "currency_code")
}

func testListings() []Listing {
	return []Listing{
		{Symbol: "TORNUSDT", CurrencyCode: "USDT", Exchange: "Binance", SourceID: "BINANCE", Base: "TORN"},
		{Symbol: "TORNUSDT", CurrencyCode: "USDT", Exchange: "Gate.io", SourceID: "GATEIO", Base: "TORN"},
		{Symbol: "TORNBTC", CurrencyCode: "BTC", Exchange: "Binance", SourceID: "BINANCE", Base: "TORN"},
		{Symbol: "BTCUSD", CurrencyCode: "USD", Exchange: "Coinbase", SourceID: "COINBASE", Base: "BTC"},
	}
}

func TestResolveExchange_ExactQuote(t *testing.T) {
	resolutions, err := ResolveExchange(testListings(), "torn", "USDT")
	require.NoError(t, err)
	require.Len(t, resolutions, 2)
	assert.Equal(t, "TORN", resolutions[0].BaseCurrency)
	assert.Equal(t, "USDT", resolutions[0].QuoteCurrency)
	assert.Equal(t, "Binance", resolutions[0].Exchange)
	assert.Equal(t,
		"https://s.tradingview.com/widgetembed/?frameElementId=tradingview_abc&symbol=BINANCE:TORNUSDT&interval=60&theme=dark",
		resolutions[0].URL)
	assert.Equal(t, "Gate.io", resolutions[1].Exchange)
}

func TestResolveExchange_DefaultsToUSD(t *testing.T) {
	resolutions, err := ResolveExchange(testListings(), "BTC", "")
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, "USD", resolutions[0].QuoteCurrency)
	assert.Equal(t, "Coinbase", resolutions[0].Exchange)
}

func TestResolveExchange_FallsBackToSimilarQuote(t *testing.T) {
	// USD is not listed for TORN; USDT is the closest listed quote.
	resolutions, err := ResolveExchange(testListings(), "TORN", "USD")
	require.NoError(t, err)
	require.Len(t, resolutions, 2)
	assert.Equal(t, "USDT", resolutions[0].QuoteCurrency)
}

func TestResolveExchange_UnlistedBase(t *testing.T) {
	_, err := ResolveExchange(testListings(), "DOGE", "USD")
	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, "DOGE", noMatch.Base)
}

func TestEmbedURL_UppercasesPairAndExchange(t *testing.T) {
	assert.Equal(t,
		"https://s.tradingview.com/widgetembed/?frameElementId=tradingview_abc&symbol=BINANCE:TORNUSDT&interval=60&theme=dark",
		EmbedURL("tornusdt", "binance"))
}
