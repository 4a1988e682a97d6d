package symbols

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePair(t *testing.T) {
	pair, err := ParsePair("TORN/USDT")
	require.NoError(t, err)
	assert.Equal(t, Pair{Base: "TORN", Quote: "USDT"}, pair)

	for _, bad := range []string{"", "TORN", "/USDT", "TORN/"} {
		_, err := ParsePair(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestLoadPairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unique_symbols.csv")
	require.NoError(t, os.WriteFile(path, []byte("0\nTORN/USDT\nBTC/USD\n"), 0o644))

	pairs, err := LoadPairs(path)
	require.NoError(t, err)
	assert.Equal(t, []Pair{
		{Base: "TORN", Quote: "USDT"},
		{Base: "BTC", Quote: "USD"},
	}, pairs)
}

func TestCollector_CollectMarkets(t *testing.T) {
	var mu sync.Mutex
	coins := make(map[string]int)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		coin := r.URL.Query().Get("coin")
		mu.Lock()
		coins[coin]++
		mu.Unlock()

		if coin != "TORN" || r.URL.Query().Get("offset") != "0" {
			_, _ = w.Write([]byte(`{"data": []}`))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": []Market{
			{Base: "TORN", Quote: "USDT", Exchange: "Binance", Depth: 5},
		}}))
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{BaseURL: server.URL})
	require.NoError(t, err)

	collector := NewCollector(client, 3, nil)
	collector.paddings = 3

	markets, err := collector.CollectMarkets(context.Background(), []Pair{{Base: "TORN", Quote: "USDT"}})
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "Binance", markets[0].Exchange)

	mu.Lock()
	defer mu.Unlock()
	// Two pages for the hit, one empty page for each padded variant.
	assert.Equal(t, 2, coins["TORN"])
	assert.Equal(t, 1, coins["_TORN"])
	assert.Equal(t, 1, coins["__TORN"])
}

func TestCollector_SkipsFailedJobs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		coin := r.URL.Query().Get("coin")
		if coin == "BAD" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if coin == "GOOD" && r.URL.Query().Get("offset") == "0" {
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": []Market{
				{Base: "GOOD", Quote: "USD", Exchange: "Kraken"},
			}}))
			return
		}
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{BaseURL: server.URL})
	require.NoError(t, err)

	collector := NewCollector(client, 2, nil)
	collector.paddings = 1

	markets, err := collector.CollectMarkets(context.Background(), []Pair{
		{Base: "BAD", Quote: "USD"},
		{Base: "GOOD", Quote: "USD"},
	})
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "Kraken", markets[0].Exchange)
}

func TestCollector_StopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client, err := NewClient(ClientOptions{BaseURL: "http://unreachable.invalid"})
	require.NoError(t, err)

	collector := NewCollector(client, 2, nil)
	_, err = collector.CollectMarkets(ctx, []Pair{{Base: "TORN", Quote: "USDT"}})
	require.ErrorIs(t, err, context.Canceled)
}
