package symbols

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *MarketStore {
	t.Helper()
	store, err := NewMarketStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestMarketStore_SaveAndQuery(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	markets := []Market{
		{Base: "TORN", Quote: "USDT", Exchange: "Gate", Depth: 2, Price: 4.1, Volume: 100},
		{Base: "TORN", Quote: "USDT", Exchange: "Binance", Depth: 9, Price: 4.2, Volume: 900},
	}
	require.NoError(t, store.SaveMarkets(ctx, markets))

	stored, err := store.Markets(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Binance", stored[0].Exchange, "deepest market first")
	assert.Equal(t, "Gate", stored[1].Exchange)
}

func TestMarketStore_SaveIsIdempotent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	market := Market{Base: "TORN", Quote: "USDT", Exchange: "Binance", Depth: 9}
	require.NoError(t, store.SaveMarkets(ctx, []Market{market}))

	market.Depth = 12
	require.NoError(t, store.SaveMarkets(ctx, []Market{market}))

	stored, err := store.Markets(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 12.0, stored[0].Depth, "re-collection overwrites the row")
}

func TestMarketStore_InitializeIsIdempotent(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Initialize(context.Background()))
}

func TestMarketStore_SaveNothing(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.SaveMarkets(context.Background(), nil))
}
