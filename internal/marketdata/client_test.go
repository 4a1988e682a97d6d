package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestBar_Validate(t *testing.T) {
	valid := Bar{
		Time:   time.Now(),
		Open:   d("100"),
		High:   d("110"),
		Low:    d("90"),
		Close:  d("105"),
		Volume: d("12.5"),
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.High = d("80")
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Open = d("200")
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Volume = d("-1")
	assert.Error(t, bad.Validate())
}

func TestTimeframe_Duration(t *testing.T) {
	day, err := TimeframeDay.Duration()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, day)

	_, err = Timeframe("week").Duration()
	assert.Error(t, err)
}

func TestMergeBars_DropsDuplicatesAndSorts(t *testing.T) {
	t0 := time.Unix(1000, 0).UTC()
	t1 := t0.Add(time.Hour)
	t2 := t1.Add(time.Hour)

	a := []Bar{{Time: t2, Close: d("3")}, {Time: t0, Close: d("1")}}
	b := []Bar{{Time: t1, Close: d("2")}, {Time: t0, Close: d("999")}}

	merged := MergeBars(a, b)
	require.Len(t, merged, 3)
	assert.Equal(t, t0, merged[0].Time)
	assert.Equal(t, t1, merged[1].Time)
	assert.Equal(t, t2, merged[2].Time)
	// First occurrence wins on duplicate timestamps.
	assert.True(t, merged[0].Close.Equal(d("1")))
}

func TestClient_FetchBars(t *testing.T) {
	base := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/TORN-USDT/candles", r.URL.Path)
		assert.Equal(t, "3600", r.URL.Query().Get("granularity"))
		rows := [][]any{
			{base.Add(time.Hour).Unix(), 9.5, 11.0, 10.0, 10.5, 3.25},
			{base.Unix(), 9.0, 10.5, 9.2, 10.0, 1.5},
		}
		require.NoError(t, json.NewEncoder(w).Encode(rows))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	bars, err := client.FetchBars(context.Background(), FetchRequest{
		Symbol:    "TORN-USDT",
		Timeframe: TimeframeHour,
		Start:     base,
		End:       base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, base, bars[0].Time)
	assert.True(t, bars[0].Open.Equal(d("9.2")))
	assert.True(t, bars[0].High.Equal(d("10.5")))
	assert.True(t, bars[0].Low.Equal(d("9")))
	assert.True(t, bars[0].Close.Equal(d("10")))
	assert.Equal(t, base.Add(time.Hour), bars[1].Time)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.FetchBars(context.Background(), FetchRequest{
		Symbol:    "BTC-USD",
		Timeframe: TimeframeHour,
		Start:     time.Unix(0, 0),
		End:       time.Unix(3600, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.FetchBars(context.Background(), FetchRequest{
		Symbol:    "NOPE-USD",
		Timeframe: TimeframeHour,
		Start:     time.Unix(0, 0),
		End:       time.Unix(3600, 0),
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchRequest_Validate(t *testing.T) {
	req := FetchRequest{Symbol: "BTC-USD", Timeframe: TimeframeHour, Start: time.Unix(0, 0), End: time.Unix(10, 0)}
	require.NoError(t, req.Validate())

	bad := req
	bad.Symbol = ""
	assert.Error(t, bad.Validate())

	bad = req
	bad.End = bad.Start
	assert.Error(t, bad.Validate())
}
