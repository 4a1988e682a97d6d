// Package marketdata provides the price-bar model and a bar-data provider
// client used by the chart tool.
package marketdata

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV price bar. Prices use decimal arithmetic; float64 loses
// precision on small-cap pairs.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Validate checks OHLC consistency.
func (b Bar) Validate() error {
	if b.Time.IsZero() {
		return fmt.Errorf("bar has zero timestamp")
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("bar high %s below low %s", b.High, b.Low)
	}
	if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("bar open %s outside [%s, %s]", b.Open, b.Low, b.High)
	}
	if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("bar close %s outside [%s, %s]", b.Close, b.Low, b.High)
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("bar volume %s is negative", b.Volume)
	}
	return nil
}

// Timeframe is a supported bar granularity.
type Timeframe string

const (
	TimeframeDay    Timeframe = "day"
	TimeframeHour   Timeframe = "hour"
	TimeframeMinute Timeframe = "minute"
)

// Duration returns the bar width for the timeframe.
func (tf Timeframe) Duration() (time.Duration, error) {
	switch tf {
	case TimeframeDay:
		return 24 * time.Hour, nil
	case TimeframeHour:
		return time.Hour, nil
	case TimeframeMinute:
		return time.Minute, nil
	default:
		return 0, fmt.Errorf("invalid timeframe %q: choose day, hour or minute", string(tf))
	}
}

// MergeBars combines bar series, dropping duplicate timestamps (first
// occurrence wins) and returning the result in ascending time order.
func MergeBars(series ...[]Bar) []Bar {
	seen := make(map[int64]bool)
	var merged []Bar
	for _, bars := range series {
		for _, bar := range bars {
			key := bar.Time.Unix()
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, bar)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time.Before(merged[j].Time) })
	return merged
}
