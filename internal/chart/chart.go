// Package chart renders candlestick charts annotated with news counts.
package chart

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/galpha/signalpipe/internal/marketdata"
)

// Builder renders one symbol's bar series to a self-contained HTML chart.
type Builder struct {
	Symbol    string
	Exchange  string
	Timeframe marketdata.Timeframe
	Start     time.Time
	End       time.Time
	WithNews  bool
}

// OutputName returns the chart file name for this builder's parameters.
func (b *Builder) OutputName() string {
	return fmt.Sprintf("%s_%s_%s_to_%s_%s_with_news_%t.html",
		b.Symbol,
		b.Exchange,
		b.Start.Format("2006-01-02"),
		b.End.Format("2006-01-02"),
		string(b.Timeframe),
		b.WithNews)
}

func (b *Builder) axisFormat() string {
	if b.Timeframe == marketdata.TimeframeDay {
		return "2006-01-02"
	}
	return "2006-01-02 15:04"
}

// Render writes a candlestick chart for bars to w. When counts is non-empty,
// buckets with news get a marker at the bar high carrying the article count.
func (b *Builder) Render(w io.Writer, bars []marketdata.Bar, counts map[time.Time]int) error {
	if len(bars) == 0 {
		return fmt.Errorf("no bars to render for %s", b.Symbol)
	}

	x := make([]string, 0, len(bars))
	klineData := make([]opts.KlineData, 0, len(bars))
	newsData := make([]opts.ScatterData, 0, len(bars))
	annotated := 0
	for _, bar := range bars {
		x = append(x, bar.Time.Format(b.axisFormat()))
		klineData = append(klineData, opts.KlineData{Value: [4]float64{
			bar.Open.InexactFloat64(),
			bar.Close.InexactFloat64(),
			bar.Low.InexactFloat64(),
			bar.High.InexactFloat64(),
		}})

		bucket, err := BucketTime(bar.Time, b.Timeframe)
		if err != nil {
			return err
		}
		if n := counts[bucket]; n > 0 {
			annotated++
			newsData = append(newsData, opts.ScatterData{
				Name:       fmt.Sprintf("%d news", n),
				Value:      bar.High.InexactFloat64(),
				Symbol:     "triangle",
				SymbolSize: 12,
			})
		} else {
			// "-" is the echarts null placeholder, keeping the series
			// aligned with the category axis.
			newsData = append(newsData, opts.ScatterData{Value: "-"})
		}
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s @ %s", b.Symbol, b.Exchange),
			Subtitle: fmt.Sprintf("%s to %s, %s bars", b.Start.Format("2006-01-02"), b.End.Format("2006-01-02"), b.Timeframe),
		}),
		charts.WithXAxisOpts(opts.XAxis{SplitNumber: 20}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Start: 0, End: 100}),
	)
	kline.SetXAxis(x).AddSeries("price", klineData)

	if b.WithNews && annotated > 0 {
		scatter := charts.NewScatter()
		scatter.SetXAxis(x).AddSeries("news", newsData)
		kline.Overlap(scatter)
	}

	if err := kline.Render(w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}
