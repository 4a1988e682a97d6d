package chart

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/galpha/signalpipe/internal/marketdata"
)

// UnknownTimeframeError reports a timeframe outside the supported set.
type UnknownTimeframeError struct {
	Timeframe string
}

func (e *UnknownTimeframeError) Error() string {
	return fmt.Sprintf("unknown timeframe %q: choose day, hour or minute", e.Timeframe)
}

// BucketTime truncates t to the start of its day, hour or minute bucket.
// Buckets are computed in UTC, so timestamps carrying different offsets land
// in comparable keys.
func BucketTime(t time.Time, timeframe marketdata.Timeframe) (time.Time, error) {
	t = t.UTC()
	switch timeframe {
	case marketdata.TimeframeDay:
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location()), nil
	case marketdata.TimeframeHour:
		y, m, d := t.Date()
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location()), nil
	case marketdata.TimeframeMinute:
		y, m, d := t.Date()
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, t.Location()), nil
	default:
		return time.Time{}, &UnknownTimeframeError{Timeframe: string(timeframe)}
	}
}

// Article is one news record from a signals collection export.
type Article struct {
	ProcessingStartTime time.Time
	Pair                string
	CategoryName        string
}

// extJSONDate accepts Mongo extended-JSON dates, either
// {"$date": "2024-10-01T00:00:00Z"} or {"$date": {"$numberLong": "1727740800000"}}.
type extJSONDate struct {
	time.Time
}

func (d *extJSONDate) UnmarshalJSON(data []byte) error {
	var wrapper struct {
		Date json.RawMessage `json:"$date"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	if wrapper.Date == nil {
		return fmt.Errorf("missing $date field")
	}

	var asString string
	if err := json.Unmarshal(wrapper.Date, &asString); err == nil {
		parsed, err := time.Parse(time.RFC3339, asString)
		if err != nil {
			return fmt.Errorf("bad $date value %q: %w", asString, err)
		}
		d.Time = parsed
		return nil
	}

	var asLong struct {
		NumberLong string `json:"$numberLong"`
	}
	if err := json.Unmarshal(wrapper.Date, &asLong); err != nil {
		return fmt.Errorf("unsupported $date encoding: %w", err)
	}
	millis, err := strconv.ParseInt(asLong.NumberLong, 10, 64)
	if err != nil {
		return fmt.Errorf("bad $numberLong value %q: %w", asLong.NumberLong, err)
	}
	d.Time = time.UnixMilli(millis).UTC()
	return nil
}

// The export keeps the upstream field spelling.
type newsRecord struct {
	ProcessingStartTime *extJSONDate `json:"proccessing_start_time"`
	Pair                string       `json:"pair"`
	CategoryName        string       `json:"category_name"`
}

// LoadNews reads a JSON export of the signals collection. Records without a
// processing timestamp are dropped.
func LoadNews(path string) ([]Article, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read news file %s: %w", path, err)
	}

	var records []newsRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to parse news file %s: %w", path, err)
	}

	articles := make([]Article, 0, len(records))
	for _, rec := range records {
		if rec.ProcessingStartTime == nil {
			continue
		}
		articles = append(articles, Article{
			ProcessingStartTime: rec.ProcessingStartTime.Time,
			Pair:                rec.Pair,
			CategoryName:        rec.CategoryName,
		})
	}
	return articles, nil
}

// CountNews groups article processing timestamps into timeframe buckets.
func CountNews(articles []Article, timeframe marketdata.Timeframe) (map[time.Time]int, error) {
	counts := make(map[time.Time]int, len(articles))
	for _, article := range articles {
		bucket, err := BucketTime(article.ProcessingStartTime, timeframe)
		if err != nil {
			return nil, err
		}
		counts[bucket]++
	}
	return counts, nil
}
