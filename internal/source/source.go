// Package source defines the provider boundary: the Adapter interface every
// market-data provider implements, the request type, and the schema mapping
// that converts raw provider records into bar tables exactly once, at the
// edge. Everything downstream of this package works with typed bars only.
package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

// ErrUnavailable marks an adapter that cannot serve requests at all, for
// example because its credentials are absent. The fetcher treats it like any
// other adapter failure: log and move on to the next source.
var ErrUnavailable = errors.New("source: adapter unavailable")

// Interval is the bar granularity of a historical request.
type Interval string

const (
	IntervalDay    Interval = "day"
	IntervalMinute Interval = "minute"
)

// HistoricalRequest describes one historical data fetch.
type HistoricalRequest struct {
	Symbol   string
	Start    time.Time
	End      time.Time
	Interval Interval
}

// Validate checks the request for malformed arguments. These are caller
// errors, not data-quality findings.
func (r HistoricalRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.New("source: symbol is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return errors.New("source: start and end times are required")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("source: end %s before start %s", r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	switch r.Interval {
	case IntervalDay, IntervalMinute:
	default:
		return fmt.Errorf("source: unsupported interval %q", r.Interval)
	}
	return nil
}

// Adapter fetches historical bars from one provider.
type Adapter interface {
	// Name identifies the adapter in logs.
	Name() string
	// Source identifies the provider family the adapter serves.
	Source() models.Source
	// FetchHistorical retrieves bars for the request. Implementations honor
	// context cancellation and return ErrUnavailable when the adapter cannot
	// serve requests at all.
	FetchHistorical(ctx context.Context, req HistoricalRequest) (*models.BarTable, error)
}

// RawRecord is one untyped provider row, keyed by the provider's own column
// names.
type RawRecord map[string]string

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02-01-2006",
}

// aliases maps lowercase provider column names to canonical fields.
var aliases = map[string]models.Field{
	"open":   models.FieldOpen,
	"o":      models.FieldOpen,
	"high":   models.FieldHigh,
	"h":      models.FieldHigh,
	"low":    models.FieldLow,
	"l":      models.FieldLow,
	"close":  models.FieldClose,
	"c":      models.FieldClose,
	"volume": models.FieldVolume,
	"vol":    models.FieldVolume,
	"v":      models.FieldVolume,
}

var timeAliases = map[string]struct{}{
	"date": {}, "datetime": {}, "timestamp": {}, "time": {}, "ts": {},
}

// MapRecords converts raw provider records into a bar table. Column names
// match case-insensitively against known aliases; the symbol is taken from a
// "symbol" column when present and from the argument otherwise. Values that
// fail numeric parsing become missing and are counted in the table's
// ParseErrors so the structural validator can surface them. Timestamps accept
// common date layouts and unix seconds; an unparseable timestamp leaves the
// bar without a time axis rather than dropping the row.
func MapRecords(symbol string, src models.Source, records []RawRecord) *models.BarTable {
	table := models.NewBarTable(symbol, src, make([]models.Bar, 0, len(records)))

	for _, rec := range records {
		bar := models.Bar{Symbol: symbol, Source: src}
		for key, raw := range rec {
			lk := strings.ToLower(strings.TrimSpace(key))
			if lk == "symbol" {
				if s := strings.TrimSpace(raw); s != "" {
					bar.Symbol = s
				}
				continue
			}
			if _, ok := timeAliases[lk]; ok {
				if ts, ok := parseTimestamp(raw); ok {
					bar.Timestamp = ts
				}
				continue
			}
			field, ok := aliases[lk]
			if !ok {
				continue
			}
			trimmed := strings.TrimSpace(raw)
			if trimmed == "" || strings.EqualFold(trimmed, "null") || strings.EqualFold(trimmed, "nan") {
				continue
			}
			d, err := decimal.NewFromString(trimmed)
			if err != nil {
				table.RecordParseError(field)
				continue
			}
			bar.SetValue(field, decimal.NullDecimal{Decimal: d, Valid: true})
		}
		table.Bars = append(table.Bars, bar)
	}
	return table
}

func parseTimestamp(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}
