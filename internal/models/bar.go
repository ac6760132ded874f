// Package models provides the shared data structures for equity OHLCV market
// data: bars, bar tables, data sources, and validation issue/result types.
// Prices and volumes use decimal arithmetic for financial precision; a missing
// cell is represented by a NullDecimal with Valid=false so the cleaner can
// distinguish "absent" from "zero".
package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies the provider a bar came from.
type Source string

const (
	SourceBrokerage     Source = "brokerage"
	SourcePublicFinance Source = "public_finance"
	SourceUnknown       Source = "unknown"
)

// Field names a single OHLCV column of a bar table.
type Field string

const (
	FieldOpen   Field = "open"
	FieldHigh   Field = "high"
	FieldLow    Field = "low"
	FieldClose  Field = "close"
	FieldVolume Field = "volume"
)

// PriceFields lists the four price columns in canonical order.
var PriceFields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose}

// AllFields lists every required OHLCV column.
var AllFields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}

// Bar represents a single OHLCV record for a symbol at a point in time.
// Any of the value fields may be missing (Valid=false); the validator reports
// missing data and the cleaner repairs it, so Bar itself never rejects it.
type Bar struct {
	Symbol    string              `json:"symbol"`
	Timestamp time.Time           `json:"timestamp"`
	Open      decimal.NullDecimal `json:"open"`
	High      decimal.NullDecimal `json:"high"`
	Low       decimal.NullDecimal `json:"low"`
	Close     decimal.NullDecimal `json:"close"`
	Volume    decimal.NullDecimal `json:"volume"`
	Source    Source              `json:"source"`
}

// Dec builds a present decimal value from its string form.
// It panics on malformed input and is intended for literals in constructors
// and tests; parsing of untrusted provider payloads happens at the adapter
// boundary, which records failures instead of panicking.
func Dec(s string) decimal.NullDecimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("models: invalid decimal literal %q: %v", s, err))
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// Missing returns the missing-value sentinel.
func Missing() decimal.NullDecimal {
	return decimal.NullDecimal{}
}

// NewBar constructs a bar from decimal strings; an empty string marks the
// field as missing. Malformed strings also map to missing.
func NewBar(symbol string, ts time.Time, open, high, low, clos, volume string, source Source) Bar {
	parse := func(s string) decimal.NullDecimal {
		if s == "" {
			return Missing()
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return Missing()
		}
		return decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      parse(open),
		High:      parse(high),
		Low:       parse(low),
		Close:     parse(clos),
		Volume:    parse(volume),
		Source:    source,
	}
}

// Value returns the named field of the bar.
func (b *Bar) Value(f Field) decimal.NullDecimal {
	switch f {
	case FieldOpen:
		return b.Open
	case FieldHigh:
		return b.High
	case FieldLow:
		return b.Low
	case FieldClose:
		return b.Close
	case FieldVolume:
		return b.Volume
	}
	return Missing()
}

// SetValue assigns the named field of the bar.
func (b *Bar) SetValue(f Field, v decimal.NullDecimal) {
	switch f {
	case FieldOpen:
		b.Open = v
	case FieldHigh:
		b.High = v
	case FieldLow:
		b.Low = v
	case FieldClose:
		b.Close = v
	case FieldVolume:
		b.Volume = v
	}
}

// SatisfiesOHLC reports whether the bar honors the OHLC invariant:
// high >= max(open, close) and low <= min(open, close). Bars with missing
// price fields vacuously satisfy the invariant; the missing-data check is the
// validator's concern.
func (b *Bar) SatisfiesOHLC() bool {
	if !b.Open.Valid || !b.High.Valid || !b.Low.Valid || !b.Close.Valid {
		return true
	}
	maxOC := decimal.Max(b.Open.Decimal, b.Close.Decimal)
	minOC := decimal.Min(b.Open.Decimal, b.Close.Decimal)
	return !b.High.Decimal.LessThan(maxOC) && !b.Low.Decimal.GreaterThan(minOC)
}

// String implements fmt.Stringer for log output.
func (b *Bar) String() string {
	fmtVal := func(v decimal.NullDecimal) string {
		if !v.Valid {
			return "?"
		}
		return v.Decimal.String()
	}
	return fmt.Sprintf("Bar{%s %s O:%s H:%s L:%s C:%s V:%s %s}",
		b.Symbol, b.Timestamp.Format(time.RFC3339),
		fmtVal(b.Open), fmtVal(b.High), fmtVal(b.Low), fmtVal(b.Close), fmtVal(b.Volume), b.Source)
}

// BarTable is an ordered sequence of bars for one symbol, keyed by timestamp
// and ordered ascending. ParseErrors counts provider values that could not be
// parsed as numbers during schema mapping; the structural validator surfaces
// them as data-type warnings.
type BarTable struct {
	Symbol      string        `json:"symbol"`
	Source      Source        `json:"source"`
	Bars        []Bar         `json:"bars"`
	ParseErrors map[Field]int `json:"parse_errors,omitempty"`
}

// NewBarTable constructs a table over the given bars.
func NewBarTable(symbol string, source Source, bars []Bar) *BarTable {
	return &BarTable{Symbol: symbol, Source: source, Bars: bars}
}

// Len returns the number of bars; nil-safe.
func (t *BarTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Bars)
}

// Empty reports whether the table is nil or has no bars.
func (t *BarTable) Empty() bool {
	return t.Len() == 0
}

// Clone returns a deep copy of the table. Cleaning operations work on clones
// so the caller's table is never mutated.
func (t *BarTable) Clone() *BarTable {
	if t == nil {
		return nil
	}
	bars := make([]Bar, len(t.Bars))
	copy(bars, t.Bars)
	clone := &BarTable{Symbol: t.Symbol, Source: t.Source, Bars: bars}
	if t.ParseErrors != nil {
		clone.ParseErrors = make(map[Field]int, len(t.ParseErrors))
		for k, v := range t.ParseErrors {
			clone.ParseErrors[k] = v
		}
	}
	return clone
}

// Sorted returns a copy of the table with bars in ascending timestamp order.
func (t *BarTable) Sorted() *BarTable {
	clone := t.Clone()
	if clone == nil {
		return nil
	}
	sort.SliceStable(clone.Bars, func(i, j int) bool {
		return clone.Bars[i].Timestamp.Before(clone.Bars[j].Timestamp)
	})
	return clone
}

// HasField reports whether the column carries at least one present value.
// A column with no present value at all is treated as absent from the table.
func (t *BarTable) HasField(f Field) bool {
	if t == nil {
		return false
	}
	for i := range t.Bars {
		if t.Bars[i].Value(f).Valid {
			return true
		}
	}
	return false
}

// MissingCount returns the number of rows where the column is missing.
func (t *BarTable) MissingCount(f Field) int {
	if t == nil {
		return 0
	}
	n := 0
	for i := range t.Bars {
		if !t.Bars[i].Value(f).Valid {
			n++
		}
	}
	return n
}

// HasTimeAxis reports whether any bar carries a non-zero timestamp.
func (t *BarTable) HasTimeAxis() bool {
	if t == nil {
		return false
	}
	for i := range t.Bars {
		if !t.Bars[i].Timestamp.IsZero() {
			return true
		}
	}
	return false
}

// IndexByTimestamp returns a timestamp -> position index for alignment of two
// tables on their common dates. Later duplicates win; callers are expected to
// deduplicate before relying on order-sensitive checks.
func (t *BarTable) IndexByTimestamp() map[time.Time]int {
	idx := make(map[time.Time]int, t.Len())
	if t == nil {
		return idx
	}
	for i := range t.Bars {
		idx[t.Bars[i].Timestamp] = i
	}
	return idx
}

// RecordParseError increments the parse-failure counter for a column.
func (t *BarTable) RecordParseError(f Field) {
	if t.ParseErrors == nil {
		t.ParseErrors = make(map[Field]int)
	}
	t.ParseErrors[f]++
}
