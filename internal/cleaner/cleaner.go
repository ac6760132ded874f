// Package cleaner repairs equity OHLCV bar tables: OHLC relationship
// enforcement, negative-price handling, missing-value imputation, and outlier
// capping. Every operation works on a deep copy and returns a new table; the
// input is never mutated. Data-quality conditions are never errors here, only
// an unknown method name is.
package cleaner

import (
	"fmt"
	"log/slog"

	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

// NegativeMethod selects how HandleNegativePrices repairs negative values.
type NegativeMethod string

const (
	// NegativeAbsolute replaces a negative value with its absolute value.
	NegativeAbsolute NegativeMethod = "absolute"
	// NegativePrevious marks negatives missing, then forward- and
	// backward-fills them.
	NegativePrevious NegativeMethod = "previous"
	// NegativeMinimum clamps negative prices to the configured floor and
	// negative volumes to zero.
	NegativeMinimum NegativeMethod = "minimum"
	// NegativeMarkMissing marks negatives missing and leaves them for the
	// imputation step.
	NegativeMarkMissing NegativeMethod = "mark_missing"
)

// ImputeMethod selects the missing-value fill strategy for price columns.
type ImputeMethod string

const (
	ImputeNone        ImputeMethod = "none"
	ImputeForward     ImputeMethod = "ffill"
	ImputeBackward    ImputeMethod = "bfill"
	ImputeLinear      ImputeMethod = "linear"
	ImputeSpline      ImputeMethod = "spline"
	ImputeCrossSource ImputeMethod = "cross_source"
)

// OutlierMethod selects the outlier detection rule for RemoveOutliers.
type OutlierMethod string

const (
	OutlierIQR      OutlierMethod = "iqr"
	OutlierZScore   OutlierMethod = "zscore"
	OutlierQuantile OutlierMethod = "quantile"
)

// Config carries the cleaner's tunables.
type Config struct {
	// MinimumPrice is the floor applied by the minimum negative-price method.
	MinimumPrice decimal.Decimal
	// IQRMultiplier widens the interquartile fence for the iqr method.
	IQRMultiplier float64
	// ZScoreThreshold is the standard-deviation fence for the zscore method.
	ZScoreThreshold float64
	// LowerQuantile and UpperQuantile bound the quantile method.
	LowerQuantile float64
	UpperQuantile float64
	// VolumeMedianWindow is the trailing window for volume imputation.
	VolumeMedianWindow int
	// SplineMinPoints is the minimum valid-point count for spline imputation;
	// below it the cleaner falls back to linear.
	SplineMinPoints int
}

// DefaultConfig returns the production cleaning parameters.
func DefaultConfig() Config {
	return Config{
		MinimumPrice:       decimal.RequireFromString("0.01"),
		IQRMultiplier:      1.5,
		ZScoreThreshold:    3.0,
		LowerQuantile:      0.01,
		UpperQuantile:      0.99,
		VolumeMedianWindow: 10,
		SplineMinPoints:    4,
	}
}

// Cleaner repairs bar tables. Safe for concurrent use; all state is
// configuration.
type Cleaner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a cleaner. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{cfg: cfg, logger: logger.With("component", "cleaner")}
}

// EnforceOHLCConsistency sets high to the maximum of the present values among
// {high, open, close} and low to the minimum among {low, open, close} on
// every bar. Missing extremes are filled from the present values; bars with
// no present price at all are left alone. The operation is idempotent and
// never lowers high or raises low.
func (c *Cleaner) EnforceOHLCConsistency(t *models.BarTable) *models.BarTable {
	if t == nil {
		return nil
	}
	out := t.Clone()
	adjusted := 0
	for i := range out.Bars {
		b := &out.Bars[i]

		if high, ok := extremeOf(decimal.Max, b.High, b.Open, b.Close); ok {
			if !b.High.Valid || !b.High.Decimal.Equal(high) {
				adjusted++
			}
			b.High = decimal.NullDecimal{Decimal: high, Valid: true}
		}
		if low, ok := extremeOf(decimal.Min, b.Low, b.Open, b.Close); ok {
			if !b.Low.Valid || !b.Low.Decimal.Equal(low) {
				adjusted++
			}
			b.Low = decimal.NullDecimal{Decimal: low, Valid: true}
		}
	}
	if adjusted > 0 {
		c.logger.Debug("enforced ohlc consistency", "symbol", out.Symbol, "adjustments", adjusted)
	}
	return out
}

// extremeOf folds pick over the present values, skipping missing ones.
func extremeOf(pick func(decimal.Decimal, ...decimal.Decimal) decimal.Decimal, vals ...decimal.NullDecimal) (decimal.Decimal, bool) {
	var present []decimal.Decimal
	for _, v := range vals {
		if v.Valid {
			present = append(present, v.Decimal)
		}
	}
	if len(present) == 0 {
		return decimal.Decimal{}, false
	}
	return pick(present[0], present[1:]...), true
}

// HandleNegativePrices repairs negative values in every OHLCV column using
// the given method. Volume is treated like the price columns except that the
// minimum method clamps it to zero rather than the price floor.
func (c *Cleaner) HandleNegativePrices(t *models.BarTable, method NegativeMethod) (*models.BarTable, error) {
	if t == nil {
		return nil, nil
	}
	out := t.Clone()

	switch method {
	case NegativeAbsolute:
		forEachNegative(out, func(b *models.Bar, f models.Field, d decimal.Decimal) {
			b.SetValue(f, decimal.NullDecimal{Decimal: d.Abs(), Valid: true})
		})
	case NegativeMinimum:
		forEachNegative(out, func(b *models.Bar, f models.Field, d decimal.Decimal) {
			floor := c.cfg.MinimumPrice
			if f == models.FieldVolume {
				floor = decimal.Zero
			}
			b.SetValue(f, decimal.NullDecimal{Decimal: floor, Valid: true})
		})
	case NegativeMarkMissing:
		forEachNegative(out, func(b *models.Bar, f models.Field, _ decimal.Decimal) {
			b.SetValue(f, models.Missing())
		})
	case NegativePrevious:
		forEachNegative(out, func(b *models.Bar, f models.Field, _ decimal.Decimal) {
			b.SetValue(f, models.Missing())
		})
		for _, f := range models.AllFields {
			forwardFill(out, f)
			backwardFill(out, f)
		}
	default:
		return nil, fmt.Errorf("cleaner: unknown negative-price method %q", method)
	}
	return out, nil
}

func forEachNegative(t *models.BarTable, fn func(b *models.Bar, f models.Field, d decimal.Decimal)) {
	for i := range t.Bars {
		for _, f := range models.AllFields {
			val := t.Bars[i].Value(f)
			if val.Valid && val.Decimal.IsNegative() {
				fn(&t.Bars[i], f, val.Decimal)
			}
		}
	}
}

// ImputeMissing fills missing price values with the given method and missing
// volumes with a trailing-window median. If any price value was filled, OHLC
// consistency is re-enforced so imputation cannot introduce relationship
// violations. The reference table is consulted only by the cross-source
// method; it may be nil for every other method.
func (c *Cleaner) ImputeMissing(t *models.BarTable, method ImputeMethod, reference *models.BarTable) (*models.BarTable, error) {
	if t == nil {
		return nil, nil
	}
	out := t.Sorted()
	if method == ImputeNone {
		return out, nil
	}

	before := totalMissingPrices(out)
	switch method {
	case ImputeForward:
		for _, f := range models.PriceFields {
			forwardFill(out, f)
		}
	case ImputeBackward:
		for _, f := range models.PriceFields {
			backwardFill(out, f)
		}
	case ImputeLinear:
		for _, f := range models.PriceFields {
			linearFill(out, f)
		}
	case ImputeSpline:
		for _, f := range models.PriceFields {
			c.splineFill(out, f)
		}
	case ImputeCrossSource:
		crossSourceFill(out, reference)
		for _, f := range models.PriceFields {
			linearFill(out, f)
		}
	default:
		return nil, fmt.Errorf("cleaner: unknown imputation method %q", method)
	}

	c.imputeVolume(out)

	filled := before - totalMissingPrices(out)
	if filled > 0 {
		out = c.EnforceOHLCConsistency(out)
		c.logger.Debug("imputed missing values",
			"symbol", out.Symbol, "method", string(method), "filled", filled)
	}
	return out, nil
}

func totalMissingPrices(t *models.BarTable) int {
	n := 0
	for _, f := range models.PriceFields {
		n += t.MissingCount(f)
	}
	return n
}

func forwardFill(t *models.BarTable, f models.Field) {
	var last decimal.NullDecimal
	for i := range t.Bars {
		val := t.Bars[i].Value(f)
		if val.Valid {
			last = val
		} else if last.Valid {
			t.Bars[i].SetValue(f, last)
		}
	}
}

func backwardFill(t *models.BarTable, f models.Field) {
	var next decimal.NullDecimal
	for i := len(t.Bars) - 1; i >= 0; i-- {
		val := t.Bars[i].Value(f)
		if val.Valid {
			next = val
		} else if next.Valid {
			t.Bars[i].SetValue(f, next)
		}
	}
}

// linearFill interpolates interior gaps between the nearest valid neighbors
// and extends the first/last known value across the leading/trailing edge.
func linearFill(t *models.BarTable, f models.Field) {
	n := len(t.Bars)
	valid := make([]int, 0, n)
	for i := range t.Bars {
		if t.Bars[i].Value(f).Valid {
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return
	}

	for i := 0; i < n; i++ {
		if t.Bars[i].Value(f).Valid {
			continue
		}
		prev, next := -1, -1
		for _, j := range valid {
			if j < i {
				prev = j
			} else {
				next = j
				break
			}
		}
		switch {
		case prev >= 0 && next >= 0:
			a := t.Bars[prev].Value(f).Decimal
			b := t.Bars[next].Value(f).Decimal
			frac := decimal.NewFromInt(int64(i - prev)).
				Div(decimal.NewFromInt(int64(next - prev)))
			filled := a.Add(b.Sub(a).Mul(frac))
			t.Bars[i].SetValue(f, decimal.NullDecimal{Decimal: filled, Valid: true})
		case next >= 0:
			t.Bars[i].SetValue(f, t.Bars[next].Value(f))
		case prev >= 0:
			t.Bars[i].SetValue(f, t.Bars[prev].Value(f))
		}
	}
}

// splineFill smooths interior gaps with a Catmull-Rom segment through the
// four surrounding valid points. Columns with fewer valid points than the
// configured minimum fall back to linear interpolation, as do gaps without
// enough neighbors on both sides.
func (c *Cleaner) splineFill(t *models.BarTable, f models.Field) {
	var xs []float64
	var ys []float64
	for i := range t.Bars {
		if val := t.Bars[i].Value(f); val.Valid {
			fv, _ := val.Decimal.Float64()
			xs = append(xs, float64(i))
			ys = append(ys, fv)
		}
	}
	if len(xs) < c.cfg.SplineMinPoints {
		linearFill(t, f)
		return
	}

	for i := range t.Bars {
		if t.Bars[i].Value(f).Valid {
			continue
		}
		x := float64(i)
		// seg is the index of the valid point just before position i.
		seg := -1
		for k := range xs {
			if xs[k] < x {
				seg = k
			}
		}
		if seg < 1 || seg+2 >= len(xs) {
			continue
		}
		u := (x - xs[seg]) / (xs[seg+1] - xs[seg])
		y := catmullRom(ys[seg-1], ys[seg], ys[seg+1], ys[seg+2], u)
		t.Bars[i].SetValue(f, decimal.NullDecimal{Decimal: decimal.NewFromFloat(y), Valid: true})
	}

	// Edges and short gaps the spline could not reach.
	linearFill(t, f)
}

func catmullRom(p0, p1, p2, p3, u float64) float64 {
	u2 := u * u
	u3 := u2 * u
	return 0.5 * ((2 * p1) +
		(-p0+p2)*u +
		(2*p0-5*p1+4*p2-p3)*u2 +
		(-p0+3*p1-3*p2+p3)*u3)
}

func crossSourceFill(t *models.BarTable, reference *models.BarTable) {
	if reference.Empty() {
		return
	}
	idx := reference.IndexByTimestamp()
	for i := range t.Bars {
		j, ok := idx[t.Bars[i].Timestamp]
		if !ok {
			continue
		}
		for _, f := range models.PriceFields {
			if !t.Bars[i].Value(f).Valid {
				if ref := reference.Bars[j].Value(f); ref.Valid {
					t.Bars[i].SetValue(f, ref)
				}
			}
		}
	}
}

// imputeVolume fills missing volumes with the median of the valid volumes in
// a trailing window. A single valid value in the window is enough.
func (c *Cleaner) imputeVolume(t *models.BarTable) {
	window := c.cfg.VolumeMedianWindow
	if window <= 0 {
		window = DefaultConfig().VolumeMedianWindow
	}
	for i := range t.Bars {
		if t.Bars[i].Volume.Valid {
			continue
		}
		lo := i - window + 1
		if lo < 0 {
			lo = 0
		}
		var vals []float64
		for j := lo; j <= i; j++ {
			if t.Bars[j].Volume.Valid {
				fv, _ := t.Bars[j].Volume.Decimal.Float64()
				vals = append(vals, fv)
			}
		}
		if len(vals) == 0 {
			continue
		}
		median, err := stats.Median(vals)
		if err != nil {
			continue
		}
		t.Bars[i].Volume = decimal.NullDecimal{Decimal: decimal.NewFromFloat(median), Valid: true}
	}
}

// RemoveOutliers caps price values outside a statistical fence to the fence
// itself. Rows are never dropped; capping preserves the table shape so the
// time axis stays intact.
func (c *Cleaner) RemoveOutliers(t *models.BarTable, method OutlierMethod) (*models.BarTable, error) {
	switch method {
	case OutlierIQR, OutlierZScore, OutlierQuantile:
	default:
		return nil, fmt.Errorf("cleaner: unknown outlier method %q", method)
	}
	if t == nil {
		return nil, nil
	}
	out := t.Clone()
	capped := 0

	for _, f := range models.PriceFields {
		var vals []float64
		for i := range out.Bars {
			if v := out.Bars[i].Value(f); v.Valid {
				fv, _ := v.Decimal.Float64()
				vals = append(vals, fv)
			}
		}
		if len(vals) < 4 {
			continue
		}

		var lower, upper float64
		switch method {
		case OutlierIQR:
			q, err := stats.Quartile(vals)
			if err != nil {
				continue
			}
			iqr := q.Q3 - q.Q1
			lower = q.Q1 - c.cfg.IQRMultiplier*iqr
			upper = q.Q3 + c.cfg.IQRMultiplier*iqr
		case OutlierZScore:
			mean, err := stats.Mean(vals)
			if err != nil {
				continue
			}
			sd, err := stats.StandardDeviation(vals)
			if err != nil || sd == 0 {
				continue
			}
			lower = mean - c.cfg.ZScoreThreshold*sd
			upper = mean + c.cfg.ZScoreThreshold*sd
		case OutlierQuantile:
			var err error
			lower, err = stats.Percentile(vals, c.cfg.LowerQuantile*100)
			if err != nil {
				continue
			}
			upper, err = stats.Percentile(vals, c.cfg.UpperQuantile*100)
			if err != nil {
				continue
			}
		}

		lowerDec := decimal.NewFromFloat(lower)
		upperDec := decimal.NewFromFloat(upper)
		for i := range out.Bars {
			v := out.Bars[i].Value(f)
			if !v.Valid {
				continue
			}
			if v.Decimal.LessThan(lowerDec) {
				out.Bars[i].SetValue(f, decimal.NullDecimal{Decimal: lowerDec, Valid: true})
				capped++
			} else if v.Decimal.GreaterThan(upperDec) {
				out.Bars[i].SetValue(f, decimal.NullDecimal{Decimal: upperDec, Valid: true})
				capped++
			}
		}
	}

	if capped > 0 {
		c.logger.Debug("capped outliers", "symbol", out.Symbol, "method", string(method), "capped", capped)
	}
	return out, nil
}
