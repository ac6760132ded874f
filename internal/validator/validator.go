// Package validator implements validation of equity OHLCV bar tables:
// structural checks, price sanity and relationship checks, missing-data and
// gap detection, market-hours checks, and cross-source reconciliation checks.
// Validation never mutates its input and never fails on data-quality grounds;
// findings are reported as issues with severities and the caller decides what
// to do with them.
package validator

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

// Config carries every threshold the validator applies. Limits are explicit
// configuration rather than package globals so two validators with different
// tolerances can coexist in one process.
type Config struct {
	// MinPrice flags prices below this as suspiciously low (but valid).
	MinPrice decimal.Decimal
	// MaxPrice flags prices above this as suspiciously high.
	MaxPrice decimal.Decimal
	// MaxDailyChange flags absolute day-over-day close returns above this.
	MaxDailyChange decimal.Decimal
	// VolumeSpikeMultiple flags volumes above this multiple of the median.
	VolumeSpikeMultiple float64
	// VolumeSpikeMinRows is the minimum table size for the spike check.
	VolumeSpikeMinRows int
	// MissingErrorFraction escalates missing-data findings from WARNING to
	// ERROR once the missing share of a price column exceeds it.
	MissingErrorFraction float64
	// MaxGapDays flags calendar gaps between consecutive bars above this.
	MaxGapDays int
	// SessionOpen and SessionClose bound the trading session for intraday
	// market-hours checks, as minutes from midnight exchange-local time.
	SessionOpen  int
	SessionClose int
	// CrossTolerance is the default relative close-price tolerance for
	// cross-source validation.
	CrossTolerance float64
	// VolumeTolerance is the relative volume tolerance for cross-source
	// validation.
	VolumeTolerance float64
	// StrictMode escalates CRITICAL findings into an error return from
	// ComprehensiveValidate and tightens the validity rule to reject ERROR
	// findings as well.
	StrictMode bool
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MinPrice:             decimal.RequireFromString("0.01"),
		MaxPrice:             decimal.NewFromInt(100000),
		MaxDailyChange:       decimal.RequireFromString("0.20"),
		VolumeSpikeMultiple:  100,
		VolumeSpikeMinRows:   10,
		MissingErrorFraction: 0.10,
		MaxGapDays:           5,
		SessionOpen:          9*60 + 15,
		SessionClose:         15*60 + 30,
		CrossTolerance:       0.05,
		VolumeTolerance:      0.20,
	}
}

// StrictModeError is returned by ComprehensiveValidate in strict mode when
// CRITICAL issues are present. It is the only content-driven error path; all
// other findings travel inside the ValidationResult.
type StrictModeError struct {
	Symbol   string
	Messages []string
}

func (e *StrictModeError) Error() string {
	return fmt.Sprintf("critical validation failure for %s: %s",
		e.Symbol, strings.Join(e.Messages, "; "))
}

// MarketValidator validates OHLCV bar tables against a Config. Methods are
// pure over their inputs and safe for concurrent use.
type MarketValidator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a validator. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *MarketValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarketValidator{
		cfg:    cfg,
		logger: logger.With("component", "validator"),
	}
}

// Config returns the validator's thresholds.
func (v *MarketValidator) Config() Config {
	return v.cfg
}

func resultFrom(issues []models.ValidationIssue) *models.ValidationResult {
	valid := true
	for i := range issues {
		if issues[i].Severity.AtLeast(models.SeverityError) {
			valid = false
			break
		}
	}
	return &models.ValidationResult{IsValid: valid, Issues: issues}
}

// ValidateStructure checks that the table is non-empty, carries every OHLCV
// column and a time axis, and reports columns whose provider values failed to
// parse. An empty table short-circuits to a single CRITICAL finding.
func (v *MarketValidator) ValidateStructure(t *models.BarTable) *models.ValidationResult {
	var issues []models.ValidationIssue

	if t.Empty() {
		symbol := ""
		source := models.SourceUnknown
		if t != nil {
			symbol = t.Symbol
			source = t.Source
		}
		issues = append(issues,
			models.NewIssue(symbol, models.IssueEmptyTable, models.SeverityCritical, source,
				"table contains no bars").
				WithAction("check data source and fetch parameters"))
		return resultFrom(issues)
	}

	var absent []string
	for _, f := range models.AllFields {
		if !t.HasField(f) {
			absent = append(absent, string(f))
		}
	}
	if len(absent) > 0 {
		issues = append(issues,
			models.NewIssue(t.Symbol, models.IssueMissingColumns, models.SeverityCritical, t.Source,
				fmt.Sprintf("required columns absent: %s", strings.Join(absent, ", "))).
				WithAction("verify provider schema mapping"))
	}

	if !t.HasTimeAxis() {
		issues = append(issues,
			models.NewIssue(t.Symbol, models.IssueMissingDate, models.SeverityError, t.Source,
				"no bar carries a timestamp").
				WithAction("verify date parsing at the adapter boundary"))
	}

	for _, f := range models.AllFields {
		if n := t.ParseErrors[f]; n > 0 {
			issues = append(issues,
				models.NewIssue(t.Symbol, models.IssueInvalidDataType, models.SeverityWarning, t.Source,
					fmt.Sprintf("column %s has %d values that failed numeric parsing", f, n)).
					WithRows(n).
					WithAction("inspect raw provider payload"))
		}
	}

	return resultFrom(issues)
}

// ValidatePrices checks price signs and ranges, the OHLC relationship
// invariants, volume sanity, and extreme day-over-day moves.
func (v *MarketValidator) ValidatePrices(t *models.BarTable) *models.ValidationResult {
	var issues []models.ValidationIssue
	if t.Empty() {
		return resultFrom(issues)
	}

	zero := decimal.Zero
	for _, f := range models.PriceFields {
		negatives, tooLow, tooHigh := 0, 0, 0
		for i := range t.Bars {
			val := t.Bars[i].Value(f)
			if !val.Valid {
				continue
			}
			d := val.Decimal
			switch {
			case d.LessThan(zero):
				negatives++
			case d.LessThan(v.cfg.MinPrice):
				tooLow++
			case d.GreaterThan(v.cfg.MaxPrice):
				tooHigh++
			}
		}
		if negatives > 0 {
			issues = append(issues,
				models.NewIssue(t.Symbol, models.IssueNegativePrices, models.SeverityError, t.Source,
					fmt.Sprintf("column %s has %d negative prices", f, negatives)).
					WithRows(negatives).
					WithAction("run negative-price handling before loading"))
		}
		if tooLow > 0 {
			issues = append(issues,
				models.NewIssue(t.Symbol, models.IssueExtremelyLowPrice, models.SeverityWarning, t.Source,
					fmt.Sprintf("column %s has %d prices below %s", f, tooLow, v.cfg.MinPrice)).
					WithRows(tooLow))
		}
		if tooHigh > 0 {
			issues = append(issues,
				models.NewIssue(t.Symbol, models.IssueExtremelyHighPrice, models.SeverityWarning, t.Source,
					fmt.Sprintf("column %s has %d prices above %s", f, tooHigh, v.cfg.MaxPrice)).
					WithRows(tooHigh))
		}
	}

	issues = append(issues, v.checkOHLCRelations(t)...)
	issues = append(issues, v.checkVolume(t)...)
	issues = append(issues, v.checkDailyChange(t)...)

	return resultFrom(issues)
}

func (v *MarketValidator) checkOHLCRelations(t *models.BarTable) []models.ValidationIssue {
	type relation struct {
		issueType models.IssueType
		violated  func(b *models.Bar) bool
	}
	valid := func(a, b decimal.NullDecimal) bool { return a.Valid && b.Valid }
	relations := []relation{
		{models.IssueHighLessThanOpen, func(b *models.Bar) bool {
			return valid(b.High, b.Open) && b.High.Decimal.LessThan(b.Open.Decimal)
		}},
		{models.IssueHighLessThanClose, func(b *models.Bar) bool {
			return valid(b.High, b.Close) && b.High.Decimal.LessThan(b.Close.Decimal)
		}},
		{models.IssueLowGreaterThanOpen, func(b *models.Bar) bool {
			return valid(b.Low, b.Open) && b.Low.Decimal.GreaterThan(b.Open.Decimal)
		}},
		{models.IssueLowGreaterThanClose, func(b *models.Bar) bool {
			return valid(b.Low, b.Close) && b.Low.Decimal.GreaterThan(b.Close.Decimal)
		}},
	}

	var issues []models.ValidationIssue
	for _, rel := range relations {
		count := 0
		for i := range t.Bars {
			if rel.violated(&t.Bars[i]) {
				count++
			}
		}
		if count > 0 {
			issues = append(issues,
				models.NewIssue(t.Symbol, rel.issueType, models.SeverityError, t.Source,
					fmt.Sprintf("%d bars violate %s", count, rel.issueType)).
					WithRows(count).
					WithAction("enforce OHLC consistency during cleaning"))
		}
	}
	return issues
}

func (v *MarketValidator) checkVolume(t *models.BarTable) []models.ValidationIssue {
	var issues []models.ValidationIssue

	negatives := 0
	var volumes []float64
	for i := range t.Bars {
		vol := t.Bars[i].Volume
		if !vol.Valid {
			continue
		}
		if vol.Decimal.IsNegative() {
			negatives++
			continue
		}
		fv, _ := vol.Decimal.Float64()
		volumes = append(volumes, fv)
	}
	if negatives > 0 {
		issues = append(issues,
			models.NewIssue(t.Symbol, models.IssueNegativeVolume, models.SeverityError, t.Source,
				fmt.Sprintf("%d bars have negative volume", negatives)).
				WithRows(negatives).
				WithAction("run negative-price handling before loading"))
	}

	if t.Len() > v.cfg.VolumeSpikeMinRows && len(volumes) > 0 {
		median, err := stats.Median(volumes)
		if err == nil && median > 0 {
			threshold := median * v.cfg.VolumeSpikeMultiple
			spikes := 0
			for _, fv := range volumes {
				if fv > threshold {
					spikes++
				}
			}
			if spikes > 0 {
				issues = append(issues,
					models.NewIssue(t.Symbol, models.IssueVolumeSpike, models.SeverityWarning, t.Source,
						fmt.Sprintf("%d bars exceed %.0fx the median volume %.0f", spikes, v.cfg.VolumeSpikeMultiple, median)).
						WithRows(spikes).
						WithAction("confirm corporate action or data error"))
			}
		}
	}
	return issues
}

func (v *MarketValidator) checkDailyChange(t *models.BarTable) []models.ValidationIssue {
	sorted := t.Sorted()
	extreme := 0
	var prev decimal.NullDecimal
	for i := range sorted.Bars {
		cur := sorted.Bars[i].Close
		if cur.Valid && prev.Valid && !prev.Decimal.IsZero() {
			change := cur.Decimal.Sub(prev.Decimal).Div(prev.Decimal).Abs()
			if change.GreaterThan(v.cfg.MaxDailyChange) {
				extreme++
			}
		}
		if cur.Valid {
			prev = cur
		}
	}
	if extreme == 0 {
		return nil
	}
	return []models.ValidationIssue{
		models.NewIssue(t.Symbol, models.IssueExtremeDailyChange, models.SeverityWarning, t.Source,
			fmt.Sprintf("%d bars moved more than %s%% day over day", extreme,
				v.cfg.MaxDailyChange.Mul(decimal.NewFromInt(100)))).
			WithRows(extreme).
			WithAction("confirm corporate action or data error"),
	}
}

// ValidateMissing reports missing values per price column, escalating to
// ERROR above the configured fraction, and flags calendar gaps between
// consecutive bars.
func (v *MarketValidator) ValidateMissing(t *models.BarTable) *models.ValidationResult {
	var issues []models.ValidationIssue
	if t.Empty() {
		return resultFrom(issues)
	}

	total := t.Len()
	for _, f := range models.PriceFields {
		missing := t.MissingCount(f)
		if missing == 0 {
			continue
		}
		fraction := float64(missing) / float64(total)
		severity := models.SeverityWarning
		if fraction > v.cfg.MissingErrorFraction {
			severity = models.SeverityError
		}
		issues = append(issues,
			models.NewIssue(t.Symbol, models.IssueMissingPriceData, severity, t.Source,
				fmt.Sprintf("column %s missing %d of %d values (%.1f%%)", f, missing, total, fraction*100)).
				WithRows(missing).
				WithAction("impute missing values or refetch"))
	}

	sorted := t.Sorted()
	gaps := 0
	maxGap := 0
	for i := 1; i < sorted.Len(); i++ {
		a, b := sorted.Bars[i-1].Timestamp, sorted.Bars[i].Timestamp
		if a.IsZero() || b.IsZero() {
			continue
		}
		days := int(b.Sub(a).Hours() / 24)
		if days > v.cfg.MaxGapDays {
			gaps++
			if days > maxGap {
				maxGap = days
			}
		}
	}
	if gaps > 0 {
		issues = append(issues,
			models.NewIssue(t.Symbol, models.IssueDateGap, models.SeverityWarning, t.Source,
				fmt.Sprintf("%d gaps longer than %d days (longest %d days)", gaps, v.cfg.MaxGapDays, maxGap)).
				WithRows(gaps).
				WithAction("backfill the gap range"))
	}

	return resultFrom(issues)
}

// ValidateMarketHours flags intraday bars outside the trading session and
// bars falling on weekends. Findings are informational; the result is always
// valid. Intraday data is detected heuristically: more than two bars per
// distinct calendar day.
func (v *MarketValidator) ValidateMarketHours(t *models.BarTable) *models.ValidationResult {
	var issues []models.ValidationIssue
	if t.Empty() {
		return &models.ValidationResult{IsValid: true, Issues: issues}
	}

	days := make(map[string]struct{}, t.Len())
	for i := range t.Bars {
		days[t.Bars[i].Timestamp.Format("2006-01-02")] = struct{}{}
	}
	intraday := t.Len() > len(days)*2

	if intraday {
		outside := 0
		for i := range t.Bars {
			ts := t.Bars[i].Timestamp
			minutes := ts.Hour()*60 + ts.Minute()
			if minutes < v.cfg.SessionOpen || minutes > v.cfg.SessionClose {
				outside++
			}
		}
		if outside > 0 {
			issues = append(issues,
				models.NewIssue(t.Symbol, models.IssueOutsideMarketHours, models.SeverityWarning, t.Source,
					fmt.Sprintf("%d bars outside the %02d:%02d-%02d:%02d session", outside,
						v.cfg.SessionOpen/60, v.cfg.SessionOpen%60,
						v.cfg.SessionClose/60, v.cfg.SessionClose%60)).
					WithRows(outside).
					WithAction("check exchange timezone handling"))
		}
	}

	weekend := 0
	for i := range t.Bars {
		switch t.Bars[i].Timestamp.Weekday() {
		case time.Saturday, time.Sunday:
			weekend++
		}
	}
	if weekend > 0 {
		issues = append(issues,
			models.NewIssue(t.Symbol, models.IssueWeekendData, models.SeverityInfo, t.Source,
				fmt.Sprintf("%d bars fall on a weekend", weekend)).
				WithRows(weekend))
	}

	return &models.ValidationResult{IsValid: true, Issues: issues}
}

// CrossValidate compares two tables for the same symbol on their common
// timestamps. Close prices diverging beyond tolerance produce one aggregated
// WARNING; volume divergence beyond the configured volume tolerance produces
// an INFO. A tolerance <= 0 uses the configured default.
func (v *MarketValidator) CrossValidate(a, b *models.BarTable, symbol string, tolerance float64) *models.ValidationResult {
	if tolerance <= 0 {
		tolerance = v.cfg.CrossTolerance
	}
	var issues []models.ValidationIssue

	if a.Empty() || b.Empty() {
		issues = append(issues,
			models.NewIssue(symbol, models.IssueInsufficientCross, models.SeverityWarning, models.SourceUnknown,
				"at least one source returned no data; cross-validation skipped"))
		return &models.ValidationResult{IsValid: false, Issues: issues}
	}

	idxB := b.IndexByTimestamp()
	var priceDiffs []float64
	priceOutliers := 0
	volumeOutliers := 0
	common := 0
	for i := range a.Bars {
		j, ok := idxB[a.Bars[i].Timestamp]
		if !ok {
			continue
		}
		common++

		ca, cb := a.Bars[i].Close, b.Bars[j].Close
		if ca.Valid && cb.Valid && !cb.Decimal.IsZero() {
			diff := ca.Decimal.Sub(cb.Decimal).Div(cb.Decimal).Abs()
			fd, _ := diff.Float64()
			priceDiffs = append(priceDiffs, fd)
			if fd > tolerance {
				priceOutliers++
			}
		}

		va, vb := a.Bars[i].Volume, b.Bars[j].Volume
		if va.Valid && vb.Valid {
			fa, _ := va.Decimal.Float64()
			fb, _ := vb.Decimal.Float64()
			denom := fa + 1
			if abs(fa-fb)/denom > v.cfg.VolumeTolerance {
				volumeOutliers++
			}
		}
	}

	if common == 0 {
		issues = append(issues,
			models.NewIssue(symbol, models.IssueNoCommonDates, models.SeverityError, models.SourceUnknown,
				fmt.Sprintf("no common timestamps between %s and %s", a.Source, b.Source)).
				WithAction("check date alignment between providers"))
		return &models.ValidationResult{IsValid: false, Issues: issues}
	}

	if priceOutliers > 0 {
		mean, _ := stats.Mean(priceDiffs)
		max, _ := stats.Max(priceDiffs)
		issues = append(issues,
			models.NewIssue(symbol, models.IssuePriceDiscrepancy, models.SeverityWarning, models.SourceUnknown,
				fmt.Sprintf("%d of %d common bars diverge on close beyond %.1f%% (mean %.2f%%, max %.2f%%)",
					priceOutliers, common, tolerance*100, mean*100, max*100)).
				WithRows(priceOutliers).
				WithAction("prefer the higher-quality source"))
	}
	if volumeOutliers > 0 {
		issues = append(issues,
			models.NewIssue(symbol, models.IssueVolumeDiscrepancy, models.SeverityInfo, models.SourceUnknown,
				fmt.Sprintf("%d of %d common bars diverge on volume beyond %.0f%%",
					volumeOutliers, common, v.cfg.VolumeTolerance*100)).
				WithRows(volumeOutliers))
	}

	return resultFrom(issues)
}

// ComprehensiveValidate runs every check in a fixed order and merges the
// findings. A failed structure check short-circuits the remaining checks.
// In strict mode, CRITICAL findings additionally return a *StrictModeError;
// the result still carries every issue found.
func (v *MarketValidator) ComprehensiveValidate(t *models.BarTable, reference *models.BarTable) (*models.ValidationResult, error) {
	var issues []models.ValidationIssue

	structure := v.ValidateStructure(t)
	issues = append(issues, structure.Issues...)

	if structure.IsValid {
		issues = append(issues, v.ValidatePrices(t).Issues...)
		issues = append(issues, v.ValidateMissing(t).Issues...)
		issues = append(issues, v.ValidateMarketHours(t).Issues...)
		if reference != nil {
			issues = append(issues, v.CrossValidate(t, reference, t.Symbol, v.cfg.CrossTolerance).Issues...)
		}
	}

	result := models.NewValidationResult(issues, v.cfg.StrictMode)
	result.Summarize(tableSymbol(t), tableSource(t), t.Len())

	v.logger.Debug("validation complete",
		"symbol", tableSymbol(t),
		"rows", t.Len(),
		"issues", len(issues),
		"valid", result.IsValid)

	if v.cfg.StrictMode && result.HasSeverity(models.SeverityCritical) {
		var msgs []string
		for i := range issues {
			if issues[i].Severity == models.SeverityCritical {
				msgs = append(msgs, issues[i].Message)
			}
		}
		return result, &StrictModeError{Symbol: tableSymbol(t), Messages: msgs}
	}
	return result, nil
}

func tableSymbol(t *models.BarTable) string {
	if t == nil {
		return ""
	}
	return t.Symbol
}

func tableSource(t *models.BarTable) models.Source {
	if t == nil {
		return models.SourceUnknown
	}
	return t.Source
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
