package validator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // a Monday

// dailyTable builds n consecutive weekday-agnostic daily bars around a flat
// price of 100.
func dailyTable(symbol string, n int) *models.BarTable {
	bars := make([]models.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, models.NewBar(symbol, day0.AddDate(0, 0, i),
			"100", "102", "99", "101", "10000", models.SourceBrokerage))
	}
	return models.NewBarTable(symbol, models.SourceBrokerage, bars)
}

func issueTypes(result *models.ValidationResult) []models.IssueType {
	out := make([]models.IssueType, 0, len(result.Issues))
	for _, i := range result.Issues {
		out = append(out, i.Type)
	}
	return out
}

func TestValidateStructureEmptyTable(t *testing.T) {
	v := New(DefaultConfig(), nil)

	result := v.ValidateStructure(models.NewBarTable("X", models.SourceBrokerage, nil))

	require.Len(t, result.Issues, 1, "empty table must yield exactly one issue")
	assert.Equal(t, models.IssueEmptyTable, result.Issues[0].Type)
	assert.Equal(t, models.SeverityCritical, result.Issues[0].Severity)
	assert.False(t, result.IsValid)
}

func TestValidateStructureNilTable(t *testing.T) {
	v := New(DefaultConfig(), nil)

	result := v.ValidateStructure(nil)

	require.Len(t, result.Issues, 1)
	assert.Equal(t, models.IssueEmptyTable, result.Issues[0].Type)
	assert.False(t, result.IsValid)
}

func TestValidateStructureMissingColumn(t *testing.T) {
	v := New(DefaultConfig(), nil)
	table := dailyTable("X", 5)
	for i := range table.Bars {
		table.Bars[i].Close = models.Missing()
	}

	result := v.ValidateStructure(table)

	assert.False(t, result.IsValid)
	assert.Contains(t, issueTypes(result), models.IssueMissingColumns)
}

func TestValidateStructureParseErrors(t *testing.T) {
	v := New(DefaultConfig(), nil)
	table := dailyTable("X", 5)
	table.RecordParseError(models.FieldVolume)
	table.RecordParseError(models.FieldVolume)

	result := v.ValidateStructure(table)

	assert.True(t, result.IsValid, "parse errors alone are a warning")
	types := issueTypes(result)
	require.Contains(t, types, models.IssueInvalidDataType)
	for _, issue := range result.Issues {
		if issue.Type == models.IssueInvalidDataType {
			assert.Equal(t, 2, issue.AffectedRows)
		}
	}
}

func TestValidatePrices(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(t *models.BarTable)
		wantType models.IssueType
		wantSev  models.Severity
	}{
		{
			name: "negative price",
			mutate: func(tb *models.BarTable) {
				tb.Bars[0].Low = models.Dec("-5")
			},
			wantType: models.IssueNegativePrices,
			wantSev:  models.SeverityError,
		},
		{
			name: "extremely low price",
			mutate: func(tb *models.BarTable) {
				tb.Bars[0].Low = models.Dec("0.001")
			},
			wantType: models.IssueExtremelyLowPrice,
			wantSev:  models.SeverityWarning,
		},
		{
			name: "extremely high price",
			mutate: func(tb *models.BarTable) {
				tb.Bars[0].High = models.Dec("2000000")
			},
			wantType: models.IssueExtremelyHighPrice,
			wantSev:  models.SeverityWarning,
		},
		{
			name: "high below open",
			mutate: func(tb *models.BarTable) {
				tb.Bars[1].High = models.Dec("99.5")
				tb.Bars[1].Close = models.Dec("99")
			},
			wantType: models.IssueHighLessThanOpen,
			wantSev:  models.SeverityError,
		},
		{
			name: "high below close",
			mutate: func(tb *models.BarTable) {
				tb.Bars[1].High = models.Dec("100.5")
			},
			wantType: models.IssueHighLessThanClose,
			wantSev:  models.SeverityError,
		},
		{
			name: "low above open",
			mutate: func(tb *models.BarTable) {
				tb.Bars[1].Low = models.Dec("100.5")
			},
			wantType: models.IssueLowGreaterThanOpen,
			wantSev:  models.SeverityError,
		},
		{
			name: "low above close",
			mutate: func(tb *models.BarTable) {
				tb.Bars[1].Open = models.Dec("102")
				tb.Bars[1].Low = models.Dec("101.5")
			},
			wantType: models.IssueLowGreaterThanClose,
			wantSev:  models.SeverityError,
		},
		{
			name: "negative volume",
			mutate: func(tb *models.BarTable) {
				tb.Bars[2].Volume = models.Dec("-100")
			},
			wantType: models.IssueNegativeVolume,
			wantSev:  models.SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(DefaultConfig(), nil)
			table := dailyTable("X", 5)
			tt.mutate(table)

			result := v.ValidatePrices(table)

			found := false
			for _, issue := range result.Issues {
				if issue.Type == tt.wantType {
					found = true
					assert.Equal(t, tt.wantSev, issue.Severity)
				}
			}
			assert.True(t, found, "expected issue %s, got %v", tt.wantType, issueTypes(result))
		})
	}
}

func TestValidatePricesCleanTable(t *testing.T) {
	v := New(DefaultConfig(), nil)

	result := v.ValidatePrices(dailyTable("X", 20))

	assert.True(t, result.IsValid)
	assert.Empty(t, result.Issues)
}

func TestValidatePricesVolumeSpike(t *testing.T) {
	v := New(DefaultConfig(), nil)
	table := dailyTable("X", 15)
	table.Bars[7].Volume = models.Dec("5000000") // 500x the 10000 median

	result := v.ValidatePrices(table)

	assert.Contains(t, issueTypes(result), models.IssueVolumeSpike)
	assert.True(t, result.IsValid, "spikes are warnings")
}

func TestValidatePricesVolumeSpikeNeedsEnoughRows(t *testing.T) {
	v := New(DefaultConfig(), nil)
	table := dailyTable("X", 5)
	table.Bars[2].Volume = models.Dec("5000000")

	result := v.ValidatePrices(table)

	assert.NotContains(t, issueTypes(result), models.IssueVolumeSpike)
}

func TestValidatePricesExtremeDailyChange(t *testing.T) {
	v := New(DefaultConfig(), nil)
	table := dailyTable("X", 5)
	// 30% jump between day 2 and day 3.
	table.Bars[3].Open = models.Dec("131")
	table.Bars[3].High = models.Dec("132")
	table.Bars[3].Low = models.Dec("130")
	table.Bars[3].Close = models.Dec("131.3")
	table.Bars[4] = models.NewBar("X", table.Bars[4].Timestamp,
		"131", "132", "130", "131", "10000", models.SourceBrokerage)

	result := v.ValidatePrices(table)

	types := issueTypes(result)
	require.Contains(t, types, models.IssueExtremeDailyChange)
	for _, issue := range result.Issues {
		if issue.Type == models.IssueExtremeDailyChange {
			assert.Equal(t, 1, issue.AffectedRows, "only the jump day should be flagged")
		}
	}
}

func TestValidateMissing(t *testing.T) {
	tests := []struct {
		name        string
		missing     int
		rows        int
		wantSev     models.Severity
		wantMissing bool
	}{
		{name: "no missing", missing: 0, rows: 20, wantMissing: false},
		{name: "small fraction warns", missing: 1, rows: 20, wantSev: models.SeverityWarning, wantMissing: true},
		{name: "above threshold errors", missing: 5, rows: 20, wantSev: models.SeverityError, wantMissing: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(DefaultConfig(), nil)
			table := dailyTable("X", tt.rows)
			for i := 0; i < tt.missing; i++ {
				table.Bars[i].Close = models.Missing()
			}

			result := v.ValidateMissing(table)

			if !tt.wantMissing {
				assert.Empty(t, result.Issues)
				return
			}
			found := false
			for _, issue := range result.Issues {
				if issue.Type == models.IssueMissingPriceData {
					found = true
					assert.Equal(t, tt.wantSev, issue.Severity)
					assert.Equal(t, tt.missing, issue.AffectedRows)
				}
			}
			assert.True(t, found)
		})
	}
}

func TestValidateMissingDateGap(t *testing.T) {
	v := New(DefaultConfig(), nil)
	bars := []models.Bar{
		models.NewBar("X", day0, "100", "102", "99", "101", "10000", models.SourceBrokerage),
		models.NewBar("X", day0.AddDate(0, 0, 10), "100", "102", "99", "101", "10000", models.SourceBrokerage),
	}
	table := models.NewBarTable("X", models.SourceBrokerage, bars)

	result := v.ValidateMissing(table)

	assert.Contains(t, issueTypes(result), models.IssueDateGap)
	assert.True(t, result.IsValid, "gaps are warnings")
}

func TestValidateMarketHours(t *testing.T) {
	v := New(DefaultConfig(), nil)

	// Intraday table: many bars per day, some before the open.
	var bars []models.Bar
	for d := 0; d < 2; d++ {
		for h := 8; h < 16; h++ {
			ts := time.Date(2024, 1, 1+d, h, 30, 0, 0, time.UTC)
			bars = append(bars, models.NewBar("X", ts, "100", "102", "99", "101", "100", models.SourceBrokerage))
		}
	}
	table := models.NewBarTable("X", models.SourceBrokerage, bars)

	result := v.ValidateMarketHours(table)

	assert.True(t, result.IsValid, "market-hours findings never invalidate")
	assert.Contains(t, issueTypes(result), models.IssueOutsideMarketHours)
}

func TestValidateMarketHoursWeekend(t *testing.T) {
	v := New(DefaultConfig(), nil)
	saturday := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)
	table := models.NewBarTable("X", models.SourceBrokerage, []models.Bar{
		models.NewBar("X", saturday, "100", "102", "99", "101", "10000", models.SourceBrokerage),
	})

	result := v.ValidateMarketHours(table)

	assert.True(t, result.IsValid)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, models.IssueWeekendData, result.Issues[0].Type)
	assert.Equal(t, models.SeverityInfo, result.Issues[0].Severity)
}

func TestCrossValidateSingleDivergentClose(t *testing.T) {
	v := New(DefaultConfig(), nil)

	a := dailyTable("X", 10)
	b := dailyTable("X", 10)
	b.Source = models.SourcePublicFinance
	// One date diverges by 8%, above the 5% tolerance.
	b.Bars[4].Close = models.Dec("109.08")

	result := v.CrossValidate(a, b, "X", 0)

	discrepancies := result.IssuesOfType(models.IssuePriceDiscrepancy)
	require.Len(t, discrepancies, 1, "divergences aggregate into one issue")
	assert.Equal(t, 1, discrepancies[0].AffectedRows)
	assert.Equal(t, models.SeverityWarning, discrepancies[0].Severity)
	assert.True(t, result.IsValid)
}

func TestCrossValidateAgreementWithinTolerance(t *testing.T) {
	v := New(DefaultConfig(), nil)
	a := dailyTable("X", 10)
	b := dailyTable("X", 10)
	b.Bars[4].Close = models.Dec("103") // ~2%, inside tolerance

	result := v.CrossValidate(a, b, "X", 0)

	assert.Empty(t, result.IssuesOfType(models.IssuePriceDiscrepancy))
	assert.True(t, result.IsValid)
}

func TestCrossValidateNoCommonDates(t *testing.T) {
	v := New(DefaultConfig(), nil)
	a := dailyTable("X", 5)
	b := models.NewBarTable("X", models.SourcePublicFinance, []models.Bar{
		models.NewBar("X", day0.AddDate(1, 0, 0), "100", "102", "99", "101", "10000", models.SourcePublicFinance),
	})

	result := v.CrossValidate(a, b, "X", 0)

	assert.False(t, result.IsValid)
	assert.Contains(t, issueTypes(result), models.IssueNoCommonDates)
}

func TestCrossValidateEmptySource(t *testing.T) {
	v := New(DefaultConfig(), nil)

	result := v.CrossValidate(dailyTable("X", 5), nil, "X", 0)

	assert.False(t, result.IsValid)
	assert.Contains(t, issueTypes(result), models.IssueInsufficientCross)
}

func TestCrossValidateVolumeDiscrepancy(t *testing.T) {
	v := New(DefaultConfig(), nil)
	a := dailyTable("X", 5)
	b := dailyTable("X", 5)
	b.Bars[2].Volume = models.Dec("20000") // 100% off, tolerance 20%

	result := v.CrossValidate(a, b, "X", 0)

	discrepancies := result.IssuesOfType(models.IssueVolumeDiscrepancy)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, models.SeverityInfo, discrepancies[0].Severity)
	assert.True(t, result.IsValid, "volume divergence is informational")
}

func TestComprehensiveValidateShortCircuitsOnStructure(t *testing.T) {
	v := New(DefaultConfig(), nil)

	result, err := v.ComprehensiveValidate(models.NewBarTable("X", models.SourceBrokerage, nil), nil)

	require.NoError(t, err)
	assert.False(t, result.IsValid)
	require.Len(t, result.Issues, 1, "failed structure check skips the remaining checks")
	assert.Equal(t, models.IssueEmptyTable, result.Issues[0].Type)
}

func TestComprehensiveValidateCleanTable(t *testing.T) {
	v := New(DefaultConfig(), nil)

	// 5 weekday bars starting Monday.
	result, err := v.ComprehensiveValidate(dailyTable("X", 5), nil)

	require.NoError(t, err)
	assert.True(t, result.IsValid)
	require.NotNil(t, result.Summary)
	assert.Equal(t, 5, result.Summary.Rows)
}

func TestComprehensiveValidateStrictMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictMode = true
	v := New(cfg, nil)

	result, err := v.ComprehensiveValidate(models.NewBarTable("X", models.SourceBrokerage, nil), nil)

	require.Error(t, err)
	var strictErr *StrictModeError
	require.ErrorAs(t, err, &strictErr)
	assert.Equal(t, "X", strictErr.Symbol)
	assert.NotNil(t, result, "the result still carries the findings")
	assert.False(t, result.IsValid)
}

func TestComprehensiveValidateWithReference(t *testing.T) {
	v := New(DefaultConfig(), nil)
	a := dailyTable("X", 10)
	b := dailyTable("X", 10)
	b.Bars[4].Close = models.Dec("109.08")

	result, err := v.ComprehensiveValidate(a, b)

	require.NoError(t, err)
	assert.Contains(t, issueTypes(result), models.IssuePriceDiscrepancy)
}

func TestValidatorIsPure(t *testing.T) {
	v := New(DefaultConfig(), nil)
	table := dailyTable("X", 10)
	table.Bars[3].Close = models.Missing()
	before := fmt.Sprintf("%+v", table)

	_, err := v.ComprehensiveValidate(table, nil)

	require.NoError(t, err)
	assert.Equal(t, before, fmt.Sprintf("%+v", table), "validation must not mutate its input")
}
