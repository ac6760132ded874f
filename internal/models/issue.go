package models

import (
	"fmt"
	"time"
)

// Severity ranks how serious a validation issue is. The ordering
// INFO < WARNING < ERROR < CRITICAL is total and drives both validity
// decisions and quality grading.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank returns the numeric position of the severity in the total order.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// IssueType classifies a validation finding.
type IssueType string

const (
	IssueEmptyTable          IssueType = "empty_table"
	IssueMissingColumns      IssueType = "missing_columns"
	IssueMissingDate         IssueType = "missing_date"
	IssueInvalidDataType     IssueType = "invalid_data_type"
	IssueNegativePrices      IssueType = "negative_prices"
	IssueExtremelyLowPrice   IssueType = "extremely_low_prices"
	IssueExtremelyHighPrice  IssueType = "extremely_high_prices"
	IssueHighLessThanOpen    IssueType = "high_less_than_open"
	IssueHighLessThanClose   IssueType = "high_less_than_close"
	IssueLowGreaterThanOpen  IssueType = "low_greater_than_open"
	IssueLowGreaterThanClose IssueType = "low_greater_than_close"
	IssueNegativeVolume      IssueType = "negative_volume"
	IssueVolumeSpike         IssueType = "suspicious_volume_spike"
	IssueExtremeDailyChange  IssueType = "extreme_daily_change"
	IssueMissingPriceData    IssueType = "missing_price_data"
	IssueDateGap             IssueType = "date_gap"
	IssueOutsideMarketHours  IssueType = "outside_market_hours"
	IssueWeekendData         IssueType = "weekend_data"
	IssueNoCommonDates       IssueType = "no_common_dates"
	IssueInsufficientCross   IssueType = "insufficient_data_for_cross_validation"
	IssuePriceDiscrepancy    IssueType = "price_discrepancy"
	IssueVolumeDiscrepancy   IssueType = "volume_discrepancy"
)

// ValidationIssue is a single immutable finding produced by the validator.
type ValidationIssue struct {
	Symbol          string    `json:"symbol"`
	Type            IssueType `json:"type"`
	Severity        Severity  `json:"severity"`
	Message         string    `json:"message"`
	Source          Source    `json:"source"`
	AffectedRows    int       `json:"affected_rows,omitempty"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewIssue creates a ValidationIssue stamped with the current time.
func NewIssue(symbol string, issueType IssueType, severity Severity, source Source, message string) ValidationIssue {
	return ValidationIssue{
		Symbol:    symbol,
		Type:      issueType,
		Severity:  severity,
		Message:   message,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// WithRows returns a copy of the issue carrying an affected-row count.
func (i ValidationIssue) WithRows(n int) ValidationIssue {
	i.AffectedRows = n
	return i
}

// WithAction returns a copy of the issue carrying a suggested action.
func (i ValidationIssue) WithAction(action string) ValidationIssue {
	i.SuggestedAction = action
	return i
}

// String implements fmt.Stringer for log output.
func (i ValidationIssue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Type, i.Message)
}

// ValidationSummary holds aggregate counts for a validation pass.
type ValidationSummary struct {
	TotalIssues    int       `json:"total_issues"`
	CriticalIssues int       `json:"critical_issues"`
	ErrorIssues    int       `json:"error_issues"`
	WarningIssues  int       `json:"warning_issues"`
	InfoIssues     int       `json:"info_issues"`
	Rows           int       `json:"rows"`
	Symbol         string    `json:"symbol"`
	Source         Source    `json:"source"`
	ValidatedAt    time.Time `json:"validated_at"`
}

// ValidationResult is the outcome of one validation pass over a table.
// It is created once and never mutated; a cleaning pass produces a new result.
type ValidationResult struct {
	IsValid bool               `json:"is_valid"`
	Issues  []ValidationIssue  `json:"issues"`
	Summary *ValidationSummary `json:"summary,omitempty"`
}

// NewValidationResult builds a result from issues, deriving validity.
// A result is valid when it has no CRITICAL issue and, in strict mode, no
// ERROR issue either.
func NewValidationResult(issues []ValidationIssue, strict bool) *ValidationResult {
	critical := CountBySeverity(issues, SeverityCritical)
	errs := CountBySeverity(issues, SeverityError)
	valid := critical == 0 && (!strict || errs == 0)
	return &ValidationResult{IsValid: valid, Issues: issues}
}

// InvalidResult returns an empty, invalid result. The tiered fetcher uses it
// to stand in for a validation pass that never happened (adapter failure).
func InvalidResult() *ValidationResult {
	return &ValidationResult{IsValid: false, Issues: []ValidationIssue{}}
}

// HasSeverity reports whether any issue ranks at or above the given level.
func (r *ValidationResult) HasSeverity(level Severity) bool {
	if r == nil {
		return false
	}
	for i := range r.Issues {
		if r.Issues[i].Severity.AtLeast(level) {
			return true
		}
	}
	return false
}

// IssuesOfType returns the issues matching the given type.
func (r *ValidationResult) IssuesOfType(t IssueType) []ValidationIssue {
	var out []ValidationIssue
	if r == nil {
		return out
	}
	for _, issue := range r.Issues {
		if issue.Type == t {
			out = append(out, issue)
		}
	}
	return out
}

// CountBySeverity counts issues at exactly the given severity.
func CountBySeverity(issues []ValidationIssue, level Severity) int {
	n := 0
	for i := range issues {
		if issues[i].Severity == level {
			n++
		}
	}
	return n
}

// Summarize attaches aggregate counts to the result and returns it.
func (r *ValidationResult) Summarize(symbol string, source Source, rows int) *ValidationResult {
	r.Summary = &ValidationSummary{
		TotalIssues:    len(r.Issues),
		CriticalIssues: CountBySeverity(r.Issues, SeverityCritical),
		ErrorIssues:    CountBySeverity(r.Issues, SeverityError),
		WarningIssues:  CountBySeverity(r.Issues, SeverityWarning),
		InfoIssues:     CountBySeverity(r.Issues, SeverityInfo),
		Rows:           rows,
		Symbol:         symbol,
		Source:         source,
		ValidatedAt:    time.Now().UTC(),
	}
	return r
}
