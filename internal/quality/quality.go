// Package quality maps validation results to a five-level quality grade used
// for source selection and imputation decisions.
package quality

import (
	"log/slog"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

// Grade is an ordered data-quality level.
type Grade string

const (
	Unusable  Grade = "UNUSABLE"
	Poor      Grade = "POOR"
	Fair      Grade = "FAIR"
	Good      Grade = "GOOD"
	Excellent Grade = "EXCELLENT"
)

// Rank returns the numeric position of the grade; higher is better.
func (g Grade) Rank() int {
	switch g {
	case Unusable:
		return 0
	case Poor:
		return 1
	case Fair:
		return 2
	case Good:
		return 3
	case Excellent:
		return 4
	}
	return -1
}

// Better reports whether g ranks strictly above other.
func (g Grade) Better(other Grade) bool {
	return g.Rank() > other.Rank()
}

// Thresholds configures the grading boundaries.
type Thresholds struct {
	// PoorErrors is the error count above which data grades POOR.
	PoorErrors int
	// FairWarnings is the warning count above which otherwise-clean data
	// grades FAIR instead of GOOD.
	FairWarnings int
}

// DefaultThresholds returns the production grading boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{PoorErrors: 2, FairWarnings: 5}
}

// Assessor grades validation results. Safe for concurrent use.
type Assessor struct {
	thresholds Thresholds
	logger     *slog.Logger
}

// New creates an assessor. A nil logger falls back to slog.Default.
func New(thresholds Thresholds, logger *slog.Logger) *Assessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assessor{thresholds: thresholds, logger: logger.With("component", "quality")}
}

// Assess maps a validation result to a grade. A nil or invalid result grades
// UNUSABLE regardless of its issue counts; adding issues to a result can only
// lower the grade, never raise it.
func (a *Assessor) Assess(result *models.ValidationResult) Grade {
	if result == nil || !result.IsValid {
		return Unusable
	}

	critical := models.CountBySeverity(result.Issues, models.SeverityCritical)
	errs := models.CountBySeverity(result.Issues, models.SeverityError)
	warnings := models.CountBySeverity(result.Issues, models.SeverityWarning)

	var grade Grade
	switch {
	case critical > 0:
		grade = Unusable
	case errs > a.thresholds.PoorErrors:
		grade = Poor
	case errs > 0 || warnings > a.thresholds.FairWarnings:
		grade = Fair
	case warnings > 0:
		grade = Good
	default:
		grade = Excellent
	}

	a.logger.Debug("graded validation result",
		"grade", string(grade), "critical", critical, "errors", errs, "warnings", warnings)
	return grade
}
