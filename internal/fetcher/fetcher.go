// Package fetcher implements tiered market-data fetching: it pulls bars from
// a brokerage adapter and a public-finance adapter according to a selection
// strategy, validates and grades each candidate, optionally repairs the
// selected table with the other source as reference, and caches results.
//
// A TieredFetcher is deliberately not safe for concurrent use; callers run
// one instance per worker so the request cache needs no locking.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sjtrading/marketdata-ingest/internal/cleaner"
	"github.com/sjtrading/marketdata-ingest/internal/models"
	"github.com/sjtrading/marketdata-ingest/internal/quality"
	"github.com/sjtrading/marketdata-ingest/internal/source"
	"github.com/sjtrading/marketdata-ingest/internal/validator"
)

// Strategy selects how the fetcher combines its two sources.
type Strategy string

const (
	// BrokerageOnly uses the brokerage source exclusively.
	BrokerageOnly Strategy = "BROKERAGE_ONLY"
	// PublicOnly uses the public-finance source exclusively.
	PublicOnly Strategy = "PUBLIC_ONLY"
	// BrokeragePreferred tries the brokerage first and touches the public
	// source only when brokerage data is absent or invalid.
	BrokeragePreferred Strategy = "BROKERAGE_PREFERRED"
	// BestQuality fetches both sources and keeps the higher grade; ties go
	// to the brokerage.
	BestQuality Strategy = "BEST_QUALITY"
	// Redundant fetches both sources and cross-validates them for
	// observability; the brokerage result is still the one returned.
	Redundant Strategy = "REDUNDANT"
)

// ParseStrategy converts a string form to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(s))) {
	case BrokerageOnly:
		return BrokerageOnly, nil
	case PublicOnly:
		return PublicOnly, nil
	case BrokeragePreferred:
		return BrokeragePreferred, nil
	case BestQuality:
		return BestQuality, nil
	case Redundant:
		return Redundant, nil
	}
	return "", fmt.Errorf("fetcher: unknown strategy %q", s)
}

// Config carries the fetcher's tunables.
type Config struct {
	Strategy Strategy
	// CacheTTL bounds how long a fetch result is served from cache.
	CacheTTL time.Duration
	// ImputeMissing repairs FAIR and POOR tables after selection, using the
	// other source as reference where available, then re-grades.
	ImputeMissing bool
}

// DefaultConfig returns the production fetcher configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:      BrokeragePreferred,
		CacheTTL:      5 * time.Minute,
		ImputeMissing: true,
	}
}

// CrossValidationReport records the outcome of a redundant-mode comparison.
// It never influences source selection.
type CrossValidationReport struct {
	SourceA models.Source            `json:"source_a"`
	SourceB models.Source            `json:"source_b"`
	Result  *models.ValidationResult `json:"result"`
}

// FetchResult is the outcome of one tiered fetch.
type FetchResult struct {
	ID                 uuid.UUID                `json:"id"`
	Symbol             string                   `json:"symbol"`
	Start              time.Time                `json:"start"`
	End                time.Time                `json:"end"`
	Interval           source.Interval          `json:"interval"`
	Table              *models.BarTable         `json:"-"`
	Source             models.Source            `json:"source"`
	Quality            quality.Grade            `json:"quality"`
	Validation         *models.ValidationResult `json:"validation"`
	CrossValidation    *CrossValidationReport   `json:"cross_validation,omitempty"`
	ImputationApplied  bool                     `json:"imputation_applied"`
	Issues             []string                 `json:"issues,omitempty"`
	FetchedAt          time.Time                `json:"fetched_at"`
}

// Usable reports whether the result carries data graded above UNUSABLE.
func (r *FetchResult) Usable() bool {
	return r != nil && !r.Table.Empty() && r.Quality != quality.Unusable
}

// Stats counts fetcher activity since the last reset.
type Stats struct {
	Fetches            int64 `json:"fetches"`
	CacheHits          int64 `json:"cache_hits"`
	BrokerageSuccess   int64 `json:"brokerage_success"`
	BrokerageFailure   int64 `json:"brokerage_failure"`
	PublicSuccess      int64 `json:"public_success"`
	PublicFailure      int64 `json:"public_failure"`
	ValidationPasses   int64 `json:"validation_passes"`
	ValidationFailures int64 `json:"validation_failures"`
	Imputations        int64 `json:"imputations"`
}

type cacheEntry struct {
	result   *FetchResult
	storedAt time.Time
}

// TieredFetcher orchestrates the two sources. Not safe for concurrent use.
type TieredFetcher struct {
	brokerage source.Adapter
	public    source.Adapter
	validator *validator.MarketValidator
	cleaner   *cleaner.Cleaner
	assessor  *quality.Assessor
	cfg       Config
	cache     map[string]cacheEntry
	stats     Stats
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a tiered fetcher. Either adapter may be nil, in which case the
// corresponding source is treated as permanently failed. A nil logger falls
// back to slog.Default.
func New(brokerage, public source.Adapter, v *validator.MarketValidator,
	c *cleaner.Cleaner, a *quality.Assessor, cfg Config, logger *slog.Logger) *TieredFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = BrokeragePreferred
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &TieredFetcher{
		brokerage: brokerage,
		public:    public,
		validator: v,
		cleaner:   c,
		assessor:  a,
		cfg:       cfg,
		cache:     make(map[string]cacheEntry),
		logger:    logger.With("component", "tiered_fetcher"),
		now:       time.Now,
	}
}

// candidate is one source's table with its validation verdict.
type candidate struct {
	attempted bool
	table     *models.BarTable
	result    *models.ValidationResult
	grade     quality.Grade
	src       models.Source
}

func (c candidate) hasData() bool { return !c.table.Empty() }
func (c candidate) valid() bool   { return c.hasData() && c.result != nil && c.result.IsValid }

// Fetch retrieves, validates, and grades bars for the request. Source-side
// failures never surface as errors; when every source fails the result is an
// empty UNUSABLE table carrying an explanatory issue. The only error returns
// are malformed requests.
func (f *TieredFetcher) Fetch(ctx context.Context, req source.HistoricalRequest) (*FetchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := cacheKey(req)
	if entry, ok := f.cache[key]; ok && f.now().Sub(entry.storedAt) < f.cfg.CacheTTL {
		f.stats.CacheHits++
		f.logger.Debug("cache hit", "symbol", req.Symbol, "key", key)
		return entry.result, nil
	}
	f.stats.Fetches++

	var chosen, other candidate
	var report *CrossValidationReport

	switch f.cfg.Strategy {
	case BrokerageOnly:
		chosen = f.fetchFrom(ctx, f.brokerage, models.SourceBrokerage, req)
	case PublicOnly:
		chosen = f.fetchFrom(ctx, f.public, models.SourcePublicFinance, req)
	case BrokeragePreferred:
		chosen, other = f.fetchPreferred(ctx, req)
	case BestQuality:
		chosen, other = f.fetchBestQuality(ctx, req)
	case Redundant:
		chosen, other, report = f.fetchRedundant(ctx, req)
	default:
		return nil, fmt.Errorf("fetcher: unknown strategy %q", f.cfg.Strategy)
	}

	if !chosen.hasData() {
		result := f.failedResult(req)
		f.cache[key] = cacheEntry{result: result, storedAt: f.now()}
		return result, nil
	}

	result := &FetchResult{
		ID:              uuid.New(),
		Symbol:          req.Symbol,
		Start:           req.Start,
		End:             req.End,
		Interval:        req.Interval,
		Table:           chosen.table,
		Source:          chosen.src,
		Quality:         chosen.grade,
		Validation:      chosen.result,
		CrossValidation: report,
		FetchedAt:       f.now().UTC(),
	}
	for i := range chosen.result.Issues {
		result.Issues = append(result.Issues, chosen.result.Issues[i].String())
	}

	if f.cfg.ImputeMissing && (chosen.grade == quality.Fair || chosen.grade == quality.Poor) {
		f.imputeAndRegrade(result, other.table)
	}

	f.logger.Info("fetch complete",
		"symbol", req.Symbol,
		"source", string(result.Source),
		"quality", string(result.Quality),
		"bars", result.Table.Len(),
		"imputed", result.ImputationApplied)

	f.cache[key] = cacheEntry{result: result, storedAt: f.now()}
	return result, nil
}

// fetchFrom pulls from one adapter and validates the result. Every failure
// mode collapses to "no data from this source": adapter errors, strict-mode
// validation errors, and empty tables.
func (f *TieredFetcher) fetchFrom(ctx context.Context, adapter source.Adapter, src models.Source, req source.HistoricalRequest) candidate {
	c := candidate{attempted: true, src: src, grade: quality.Unusable, result: models.InvalidResult()}
	if adapter == nil {
		f.recordOutcome(src, false)
		f.logger.Debug("adapter not configured", "source", string(src))
		return c
	}

	table, err := adapter.FetchHistorical(ctx, req)
	if err != nil {
		f.recordOutcome(src, false)
		f.logger.Warn("source fetch failed",
			"source", string(src), "symbol", req.Symbol, "error", err)
		return c
	}
	if table.Empty() {
		f.recordOutcome(src, false)
		f.logger.Warn("source returned no data", "source", string(src), "symbol", req.Symbol)
		return c
	}
	f.recordOutcome(src, true)

	result, err := f.validator.ComprehensiveValidate(table, nil)
	if err != nil {
		f.stats.ValidationFailures++
		f.logger.Warn("strict validation rejected table",
			"source", string(src), "symbol", req.Symbol, "error", err)
		c.table = table
		c.result = result
		return c
	}
	if result.IsValid {
		f.stats.ValidationPasses++
	} else {
		f.stats.ValidationFailures++
	}

	c.table = table
	c.result = result
	c.grade = f.assessor.Assess(result)
	return c
}

func (f *TieredFetcher) fetchPreferred(ctx context.Context, req source.HistoricalRequest) (chosen, other candidate) {
	brok := f.fetchFrom(ctx, f.brokerage, models.SourceBrokerage, req)
	if brok.valid() {
		return brok, candidate{}
	}
	pub := f.fetchFrom(ctx, f.public, models.SourcePublicFinance, req)
	if pub.hasData() {
		return pub, brok
	}
	return brok, pub
}

func (f *TieredFetcher) fetchBestQuality(ctx context.Context, req source.HistoricalRequest) (chosen, other candidate) {
	brok := f.fetchFrom(ctx, f.brokerage, models.SourceBrokerage, req)
	pub := f.fetchFrom(ctx, f.public, models.SourcePublicFinance, req)

	switch {
	case pub.grade.Better(brok.grade) && pub.hasData():
		return pub, brok
	case brok.hasData():
		return brok, pub
	case pub.hasData():
		return pub, brok
	}
	return brok, pub
}

func (f *TieredFetcher) fetchRedundant(ctx context.Context, req source.HistoricalRequest) (chosen, other candidate, report *CrossValidationReport) {
	brok := f.fetchFrom(ctx, f.brokerage, models.SourceBrokerage, req)
	pub := f.fetchFrom(ctx, f.public, models.SourcePublicFinance, req)

	if brok.hasData() && pub.hasData() {
		cross := f.validator.CrossValidate(brok.table, pub.table, req.Symbol, 0)
		report = &CrossValidationReport{
			SourceA: models.SourceBrokerage,
			SourceB: models.SourcePublicFinance,
			Result:  cross,
		}
		if !cross.IsValid || len(cross.Issues) > 0 {
			f.logger.Warn("sources disagree",
				"symbol", req.Symbol, "issues", len(cross.Issues))
		}
	}
	if brok.hasData() {
		return brok, pub, report
	}
	return pub, brok, report
}

// imputeAndRegrade repairs the selected table in place on the result and
// re-runs validation and grading. The other source, when present, serves as
// the imputation reference.
func (f *TieredFetcher) imputeAndRegrade(result *FetchResult, reference *models.BarTable) {
	method := cleaner.ImputeLinear
	if !reference.Empty() {
		method = cleaner.ImputeCrossSource
	}
	repaired, err := f.cleaner.ImputeMissing(result.Table, method, reference)
	if err != nil {
		f.logger.Warn("imputation failed", "symbol", result.Symbol, "error", err)
		return
	}
	revalidated, err := f.validator.ComprehensiveValidate(repaired, nil)
	if err != nil {
		f.logger.Warn("post-imputation validation rejected table",
			"symbol", result.Symbol, "error", err)
		return
	}

	f.stats.Imputations++
	result.Table = repaired
	result.Validation = revalidated
	result.Quality = f.assessor.Assess(revalidated)
	result.ImputationApplied = true
	result.Issues = result.Issues[:0]
	for i := range revalidated.Issues {
		result.Issues = append(result.Issues, revalidated.Issues[i].String())
	}
	f.logger.Debug("imputation applied",
		"symbol", result.Symbol, "method", string(method), "quality", string(result.Quality))
}

func (f *TieredFetcher) failedResult(req source.HistoricalRequest) *FetchResult {
	f.logger.Error("all data sources failed", "symbol", req.Symbol)
	validation := models.InvalidResult()
	validation.Issues = append(validation.Issues,
		models.NewIssue(req.Symbol, models.IssueEmptyTable, models.SeverityCritical, models.SourceUnknown,
			"All data sources failed"))
	return &FetchResult{
		ID:         uuid.New(),
		Symbol:     req.Symbol,
		Start:      req.Start,
		End:        req.End,
		Interval:   req.Interval,
		Table:      models.NewBarTable(req.Symbol, models.SourceUnknown, nil),
		Source:     models.SourceUnknown,
		Quality:    quality.Unusable,
		Validation: validation,
		Issues:     []string{"All data sources failed"},
		FetchedAt:  f.now().UTC(),
	}
}

func (f *TieredFetcher) recordOutcome(src models.Source, ok bool) {
	switch src {
	case models.SourceBrokerage:
		if ok {
			f.stats.BrokerageSuccess++
		} else {
			f.stats.BrokerageFailure++
		}
	case models.SourcePublicFinance:
		if ok {
			f.stats.PublicSuccess++
		} else {
			f.stats.PublicFailure++
		}
	}
}

// Statistics returns a copy of the activity counters.
func (f *TieredFetcher) Statistics() Stats {
	return f.stats
}

// ResetStatistics zeroes the activity counters.
func (f *TieredFetcher) ResetStatistics() {
	f.stats = Stats{}
}

// ClearCache drops every cached result.
func (f *TieredFetcher) ClearCache() {
	f.cache = make(map[string]cacheEntry)
}

func cacheKey(req source.HistoricalRequest) string {
	return fmt.Sprintf("%s|%s|%s|%s",
		req.Symbol,
		req.Start.UTC().Format(time.RFC3339),
		req.End.UTC().Format(time.RFC3339),
		req.Interval)
}
