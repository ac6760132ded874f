package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sjtrading/marketdata-ingest/internal/cleaner"
	"github.com/sjtrading/marketdata-ingest/internal/models"
	"github.com/sjtrading/marketdata-ingest/internal/quality"
	"github.com/sjtrading/marketdata-ingest/internal/source"
	"github.com/sjtrading/marketdata-ingest/internal/validator"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type mockAdapter struct {
	mock.Mock
	src models.Source
}

func (m *mockAdapter) Name() string          { return string(m.src) }
func (m *mockAdapter) Source() models.Source { return m.src }

func (m *mockAdapter) FetchHistorical(ctx context.Context, req source.HistoricalRequest) (*models.BarTable, error) {
	args := m.Called(ctx, req)
	var table *models.BarTable
	if v := args.Get(0); v != nil {
		table = v.(*models.BarTable)
	}
	return table, args.Error(1)
}

func newMockAdapter(src models.Source) *mockAdapter {
	return &mockAdapter{src: src}
}

func cleanTable(src models.Source, n int) *models.BarTable {
	bars := make([]models.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, models.NewBar("TCS", day0.AddDate(0, 0, i),
			"100", "102", "99", "101", "10000", src))
	}
	return models.NewBarTable("TCS", src, bars)
}

// fairTable has enough missing closes to draw a missing-data error, which
// grades FAIR.
func fairTable(src models.Source, n int) *models.BarTable {
	table := cleanTable(src, n)
	table.Bars[1].Close = models.Missing()
	table.Bars[2].Close = models.Missing()
	return table
}

func testRequest() source.HistoricalRequest {
	return source.HistoricalRequest{
		Symbol:   "TCS",
		Start:    day0,
		End:      day0.AddDate(0, 0, 10),
		Interval: source.IntervalDay,
	}
}

func newFetcher(brokerage, public source.Adapter, cfg Config) *TieredFetcher {
	return New(brokerage, public,
		validator.New(validator.DefaultConfig(), nil),
		cleaner.New(cleaner.DefaultConfig(), nil),
		quality.New(quality.DefaultThresholds(), nil),
		cfg, nil)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{in: "BROKERAGE_PREFERRED", want: BrokeragePreferred},
		{in: "best_quality", want: BestQuality},
		{in: " redundant ", want: Redundant},
		{in: "BROKERAGE_ONLY", want: BrokerageOnly},
		{in: "PUBLIC_ONLY", want: PublicOnly},
		{in: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBrokeragePreferredNeverCallsPublicWhenBrokerageValid(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourceBrokerage, 5), nil).Once()

	f := newFetcher(brokerage, public, Config{Strategy: BrokeragePreferred})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, models.SourceBrokerage, result.Source)
	brokerage.AssertNumberOfCalls(t, "FetchHistorical", 1)
	public.AssertNotCalled(t, "FetchHistorical", mock.Anything, mock.Anything)
}

func TestBrokeragePreferredFallsBackOnError(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused")).Once()
	public.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourcePublicFinance, 5), nil).Once()

	f := newFetcher(brokerage, public, Config{Strategy: BrokeragePreferred})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err, "adapter failures never surface as errors")
	assert.Equal(t, models.SourcePublicFinance, result.Source)
	assert.True(t, result.Usable())
}

func TestBrokeragePreferredFallsBackOnUnavailable(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(nil, source.ErrUnavailable).Once()
	public.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourcePublicFinance, 5), nil).Once()

	f := newFetcher(brokerage, public, Config{Strategy: BrokeragePreferred})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, models.SourcePublicFinance, result.Source)
}

func TestBrokerageOnlyIgnoresPublic(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(nil, errors.New("down")).Once()

	f := newFetcher(brokerage, public, Config{Strategy: BrokerageOnly})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, quality.Unusable, result.Quality)
	public.AssertNotCalled(t, "FetchHistorical", mock.Anything, mock.Anything)
}

func TestBestQualityPrefersCleanerSource(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(fairTable(models.SourceBrokerage, 15), nil).Once()
	public.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourcePublicFinance, 15), nil).Once()

	f := newFetcher(brokerage, public, Config{Strategy: BestQuality, ImputeMissing: false})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, models.SourcePublicFinance, result.Source)
}

func TestBestQualityTieGoesToBrokerage(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourceBrokerage, 15), nil).Once()
	public.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourcePublicFinance, 15), nil).Once()

	f := newFetcher(brokerage, public, Config{Strategy: BestQuality})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, models.SourceBrokerage, result.Source)
}

func TestRedundantProducesCrossValidationReport(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	pubTable := cleanTable(models.SourcePublicFinance, 15)
	pubTable.Bars[4].Close = models.Dec("120") // well beyond the 5% tolerance
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourceBrokerage, 15), nil).Once()
	public.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(pubTable, nil).Once()

	f := newFetcher(brokerage, public, Config{Strategy: Redundant})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	require.NotNil(t, result.CrossValidation)
	assert.NotEmpty(t, result.CrossValidation.Result.IssuesOfType(models.IssuePriceDiscrepancy))
	// The report is observability only; the brokerage still wins.
	assert.Equal(t, models.SourceBrokerage, result.Source)
}

func TestRedundantFallsBackToPublicWhenBrokerageEmpty(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(models.NewBarTable("TCS", models.SourceBrokerage, nil), nil).Once()
	public.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourcePublicFinance, 5), nil).Once()

	f := newFetcher(brokerage, public, Config{Strategy: Redundant})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, models.SourcePublicFinance, result.Source)
	assert.Nil(t, result.CrossValidation, "no report without two populated sources")
}

func TestAllSourcesFailed(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(nil, errors.New("down")).Once()
	public.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(nil, errors.New("also down")).Once()

	f := newFetcher(brokerage, public, Config{Strategy: BrokeragePreferred})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err, "total failure is a result, not an error")
	assert.True(t, result.Table.Empty())
	assert.Equal(t, quality.Unusable, result.Quality)
	assert.Contains(t, result.Issues, "All data sources failed")
	assert.False(t, result.Validation.IsValid)
}

func TestNilAdaptersAllFail(t *testing.T) {
	f := newFetcher(nil, nil, Config{Strategy: BrokeragePreferred})

	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, quality.Unusable, result.Quality)
}

func TestImputationUpgradesFairData(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(fairTable(models.SourceBrokerage, 15), nil).Once()

	f := newFetcher(brokerage, nil, Config{Strategy: BrokerageOnly, ImputeMissing: true})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	assert.True(t, result.ImputationApplied)
	assert.Equal(t, 0, result.Table.MissingCount(models.FieldClose))
	assert.True(t, result.Quality.Better(quality.Fair),
		"repaired table should grade above FAIR, got %s", result.Quality)
}

func TestImputationDisabled(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(fairTable(models.SourceBrokerage, 15), nil).Once()

	f := newFetcher(brokerage, nil, Config{Strategy: BrokerageOnly, ImputeMissing: false})
	result, err := f.Fetch(context.Background(), testRequest())

	require.NoError(t, err)
	assert.False(t, result.ImputationApplied)
	assert.Equal(t, quality.Fair, result.Quality)
	assert.Equal(t, 2, result.Table.MissingCount(models.FieldClose))
}

func TestCacheServesRepeatRequests(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourceBrokerage, 5), nil).Once()

	f := newFetcher(brokerage, nil, Config{Strategy: BrokerageOnly})

	first, err := f.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "second fetch must come from cache")
	brokerage.AssertNumberOfCalls(t, "FetchHistorical", 1)
	assert.Equal(t, int64(1), f.Statistics().CacheHits)
}

func TestCacheExpires(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourceBrokerage, 5), nil).Twice()

	f := newFetcher(brokerage, nil, Config{Strategy: BrokerageOnly, CacheTTL: 5 * time.Minute})

	now := time.Now()
	f.now = func() time.Time { return now }
	_, err := f.Fetch(context.Background(), testRequest())
	require.NoError(t, err)

	f.now = func() time.Time { return now.Add(6 * time.Minute) }
	_, err = f.Fetch(context.Background(), testRequest())
	require.NoError(t, err)

	brokerage.AssertNumberOfCalls(t, "FetchHistorical", 2)
	assert.Equal(t, int64(0), f.Statistics().CacheHits)
}

func TestClearCache(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourceBrokerage, 5), nil).Twice()

	f := newFetcher(brokerage, nil, Config{Strategy: BrokerageOnly})

	_, err := f.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	f.ClearCache()
	_, err = f.Fetch(context.Background(), testRequest())
	require.NoError(t, err)

	brokerage.AssertNumberOfCalls(t, "FetchHistorical", 2)
}

func TestStatistics(t *testing.T) {
	brokerage := newMockAdapter(models.SourceBrokerage)
	public := newMockAdapter(models.SourcePublicFinance)
	brokerage.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(nil, errors.New("down")).Once()
	public.On("FetchHistorical", mock.Anything, mock.Anything).
		Return(cleanTable(models.SourcePublicFinance, 5), nil).Once()

	f := newFetcher(brokerage, public, Config{Strategy: BrokeragePreferred})
	_, err := f.Fetch(context.Background(), testRequest())
	require.NoError(t, err)

	stats := f.Statistics()
	assert.Equal(t, int64(1), stats.Fetches)
	assert.Equal(t, int64(1), stats.BrokerageFailure)
	assert.Equal(t, int64(1), stats.PublicSuccess)
	assert.Equal(t, int64(1), stats.ValidationPasses)

	f.ResetStatistics()
	assert.Equal(t, Stats{}, f.Statistics())
}

func TestFetchRejectsMalformedRequest(t *testing.T) {
	f := newFetcher(nil, nil, Config{Strategy: BrokeragePreferred})

	_, err := f.Fetch(context.Background(), source.HistoricalRequest{Symbol: ""})

	assert.Error(t, err)
}
