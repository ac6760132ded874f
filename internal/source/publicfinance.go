package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

const (
	publicDefaultBaseURL = "https://chart.publicfinance.example.com"
	publicTimeout        = 30 * time.Second
	publicRateLimit      = 2 // requests per second
	publicRateBurst      = 2
	publicMaxRetries     = 3
	publicInitialDelay   = 500 * time.Millisecond
)

// PublicFinanceAdapter fetches historical bars from a public chart API. It
// needs no credentials; rate limiting and retry mirror the brokerage adapter.
type PublicFinanceAdapter struct {
	baseURL      string
	symbolSuffix string
	httpClient   *http.Client
	rateLimiter  *rate.Limiter
	logger       *slog.Logger
}

// PublicFinanceOption configures a PublicFinanceAdapter.
type PublicFinanceOption func(*PublicFinanceAdapter)

// WithPublicBaseURL overrides the API endpoint, mainly for tests.
func WithPublicBaseURL(u string) PublicFinanceOption {
	return func(a *PublicFinanceAdapter) { a.baseURL = u }
}

// WithPublicHTTPClient overrides the HTTP client.
func WithPublicHTTPClient(c *http.Client) PublicFinanceOption {
	return func(a *PublicFinanceAdapter) { a.httpClient = c }
}

// WithPublicSymbolSuffix sets the exchange suffix appended to symbols on the
// wire, e.g. ".NS" for NSE-listed equities.
func WithPublicSymbolSuffix(suffix string) PublicFinanceOption {
	return func(a *PublicFinanceAdapter) { a.symbolSuffix = suffix }
}

// NewPublicFinanceAdapter creates the adapter. A nil logger falls back to
// slog.Default.
func NewPublicFinanceAdapter(logger *slog.Logger, opts ...PublicFinanceOption) *PublicFinanceAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &PublicFinanceAdapter{
		baseURL:      publicDefaultBaseURL,
		symbolSuffix: ".NS",
		httpClient:   &http.Client{Timeout: publicTimeout},
		rateLimiter:  rate.NewLimiter(rate.Limit(publicRateLimit), publicRateBurst),
		logger:       logger.With("component", "public_finance_adapter"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *PublicFinanceAdapter) Name() string          { return "public_finance" }
func (a *PublicFinanceAdapter) Source() models.Source { return models.SourcePublicFinance }

// publicChartResponse is the chart payload: parallel arrays of unix
// timestamps and quote columns, where any element may be null.
type publicChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchHistorical retrieves bars for the request. Null quote elements map to
// missing values so the cleaner can impute them later.
func (a *PublicFinanceAdapter) FetchHistorical(ctx context.Context, req HistoricalRequest) (*models.BarTable, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	granularity := "1d"
	if req.Interval == IntervalMinute {
		granularity = "1m"
	}
	wireSymbol := req.Symbol + a.symbolSuffix
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s", a.baseURL, url.PathEscape(wireSymbol))
	query := url.Values{
		"period1":  {strconv.FormatInt(req.Start.Unix(), 10)},
		"period2":  {strconv.FormatInt(req.End.Unix(), 10)},
		"interval": {granularity},
	}

	var payload publicChartResponse
	operation := func() error {
		if err := a.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Accept", "application/json")

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("public_finance: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("public_finance: status %d: %s", resp.StatusCode, string(body))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return backoff.Permanent(fmt.Errorf("public_finance: decoding response: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = publicInitialDelay
	if err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, publicMaxRetries), ctx)); err != nil {
		return nil, err
	}
	if payload.Chart.Error != nil {
		return nil, fmt.Errorf("public_finance: api error %s: %s",
			payload.Chart.Error.Code, payload.Chart.Error.Description)
	}
	if len(payload.Chart.Result) == 0 {
		return models.NewBarTable(req.Symbol, models.SourcePublicFinance, nil), nil
	}

	result := payload.Chart.Result[0]
	records := make([]RawRecord, 0, len(result.Timestamp))
	var quote struct {
		Open, High, Low, Close, Volume []*float64
	}
	if len(result.Indicators.Quote) > 0 {
		q := result.Indicators.Quote[0]
		quote.Open, quote.High, quote.Low = q.Open, q.High, q.Low
		quote.Close, quote.Volume = q.Close, q.Volume
	}
	for i, ts := range result.Timestamp {
		records = append(records, RawRecord{
			"timestamp": strconv.FormatInt(ts, 10),
			"open":      floatAt(quote.Open, i),
			"high":      floatAt(quote.High, i),
			"low":       floatAt(quote.Low, i),
			"close":     floatAt(quote.Close, i),
			"volume":    floatAt(quote.Volume, i),
		})
	}

	table := MapRecords(req.Symbol, models.SourcePublicFinance, records)
	a.logger.Debug("fetched public finance bars",
		"symbol", req.Symbol, "interval", string(req.Interval), "bars", table.Len())
	return table, nil
}

// floatAt renders the i-th quote element, with nulls and short columns
// becoming the empty string (missing).
func floatAt(col []*float64, i int) string {
	if i >= len(col) || col[i] == nil {
		return ""
	}
	return strconv.FormatFloat(*col[i], 'f', -1, 64)
}
