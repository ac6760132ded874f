package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/sjtrading/marketdata-ingest/internal/models"
	"github.com/sjtrading/marketdata-ingest/internal/secrets"
)

const (
	brokerageDefaultBaseURL = "https://api.brokerage.example.com"
	brokerageTimeout        = 30 * time.Second
	brokerageRateLimit      = 3 // requests per second
	brokerageRateBurst      = 3
	brokerageMaxRetries     = 3
	brokerageInitialDelay   = 500 * time.Millisecond

	secretAPIKey      = "api_key"
	secretAccessToken = "access_token"
)

// BrokerageAdapter fetches historical candles from the brokerage API.
// Credentials come from a secrets provider at request time; an absent
// credential makes the adapter report ErrUnavailable instead of failing hard,
// so deployments without a brokerage account degrade to public data.
type BrokerageAdapter struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	credentials secrets.Provider
	logger      *slog.Logger
}

// BrokerageOption configures a BrokerageAdapter.
type BrokerageOption func(*BrokerageAdapter)

// WithBrokerageBaseURL overrides the API endpoint, mainly for tests.
func WithBrokerageBaseURL(u string) BrokerageOption {
	return func(a *BrokerageAdapter) { a.baseURL = u }
}

// WithBrokerageHTTPClient overrides the HTTP client.
func WithBrokerageHTTPClient(c *http.Client) BrokerageOption {
	return func(a *BrokerageAdapter) { a.httpClient = c }
}

// WithBrokerageRateLimit overrides the requests-per-second limit.
func WithBrokerageRateLimit(rps float64, burst int) BrokerageOption {
	return func(a *BrokerageAdapter) { a.rateLimiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewBrokerageAdapter creates the adapter. A nil logger falls back to
// slog.Default.
func NewBrokerageAdapter(credentials secrets.Provider, logger *slog.Logger, opts ...BrokerageOption) *BrokerageAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &BrokerageAdapter{
		baseURL:     brokerageDefaultBaseURL,
		httpClient:  &http.Client{Timeout: brokerageTimeout},
		rateLimiter: rate.NewLimiter(rate.Limit(brokerageRateLimit), brokerageRateBurst),
		credentials: credentials,
		logger:      logger.With("component", "brokerage_adapter"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *BrokerageAdapter) Name() string          { return "brokerage" }
func (a *BrokerageAdapter) Source() models.Source { return models.SourceBrokerage }

// brokerageResponse is the candle payload: status plus an array of
// [timestamp, open, high, low, close, volume] rows.
type brokerageResponse struct {
	Status string `json:"status"`
	Data   struct {
		Candles [][]json.RawMessage `json:"candles"`
	} `json:"data"`
}

// FetchHistorical retrieves candles for the request with rate limiting and
// exponential-backoff retries. 4xx responses other than 429 are permanent;
// 429 and 5xx are retried.
func (a *BrokerageAdapter) FetchHistorical(ctx context.Context, req HistoricalRequest) (*models.BarTable, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if a.credentials == nil {
		return nil, fmt.Errorf("%w: no credential provider configured", ErrUnavailable)
	}

	apiKey, err := a.credentials.Get(ctx, secretAPIKey)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("brokerage: resolving credentials: %w", err)
	}
	token, err := a.credentials.Get(ctx, secretAccessToken)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("brokerage: resolving credentials: %w", err)
	}

	endpoint := fmt.Sprintf("%s/instruments/historical/%s/%s",
		a.baseURL, url.PathEscape(req.Symbol), url.PathEscape(string(req.Interval)))
	query := url.Values{
		"from": {req.Start.Format("2006-01-02 15:04:05")},
		"to":   {req.End.Format("2006-01-02 15:04:05")},
	}

	var payload brokerageResponse
	operation := func() error {
		if err := a.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Authorization", "token "+apiKey+":"+token)
		httpReq.Header.Set("Accept", "application/json")

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("brokerage: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("brokerage: status %d: %s", resp.StatusCode, string(body))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return backoff.Permanent(fmt.Errorf("brokerage: decoding response: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = brokerageInitialDelay
	if err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, brokerageMaxRetries), ctx)); err != nil {
		return nil, err
	}
	if payload.Status != "" && payload.Status != "success" {
		return nil, fmt.Errorf("brokerage: api status %q", payload.Status)
	}

	records := make([]RawRecord, 0, len(payload.Data.Candles))
	for _, candle := range payload.Data.Candles {
		if len(candle) < 6 {
			continue
		}
		records = append(records, RawRecord{
			"date":   rawScalar(candle[0]),
			"open":   rawScalar(candle[1]),
			"high":   rawScalar(candle[2]),
			"low":    rawScalar(candle[3]),
			"close":  rawScalar(candle[4]),
			"volume": rawScalar(candle[5]),
		})
	}

	table := MapRecords(req.Symbol, models.SourceBrokerage, records)
	a.logger.Debug("fetched brokerage candles",
		"symbol", req.Symbol, "interval", string(req.Interval), "bars", table.Len())
	return table, nil
}

// rawScalar renders a JSON scalar as its literal text, stripping quotes from
// strings. Numbers keep their exact wire representation so decimal parsing
// sees no float round-trip.
func rawScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
