// Yahoo Finance chart API adapter. Uses the public v8 chart endpoint
// (the same one yfinance wraps) with rate limiting, retry with
// exponential backoff, and strict normalization of the columnar
// response into flat RawPriceRecords.
package provider

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

	"coinflow/internal/models"
)

const (
	yahooBaseURL  = "https://query1.finance.yahoo.com"
	chartEndpoint = "/v8/finance/chart/%s"

	// Rate limiting configuration
	maxRequestsPerSecond = 2
	rateLimitBurst       = 1

	// Request configuration
	requestTimeout = 30 * time.Second

	// Retry configuration
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
	retryMultiplier   = 2.0
	retryJitter       = 0.5
)

// YahooAdapter implements Fetcher against the Yahoo Finance chart API.
type YahooAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger
}

// NewYahooAdapter creates a Yahoo Finance adapter with default
// transport, rate limiting, and logging configuration.
func NewYahooAdapter() *YahooAdapter {
	return &YahooAdapter{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(maxRequestsPerSecond), rateLimitBurst),
		baseURL:     yahooBaseURL,
		logger:      slog.Default(),
	}
}

// NewYahooAdapterWithOptions creates an adapter with a custom base URL
// and logger. An empty baseURL or nil logger falls back to defaults.
func NewYahooAdapterWithOptions(baseURL string, logger *slog.Logger) *YahooAdapter {
	adapter := NewYahooAdapter()
	if baseURL != "" {
		adapter.baseURL = baseURL
	}
	if logger != nil {
		adapter.logger = logger
	}
	return adapter
}

// Fetch implements the Fetcher interface.
func (y *YahooAdapter) Fetch(ctx context.Context, asset models.Asset, lookback time.Duration) (*FetchResult, error) {
	if err := asset.Validate(); err != nil {
		return nil, NewProviderError(asset.ProviderTicker, fmt.Errorf("invalid asset: %w", err))
	}

	y.logger.Debug("fetching daily history",
		"ticker", asset.ProviderTicker,
		"lookback", lookback)

	if err := y.rateLimiter.Wait(ctx); err != nil {
		return nil, NewProviderError(asset.ProviderTicker, fmt.Errorf("rate limit wait failed: %w", err))
	}

	params := url.Values{}
	params.Set("range", rangeParam(lookback))
	params.Set("interval", "1d")
	requestURL := fmt.Sprintf(y.baseURL+chartEndpoint, url.PathEscape(asset.ProviderTicker)) + "?" + params.Encode()

	body, err := y.getWithRetry(ctx, requestURL)
	if err != nil {
		return nil, NewProviderError(asset.ProviderTicker, err)
	}

	result, err := y.normalize(asset, body)
	if err != nil {
		return nil, NewProviderError(asset.ProviderTicker, err)
	}

	y.logger.Debug("fetched daily history",
		"ticker", asset.ProviderTicker,
		"records", len(result.Records),
		"dropped", result.Dropped)

	return result, nil
}

// getWithRetry performs a GET with exponential backoff. Server errors
// and rate limiting are retried; client errors are permanent.
func (y *YahooAdapter) getWithRetry(ctx context.Context, requestURL string) ([]byte, error) {
	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = initialRetryDelay
	backoffConfig.MaxInterval = maxRetryDelay
	backoffConfig.Multiplier = retryMultiplier
	backoffConfig.RandomizationFactor = retryJitter
	backoffConfig.MaxElapsedTime = 0 // rely on context for the overall bound

	var body []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "Mozilla/5.0")

		resp, err := y.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
				y.logger.Warn("rate limited by provider", "retry_after", retryAfter)
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return fmt.Errorf("rate limited")
		}

		responseBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, string(responseBody))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("client error %d: %s", resp.StatusCode, string(responseBody)))
		}

		body = responseBody
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoffConfig, ctx)); err != nil {
		return nil, err
	}

	return body, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

// rangeParam maps a lookback window onto the chart API's supported
// range values.
func rangeParam(lookback time.Duration) string {
	days := int(lookback.Hours() / 24)
	switch {
	case days <= 0:
		return "1mo"
	case days <= 5:
		return "5d"
	case days <= 30:
		return "1mo"
	case days <= 90:
		return "3mo"
	case days <= 180:
		return "6mo"
	default:
		return "1y"
	}
}

// chartResponse mirrors the columnar chart payload: one timestamp array
// plus parallel indicator arrays, with null entries for untraded days.
type chartResponse struct {
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

// normalize flattens the columnar payload into validated records. Any
// unexpected shape is a normalization failure for the whole asset;
// individual incomplete or invariant-violating rows are dropped and
// counted, never forwarded.
func (y *YahooAdapter) normalize(asset models.Asset, body []byte) (*FetchResult, error) {
	var payload chartResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse chart response: %w", err)
	}

	if payload.Chart.Error != nil {
		return nil, fmt.Errorf("provider error %s: %s", payload.Chart.Error.Code, payload.Chart.Error.Description)
	}

	if len(payload.Chart.Result) == 0 {
		// No data for this ticker; valid empty result.
		return &FetchResult{Records: []models.RawPriceRecord{}}, nil
	}

	series := payload.Chart.Result[0]
	if len(series.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("chart response missing quote indicators")
	}
	quote := series.Indicators.Quote[0]

	if len(quote.Open) != len(series.Timestamp) ||
		len(quote.High) != len(series.Timestamp) ||
		len(quote.Low) != len(series.Timestamp) ||
		len(quote.Close) != len(series.Timestamp) ||
		len(quote.Volume) != len(series.Timestamp) {
		return nil, fmt.Errorf("chart response has mismatched column lengths")
	}

	result := &FetchResult{Records: make([]models.RawPriceRecord, 0, len(series.Timestamp))}
	seen := make(map[time.Time]bool, len(series.Timestamp))

	for i, ts := range series.Timestamp {
		if quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil ||
			quote.Close[i] == nil || quote.Volume[i] == nil {
			result.Dropped++
			continue
		}

		record, err := models.NewRawPriceRecord(
			asset.ProviderTicker,
			time.Unix(ts, 0),
			formatPrice(*quote.Open[i]),
			formatPrice(*quote.High[i]),
			formatPrice(*quote.Low[i]),
			formatPrice(*quote.Close[i]),
			formatPrice(*quote.Volume[i]),
		)
		if err != nil {
			y.logger.Warn("dropping malformed provider row",
				"ticker", asset.ProviderTicker,
				"timestamp", ts,
				"error", err)
			result.Dropped++
			continue
		}

		// The chart API can repeat the in-progress day at the tail.
		if seen[record.Date] {
			result.Dropped++
			continue
		}
		seen[record.Date] = true

		result.Records = append(result.Records, *record)
	}

	return result, nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Compile-time interface compliance check
var _ Fetcher = (*YahooAdapter)(nil)
