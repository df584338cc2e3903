// Package provider defines the market-data source boundary and its
// Yahoo Finance implementation. A provider fetches daily OHLCV history
// for a single asset; failures are scoped to that asset and surfaced as
// typed errors so the pipeline can aggregate them without aborting the
// run for other assets.
package provider

import (
	"context"
	"fmt"
	"time"

	"coinflow/internal/models"
)

// Fetcher retrieves daily OHLCV history for one asset.
//
// Implementations must never forward malformed rows: anything that does
// not normalize into a valid RawPriceRecord is dropped and counted in
// the result. An empty result is not an error.
type Fetcher interface {
	// Fetch returns normalized daily records for the asset covering
	// roughly the given lookback window. The context bounds the
	// provider call; implementations should respect cancellation and
	// apply their own rate limiting.
	Fetch(ctx context.Context, asset models.Asset, lookback time.Duration) (*FetchResult, error)
}

// FetchResult contains the normalized records for one asset fetch.
type FetchResult struct {
	// Records are valid, normalized rows in ascending date order.
	Records []models.RawPriceRecord

	// Dropped counts provider rows that failed normalization or
	// validation and were discarded.
	Dropped int
}

// ProviderError represents a per-asset fetch failure. It is recoverable
// at the run level: the failing asset contributes zero records and the
// remaining assets proceed.
type ProviderError struct {
	// Ticker is the provider ticker that failed
	Ticker string

	// Err is the underlying cause
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider fetch for %s failed: %v", e.Ticker, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a ProviderError for the given ticker.
func NewProviderError(ticker string, err error) *ProviderError {
	return &ProviderError{Ticker: ticker, Err: err}
}
