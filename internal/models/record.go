// Package models provides the data structures and validation for the
// crypto price pipeline: tracked assets, raw daily OHLCV rows, and the
// derived per-day metric rows consumed by the dashboard.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RawPriceRecord is one row of the fact dataset: daily OHLCV for a
// single symbol and trading date. Prices and volume are carried as
// decimal strings to avoid float drift between the provider and the
// store. (Symbol, Date) is unique within the fact table.
type RawPriceRecord struct {
	Symbol string    `json:"symbol" db:"symbol"`
	Date   time.Time `json:"date" db:"trade_date"`
	Open   string    `json:"open" db:"open"`
	High   string    `json:"high" db:"high"`
	Low    string    `json:"low" db:"low"`
	Close  string    `json:"close" db:"close"`
	Volume string    `json:"volume" db:"volume"`
}

// ValidationError represents a record validation failure with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the validation failure
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs full validation of the record. It checks that all
// price fields parse as decimals greater than zero, volume is
// non-negative, the OHLC relationships hold (high >= max(open, close),
// low <= min(open, close)), and the identifying fields are set.
// Returns a *ValidationError describing the first failure.
func (r *RawPriceRecord) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if r.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "date cannot be zero"}
	}

	open, err := decimal.NewFromString(r.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(r.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(r.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	close, err := decimal.NewFromString(r.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}
	volume, err := decimal.NewFromString(r.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, close)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(open, close)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// OpenDecimal returns the open price as a decimal.Decimal.
func (r *RawPriceRecord) OpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Open)
}

// HighDecimal returns the high price as a decimal.Decimal.
func (r *RawPriceRecord) HighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.High)
}

// LowDecimal returns the low price as a decimal.Decimal.
func (r *RawPriceRecord) LowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Low)
}

// CloseDecimal returns the close price as a decimal.Decimal.
func (r *RawPriceRecord) CloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Close)
}

// VolumeDecimal returns the volume as a decimal.Decimal.
func (r *RawPriceRecord) VolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Volume)
}

// String implements fmt.Stringer.
func (r *RawPriceRecord) String() string {
	return fmt.Sprintf("RawPriceRecord{Symbol: %s, Date: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		r.Symbol, r.Date.Format("2006-01-02"), r.Open, r.High, r.Low, r.Close, r.Volume)
}

// NewRawPriceRecord creates and validates a raw price record. The date
// is truncated to UTC midnight so that (symbol, date) keys compare
// consistently regardless of the provider's intraday timestamps.
func NewRawPriceRecord(symbol string, date time.Time, open, high, low, close, volume string) (*RawPriceRecord, error) {
	record := &RawPriceRecord{
		Symbol: symbol,
		Date:   TradingDate(date),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: volume,
	}

	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create raw price record: %w", err)
	}

	return record, nil
}

// TradingDate truncates a timestamp to its UTC trading date (midnight).
func TradingDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DerivedMetricRecord is one row of the derived dataset: the raw OHLCV
// fields for a (symbol, date) plus the analytical metrics computed from
// them. The derived table is rewritten in full on every derivation run,
// so there is exactly one derived row per raw row.
//
// DailyReturnPct is the intraday return, (close-open)/open*100. The
// close-to-close variant is intentionally not used here because it
// would duplicate DayOverDayChangePct.
type DerivedMetricRecord struct {
	Symbol string    `json:"symbol" db:"symbol"`
	Date   time.Time `json:"metric_date" db:"metric_date"`
	Open   string    `json:"open_price" db:"open_price"`
	High   string    `json:"high_price" db:"high_price"`
	Low    string    `json:"low_price" db:"low_price"`
	Close  string    `json:"close_price" db:"close_price"`
	Volume string    `json:"volume" db:"volume"`

	// DailyReturnPct is the intraday percent return for the date.
	DailyReturnPct decimal.Decimal `json:"daily_return_pct" db:"daily_return_pct"`

	// DayOverDayChangePct is the percent change of close versus the
	// prior trading date's close. Invalid (null) on the first date of
	// a symbol's series.
	DayOverDayChangePct decimal.NullDecimal `json:"day_over_day_change_pct" db:"day_over_day_change_pct"`

	// MA7Day and MA30Day are trailing simple moving averages of close
	// over the most recent 7 and 30 trading dates, inclusive of the
	// current one. The window truncates at the start of the series.
	MA7Day  decimal.Decimal `json:"ma_7day" db:"ma_7day"`
	MA30Day decimal.Decimal `json:"ma_30day" db:"ma_30day"`
}

// String implements fmt.Stringer.
func (d *DerivedMetricRecord) String() string {
	dod := "null"
	if d.DayOverDayChangePct.Valid {
		dod = d.DayOverDayChangePct.Decimal.String()
	}
	return fmt.Sprintf("DerivedMetricRecord{Symbol: %s, Date: %s, Close: %s, Return: %s, DoD: %s, MA7: %s, MA30: %s}",
		d.Symbol, d.Date.Format("2006-01-02"), d.Close, d.DailyReturnPct, dod, d.MA7Day, d.MA30Day)
}
