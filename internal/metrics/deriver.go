// Package metrics computes the derived per-day analytics from the raw
// fact table: intraday return, day-over-day change, and trailing moving
// averages. Derivation is a full recompute: every run reads the entire
// fact table and atomically replaces the derived table, so the derived
// data is always a pure function of the current raw data.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"coinflow/internal/models"
	"coinflow/internal/storage"
)

const (
	shortWindow = 7
	longWindow  = 30
)

var oneHundred = decimal.NewFromInt(100)

// Deriver recomputes the derived metrics table from the raw fact table.
type Deriver struct {
	reader storage.RecordReader
	writer storage.DerivedWriter
	logger *slog.Logger
}

// NewDeriver creates a deriver over the given reader and writer.
func NewDeriver(reader storage.RecordReader, writer storage.DerivedWriter, logger *slog.Logger) *Deriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deriver{
		reader: reader,
		writer: writer,
		logger: logger,
	}
}

// DeriveReport summarizes one derivation run.
type DeriveReport struct {
	// RowsIn is the number of raw rows read.
	RowsIn int

	// RowsOut is the number of derived rows written.
	RowsOut int

	// RowsSkipped counts raw rows that could not be derived (malformed
	// values). Skipped rows are reported, never written.
	RowsSkipped int

	// Symbols is the number of distinct symbols derived.
	Symbols int

	// Duration is the wall time of the run.
	Duration time.Duration
}

// Derive reads the full fact table, computes per-day metrics for each
// symbol, and atomically replaces the derived table. A malformed raw
// row is skipped and counted without aborting the run; storage failures
// abort it.
func (d *Deriver) Derive(ctx context.Context) (*DeriveReport, error) {
	start := time.Now()

	records, err := d.reader.QueryRecords(ctx, "")
	if err != nil {
		return nil, err
	}

	report := &DeriveReport{RowsIn: len(records)}

	// Rows arrive ordered by symbol then ascending date, so grouping is
	// a single pass.
	derived := make([]models.DerivedMetricRecord, 0, len(records))
	bySymbol := groupBySymbol(records)
	report.Symbols = len(bySymbol)

	for _, series := range bySymbol {
		rows, skipped := d.deriveSeries(series)
		derived = append(derived, rows...)
		report.RowsSkipped += skipped
	}

	if err := d.writer.ReplaceDerived(ctx, derived); err != nil {
		return nil, err
	}

	report.RowsOut = len(derived)
	report.Duration = time.Since(start)

	d.logger.Info("derivation complete",
		"rows_in", report.RowsIn,
		"rows_out", report.RowsOut,
		"rows_skipped", report.RowsSkipped,
		"symbols", report.Symbols,
		"duration", report.Duration)

	return report, nil
}

// groupBySymbol splits the ordered record stream into per-symbol series,
// preserving the ascending date order within each.
func groupBySymbol(records []models.RawPriceRecord) [][]models.RawPriceRecord {
	var groups [][]models.RawPriceRecord
	var current []models.RawPriceRecord

	for _, record := range records {
		if len(current) > 0 && current[len(current)-1].Symbol != record.Symbol {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, record)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// deriveSeries computes the metric rows for one symbol's date-ordered
// series. Returns the derived rows and the count of skipped raw rows.
func (d *Deriver) deriveSeries(series []models.RawPriceRecord) ([]models.DerivedMetricRecord, int) {
	derived := make([]models.DerivedMetricRecord, 0, len(series))
	closes := make([]decimal.Decimal, 0, len(series))
	skipped := 0

	var prevClose decimal.Decimal
	havePrev := false

	for _, record := range series {
		open, err := record.OpenDecimal()
		if err != nil {
			d.skip(&record, "open", err)
			skipped++
			continue
		}
		close, err := record.CloseDecimal()
		if err != nil {
			d.skip(&record, "close", err)
			skipped++
			continue
		}
		if open.IsZero() || open.IsNegative() {
			d.skip(&record, "open", nil)
			skipped++
			continue
		}

		row := models.DerivedMetricRecord{
			Symbol:         record.Symbol,
			Date:           record.Date,
			Open:           record.Open,
			High:           record.High,
			Low:            record.Low,
			Close:          record.Close,
			Volume:         record.Volume,
			DailyReturnPct: close.Sub(open).Div(open).Mul(oneHundred),
		}

		if havePrev && !prevClose.IsZero() {
			row.DayOverDayChangePct = decimal.NewNullDecimal(
				close.Sub(prevClose).Div(prevClose).Mul(oneHundred))
		}

		closes = append(closes, close)
		row.MA7Day = trailingMean(closes, shortWindow)
		row.MA30Day = trailingMean(closes, longWindow)

		derived = append(derived, row)
		prevClose = close
		havePrev = true
	}

	return derived, skipped
}

func (d *Deriver) skip(record *models.RawPriceRecord, field string, err error) {
	d.logger.Warn("skipping underivable fact row",
		"symbol", record.Symbol,
		"date", record.Date.Format("2006-01-02"),
		"field", field,
		"error", err)
}

// trailingMean averages the last window values of the series, inclusive
// of the newest. The window truncates when fewer values exist.
func trailingMean(values []decimal.Decimal, window int) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	if window > len(values) {
		window = len(values)
	}

	sum := decimal.Zero
	for _, v := range values[len(values)-window:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(window)))
}
