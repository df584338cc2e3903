// DuckDB-backed store. The database is an embedded single file (or
// :memory:) opened with a single-writer connection pool, matching
// DuckDB's recommended usage. Fact-table dedup rides on the
// (symbol, trade_date) primary key via INSERT OR REPLACE; the derived
// table is swapped inside one transaction so readers never see a
// partial rewrite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"coinflow/internal/models"
)

// DuckDBStore implements FullStore using DuckDB as the backend.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBStore opens a DuckDB store. The dbPath can be ":memory:" for
// an in-memory database or a file path for persistent storage. The
// returned store is not yet initialized; callers own its lifecycle and
// must Close it when the run ends.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

// Initialize implements StoreManager.Initialize.
// Creates the assets, raw_fact, and derived_metrics tables plus indexes.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing DuckDB store", "db_path", d.dbPath)

	statements := []struct {
		table string
		query string
	}{
		{"assets", `
			CREATE TABLE IF NOT EXISTS assets (
				logical_id VARCHAR PRIMARY KEY,
				display_symbol VARCHAR NOT NULL,
				display_name VARCHAR NOT NULL,
				provider_ticker VARCHAR NOT NULL
			)`},
		{"raw_fact", `
			CREATE TABLE IF NOT EXISTS raw_fact (
				symbol VARCHAR NOT NULL,
				trade_date DATE NOT NULL,
				open DOUBLE NOT NULL,
				high DOUBLE NOT NULL,
				low DOUBLE NOT NULL,
				close DOUBLE NOT NULL,
				volume DOUBLE NOT NULL,
				loaded_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
				CONSTRAINT raw_fact_pk PRIMARY KEY (symbol, trade_date),
				CONSTRAINT raw_fact_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close),
				CONSTRAINT raw_fact_prices_positive CHECK (open > 0 AND high > 0 AND low > 0 AND close > 0),
				CONSTRAINT raw_fact_volume_non_negative CHECK (volume >= 0)
			)`},
		{"derived_metrics", `
			CREATE TABLE IF NOT EXISTS derived_metrics (
				symbol VARCHAR NOT NULL,
				metric_date DATE NOT NULL,
				open_price DOUBLE NOT NULL,
				high_price DOUBLE NOT NULL,
				low_price DOUBLE NOT NULL,
				close_price DOUBLE NOT NULL,
				volume DOUBLE NOT NULL,
				daily_return_pct DOUBLE NOT NULL,
				day_over_day_change_pct DOUBLE,
				ma_7day DOUBLE NOT NULL,
				ma_30day DOUBLE NOT NULL,
				CONSTRAINT derived_metrics_pk PRIMARY KEY (symbol, metric_date)
			)`},
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt.query); err != nil {
			return NewStorageError("initialize", stmt.table, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_raw_fact_symbol_date ON raw_fact (symbol, trade_date)",
		"CREATE INDEX IF NOT EXISTS idx_derived_symbol_date ON derived_metrics (symbol, metric_date)",
	}
	for _, indexQuery := range indexes {
		if _, err := d.db.ExecContext(ctx, indexQuery); err != nil {
			return NewStorageError("initialize", "", fmt.Errorf("failed to create index: %w", err))
		}
	}

	d.logger.Info("DuckDB store initialized")
	return nil
}

// SaveAssets implements RecordLoader.SaveAssets.
// The reference table is rewritten wholesale within one transaction.
func (d *DuckDBStore) SaveAssets(ctx context.Context, assets []models.Asset) error {
	for i, asset := range assets {
		if err := asset.Validate(); err != nil {
			return NewLoadError("assets", fmt.Errorf("invalid asset at index %d: %w", i, err))
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewLoadError("assets", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM assets"); err != nil {
		return NewLoadError("assets", fmt.Errorf("failed to clear reference table: %w", err))
	}

	insert := `INSERT INTO assets (logical_id, display_symbol, display_name, provider_ticker) VALUES ($1, $2, $3, $4)`
	for _, asset := range assets {
		if _, err := tx.ExecContext(ctx, insert,
			asset.LogicalID, asset.DisplaySymbol, asset.DisplayName, asset.ProviderTicker); err != nil {
			return NewLoadError("assets", fmt.Errorf("failed to insert asset %s: %w", asset.LogicalID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewLoadError("assets", fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("saved asset registry snapshot", "count", len(assets))
	return nil
}

// LoadRecords implements RecordLoader.LoadRecords.
// AppendDeduplicated upserts on the (symbol, trade_date) primary key so
// re-running with overlapping windows stays idempotent; ReplaceAll
// clears the fact table first. Either way the write is one transaction.
func (d *DuckDBStore) LoadRecords(ctx context.Context, records []models.RawPriceRecord, disposition Disposition) (*LoadReport, error) {
	start := time.Now()

	for i, record := range records {
		if err := record.Validate(); err != nil {
			return nil, NewLoadError("raw_fact", fmt.Errorf("invalid record at index %d: %w", i, err))
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewLoadError("raw_fact", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if disposition == ReplaceAll {
		if _, err := tx.ExecContext(ctx, "DELETE FROM raw_fact"); err != nil {
			return nil, NewLoadError("raw_fact", fmt.Errorf("failed to clear fact table: %w", err))
		}
	}

	var before int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM raw_fact").Scan(&before); err != nil {
		return nil, NewLoadError("raw_fact", fmt.Errorf("failed to count existing rows: %w", err))
	}

	insert := `
		INSERT OR REPLACE INTO raw_fact (symbol, trade_date, open, high, low, close, volume, loaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for _, record := range records {
		open, high, low, close, volume, err := recordFloats(&record)
		if err != nil {
			return nil, NewLoadError("raw_fact", fmt.Errorf("failed to convert record %s: %w", record.String(), err))
		}

		if _, err := tx.ExecContext(ctx, insert,
			record.Symbol, record.Date, open, high, low, close, volume, time.Now().UTC()); err != nil {
			return nil, NewLoadError("raw_fact", fmt.Errorf("failed to upsert record %s: %w", record.String(), err))
		}
	}

	var after int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM raw_fact").Scan(&after); err != nil {
		return nil, NewLoadError("raw_fact", fmt.Errorf("failed to count loaded rows: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, NewLoadError("raw_fact", fmt.Errorf("failed to commit: %w", err))
	}

	report := &LoadReport{
		RowsSubmitted: len(records),
		RowsNew:       after - before,
		RowsReplaced:  len(records) - (after - before),
	}

	d.logger.Debug("loaded fact rows",
		"disposition", disposition.String(),
		"submitted", report.RowsSubmitted,
		"new", report.RowsNew,
		"replaced", report.RowsReplaced,
		"duration", time.Since(start))

	return report, nil
}

// recordFloats parses the record's decimal strings for DuckDB's DOUBLE
// columns.
func recordFloats(record *models.RawPriceRecord) (open, high, low, close, volume float64, err error) {
	fields := []struct {
		name  string
		value string
		out   *float64
	}{
		{"open", record.Open, &open},
		{"high", record.High, &high},
		{"low", record.Low, &low},
		{"close", record.Close, &close},
		{"volume", record.Volume, &volume},
	}
	for _, field := range fields {
		parsed, parseErr := decimal.NewFromString(field.value)
		if parseErr != nil {
			return 0, 0, 0, 0, 0, fmt.Errorf("invalid %s: %w", field.name, parseErr)
		}
		*field.out, _ = parsed.Float64()
	}
	return open, high, low, close, volume, nil
}

// QueryRecords implements RecordReader.QueryRecords.
func (d *DuckDBStore) QueryRecords(ctx context.Context, symbol string) ([]models.RawPriceRecord, error) {
	query := `SELECT symbol, trade_date, open, high, low, close, volume FROM raw_fact`
	var args []interface{}
	if symbol != "" {
		query += " WHERE symbol = $1"
		args = append(args, symbol)
	}
	query += " ORDER BY symbol, trade_date ASC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("raw_fact", err)
	}
	defer rows.Close()

	var records []models.RawPriceRecord
	for rows.Next() {
		var record models.RawPriceRecord
		var open, high, low, close, volume float64

		if err := rows.Scan(&record.Symbol, &record.Date, &open, &high, &low, &close, &volume); err != nil {
			return nil, NewQueryError("raw_fact", fmt.Errorf("failed to scan row: %w", err))
		}

		record.Date = models.TradingDate(record.Date)
		record.Open = formatFloat(open)
		record.High = formatFloat(high)
		record.Low = formatFloat(low)
		record.Close = formatFloat(close)
		record.Volume = formatFloat(volume)
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError("raw_fact", fmt.Errorf("row iteration error: %w", err))
	}

	return records, nil
}

// ReplaceDerived implements DerivedWriter.ReplaceDerived.
// Delete-and-insert under one transaction: the swap is atomic, and an
// error on any row leaves the previous table contents intact.
func (d *DuckDBStore) ReplaceDerived(ctx context.Context, records []models.DerivedMetricRecord) error {
	start := time.Now()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewLoadError("derived_metrics", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM derived_metrics"); err != nil {
		return NewLoadError("derived_metrics", fmt.Errorf("failed to clear derived table: %w", err))
	}

	insert := `
		INSERT INTO derived_metrics (symbol, metric_date, open_price, high_price, low_price,
		                             close_price, volume, daily_return_pct, day_over_day_change_pct,
		                             ma_7day, ma_30day)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	for _, record := range records {
		open, high, low, close, volume, err := recordFloats(&models.RawPriceRecord{
			Open: record.Open, High: record.High, Low: record.Low,
			Close: record.Close, Volume: record.Volume,
		})
		if err != nil {
			return NewLoadError("derived_metrics", fmt.Errorf("failed to convert record %s: %w", record.String(), err))
		}

		var dayOverDay interface{}
		if record.DayOverDayChangePct.Valid {
			dayOverDay = record.DayOverDayChangePct.Decimal.InexactFloat64()
		}

		if _, err := tx.ExecContext(ctx, insert,
			record.Symbol, record.Date, open, high, low, close, volume,
			record.DailyReturnPct.InexactFloat64(), dayOverDay,
			record.MA7Day.InexactFloat64(), record.MA30Day.InexactFloat64()); err != nil {
			return NewLoadError("derived_metrics", fmt.Errorf("failed to insert derived row %s: %w", record.String(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewLoadError("derived_metrics", fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("replaced derived table",
		"rows", len(records),
		"duration", time.Since(start))

	return nil
}

// QueryDerived implements DerivedReader.QueryDerived.
func (d *DuckDBStore) QueryDerived(ctx context.Context, symbol string) ([]models.DerivedMetricRecord, error) {
	query := `
		SELECT symbol, metric_date, open_price, high_price, low_price, close_price, volume,
		       daily_return_pct, day_over_day_change_pct, ma_7day, ma_30day
		FROM derived_metrics`
	var args []interface{}
	if symbol != "" {
		query += " WHERE symbol = $1"
		args = append(args, symbol)
	}
	query += " ORDER BY symbol, metric_date ASC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("derived_metrics", err)
	}
	defer rows.Close()

	var records []models.DerivedMetricRecord
	for rows.Next() {
		var record models.DerivedMetricRecord
		var open, high, low, close, volume, dailyReturn, ma7, ma30 float64
		var dayOverDay sql.NullFloat64

		if err := rows.Scan(&record.Symbol, &record.Date, &open, &high, &low, &close, &volume,
			&dailyReturn, &dayOverDay, &ma7, &ma30); err != nil {
			return nil, NewQueryError("derived_metrics", fmt.Errorf("failed to scan row: %w", err))
		}

		record.Date = models.TradingDate(record.Date)
		record.Open = formatFloat(open)
		record.High = formatFloat(high)
		record.Low = formatFloat(low)
		record.Close = formatFloat(close)
		record.Volume = formatFloat(volume)
		record.DailyReturnPct = decimal.NewFromFloat(dailyReturn)
		record.MA7Day = decimal.NewFromFloat(ma7)
		record.MA30Day = decimal.NewFromFloat(ma30)
		if dayOverDay.Valid {
			record.DayOverDayChangePct = decimal.NewNullDecimal(decimal.NewFromFloat(dayOverDay.Float64))
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError("derived_metrics", fmt.Errorf("row iteration error: %w", err))
	}

	return records, nil
}

// Freshness implements DerivedReader.Freshness.
func (d *DuckDBStore) Freshness(ctx context.Context) (time.Time, error) {
	var latest sql.NullTime
	if err := d.db.QueryRowContext(ctx, "SELECT MAX(metric_date) FROM derived_metrics").Scan(&latest); err != nil {
		return time.Time{}, NewQueryError("derived_metrics", fmt.Errorf("failed to read freshness: %w", err))
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return models.TradingDate(latest.Time), nil
}

// Stats implements StoreManager.Stats.
func (d *DuckDBStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM raw_fact").Scan(&stats.RawRows); err != nil {
		return nil, NewQueryError("raw_fact", fmt.Errorf("failed to count fact rows: %w", err))
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT symbol) FROM raw_fact").Scan(&stats.Symbols); err != nil {
		return nil, NewQueryError("raw_fact", fmt.Errorf("failed to count symbols: %w", err))
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM derived_metrics").Scan(&stats.DerivedRows); err != nil {
		return nil, NewQueryError("derived_metrics", fmt.Errorf("failed to count derived rows: %w", err))
	}

	if stats.RawRows > 0 {
		var earliest, latest time.Time
		if err := d.db.QueryRowContext(ctx, "SELECT MIN(trade_date), MAX(trade_date) FROM raw_fact").Scan(&earliest, &latest); err != nil {
			return nil, NewQueryError("raw_fact", fmt.Errorf("failed to read date range: %w", err))
		}
		stats.EarliestDate = models.TradingDate(earliest)
		stats.LatestDate = models.TradingDate(latest)
	}

	return stats, nil
}

// HealthCheck implements StoreManager.HealthCheck.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", fmt.Errorf("database connection is closed"))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close implements StoreManager.Close.
func (d *DuckDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Info("closing DuckDB store")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Compile-time interface compliance check
var _ FullStore = (*DuckDBStore)(nil)
