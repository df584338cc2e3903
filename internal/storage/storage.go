// Package storage defines the persistence boundary for the pipeline:
// the reference table of tracked assets, the raw daily fact table, and
// the derived metrics table the dashboard reads. Interfaces are small
// and composable so the DuckDB and in-memory backends stay
// interchangeable in tests.
package storage

import (
	"context"
	"fmt"
	"time"

	"coinflow/internal/models"
)

// Disposition selects the write semantics for a load operation.
type Disposition int

const (
	// ReplaceAll fully overwrites the target dataset with the
	// submitted rows.
	ReplaceAll Disposition = iota

	// AppendDeduplicated adds rows while keeping at most one row per
	// (symbol, date) key; a re-submitted key replaces the stored row
	// (last write wins). Loading the same batch twice leaves the table
	// unchanged after the first load.
	AppendDeduplicated
)

// String returns the disposition name.
func (d Disposition) String() string {
	switch d {
	case ReplaceAll:
		return "replace_all"
	case AppendDeduplicated:
		return "append_deduplicated"
	default:
		return "unknown"
	}
}

// LoadReport summarizes a fact-table load.
type LoadReport struct {
	// RowsSubmitted is the number of rows handed to the loader.
	RowsSubmitted int

	// RowsNew is the number of net-new (symbol, date) keys written.
	RowsNew int

	// RowsReplaced is the number of submitted rows that overwrote an
	// existing key (including duplicates within the batch).
	RowsReplaced int
}

// RecordLoader handles writes into the reference and fact datasets.
type RecordLoader interface {
	// SaveAssets rewrites the reference table with the given registry
	// snapshot. Replace semantics: the previous snapshot is discarded
	// in the same transaction.
	SaveAssets(ctx context.Context, assets []models.Asset) error

	// LoadRecords writes raw rows into the fact table using the given
	// disposition. All rows are validated before any write; the write
	// is atomic per invocation.
	LoadRecords(ctx context.Context, records []models.RawPriceRecord, disposition Disposition) (*LoadReport, error)
}

// RecordReader handles reads from the fact dataset.
type RecordReader interface {
	// QueryRecords returns fact rows ordered by symbol, then ascending
	// date. An empty symbol returns the entire table.
	QueryRecords(ctx context.Context, symbol string) ([]models.RawPriceRecord, error)
}

// DerivedWriter rewrites the derived metrics dataset.
type DerivedWriter interface {
	// ReplaceDerived atomically swaps the derived table for the given
	// rows. Readers never observe a partially written table: the swap
	// happens in a single transaction after the full set is computed.
	ReplaceDerived(ctx context.Context, records []models.DerivedMetricRecord) error
}

// DerivedReader handles reads from the derived dataset.
type DerivedReader interface {
	// QueryDerived returns derived rows ordered by symbol, then
	// ascending date. An empty symbol returns the entire table.
	QueryDerived(ctx context.Context, symbol string) ([]models.DerivedMetricRecord, error)

	// Freshness returns the maximum metric date present, the "data as
	// of" signal consumers display. Returns the zero time when the
	// derived table is empty.
	Freshness(ctx context.Context) (time.Time, error)
}

// StoreManager handles storage lifecycle and operational concerns.
type StoreManager interface {
	// Initialize prepares the schema. Idempotent and safe to call on
	// every run.
	Initialize(ctx context.Context) error

	// Close releases the underlying connection. The store must not be
	// used afterwards.
	Close() error

	// HealthCheck verifies the backend is reachable with a lightweight
	// query.
	HealthCheck(ctx context.Context) error

	// Stats reports row counts and the covered date range for
	// monitoring and the status command.
	Stats(ctx context.Context) (*StoreStats, error)
}

// FullStore combines every storage capability. Backends implement this
// to serve a complete pipeline run.
type FullStore interface {
	RecordLoader
	RecordReader
	DerivedWriter
	DerivedReader
	StoreManager
}

// StoreStats reports operational statistics about the store.
type StoreStats struct {
	// RawRows is the total number of fact rows stored
	RawRows int64

	// DerivedRows is the total number of derived rows stored
	DerivedRows int64

	// Symbols is the number of distinct symbols in the fact table
	Symbols int

	// EarliestDate and LatestDate bound the fact table's date range;
	// both are zero when the table is empty
	EarliestDate time.Time
	LatestDate   time.Time
}

// StorageError represents a failure against the persistent store. It is
// fatal to the current run: the orchestrator surfaces it and aborts
// rather than continuing with partial state.
type StorageError struct {
	// Operation is the storage operation that failed (e.g. "load", "query")
	Operation string

	// Table is the logical table involved, if any
	Table string

	// Err is the underlying cause
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with the provided context.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// NewLoadError creates a StorageError for load operations.
func NewLoadError(table string, err error) *StorageError {
	return &StorageError{Operation: "load", Table: table, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Err: err}
}
