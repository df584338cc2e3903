package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"coinflow/internal/models"
)

// MemoryStore implements FullStore with in-memory maps. Used in tests
// and as a drop-in backend where persistence is not needed. Semantics
// match DuckDBStore: same ordering, same dedup key, same atomicity per
// call.
type MemoryStore struct {
	mu          sync.RWMutex
	assets      []models.Asset
	raw         map[string]models.RawPriceRecord // keyed by symbol|date
	derived     []models.DerivedMetricRecord
	initialized bool
	closed      bool
	logger      *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		raw:    make(map[string]models.RawPriceRecord),
		logger: logger,
	}
}

func rawKey(symbol string, date time.Time) string {
	return fmt.Sprintf("%s|%s", symbol, date.Format("2006-01-02"))
}

// Initialize implements StoreManager.Initialize.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", fmt.Errorf("store is closed"))
	}
	m.initialized = true
	return nil
}

// SaveAssets implements RecordLoader.SaveAssets.
func (m *MemoryStore) SaveAssets(ctx context.Context, assets []models.Asset) error {
	for i, asset := range assets {
		if err := asset.Validate(); err != nil {
			return NewLoadError("assets", fmt.Errorf("invalid asset at index %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewLoadError("assets", fmt.Errorf("store is closed"))
	}

	m.assets = make([]models.Asset, len(assets))
	copy(m.assets, assets)
	return nil
}

// LoadRecords implements RecordLoader.LoadRecords.
func (m *MemoryStore) LoadRecords(ctx context.Context, records []models.RawPriceRecord, disposition Disposition) (*LoadReport, error) {
	for i, record := range records {
		if err := record.Validate(); err != nil {
			return nil, NewLoadError("raw_fact", fmt.Errorf("invalid record at index %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewLoadError("raw_fact", fmt.Errorf("store is closed"))
	}

	if disposition == ReplaceAll {
		m.raw = make(map[string]models.RawPriceRecord)
	}

	before := len(m.raw)
	for _, record := range records {
		m.raw[rawKey(record.Symbol, record.Date)] = record
	}
	after := len(m.raw)

	return &LoadReport{
		RowsSubmitted: len(records),
		RowsNew:       after - before,
		RowsReplaced:  len(records) - (after - before),
	}, nil
}

// QueryRecords implements RecordReader.QueryRecords.
func (m *MemoryStore) QueryRecords(ctx context.Context, symbol string) ([]models.RawPriceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("raw_fact", fmt.Errorf("store is closed"))
	}

	var records []models.RawPriceRecord
	for _, record := range m.raw {
		if symbol == "" || record.Symbol == symbol {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Symbol != records[j].Symbol {
			return records[i].Symbol < records[j].Symbol
		}
		return records[i].Date.Before(records[j].Date)
	})

	return records, nil
}

// ReplaceDerived implements DerivedWriter.ReplaceDerived.
func (m *MemoryStore) ReplaceDerived(ctx context.Context, records []models.DerivedMetricRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewLoadError("derived_metrics", fmt.Errorf("store is closed"))
	}

	m.derived = make([]models.DerivedMetricRecord, len(records))
	copy(m.derived, records)
	return nil
}

// QueryDerived implements DerivedReader.QueryDerived.
func (m *MemoryStore) QueryDerived(ctx context.Context, symbol string) ([]models.DerivedMetricRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("derived_metrics", fmt.Errorf("store is closed"))
	}

	var records []models.DerivedMetricRecord
	for _, record := range m.derived {
		if symbol == "" || record.Symbol == symbol {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Symbol != records[j].Symbol {
			return records[i].Symbol < records[j].Symbol
		}
		return records[i].Date.Before(records[j].Date)
	})

	return records, nil
}

// Freshness implements DerivedReader.Freshness.
func (m *MemoryStore) Freshness(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return time.Time{}, NewQueryError("derived_metrics", fmt.Errorf("store is closed"))
	}

	var latest time.Time
	for _, record := range m.derived {
		if record.Date.After(latest) {
			latest = record.Date
		}
	}
	return latest, nil
}

// Stats implements StoreManager.Stats.
func (m *MemoryStore) Stats(ctx context.Context) (*StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("stats", "", fmt.Errorf("store is closed"))
	}

	stats := &StoreStats{
		RawRows:     int64(len(m.raw)),
		DerivedRows: int64(len(m.derived)),
	}

	symbols := make(map[string]bool)
	for _, record := range m.raw {
		symbols[record.Symbol] = true
		if stats.EarliestDate.IsZero() || record.Date.Before(stats.EarliestDate) {
			stats.EarliestDate = record.Date
		}
		if record.Date.After(stats.LatestDate) {
			stats.LatestDate = record.Date
		}
	}
	stats.Symbols = len(symbols)

	return stats, nil
}

// HealthCheck implements StoreManager.HealthCheck.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return NewStorageError("health_check", "", fmt.Errorf("store is closed"))
	}
	return nil
}

// Close implements StoreManager.Close.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Compile-time interface compliance check
var _ FullStore = (*MemoryStore)(nil)
