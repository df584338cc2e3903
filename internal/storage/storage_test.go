package storage

import (
	"testing"
	"time"

	"coinflow/internal/models"
)

// Shared helpers for the backend tests.

func testDate(day int) time.Time {
	return time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC)
}

func testRecord(t *testing.T, symbol string, day int, close string) models.RawPriceRecord {
	t.Helper()
	record := models.RawPriceRecord{
		Symbol: symbol,
		Date:   testDate(day),
		Open:   "100",
		High:   "300",
		Low:    "50",
		Close:  close,
		Volume: "1000",
	}
	if err := record.Validate(); err != nil {
		t.Fatalf("test record invalid: %v", err)
	}
	return record
}

func testAssets() []models.Asset {
	return []models.Asset{
		{LogicalID: "bitcoin", DisplaySymbol: "BTC", DisplayName: "Bitcoin", ProviderTicker: "BTC-USD"},
		{LogicalID: "ethereum", DisplaySymbol: "ETH", DisplayName: "Ethereum", ProviderTicker: "ETH-USD"},
	}
}

func TestDisposition_String(t *testing.T) {
	tests := []struct {
		disposition Disposition
		want        string
	}{
		{ReplaceAll, "replace_all"},
		{AppendDeduplicated, "append_deduplicated"},
		{Disposition(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.disposition.String(); got != tt.want {
			t.Errorf("Disposition(%d).String() = %q, want %q", tt.disposition, got, tt.want)
		}
	}
}
