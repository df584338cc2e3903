package storage

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflow/internal/models"
)

// runFullStoreContract exercises the FullStore semantics every backend
// must satisfy. Both backends run the same contract so they stay
// interchangeable.
func runFullStoreContract(t *testing.T, newStore func(t *testing.T) FullStore) {
	ctx := context.Background()

	t.Run("SaveAssets_ReplacesSnapshot", func(t *testing.T) {
		store := newStore(t)

		require.NoError(t, store.SaveAssets(ctx, testAssets()))
		// Second save with a smaller snapshot discards the first.
		require.NoError(t, store.SaveAssets(ctx, testAssets()[:1]))
	})

	t.Run("SaveAssets_RejectsInvalid", func(t *testing.T) {
		store := newStore(t)

		err := store.SaveAssets(ctx, []models.Asset{{LogicalID: ""}})
		require.Error(t, err)

		var storageErr *StorageError
		assert.ErrorAs(t, err, &storageErr)
	})

	t.Run("LoadRecords_AppendDeduplicated_Idempotent", func(t *testing.T) {
		store := newStore(t)

		batch := []models.RawPriceRecord{
			testRecord(t, "BTC-USD", 1, "104"),
			testRecord(t, "BTC-USD", 2, "108"),
		}

		report, err := store.LoadRecords(ctx, batch, AppendDeduplicated)
		require.NoError(t, err)
		assert.Equal(t, 2, report.RowsSubmitted)
		assert.Equal(t, 2, report.RowsNew)
		assert.Equal(t, 0, report.RowsReplaced)

		// Re-loading the same batch changes nothing.
		report, err = store.LoadRecords(ctx, batch, AppendDeduplicated)
		require.NoError(t, err)
		assert.Equal(t, 0, report.RowsNew)
		assert.Equal(t, 2, report.RowsReplaced)

		records, err := store.QueryRecords(ctx, "BTC-USD")
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("LoadRecords_OverlappingWindows_LastWriteWins", func(t *testing.T) {
		store := newStore(t)

		first := []models.RawPriceRecord{
			testRecord(t, "BTC-USD", 1, "104"),
			testRecord(t, "BTC-USD", 2, "108"),
		}
		_, err := store.LoadRecords(ctx, first, AppendDeduplicated)
		require.NoError(t, err)

		// Overlaps on day 2 with a revised close, adds day 3.
		second := []models.RawPriceRecord{
			testRecord(t, "BTC-USD", 2, "109"),
			testRecord(t, "BTC-USD", 3, "112"),
		}
		report, err := store.LoadRecords(ctx, second, AppendDeduplicated)
		require.NoError(t, err)
		assert.Equal(t, 1, report.RowsNew)
		assert.Equal(t, 1, report.RowsReplaced)

		records, err := store.QueryRecords(ctx, "BTC-USD")
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "109", records[1].Close, "day 2 should hold the re-submitted close")
	})

	t.Run("LoadRecords_ReplaceAll_DiscardsPrevious", func(t *testing.T) {
		store := newStore(t)

		_, err := store.LoadRecords(ctx, []models.RawPriceRecord{
			testRecord(t, "BTC-USD", 1, "104"),
			testRecord(t, "ETH-USD", 1, "204"),
		}, AppendDeduplicated)
		require.NoError(t, err)

		report, err := store.LoadRecords(ctx, []models.RawPriceRecord{
			testRecord(t, "BTC-USD", 2, "110"),
		}, ReplaceAll)
		require.NoError(t, err)
		assert.Equal(t, 1, report.RowsNew)

		records, err := store.QueryRecords(ctx, "")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, testDate(2), records[0].Date)
	})

	t.Run("LoadRecords_RejectsInvalidBeforeWriting", func(t *testing.T) {
		store := newStore(t)

		bad := testRecord(t, "BTC-USD", 2, "104")
		bad.Open = "-1"

		_, err := store.LoadRecords(ctx, []models.RawPriceRecord{
			testRecord(t, "BTC-USD", 1, "104"),
			bad,
		}, AppendDeduplicated)
		require.Error(t, err)

		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "load", storageErr.Operation)

		// The valid row ahead of the invalid one must not have landed.
		records, err := store.QueryRecords(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("QueryRecords_OrderedBySymbolThenDate", func(t *testing.T) {
		store := newStore(t)

		_, err := store.LoadRecords(ctx, []models.RawPriceRecord{
			testRecord(t, "ETH-USD", 2, "204"),
			testRecord(t, "BTC-USD", 2, "108"),
			testRecord(t, "BTC-USD", 1, "104"),
			testRecord(t, "ETH-USD", 1, "200"),
		}, AppendDeduplicated)
		require.NoError(t, err)

		records, err := store.QueryRecords(ctx, "")
		require.NoError(t, err)
		require.Len(t, records, 4)
		assert.Equal(t, "BTC-USD", records[0].Symbol)
		assert.Equal(t, testDate(1), records[0].Date)
		assert.Equal(t, "BTC-USD", records[1].Symbol)
		assert.Equal(t, testDate(2), records[1].Date)
		assert.Equal(t, "ETH-USD", records[2].Symbol)
		assert.Equal(t, testDate(1), records[2].Date)
	})

	t.Run("ReplaceDerived_SwapsTable", func(t *testing.T) {
		store := newStore(t)

		first := []models.DerivedMetricRecord{
			derivedRecord(t, "BTC-USD", 1, "104"),
			derivedRecord(t, "BTC-USD", 2, "108"),
		}
		require.NoError(t, store.ReplaceDerived(ctx, first))

		// Recompute yields a different set; nothing stale survives.
		second := []models.DerivedMetricRecord{
			derivedRecord(t, "BTC-USD", 3, "112"),
		}
		require.NoError(t, store.ReplaceDerived(ctx, second))

		records, err := store.QueryDerived(ctx, "BTC-USD")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, testDate(3), records[0].Date)
	})

	t.Run("QueryDerived_PreservesNullDayOverDay", func(t *testing.T) {
		store := newStore(t)

		row := derivedRecord(t, "BTC-USD", 1, "104")
		require.False(t, row.DayOverDayChangePct.Valid)
		require.NoError(t, store.ReplaceDerived(ctx, []models.DerivedMetricRecord{row}))

		records, err := store.QueryDerived(ctx, "BTC-USD")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.False(t, records[0].DayOverDayChangePct.Valid)
	})

	t.Run("Freshness", func(t *testing.T) {
		store := newStore(t)

		latest, err := store.Freshness(ctx)
		require.NoError(t, err)
		assert.True(t, latest.IsZero(), "empty derived table reports zero freshness")

		require.NoError(t, store.ReplaceDerived(ctx, []models.DerivedMetricRecord{
			derivedRecord(t, "BTC-USD", 1, "104"),
			derivedRecord(t, "BTC-USD", 5, "112"),
		}))

		latest, err = store.Freshness(ctx)
		require.NoError(t, err)
		assert.Equal(t, testDate(5), latest)
	})

	t.Run("Stats", func(t *testing.T) {
		store := newStore(t)

		_, err := store.LoadRecords(ctx, []models.RawPriceRecord{
			testRecord(t, "BTC-USD", 1, "104"),
			testRecord(t, "BTC-USD", 3, "108"),
			testRecord(t, "ETH-USD", 2, "204"),
		}, AppendDeduplicated)
		require.NoError(t, err)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.RawRows)
		assert.Equal(t, 2, stats.Symbols)
		assert.Equal(t, testDate(1), stats.EarliestDate)
		assert.Equal(t, testDate(3), stats.LatestDate)
	})

	t.Run("HealthCheck", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.HealthCheck(ctx))
	})
}

func derivedRecord(t *testing.T, symbol string, day int, close string) models.DerivedMetricRecord {
	t.Helper()
	raw := testRecord(t, symbol, day, close)
	closeDec, err := raw.CloseDecimal()
	require.NoError(t, err)
	openDec, err := raw.OpenDecimal()
	require.NoError(t, err)

	return models.DerivedMetricRecord{
		Symbol:         raw.Symbol,
		Date:           raw.Date,
		Open:           raw.Open,
		High:           raw.High,
		Low:            raw.Low,
		Close:          raw.Close,
		Volume:         raw.Volume,
		DailyReturnPct: closeDec.Sub(openDec).Div(openDec).Mul(decimal.NewFromInt(100)),
		MA7Day:         closeDec,
		MA30Day:        closeDec,
	}
}
