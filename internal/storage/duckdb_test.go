package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflow/internal/models"
)

func newTestDuckDB(t *testing.T) FullStore {
	t.Helper()

	store, err := NewDuckDBStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestDuckDBStore_Contract(t *testing.T) {
	runFullStoreContract(t, newTestDuckDB)
}

func TestDuckDBStore_Initialize_Idempotent(t *testing.T) {
	store, err := NewDuckDBStore(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.Initialize(ctx))
}

func TestDuckDBStore_Close_ThenHealthCheckFails(t *testing.T) {
	store, err := NewDuckDBStore(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))

	require.NoError(t, store.Close())
	// Close twice is safe.
	require.NoError(t, store.Close())

	err = store.HealthCheck(context.Background())
	require.Error(t, err)

	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)
}

func TestDuckDBStore_RoundTripPreservesValues(t *testing.T) {
	store := newTestDuckDB(t)
	ctx := context.Background()

	record := testRecord(t, "BTC-USD", 1, "104.25")
	record.Open = "100.5"
	record.Volume = "12345.75"

	_, err := store.LoadRecords(ctx, []models.RawPriceRecord{record}, AppendDeduplicated)
	require.NoError(t, err)

	records, err := store.QueryRecords(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, "100.5", got.Open)
	assert.Equal(t, "104.25", got.Close)
	assert.Equal(t, "12345.75", got.Volume)
	assert.Equal(t, testDate(1), got.Date)
}
