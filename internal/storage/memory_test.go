package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) FullStore {
	t.Helper()

	store := NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestMemoryStore_Contract(t *testing.T) {
	runFullStoreContract(t, newTestMemory)
}

func TestMemoryStore_ClosedStoreRejectsOperations(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.Close())

	_, err := store.QueryRecords(ctx, "")
	require.Error(t, err)

	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)

	err = store.ReplaceDerived(ctx, nil)
	assert.Error(t, err)

	err = store.HealthCheck(ctx)
	assert.Error(t, err)
}
