package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflow/internal/models"
	"coinflow/internal/provider"
	"coinflow/internal/storage"
)

func testAssets() []models.Asset {
	return []models.Asset{
		{LogicalID: "bitcoin", DisplaySymbol: "BTC", DisplayName: "Bitcoin", ProviderTicker: "BTC-USD"},
		{LogicalID: "ethereum", DisplaySymbol: "ETH", DisplayName: "Ethereum", ProviderTicker: "ETH-USD"},
	}
}

func testDate(day int) time.Time {
	return time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC)
}

func fetchedRecord(symbol string, day int) models.RawPriceRecord {
	return models.RawPriceRecord{
		Symbol: symbol,
		Date:   testDate(day),
		Open:   "100",
		High:   "120",
		Low:    "90",
		Close:  "110",
		Volume: "1000",
	}
}

// fakeFetcher serves canned per-ticker results and counts calls.
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]*provider.FetchResult
	errs    map[string]error
	calls   int
	block   chan struct{} // when set, Fetch waits for close or ctx
}

func (f *fakeFetcher) Fetch(ctx context.Context, asset models.Asset, lookback time.Duration) (*provider.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, provider.NewProviderError(asset.ProviderTicker, ctx.Err())
		}
	}

	if err, ok := f.errs[asset.ProviderTicker]; ok {
		return nil, provider.NewProviderError(asset.ProviderTicker, err)
	}
	if result, ok := f.results[asset.ProviderTicker]; ok {
		return result, nil
	}
	return &provider.FetchResult{}, nil
}

func newTestStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore(nil)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPipeline_Run_Success(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{
		results: map[string]*provider.FetchResult{
			"BTC-USD": {Records: []models.RawPriceRecord{fetchedRecord("BTC-USD", 1), fetchedRecord("BTC-USD", 2)}},
			"ETH-USD": {Records: []models.RawPriceRecord{fetchedRecord("ETH-USD", 1)}, Dropped: 1},
		},
	}

	p := New(testAssets(), fetcher, store, DefaultPipelineConfig(), nil)
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.StageErrors)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", result.RunID.String())

	require.NotNil(t, result.Ingest)
	assert.Equal(t, 2, result.Ingest.AssetsRequested)
	assert.Equal(t, 2, result.Ingest.AssetsSucceeded)
	assert.Equal(t, 1, result.Ingest.RowsDropped)
	require.NotNil(t, result.Ingest.Load)
	assert.Equal(t, 3, result.Ingest.Load.RowsNew)

	require.NotNil(t, result.Derive)
	assert.Equal(t, 3, result.Derive.RowsOut)

	derived, err := store.QueryDerived(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, derived, 3)
}

func TestPipeline_Run_PartialFetchFailureStillSucceeds(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{
		results: map[string]*provider.FetchResult{
			"BTC-USD": {Records: []models.RawPriceRecord{fetchedRecord("BTC-USD", 1)}},
		},
		errs: map[string]error{
			"ETH-USD": fmt.Errorf("provider unavailable"),
		},
	}

	p := New(testAssets(), fetcher, store, DefaultPipelineConfig(), nil)
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	// The failing asset is reported but the run completes.
	assert.True(t, result.Success)
	require.Len(t, result.StageErrors, 1)
	assert.Equal(t, StageIngest, result.StageErrors[0].Stage)

	var providerErr *provider.ProviderError
	require.ErrorAs(t, result.StageErrors[0].Err, &providerErr)
	assert.Equal(t, "ETH-USD", providerErr.Ticker)

	assert.Equal(t, 1, result.Ingest.AssetsSucceeded)
	assert.Equal(t, 1, result.Ingest.AssetsFailed)

	records, err := store.QueryRecords(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestPipeline_Run_AllFetchesFailed(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{
		errs: map[string]error{
			"BTC-USD": fmt.Errorf("down"),
			"ETH-USD": fmt.Errorf("down"),
		},
	}

	p := New(testAssets(), fetcher, store, DefaultPipelineConfig(), nil)
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Success)
	// Derive is skipped after a failed ingest.
	assert.Nil(t, result.Derive)

	derived, err := store.QueryDerived(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, derived)
}

// failingLoader wraps the memory store and fails fact-table loads.
type failingLoader struct {
	*storage.MemoryStore
}

func (f *failingLoader) LoadRecords(ctx context.Context, records []models.RawPriceRecord, disposition storage.Disposition) (*storage.LoadReport, error) {
	return nil, storage.NewLoadError("raw_fact", fmt.Errorf("disk full"))
}

func TestPipeline_Run_StorageFailureFailsRun(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{
		results: map[string]*provider.FetchResult{
			"BTC-USD": {Records: []models.RawPriceRecord{fetchedRecord("BTC-USD", 1)}},
		},
	}

	p := New(testAssets(), fetcher, &failingLoader{MemoryStore: store}, DefaultPipelineConfig(), nil)
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Success)
	require.NotEmpty(t, result.StageErrors)

	var storageErr *storage.StorageError
	assert.ErrorAs(t, result.StageErrors[len(result.StageErrors)-1].Err, &storageErr)
}

func TestPipeline_Run_RerunIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{
		results: map[string]*provider.FetchResult{
			"BTC-USD": {Records: []models.RawPriceRecord{fetchedRecord("BTC-USD", 1), fetchedRecord("BTC-USD", 2)}},
		},
	}

	p := New(testAssets()[:1], fetcher, store, DefaultPipelineConfig(), nil)

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, 2, first.Ingest.Load.RowsNew)

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, second.Success)
	assert.Equal(t, 0, second.Ingest.Load.RowsNew)
	assert.Equal(t, 2, second.Ingest.Load.RowsReplaced)

	records, err := store.QueryRecords(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	derived, err := store.QueryDerived(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, derived, 2)
}

func TestPipeline_Run_SerializedRuns(t *testing.T) {
	store := newTestStore(t)
	block := make(chan struct{})
	fetcher := &fakeFetcher{block: block}

	p := New(testAssets()[:1], fetcher, store, DefaultPipelineConfig(), nil)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		p.Run(context.Background())
		close(done)
	}()

	<-started
	// Wait for the first run to be inside its fetch.
	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls > 0
	}, time.Second, 5*time.Millisecond)

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(block)
	<-done

	// Once the first run finishes, a new run is accepted.
	_, err = p.Run(context.Background())
	assert.NoError(t, err)
}

func TestPipeline_Run_IngestTimeout(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{block: make(chan struct{})} // never closed

	config := DefaultPipelineConfig()
	config.IngestTimeout = 50 * time.Millisecond

	p := New(testAssets()[:1], fetcher, store, config, nil)
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Success)
	require.NotEmpty(t, result.StageErrors)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, result.StageErrors[len(result.StageErrors)-1].Err, &timeoutErr)
	assert.Equal(t, StageIngest, timeoutErr.Stage)
}

func TestPipeline_DeriveOnly(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadRecords(context.Background(),
		[]models.RawPriceRecord{fetchedRecord("BTC-USD", 1)},
		storage.AppendDeduplicated)
	require.NoError(t, err)

	p := New(nil, &fakeFetcher{}, store, DefaultPipelineConfig(), nil)
	report, err := p.DeriveOnly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsOut)
}

func TestTimeoutError_Message(t *testing.T) {
	err := &TimeoutError{Stage: StageDerive, Limit: time.Minute}
	assert.Contains(t, err.Error(), "derive")
	assert.Contains(t, err.Error(), "1m0s")
}
