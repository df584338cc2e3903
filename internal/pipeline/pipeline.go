// Package pipeline orchestrates the daily run: fetch history for every
// tracked asset, load the reference and fact tables, then recompute the
// derived metrics. Each stage runs under its own deadline, runs are
// serialized, and a failing asset never blocks the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"coinflow/internal/metrics"
	"coinflow/internal/models"
	"coinflow/internal/provider"
	"coinflow/internal/storage"
)

const (
	// DefaultIngestTimeout bounds the ingest stage: registry save,
	// all asset fetches, and the fact-table load.
	DefaultIngestTimeout = 120 * time.Second

	// DefaultDeriveTimeout bounds the derive stage.
	DefaultDeriveTimeout = 60 * time.Second

	// DefaultLookback is the history window requested per asset.
	DefaultLookback = 30 * 24 * time.Hour
)

// ErrRunInProgress is returned when a run is requested while another
// run holds the pipeline.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// Stage identifies a pipeline stage in errors and reports.
type Stage string

const (
	StageIngest Stage = "ingest"
	StageDerive Stage = "derive"
)

// TimeoutError reports a stage exceeding its deadline. The stage fails;
// for ingest, previously committed loads remain in place.
type TimeoutError struct {
	// Stage is the stage that timed out
	Stage Stage

	// Limit is the deadline that was exceeded
	Limit time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s exceeded its %s deadline", e.Stage, e.Limit)
}

// StageError is one failure recorded against a run.
type StageError struct {
	// Stage is the stage the error occurred in
	Stage Stage

	// Err is the underlying failure
	Err error
}

func (e StageError) String() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// FetchOutcome is the tagged result of one asset's fetch. Exactly one
// of Records or Err is meaningful; a failed asset carries its error
// here instead of disappearing silently.
type FetchOutcome struct {
	// Asset is the registry entry that was fetched
	Asset models.Asset

	// Records are the normalized rows for a successful fetch
	Records []models.RawPriceRecord

	// Dropped counts provider rows discarded during normalization
	Dropped int

	// Err is the per-asset failure, nil on success
	Err error
}

// IngestReport summarizes the ingest stage.
type IngestReport struct {
	AssetsRequested int
	AssetsSucceeded int
	AssetsFailed    int
	RowsDropped     int

	// Outcomes holds the per-asset results in registry order.
	Outcomes []FetchOutcome

	// Load is the fact-table load summary, nil when the load was not
	// reached.
	Load *storage.LoadReport
}

// Result summarizes one pipeline run.
type Result struct {
	// RunID uniquely identifies the run in logs and reports.
	RunID uuid.UUID

	StartedAt  time.Time
	FinishedAt time.Time

	// Success is true when both stages completed. Per-asset fetch
	// failures degrade the run but do not fail it; a run fails only
	// when a stage as a whole fails (storage, timeout, or zero assets
	// ingested).
	Success bool

	Ingest *IngestReport
	Derive *metrics.DeriveReport

	// StageErrors collects the failures of the run, per-asset and
	// stage-fatal alike.
	StageErrors []StageError
}

// Config holds the pipeline's tunable parameters.
type Config struct {
	IngestTimeout time.Duration
	DeriveTimeout time.Duration
	Lookback      time.Duration
}

// DefaultPipelineConfig returns the standard stage deadlines and
// lookback window.
func DefaultPipelineConfig() Config {
	return Config{
		IngestTimeout: DefaultIngestTimeout,
		DeriveTimeout: DefaultDeriveTimeout,
		Lookback:      DefaultLookback,
	}
}

// Pipeline coordinates the ingest and derive stages over an injected
// provider and store. All dependencies are lifecycle-scoped: the caller
// opens the store, hands it in, and closes it when done.
type Pipeline struct {
	assets  []models.Asset
	fetcher provider.Fetcher
	store   storage.FullStore
	deriver *metrics.Deriver
	config  Config
	logger  *slog.Logger

	runMu sync.Mutex
}

// New creates a pipeline over the given registry snapshot, fetcher, and
// store.
func New(assets []models.Asset, fetcher provider.Fetcher, store storage.FullStore, config Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if config.IngestTimeout <= 0 {
		config.IngestTimeout = DefaultIngestTimeout
	}
	if config.DeriveTimeout <= 0 {
		config.DeriveTimeout = DefaultDeriveTimeout
	}
	if config.Lookback <= 0 {
		config.Lookback = DefaultLookback
	}

	return &Pipeline{
		assets:  assets,
		fetcher: fetcher,
		store:   store,
		deriver: metrics.NewDeriver(store, store, logger),
		config:  config,
		logger:  logger,
	}
}

// Run executes ingest then derive. Returns ErrRunInProgress without
// touching any state when another run is active. Stage failures are
// recorded on the Result rather than returned: the caller inspects
// Success and StageErrors.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if !p.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer p.runMu.Unlock()

	result := &Result{
		RunID:     uuid.New(),
		StartedAt: time.Now().UTC(),
	}
	log := p.logger.With("run_id", result.RunID)
	log.Info("pipeline run starting", "assets", len(p.assets))

	ingestOK := p.runIngest(ctx, result, log)

	// Derivation runs even after a degraded ingest so the derived table
	// reflects whatever the fact table now holds. A fully failed ingest
	// stage skips it.
	deriveOK := false
	if ingestOK {
		deriveOK = p.runDerive(ctx, result, log)
	} else {
		log.Warn("skipping derive stage after failed ingest")
	}

	result.Success = ingestOK && deriveOK
	result.FinishedAt = time.Now().UTC()

	log.Info("pipeline run finished",
		"success", result.Success,
		"stage_errors", len(result.StageErrors),
		"duration", result.FinishedAt.Sub(result.StartedAt))

	return result, nil
}

func (p *Pipeline) runIngest(ctx context.Context, result *Result, log *slog.Logger) bool {
	ingestCtx, cancel := context.WithTimeout(ctx, p.config.IngestTimeout)
	defer cancel()

	report, err := p.ingest(ingestCtx)
	result.Ingest = report

	// Per-asset failures are recorded but not fatal.
	if report != nil {
		for _, outcome := range report.Outcomes {
			if outcome.Err != nil {
				result.StageErrors = append(result.StageErrors, StageError{Stage: StageIngest, Err: outcome.Err})
			}
		}
	}

	if err != nil {
		err = p.classifyDeadline(ingestCtx, err, StageIngest, p.config.IngestTimeout)
		result.StageErrors = append(result.StageErrors, StageError{Stage: StageIngest, Err: err})
		log.Error("ingest stage failed", "error", err)
		return false
	}
	return true
}

func (p *Pipeline) runDerive(ctx context.Context, result *Result, log *slog.Logger) bool {
	deriveCtx, cancel := context.WithTimeout(ctx, p.config.DeriveTimeout)
	defer cancel()

	report, err := p.deriver.Derive(deriveCtx)
	result.Derive = report

	if err != nil {
		err = p.classifyDeadline(deriveCtx, err, StageDerive, p.config.DeriveTimeout)
		result.StageErrors = append(result.StageErrors, StageError{Stage: StageDerive, Err: err})
		log.Error("derive stage failed", "error", err)
		return false
	}
	return true
}

// classifyDeadline converts a deadline-driven failure into a
// TimeoutError so callers can distinguish slowness from brokenness.
func (p *Pipeline) classifyDeadline(ctx context.Context, err error, stage Stage, limit time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Stage: stage, Limit: limit}
	}
	return err
}

// Ingest fetches every tracked asset concurrently, saves the registry
// snapshot, and loads the surviving rows into the fact table. A
// per-asset failure contributes zero rows; the stage fails only when
// storage fails or no asset could be fetched.
func (p *Pipeline) Ingest(ctx context.Context) (*IngestReport, error) {
	ingestCtx, cancel := context.WithTimeout(ctx, p.config.IngestTimeout)
	defer cancel()

	report, err := p.ingest(ingestCtx)
	if err != nil {
		return report, p.classifyDeadline(ingestCtx, err, StageIngest, p.config.IngestTimeout)
	}
	return report, nil
}

func (p *Pipeline) ingest(ctx context.Context) (*IngestReport, error) {
	if err := p.store.SaveAssets(ctx, p.assets); err != nil {
		return nil, fmt.Errorf("saving asset registry: %w", err)
	}

	report := &IngestReport{
		AssetsRequested: len(p.assets),
		Outcomes:        p.fetchAll(ctx),
	}

	var records []models.RawPriceRecord
	for _, outcome := range report.Outcomes {
		if outcome.Err != nil {
			report.AssetsFailed++
			continue
		}
		report.AssetsSucceeded++
		report.RowsDropped += outcome.Dropped
		records = append(records, outcome.Records...)
	}

	if report.AssetsRequested > 0 && report.AssetsSucceeded == 0 {
		return report, fmt.Errorf("all %d asset fetches failed", report.AssetsRequested)
	}

	load, err := p.store.LoadRecords(ctx, records, storage.AppendDeduplicated)
	if err != nil {
		return report, fmt.Errorf("loading fact table: %w", err)
	}
	report.Load = load

	p.logger.Info("ingest complete",
		"assets_succeeded", report.AssetsSucceeded,
		"assets_failed", report.AssetsFailed,
		"rows_submitted", load.RowsSubmitted,
		"rows_new", load.RowsNew,
		"rows_replaced", load.RowsReplaced,
		"rows_dropped", report.RowsDropped)

	return report, nil
}

// fetchAll fans the fetches out, one goroutine per asset, and returns
// the outcomes in registry order.
func (p *Pipeline) fetchAll(ctx context.Context) []FetchOutcome {
	outcomes := make([]FetchOutcome, len(p.assets))

	var wg sync.WaitGroup
	for i, asset := range p.assets {
		wg.Add(1)
		go func(i int, asset models.Asset) {
			defer wg.Done()

			outcome := FetchOutcome{Asset: asset}
			result, err := p.fetcher.Fetch(ctx, asset, p.config.Lookback)
			if err != nil {
				outcome.Err = err
				p.logger.Warn("asset fetch failed",
					"asset", asset.LogicalID,
					"ticker", asset.ProviderTicker,
					"error", err)
			} else {
				outcome.Records = result.Records
				outcome.Dropped = result.Dropped
			}
			outcomes[i] = outcome
		}(i, asset)
	}
	wg.Wait()

	return outcomes
}

// DeriveOnly recomputes the derived table from the current fact table
// without fetching, under the derive deadline.
func (p *Pipeline) DeriveOnly(ctx context.Context) (*metrics.DeriveReport, error) {
	deriveCtx, cancel := context.WithTimeout(ctx, p.config.DeriveTimeout)
	defer cancel()

	report, err := p.deriver.Derive(deriveCtx)
	if err != nil {
		return report, p.classifyDeadline(deriveCtx, err, StageDerive, p.config.DeriveTimeout)
	}
	return report, nil
}
