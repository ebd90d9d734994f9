// Package ingest accumulates processed observation records and flushes them
// to the downstream catalog in bounded batches, keeping the harvest log's
// counts and watermark current as each batch commits.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbn-survey/cs-harvester/internal/catalog"
	"github.com/sbn-survey/cs-harvester/internal/harvestlog"
)

// DefaultThreshold is the batch size used when none is configured.
const DefaultThreshold = 8192

// Config controls a Batcher. Update selects upsert mode for the whole run;
// add and update are never mixed. DryRun counts everything but never touches
// the catalog.
type Config struct {
	Threshold int
	Update    bool
	DryRun    bool
}

// Batcher is the in-memory accumulator between label processing and the
// catalog. It is single-writer: one run, sequential calls.
type Batcher struct {
	store  catalog.Store
	runLog *harvestlog.Log
	cfg    Config
	logger zerolog.Logger

	pending    []catalog.Observation
	files      int
	itemErrors int
	watermark  time.Time
}

// New constructs a Batcher flushing through store and recording progress in
// runLog.
func New(store catalog.Store, runLog *harvestlog.Log, cfg Config, logger zerolog.Logger) *Batcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Batcher{store: store, runLog: runLog, cfg: cfg, logger: logger}
}

// SetWatermark sets the validation timestamp recorded with subsequent
// flushes. The harvest log keeps it monotonic; passing an older value here
// never lowers the stored watermark.
func (b *Batcher) SetWatermark(t time.Time) {
	b.watermark = t
}

// Add appends a processed record, flushing when the accumulator reaches the
// configured threshold.
func (b *Batcher) Add(ctx context.Context, obs catalog.Observation) error {
	b.pending = append(b.pending, obs)
	b.files++
	if len(b.pending) >= b.cfg.Threshold {
		return b.flush(ctx)
	}
	return nil
}

// RecordItemError counts a per-record processing failure. Item failures are
// not fatal; they surface in the run record's errors column.
func (b *Batcher) RecordItemError() {
	b.files++
	b.itemErrors++
}

// FlushRemainder flushes whatever the accumulator holds, including pending
// counts when no records remain.
func (b *Batcher) FlushRemainder(ctx context.Context) error {
	if len(b.pending) == 0 && b.files == 0 && b.itemErrors == 0 {
		return nil
	}
	return b.flush(ctx)
}

// flush writes the accumulated batch to the catalog and records progress. A
// catalog failure marks the active harvest log row failed and propagates as
// fatal; batches already committed stay committed.
func (b *Batcher) flush(ctx context.Context) error {
	var (
		result catalog.Result
		err    error
	)

	switch {
	case b.cfg.DryRun:
		result.Added = len(b.pending)
	case len(b.pending) == 0:
		// Nothing to write, only counts to record.
	case b.cfg.Update:
		result, err = b.store.UpdateObservations(ctx, b.pending)
	default:
		result, err = b.store.AddObservations(ctx, b.pending)
	}
	if err != nil {
		if logErr := b.runLog.Finish(harvestlog.Failed); logErr != nil {
			b.logger.Error().Err(logErr).Msg("ingest: failed to mark harvest log row failed")
		}
		return fmt.Errorf("flushing %d observations: %w", len(b.pending), err)
	}

	delta := harvestlog.Delta{
		Files:      b.files,
		Added:      result.Added,
		Duplicates: result.Duplicates,
		Errors:     b.itemErrors,
	}
	if err := b.runLog.RecordProgress(delta, b.watermark); err != nil {
		return fmt.Errorf("recording progress: %w", err)
	}

	b.logger.Info().
		Str("batch_id", result.BatchID).
		Int("files", delta.Files).
		Int("added", delta.Added).
		Int("duplicates", delta.Duplicates).
		Int("errors", delta.Errors).
		Bool("dry_run", b.cfg.DryRun).
		Msg("ingest: batch flushed")

	b.pending = b.pending[:0]
	b.files = 0
	b.itemErrors = 0
	return nil
}
