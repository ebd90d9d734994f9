// Package harvest orchestrates a harvest run: it resolves the incremental
// window, scans the source's validation ledger, resolves each validated
// collection to its authoritative label, and feeds new inventory members
// through label processing into the downstream catalog.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbn-survey/cs-harvester/internal/catalog"
	"github.com/sbn-survey/cs-harvester/internal/collection"
	"github.com/sbn-survey/cs-harvester/internal/harvestlog"
	"github.com/sbn-survey/cs-harvester/internal/ingest"
	"github.com/sbn-survey/cs-harvester/internal/ledger"
	"github.com/sbn-survey/cs-harvester/internal/lidvid"
	"github.com/sbn-survey/cs-harvester/internal/metrics"
	"github.com/sbn-survey/cs-harvester/internal/pds4"
)

// LedgerReader yields validated-collection records inside a half-open
// (since, before] window, ascending by validation time. Satisfied by
// *ledger.Reader.
type LedgerReader interface {
	Validated(ctx context.Context, since, before time.Time) ([]ledger.Record, error)
}

// Options selects the scope of one run.
type Options struct {
	Target      string
	Since       time.Time     // explicit window start; zero means unset
	Past        time.Duration // window start relative to now; 0 means unset
	Before      time.Time     // window end; zero means now
	BatchSize   int
	DryRun      bool
	ListOnly    bool
	Update      bool
	OnlyProcess []string // restrict to these collection LIDs or LIDVIDs
}

// Summary reports what a run did. Run carries the harvest log row with the
// files/added/duplicates/errors counts.
type Summary struct {
	Run         harvestlog.Row
	Collections int
	Skipped     int
	Listed      []string
}

// Harvester drives one source through one run. It is not safe for concurrent
// use; the harvest log's processing sentinel already serializes runs across
// processes.
type Harvester struct {
	source   SourceConfig
	dataRoot string
	runLog   *harvestlog.Log
	ledger   LedgerReader
	store    catalog.Store
	open     collection.LabelOpener
	matcher  *collection.Matcher
	logger   zerolog.Logger
}

// New constructs a Harvester. The source's data_root overrides dataRoot when
// set. A nil opener defaults to reading label files from disk.
func New(source SourceConfig, dataRoot string, runLog *harvestlog.Log, lr LedgerReader, store catalog.Store, open collection.LabelOpener, logger zerolog.Logger) *Harvester {
	if source.DataRoot != "" {
		dataRoot = source.DataRoot
	}
	if open == nil {
		open = pds4.ReadLabel
	}
	return &Harvester{
		source:   source,
		dataRoot: dataRoot,
		runLog:   runLog,
		ledger:   lr,
		store:    store,
		open:     open,
		matcher:  collection.NewMatcher(open, logger),
		logger:   logger.With().Str("source", source.Name).Logger(),
	}
}

// Run executes one harvest. On success the harvest log row is stamped
// completed and the returned Summary carries its counts. Fatal errors mark
// the row failed before returning; per-collection and per-label failures are
// logged, counted, and skipped.
func (h *Harvester) Run(ctx context.Context, opts Options) (Summary, error) {
	since, before := h.window(opts)
	h.logger.Info().
		Str("target", opts.Target).
		Time("since", since).
		Time("before", before).
		Bool("dry_run", opts.DryRun).
		Msg("harvest: run starting")

	if err := h.runLog.Begin(opts.Target, h.source.Name); err != nil {
		return Summary{}, fmt.Errorf("beginning run: %w", err)
	}

	records, err := h.ledger.Validated(ctx, since, before)
	if err != nil {
		return Summary{}, h.fail(opts.Target, fmt.Errorf("querying validation ledger: %w", err))
	}
	h.logger.Info().Int("collections", len(records)).Msg("harvest: validated collections in window")

	if opts.ListOnly {
		return h.list(records, opts.Target)
	}

	only := onlySet(opts.OnlyProcess)
	batcher := ingest.New(h.store, h.runLog, ingest.Config{
		Threshold: opts.BatchSize,
		Update:    opts.Update,
		DryRun:    opts.DryRun,
	}, h.logger)

	var summary Summary
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, h.fail(opts.Target, err)
		}

		latest, candidates, err := h.resolveCollection(rec)
		if err != nil {
			if !skippable(err) {
				return summary, h.fail(opts.Target, err)
			}
			h.logger.Error().Err(err).Str("location", rec.Location).Msg("harvest: skipping collection")
			metrics.CollectionsSkipped.WithLabelValues(opts.Target, h.source.Name).Inc()
			summary.Skipped++
			continue
		}

		lv := latest.Label.LIDVID
		if only != nil && !matchOnly(only, lv) {
			continue
		}
		logger := h.logger.With().Str("collection", lv.String()).Logger()

		required, err := h.newProducts(latest, candidates, logger)
		if err != nil {
			if !skippable(err) {
				return summary, h.fail(opts.Target, err)
			}
			logger.Error().Err(err).Msg("harvest: skipping collection")
			metrics.CollectionsSkipped.WithLabelValues(opts.Target, h.source.Name).Inc()
			summary.Skipped++
			continue
		}

		if len(required) == 0 {
			logger.Info().Msg("harvest: no new inventory members")
			// Still advance the watermark so the next run skips this collection.
			if err := h.runLog.RecordProgress(harvestlog.Delta{}, rec.RecordedAt); err != nil {
				return summary, h.fail(opts.Target, err)
			}
			summary.Collections++
			metrics.CollectionsProcessed.WithLabelValues(opts.Target, h.source.Name).Inc()
			continue
		}

		files, err := h.labelFiles(rec)
		if err != nil {
			return summary, h.fail(opts.Target, err)
		}

		matched, err := h.matcher.MatchInventory(required, files, true)
		if err != nil {
			if !skippable(err) {
				return summary, h.fail(opts.Target, err)
			}
			logger.Error().Err(err).Msg("harvest: skipping collection")
			metrics.CollectionsSkipped.WithLabelValues(opts.Target, h.source.Name).Inc()
			summary.Skipped++
			continue
		}
		logger.Info().Int("new_products", len(required)).Msg("harvest: processing collection")

		for _, m := range matched {
			obs, err := buildObservation(m.Label)
			if err != nil {
				err = ItemError{Path: m.Path, Err: err}
				if !recoverable(err) {
					return summary, h.fail(opts.Target, err)
				}
				logger.Warn().Err(err).Msg("harvest: skipping label")
				metrics.ItemErrors.WithLabelValues(opts.Target, h.source.Name).Inc()
				batcher.RecordItemError()
				continue
			}
			metrics.FilesProcessed.WithLabelValues(opts.Target, h.source.Name).Inc()
			if err := batcher.Add(ctx, obs); err != nil {
				// The batcher already marked the run failed.
				metrics.RunsTotal.WithLabelValues(opts.Target, h.source.Name, string(harvestlog.Failed)).Inc()
				return summary, err
			}
		}

		// The watermark is raised only with the collection's final flush:
		// a threshold flush mid-collection must not move the resume cursor
		// past products that are still unflushed, or a later flush failure
		// would strand them outside the next run's window.
		batcher.SetWatermark(rec.RecordedAt)
		if err := batcher.FlushRemainder(ctx); err != nil {
			metrics.RunsTotal.WithLabelValues(opts.Target, h.source.Name, string(harvestlog.Failed)).Inc()
			return summary, err
		}
		// A collection that flushed exactly at the threshold leaves nothing
		// for FlushRemainder; record the watermark explicitly so a fully
		// committed collection always moves the resume cursor.
		if err := h.runLog.RecordProgress(harvestlog.Delta{}, rec.RecordedAt); err != nil {
			return summary, h.fail(opts.Target, err)
		}
		summary.Collections++
		metrics.CollectionsProcessed.WithLabelValues(opts.Target, h.source.Name).Inc()

		if only != nil && len(only) == 0 {
			break
		}
	}

	if err := h.runLog.Finish(harvestlog.Completed); err != nil {
		return summary, fmt.Errorf("finishing run: %w", err)
	}
	metrics.RunsTotal.WithLabelValues(opts.Target, h.source.Name, string(harvestlog.Completed)).Inc()

	summary.Run = h.runLog.Summary()
	row := summary.Run
	metrics.ObservationsAdded.WithLabelValues(opts.Target, h.source.Name).Add(float64(row.Added))
	metrics.ObservationsDuplicate.WithLabelValues(opts.Target, h.source.Name).Add(float64(row.Duplicates))
	h.logger.Info().
		Int("collections", summary.Collections).
		Int("skipped", summary.Skipped).
		Int("files", row.Files).
		Int("added", row.Added).
		Int("duplicates", row.Duplicates).
		Int("errors", row.Errors).
		Time("time_of_last", row.TimeOfLast).
		Msg("harvest: run completed")
	return summary, nil
}

// window resolves the incremental window. An explicit start wins over a
// relative one; with neither, the run resumes from the stored watermark. The
// end defaults to now. The window is half-open: (since, before].
func (h *Harvester) window(opts Options) (since, before time.Time) {
	before = opts.Before
	if before.IsZero() {
		before = time.Now().UTC()
	}
	switch {
	case !opts.Since.IsZero():
		since = opts.Since.UTC()
	case opts.Past > 0:
		since = time.Now().UTC().Add(-opts.Past)
	default:
		since = h.runLog.Watermark(opts.Target, h.source.Name)
	}
	return since, before
}

// list resolves each validated collection and reports its identifier without
// touching the catalog.
func (h *Harvester) list(records []ledger.Record, target string) (Summary, error) {
	var summary Summary
	for _, rec := range records {
		latest, _, err := h.resolveCollection(rec)
		if err != nil {
			if !skippable(err) {
				return summary, h.fail(target, err)
			}
			h.logger.Error().Err(err).Str("location", rec.Location).Msg("harvest: skipping collection")
			summary.Skipped++
			continue
		}
		summary.Listed = append(summary.Listed, latest.Label.LIDVID.String())
	}
	if err := h.runLog.Finish(harvestlog.Completed); err != nil {
		return summary, fmt.Errorf("finishing run: %w", err)
	}
	summary.Run = h.runLog.Summary()
	return summary, nil
}

// resolveCollection reads every collection label candidate at the record's
// location and resolves the highest-versioned one. The full candidate list
// is returned for baseline selection.
func (h *Harvester) resolveCollection(rec ledger.Record) (collection.Candidate, []collection.Candidate, error) {
	dir := filepath.Join(h.dataRoot, rec.Location)
	paths, err := filepath.Glob(filepath.Join(dir, h.source.CollectionGlob))
	if err != nil {
		return collection.Candidate{}, nil, fmt.Errorf("bad collection glob %q: %w", h.source.CollectionGlob, err)
	}

	var candidates []collection.Candidate
	for _, path := range paths {
		label, err := h.open(path)
		if err != nil {
			h.logger.Warn().Err(err).Str("path", path).Msg("harvest: skipping unreadable collection label")
			continue
		}
		candidates = append(candidates, collection.Candidate{Path: path, Label: label})
	}

	latest, err := collection.ResolveLatest(dir, candidates)
	if err != nil {
		return collection.Candidate{}, nil, err
	}
	return latest, candidates, nil
}

// newProducts reads the resolved collection's inventory, keeps the product
// kinds this source harvests, and subtracts the previous collection version's
// inventory when one exists on disk. Without a usable baseline the full
// filtered inventory is returned; the catalog's duplicate handling absorbs
// re-harvested members.
func (h *Harvester) newProducts(latest collection.Candidate, candidates []collection.Candidate, logger zerolog.Logger) ([]string, error) {
	current, err := h.readInventory(latest.Path)
	if err != nil {
		return nil, ItemError{Path: latest.Path, Err: err}
	}
	current = filterBySuffix(current, h.source.LIDSuffixes)

	previous := make([]collection.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Path != latest.Path {
			previous = append(previous, c)
		}
	}
	baselineCand, err := collection.ResolveLatest(latest.Path, previous)
	if err != nil {
		var notFound collection.NoCollectionFoundError
		if !errors.As(err, &notFound) {
			logger.Warn().Err(err).Msg("harvest: baseline resolution failed, using full inventory")
		}
		return current, nil
	}

	baseline, err := h.readInventory(baselineCand.Path)
	if err != nil {
		logger.Warn().Err(err).Str("path", baselineCand.Path).Msg("harvest: baseline inventory unreadable, using full inventory")
		return current, nil
	}
	return collection.Diff(current, filterBySuffix(baseline, h.source.LIDSuffixes)), nil
}

// readInventory locates and reads the inventory table next to a collection
// label. The table shares the label's file stem with a .csv extension; the
// lookup is case-insensitive because archive deliveries differ in casing.
func (h *Harvester) readInventory(labelPath string) ([]string, error) {
	path := strings.TrimSuffix(labelPath, filepath.Ext(labelPath)) + ".csv"
	if resolved, ok := h.matcher.Resolve(path); ok {
		path = resolved
	}
	return pds4.ReadInventory(path)
}

// labelFiles lists the candidate label files for a record, one glob per
// configured product suffix (".fits" matches "*fits.xml").
func (h *Harvester) labelFiles(rec ledger.Record) ([]string, error) {
	dir := filepath.Join(h.dataRoot, rec.Location, h.source.LabelSubdir)
	var files []string
	for _, suffix := range h.source.LIDSuffixes {
		pattern := filepath.Join(dir, "*"+strings.TrimPrefix(suffix, ".")+".xml")
		matched, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad label glob %q: %w", pattern, err)
		}
		files = append(files, matched...)
	}
	sort.Strings(files)
	return files, nil
}

// fail marks the active run failed and returns err for propagation.
func (h *Harvester) fail(target string, err error) error {
	if logErr := h.runLog.Finish(harvestlog.Failed); logErr != nil {
		h.logger.Error().Err(logErr).Msg("harvest: failed to mark run failed")
	}
	metrics.RunsTotal.WithLabelValues(target, h.source.Name, string(harvestlog.Failed)).Inc()
	return err
}

// skippable reports whether err is confined to one collection. Skippable
// collections are logged and counted; the run continues.
func skippable(err error) bool {
	var (
		notFound   collection.NoCollectionFoundError
		ambiguous  collection.AmbiguousVersionError
		incomplete collection.IncompleteInventoryError
		item       ItemError
	)
	return errors.As(err, &notFound) ||
		errors.As(err, &ambiguous) ||
		errors.As(err, &incomplete) ||
		errors.As(err, &item)
}

// recoverable reports whether err is confined to one label file and may be
// counted against the run's errors column instead of aborting.
func recoverable(err error) bool {
	var (
		item      ItemError
		invalid   lidvid.InvalidIdentifierError
		malformed lidvid.MalformedIdentifierError
	)
	return errors.As(err, &item) ||
		errors.As(err, &invalid) ||
		errors.As(err, &malformed)
}

func onlySet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// matchOnly reports whether lv is in the restriction set, matching either
// the full LIDVID or the bare LID, and consumes the matched entry.
func matchOnly(only map[string]struct{}, lv lidvid.LIDVID) bool {
	for _, key := range []string{lv.String(), lv.LID()} {
		if _, ok := only[key]; ok {
			delete(only, key)
			return true
		}
	}
	return false
}
