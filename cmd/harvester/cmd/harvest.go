package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbn-survey/cs-harvester/internal/catalog"
	"github.com/sbn-survey/cs-harvester/internal/config"
	"github.com/sbn-survey/cs-harvester/internal/fetch"
	"github.com/sbn-survey/cs-harvester/internal/harvest"
	"github.com/sbn-survey/cs-harvester/internal/harvestlog"
	"github.com/sbn-survey/cs-harvester/internal/ledger"
	"github.com/sbn-survey/cs-harvester/internal/pds4"
)

var (
	harvestSource      string
	harvestSince       string
	harvestPast        time.Duration
	harvestBefore      string
	harvestDryRun      bool
	harvestList        bool
	harvestUpdate      bool
	harvestOnlyProcess []string
	harvestBatchSize   int
	harvestLedger      string
	harvestDataRoot    string
)

// harvestCmd represents the harvest command
var harvestCmd = &cobra.Command{
	Use:   "harvest <target>",
	Short: "Harvest validated collections for a target catalog",
	Long: `Harvest new observational metadata from a source's validated collections
into the named target catalog.

The window of collections to harvest is half-open, (since, before]. Without
--since or --past, the run resumes from the watermark recorded by the last
successful run for this target and source.

Examples:
  # Incremental run, resuming from the stored watermark
  harvester harvest catch --source atlas

  # Re-harvest the last 30 days without touching the catalog
  harvester harvest catch --source atlas --past 720h --dry-run

  # Re-run one collection, replacing existing catalog rows
  harvester harvest catch --source atlas \
    --only-process urn:nasa:pds:gbo.ast.atlas.survey:59613:data --update`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runHarvest(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(harvestCmd)

	harvestCmd.Flags().StringVar(&harvestSource, "source", "", "source name (required)")
	harvestCmd.Flags().StringVar(&harvestSince, "since", "", "window start, RFC 3339 or YYYY-MM-DD (exclusive)")
	harvestCmd.Flags().DurationVar(&harvestPast, "past", 0, "window start relative to now, e.g. 72h")
	harvestCmd.Flags().StringVar(&harvestBefore, "before", "", "window end, RFC 3339 or YYYY-MM-DD (inclusive, default now)")
	harvestCmd.Flags().BoolVar(&harvestDryRun, "dry-run", false, "process everything but write nothing")
	harvestCmd.Flags().BoolVar(&harvestList, "list", false, "list collections in the window without harvesting")
	harvestCmd.Flags().BoolVar(&harvestUpdate, "update", false, "replace existing catalog records instead of skipping duplicates")
	harvestCmd.Flags().StringSliceVar(&harvestOnlyProcess, "only-process", nil, "restrict to these collection LIDs or LIDVIDs")
	harvestCmd.Flags().IntVar(&harvestBatchSize, "batch-size", 0, "catalog batch size (default from HARVEST_BATCH_SIZE)")
	harvestCmd.Flags().StringVar(&harvestLedger, "ledger", "", "validation ledger path (overrides the source config)")
	harvestCmd.Flags().StringVar(&harvestDataRoot, "data-root", "", "archive data root (overrides config)")
	_ = harvestCmd.MarkFlagRequired("source")
}

func runHarvest(cobraCmd *cobra.Command, target string) error {
	cfg := loadConfig()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	opts, err := harvestOptions(cfg, target)
	if err != nil {
		return err
	}

	source, err := harvest.LoadSourceConfig(cfg.SourcesDir, harvestSource)
	if err != nil {
		return err
	}
	if !source.Enabled {
		return fmt.Errorf("source %s is disabled", source.Name)
	}
	if harvestLedger != "" {
		source.Ledger = harvestLedger
	}
	dataRoot := cfg.DataRoot
	if harvestDataRoot != "" {
		dataRoot = harvestDataRoot
		source.DataRoot = ""
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runLog, err := harvestlog.Open(cfg.HarvestLog, opts.DryRun, logger)
	if err != nil {
		if errors.Is(err, harvestlog.ErrConcurrentHarvesting) {
			return fmt.Errorf("%w: clear the stuck row in %s if no other run is active", err, cfg.HarvestLog)
		}
		return err
	}

	ledgerReader, err := ledger.Open(source.Ledger)
	if err != nil {
		return err
	}
	defer func() { _ = ledgerReader.Close() }()

	var store catalog.Store
	if !opts.DryRun && !opts.ListOnly {
		if cfg.CatalogURL == "" {
			return errors.New("CATALOG_DATABASE_URL is required unless --dry-run or --list is set")
		}
		pg, err := catalog.NewPostgres(ctx, cfg.CatalogURL, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	}

	fetcher := fetch.New(cfg.UserAgent, cfg.FetchRetries, cfg.FetchRetryDelay)
	open := func(path string) (*pds4.Label, error) {
		data, err := fetcher.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		label, err := pds4.ParseLabel(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return label, nil
	}

	h := harvest.New(source, dataRoot, runLog, ledgerReader, store, open, logger)
	summary, err := h.Run(ctx, opts)
	if err != nil {
		return err
	}

	out := cobraCmd.OutOrStdout()
	if opts.ListOnly {
		for _, id := range summary.Listed {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	row := summary.Run
	fmt.Fprintf(out, "Collections: %d processed, %d skipped\n", summary.Collections, summary.Skipped)
	fmt.Fprintf(out, "Files:       %d\n", row.Files)
	fmt.Fprintf(out, "Added:       %d\n", row.Added)
	fmt.Fprintf(out, "Duplicates:  %d\n", row.Duplicates)
	fmt.Fprintf(out, "Errors:      %d\n", row.Errors)
	if !row.TimeOfLast.IsZero() {
		fmt.Fprintf(out, "Watermark:   %s\n", row.TimeOfLast.Format(time.RFC3339))
	}
	return nil
}

// harvestOptions resolves and validates the run options from the flags.
func harvestOptions(cfg config.Config, target string) (harvest.Options, error) {
	opts := harvest.Options{
		Target:      target,
		Past:        harvestPast,
		BatchSize:   cfg.BatchSize,
		DryRun:      harvestDryRun,
		ListOnly:    harvestList,
		Update:      harvestUpdate,
		OnlyProcess: harvestOnlyProcess,
	}
	if harvestBatchSize > 0 {
		opts.BatchSize = harvestBatchSize
	}

	if harvestSince != "" && harvestPast != 0 {
		return opts, errors.New("--since and --past are mutually exclusive")
	}

	var err error
	if harvestSince != "" {
		if opts.Since, err = parseTimeFlag(harvestSince); err != nil {
			return opts, fmt.Errorf("--since: %w", err)
		}
	}
	if harvestBefore != "" {
		if opts.Before, err = parseTimeFlag(harvestBefore); err != nil {
			return opts, fmt.Errorf("--before: %w", err)
		}
	}
	return opts, nil
}

var timeFlagLayouts = []string{time.RFC3339, "2006-01-02"}

func parseTimeFlag(s string) (time.Time, error) {
	for _, layout := range timeFlagLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want RFC 3339 or YYYY-MM-DD)", s)
}
