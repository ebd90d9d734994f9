package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbn-survey/cs-harvester/internal/harvestlog"
)

var watermarkSource string

// watermarkCmd represents the watermark command
var watermarkCmd = &cobra.Command{
	Use:   "watermark <target>",
	Short: "Print the stored watermark for a target and source",
	Long: `Print the validation timestamp the next incremental run would resume from,
read from the harvest log. Prints the Unix epoch when no run has recorded
a watermark yet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWatermark(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(watermarkCmd)
	watermarkCmd.Flags().StringVar(&watermarkSource, "source", "", "source name (required)")
	_ = watermarkCmd.MarkFlagRequired("source")
}

func runWatermark(cobraCmd *cobra.Command, target string) error {
	cfg := loadConfig()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	// Read-only: inspection works even while a run holds the log's
	// processing sentinel.
	runLog, err := harvestlog.OpenReadOnly(cfg.HarvestLog, logger)
	if err != nil {
		return err
	}

	watermark := runLog.Watermark(target, watermarkSource)
	fmt.Fprintln(cobraCmd.OutOrStdout(), watermark.Format(time.RFC3339))
	return nil
}
