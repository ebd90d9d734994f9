package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sbn-survey/cs-harvester/internal/harvest"
)

// sourcesCmd represents the sources command
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured harvest sources",
	Long:  `List the harvest sources configured under the sources directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSources(cmd)
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

func runSources(cobraCmd *cobra.Command) error {
	cfg := loadConfig()
	sources, err := harvest.LoadSourceConfigs(cfg.SourcesDir)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Fprintf(cobraCmd.OutOrStdout(), "no sources configured in %s\n", cfg.SourcesDir)
		return nil
	}

	w := tabwriter.NewWriter(cobraCmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENABLED\tLEDGER\tSUFFIXES")
	for _, source := range sources {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n",
			source.Name, source.Enabled, source.Ledger, strings.Join(source.LIDSuffixes, ","))
	}
	return w.Flush()
}
