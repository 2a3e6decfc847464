package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/opportunity-radar/internal/quality"
)

var qualityJSON bool

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Report on feedback disagreement, cluster coherence, and extraction gaps",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		report, err := quality.NewReporter(st).Build(ctx)
		if err != nil {
			return err
		}

		if qualityJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Printf("feedback: %d total\n", report.FeedbackTotal)
		for kind, n := range report.FeedbackByKind {
			fmt.Printf("  %s: %d\n", kind, n)
		}

		if len(report.Disagreement) > 0 {
			fmt.Println("\nmost disputed clusters:")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tNEGATIVE\tTOTAL\tRATE")
			for _, d := range report.Disagreement {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%.0f%%\n", d.ClusterID, d.Name, d.Negative, d.Total, d.Rate*100)
			}
			w.Flush() //nolint:errcheck
		}

		for _, flag := range report.BroadClusters {
			fmt.Printf("\nbroad: %q (%d listings) %s\n", flag.Name, flag.ListingCount, flag.Verticals)
		}
		for _, flag := range report.CatchAllClusters {
			fmt.Printf("catch-all: %q (%d listings)\n", flag.Name, flag.ListingCount)
		}

		if len(report.MissedTools) > 0 {
			fmt.Printf("\nlistings with missed tools: %d\n", len(report.MissedTools))
			for _, gap := range report.MissedTools {
				fmt.Printf("  %d %s: %v\n", gap.ListingID, gap.Title, gap.Hits)
			}
		}
		if len(report.GenericVerticals) > 0 {
			fmt.Printf("\nlistings with generic verticals: %d\n", len(report.GenericVerticals))
			for _, gap := range report.GenericVerticals {
				fmt.Printf("  %d %s: %s\n", gap.ListingID, gap.Title, gap.Detail)
			}
		}
		return nil
	},
}

func init() {
	qualityCmd.Flags().BoolVar(&qualityJSON, "json", false, "emit the full report as JSON")
	rootCmd.AddCommand(qualityCmd)
}
