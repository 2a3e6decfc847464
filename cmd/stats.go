package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus and pipeline overview",
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

		ov, err := st.Overview(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "listings\t%s\n", humanize.Comma(int64(ov.Total)))
		fmt.Fprintf(w, "  unprocessed\t%s\n", humanize.Comma(int64(ov.Unprocessed)))
		fmt.Fprintf(w, "  processed\t%s\n", humanize.Comma(int64(ov.Processed)))
		fmt.Fprintf(w, "  processed today\t%s\n", humanize.Comma(int64(ov.ProcessedToday)))
		fmt.Fprintf(w, "  processed this week\t%s\n", humanize.Comma(int64(ov.ProcessedThisWeek)))
		fmt.Fprintf(w, "  extraction errors\t%s\n", humanize.Comma(int64(ov.Errors)))
		fmt.Fprintf(w, "clusters new this week\t%s\n", humanize.Comma(int64(ov.NewClustersThisWeek)))
		fmt.Fprintf(w, "spend this week\t%s\n", centsLabel(ov.CostCentsThisWeek))
		w.Flush() //nolint:errcheck

		if len(ov.RecentRuns) > 0 {
			fmt.Println("\nrecent runs:")
			rw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(rw, "ID\tSTATUS\tOK\tFAIL\tCOST\tSTARTED")
			for _, run := range ov.RecentRuns {
				fmt.Fprintf(rw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					run.ID, run.Status, run.ListingsSucceeded, run.ListingsFailed,
					centsLabel(run.EstimatedCostCents), humanize.Time(run.StartedAt))
			}
			rw.Flush() //nolint:errcheck
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
