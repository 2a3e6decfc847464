package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/opportunity-radar/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.json>",
	Short: "Ingest a scraped listings file",
	Long:  "Reads a JSON array of captured listings (the browser-extension payload shape), upserts buyers by profile URL, and inserts listings deduplicated by URL.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read listings file")
		}
		var captured []model.CapturedListing
		if err := json.Unmarshal(data, &captured); err != nil {
			return eris.Wrap(err, "parse listings file")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		env := newStorePipeline(st)
		result, err := env.Pipeline.Ingest(ctx, captured)
		if err != nil {
			return err
		}

		fmt.Printf("inserted %s, skipped %s\n",
			humanize.Comma(int64(result.Inserted)),
			humanize.Comma(int64(result.Skipped)),
		)
		for _, msg := range result.Errors {
			fmt.Fprintln(os.Stderr, "  "+msg)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
