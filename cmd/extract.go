package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var extractLimit int

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run the extraction stage over unprocessed listings",
	Long:  "Pulls unprocessed listings oldest-first and extracts structured fields (problem, vertical, tools, budget tier) in model batches. Ctrl-C stops at the next batch boundary.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		events, err := env.Pipeline.Extract(ctx, extractLimit)
		if err != nil {
			return err
		}

		printRunSummary(renderRun(events))
		return nil
	},
}

func init() {
	extractCmd.Flags().IntVar(&extractLimit, "limit", 0, "max listings to process (default from config, capped at 500)")
	rootCmd.AddCommand(extractCmd)
}
