package main

import (
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var clusterAll bool

var clusterCmd = &cobra.Command{
	Use:   "cluster [listing-id...]",
	Short: "Assign extracted listings to opportunity clusters",
	Long:  "Runs the sequential cluster-assignment stage over the given listing ids, or over every extracted listing with --all. Clusters created early in a run are candidates for later listings in the same run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !clusterAll && len(args) == 0 {
			return eris.New("pass listing ids or --all")
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var ids []int64
		if clusterAll {
			listings, err := env.Store.AllExtractedListings(ctx)
			if err != nil {
				return err
			}
			for i := range listings {
				ids = append(ids, listings[i].ID)
			}
		} else {
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return eris.Errorf("invalid listing id: %s", arg)
				}
				ids = append(ids, id)
			}
		}

		events, err := env.Pipeline.Cluster(ctx, ids)
		if err != nil {
			return err
		}

		printRunSummary(renderRun(events))
		return nil
	},
}

func init() {
	clusterCmd.Flags().BoolVar(&clusterAll, "all", false, "cluster every extracted listing")
	rootCmd.AddCommand(clusterCmd)
}
