package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/opportunity-radar/internal/model"
)

var (
	feedbackListingID int64
	feedbackCluster   int64
	feedbackSuggested int64
	feedbackKind      string
	feedbackNotes     string
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record a quality judgment on extraction or clustering output",
	Long:  "Kinds: extraction_correct, extraction_wrong, cluster_correct, cluster_wrong, reassign_cluster. A reassign_cluster with both --cluster and --suggested moves the listing's membership.",
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

		fb := model.QualityFeedback{
			ListingID: feedbackListingID,
			Kind:      model.FeedbackKind(feedbackKind),
		}
		if feedbackCluster != 0 {
			fb.ClusterID = &feedbackCluster
		}
		if feedbackSuggested != 0 {
			fb.SuggestedClusterID = &feedbackSuggested
		}
		if feedbackNotes != "" {
			fb.Notes = &feedbackNotes
		}

		env := newStorePipeline(st)
		saved, err := env.Pipeline.SubmitFeedback(ctx, fb)
		if err != nil {
			return err
		}
		fmt.Printf("recorded feedback %d (%s) on listing %d\n", saved.ID, saved.Kind, saved.ListingID)
		return nil
	},
}

func init() {
	feedbackCmd.Flags().Int64Var(&feedbackListingID, "listing", 0, "listing id (required)")
	feedbackCmd.Flags().Int64Var(&feedbackCluster, "cluster", 0, "cluster the judgment refers to")
	feedbackCmd.Flags().Int64Var(&feedbackSuggested, "suggested", 0, "cluster the listing should belong to (reassign_cluster)")
	feedbackCmd.Flags().StringVar(&feedbackKind, "kind", "", "feedback kind (required)")
	feedbackCmd.Flags().StringVar(&feedbackNotes, "notes", "", "free-form notes")
	_ = feedbackCmd.MarkFlagRequired("listing")
	_ = feedbackCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(feedbackCmd)
}
