package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/opportunity-radar/internal/model"
	"github.com/sells-group/opportunity-radar/internal/pipeline"
	"github.com/sells-group/opportunity-radar/internal/store"
)

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Inspect and manage opportunity clusters",
}

// -- clusters list --

var clustersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters ranked by heat",
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

		clusters, err := st.ListClusters(ctx)
		if err != nil {
			return err
		}
		if len(clusters) == 0 {
			fmt.Fprintln(os.Stderr, "No clusters yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tLISTINGS\tAVG BUDGET\tHEAT\tVELOCITY")
		for _, c := range clusters {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%.1f\t%.2fx\n",
				c.ID, c.Name, c.ListingCount, budgetCell(c.AvgBudget), c.HeatScore, c.Velocity)
		}
		return w.Flush()
	},
}

func budgetCell(avg *float64) string {
	if avg == nil {
		return "-"
	}
	return "$" + humanize.Comma(int64(*avg))
}

// -- clusters show --

var clustersShowCmd = &cobra.Command{
	Use:   "show <cluster-id>",
	Short: "Show a cluster with its member listings and overlaps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseClusterID(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		cluster, err := st.GetCluster(ctx, id)
		if err != nil {
			return err
		}
		if cluster == nil {
			return eris.Errorf("cluster not found: %d", id)
		}
		members, err := st.ClusterListings(ctx, id)
		if err != nil {
			return err
		}
		overlaps, err := st.OverlapListings(ctx, id)
		if err != nil {
			return err
		}

		out := struct {
			*model.Cluster
			Members  []model.Listing `json:"members"`
			Overlaps []store.Overlap `json:"overlaps,omitempty"`
		}{cluster, members, overlaps}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// -- clusters rename --

var (
	clusterNewName string
	clusterNewDesc string
)

var clustersRenameCmd = &cobra.Command{
	Use:   "rename <cluster-id>",
	Short: "Rename or re-describe a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseClusterID(args[0])
		if err != nil {
			return err
		}
		if clusterNewName == "" && clusterNewDesc == "" {
			return eris.New("pass --name and/or --description")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		var name, desc *string
		if clusterNewName != "" {
			name = &clusterNewName
		}
		if clusterNewDesc != "" {
			desc = &clusterNewDesc
		}
		cluster, err := st.UpdateClusterMeta(ctx, id, name, desc)
		if err != nil {
			return err
		}
		fmt.Printf("cluster %d is now %q\n", cluster.ID, cluster.Name)
		return nil
	},
}

// -- clusters merge --

var clustersMergeCmd = &cobra.Command{
	Use:   "merge <target-id> <source-id>",
	Short: "Merge the source cluster into the target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		targetID, err := parseClusterID(args[0])
		if err != nil {
			return err
		}
		sourceID, err := parseClusterID(args[1])
		if err != nil {
			return err
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
		merged, err := env.Pipeline.Merge(ctx, targetID, sourceID)
		if err != nil {
			return err
		}
		fmt.Printf("merged %d into %q (%d listings, heat %.1f)\n",
			sourceID, merged.Name, merged.ListingCount, merged.HeatScore)
		return nil
	},
}

// -- clusters interpret / brief --

var regenerate bool

var clustersInterpretCmd = &cobra.Command{
	Use:   "interpret <cluster-id>",
	Short: "Generate (or fetch the cached) prose interpretation of a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseClusterID(args[0])
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		text, usage, err := env.Pipeline.InterpretCluster(ctx, id, regenerate)
		if err != nil {
			return err
		}
		fmt.Println(text)
		if usage.TotalIn() > 0 {
			fmt.Fprintf(os.Stderr, "cost %s\n", centsLabel(usage.Cents()))
		}
		return nil
	},
}

var clustersBriefCmd = &cobra.Command{
	Use:   "brief <cluster-id>",
	Short: "Generate (or fetch the cached) product brief for a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseClusterID(args[0])
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		briefJSON, usage, err := env.Pipeline.GenerateBrief(ctx, id, regenerate)
		if err != nil {
			return err
		}

		var brief pipeline.ProductBrief
		if err := json.Unmarshal([]byte(briefJSON), &brief); err == nil && brief.MarketSummary != "" {
			fmt.Println(brief.MarketSummary)
			for _, idea := range brief.Ideas {
				fmt.Printf("\n%s\n", idea.Name)
				fmt.Printf("  pain point: %s\n", idea.PainPoint)
				fmt.Printf("  evidence:   %s\n", idea.DemandEvidence)
				fmt.Printf("  vertical:   %s\n", idea.TargetVertical)
				fmt.Printf("  monetize:   %s\n", idea.MonetizationHint)
			}
		} else {
			fmt.Println(briefJSON)
		}
		if usage.TotalIn() > 0 {
			fmt.Fprintf(os.Stderr, "cost %s\n", centsLabel(usage.Cents()))
		}
		return nil
	},
}

func parseClusterID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, eris.Errorf("invalid cluster id: %s", arg)
	}
	return id, nil
}

func init() {
	clustersRenameCmd.Flags().StringVar(&clusterNewName, "name", "", "new cluster name")
	clustersRenameCmd.Flags().StringVar(&clusterNewDesc, "description", "", "new cluster description")
	clustersInterpretCmd.Flags().BoolVar(&regenerate, "force", false, "regenerate even if cached")
	clustersBriefCmd.Flags().BoolVar(&regenerate, "force", false, "regenerate even if cached")

	clustersCmd.AddCommand(clustersListCmd)
	clustersCmd.AddCommand(clustersShowCmd)
	clustersCmd.AddCommand(clustersRenameCmd)
	clustersCmd.AddCommand(clustersMergeCmd)
	clustersCmd.AddCommand(clustersInterpretCmd)
	clustersCmd.AddCommand(clustersBriefCmd)
	rootCmd.AddCommand(clustersCmd)
}
