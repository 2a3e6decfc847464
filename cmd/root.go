package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-radar/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "radar",
	Short: "Freelance-market opportunity radar",
	Long:  "Ingests scraped job listings, extracts structured demand signals via tiered Claude models, clusters them into product opportunities, and ranks clusters by heat.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
