package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/opportunity-radar/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config.yaml with all defaults",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("out")
		if _, err := os.Stat(path); err == nil {
			return eris.Errorf("%s already exists, refusing to overwrite", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().String("out", "config.yaml", "output path")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
