package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ranked clusters to a spreadsheet",
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
			return eris.New("no clusters to export")
		}

		f := xlsx.NewFile()
		sheet, err := f.AddSheet("Clusters")
		if err != nil {
			return eris.Wrap(err, "export: add sheet")
		}

		header := sheet.AddRow()
		for _, col := range []string{"ID", "Name", "Description", "Listings", "Avg Budget", "Heat", "Velocity", "Interpretation"} {
			header.AddCell().Value = col
		}

		for _, c := range clusters {
			row := sheet.AddRow()
			row.AddCell().SetInt64(c.ID)
			row.AddCell().Value = c.Name
			if c.Description != nil {
				row.AddCell().Value = *c.Description
			} else {
				row.AddCell()
			}
			row.AddCell().SetInt(c.ListingCount)
			if c.AvgBudget != nil {
				row.AddCell().SetFloatWithFormat(*c.AvgBudget, "$#,##0")
			} else {
				row.AddCell()
			}
			row.AddCell().SetFloatWithFormat(c.HeatScore, "0.0")
			row.AddCell().SetFloatWithFormat(c.Velocity, "0.00")
			if c.Interpretation != nil {
				row.AddCell().Value = *c.Interpretation
			} else {
				row.AddCell()
			}
		}

		if err := f.Save(exportOut); err != nil {
			return eris.Wrap(err, "export: save spreadsheet")
		}
		fmt.Printf("wrote %d clusters to %s\n", len(clusters), exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "clusters.xlsx", "output path")
	rootCmd.AddCommand(exportCmd)
}
