package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/contact-reveal/internal/export"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every worklist entry and a summary to CSV or XLSX",
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap, _, err := loadSnapshot()
		if err != nil {
			return err
		}

		table := export.Build(snap)
		if err := export.Write(table, exportOutput); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Wrote %d rows to %s\n", len(table.Rows), exportOutput)
		if strings.EqualFold(filepath.Ext(exportOutput), ".csv") {
			fmt.Fprintf(os.Stdout, "Summary in %s\n", export.SummaryPath(exportOutput))
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (.csv or .xlsx)")
	_ = exportCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(exportCmd)
}
