package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/contact-reveal/internal/filter"
)

var filterRules string

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Re-apply exclusion rules to the stored unique set",
	Long:  "Re-filters the deduplicated records held in the checkpoint. Entries that were already attempted keep their progress; untouched entries follow the new rules.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap, fs, err := loadSnapshot()
		if err != nil {
			return err
		}

		fc := cfg.Filter
		if filterRules != "" {
			fc.RulesPath = filterRules
		}
		rules, err := filter.LoadRules(fc)
		if err != nil {
			return err
		}

		snap.Worklist, snap.Filter = filter.Reapply(snap.Records, snap.Worklist, rules)
		if err := fs.Save(snap); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "Rules:\t%d\n", len(rules))
		formatFilterReport(tw, snap.Filter)
		return tw.Flush()
	},
}

func init() {
	filterCmd.Flags().StringVar(&filterRules, "rules", "", "exclusion rules YAML file (default from config)")
	rootCmd.AddCommand(filterCmd)
}
