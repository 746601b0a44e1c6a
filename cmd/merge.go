package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/checkpoint"
	"github.com/sells-group/contact-reveal/internal/contact"
	"github.com/sells-group/contact-reveal/internal/filter"
	"github.com/sells-group/contact-reveal/internal/ingest"
	"github.com/sells-group/contact-reveal/internal/model"
)

var (
	mergeInputs []string
	mergeRules  string
	mergeForce  bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Load input files, deduplicate and filter them into a new worklist",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fs := checkpointStore()

		prev, err := previousSnapshot(fs)
		if err != nil {
			return err
		}

		res, err := ingest.LoadAll(ctx, mergeInputs)
		if err != nil {
			return err
		}
		if len(res.Files) == 0 {
			return eris.New("merge: no input file could be loaded")
		}

		resolver := contact.Merge(res.Batches(normalizer(cfg.Identity)))
		dedup := resolver.Report()
		dedup.Malformed = res.Malformed

		fc := cfg.Filter
		if mergeRules != "" {
			fc.RulesPath = mergeRules
		}
		rules, err := filter.LoadRules(fc)
		if err != nil {
			return err
		}

		groups := resolver.Groups()
		sources := res.Sources()
		var (
			worklist    []model.WorklistEntry
			report      model.FilterReport
			ledgerState model.LedgerState
		)
		if prev == nil {
			worklist, report = filter.Apply(groups, resolver.Skipped(), rules)
		} else {
			carried := filter.Carry(prev.Records, prev.Worklist, groups, filter.StableBatches(prev.SourceFiles, sources))
			worklist, report = filter.Reapply(groups, carried, rules)
			for _, rec := range resolver.Skipped() {
				worklist = append(worklist, filter.SkippedEntry(rec))
			}
			ledgerState = prev.Ledger
			zap.L().Info("merge: carried progress from previous checkpoint", zap.Int("entries", len(carried)))
		}

		ledger, err := restoreLedger(ledgerState)
		if err != nil {
			return err
		}

		snap := &checkpoint.Snapshot{
			RunID:       uuid.New().String(),
			Records:     groups,
			Skipped:     resolver.Skipped(),
			Worklist:    worklist,
			Ledger:      ledger.State(),
			SourceFiles: sources,
			Dedup:       dedup,
			Filter:      report,
		}
		if err := fs.Save(snap); err != nil {
			return err
		}

		zap.L().Info("merge complete",
			zap.String("checkpoint", fs.Path()),
			zap.Int("unique", dedup.UniqueOut),
			zap.Int("worklist", report.Passed),
		)

		for _, f := range res.Failed {
			fmt.Fprintf(os.Stderr, "skipped %s: %s\n", f.Path, f.Err)
		}
		formatMergeReport(os.Stdout, dedup, report)
		return nil
	},
}

// previousSnapshot returns the checkpoint a forced re-merge builds on, or nil
// when there is none. Its quota usage and worklist progress carry into the
// new checkpoint.
func previousSnapshot(fs *checkpoint.FileStore) (*checkpoint.Snapshot, error) {
	if !fs.Exists() {
		return nil, nil
	}
	if !mergeForce {
		return nil, eris.Errorf("checkpoint %s already exists, use --force to replace it", fs.Path())
	}
	prev, err := fs.Load()
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, nil
		}
		zap.L().Warn("existing checkpoint unreadable, starting without its progress", zap.Error(err))
		return nil, nil
	}
	return prev, nil
}

func formatMergeReport(w io.Writer, dedup model.DedupReport, report model.FilterReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Records in:\t%d\n", dedup.TotalIn)
	fmt.Fprintf(tw, "Malformed:\t%d\n", dedup.Malformed)
	fmt.Fprintf(tw, "Unresolvable:\t%d\n", dedup.Unresolvable)
	fmt.Fprintf(tw, "Unique:\t%d\n", dedup.UniqueOut)
	fmt.Fprintf(tw, "Duplicates removed:\t%d\n", dedup.DuplicatesRemoved)
	formatFilterReport(tw, report)
	_ = tw.Flush()
}

func formatFilterReport(tw *tabwriter.Writer, report model.FilterReport) {
	fmt.Fprintf(tw, "Excluded:\t%d\n", report.Excluded)
	names := make([]string, 0, len(report.ByRule))
	for name := range report.ByRule {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s:\t%d\n", name, report.ByRule[name])
	}
	fmt.Fprintf(tw, "Worklist:\t%d\n", report.Passed)
}

func init() {
	mergeCmd.Flags().StringArrayVar(&mergeInputs, "input", nil, "input file (.json, .jsonl, .csv, .xlsx); repeatable")
	mergeCmd.Flags().StringVar(&mergeRules, "rules", "", "exclusion rules YAML file (default from config)")
	mergeCmd.Flags().BoolVar(&mergeForce, "force", false, "replace an existing checkpoint")
	_ = mergeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(mergeCmd)
}
