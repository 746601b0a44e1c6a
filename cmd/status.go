package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/checkpoint"
	"github.com/sells-group/contact-reveal/internal/ingest"
	"github.com/sells-group/contact-reveal/internal/model"
	"github.com/sells-group/contact-reveal/internal/store"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worklist progress, quota position and recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		snap, _, err := loadSnapshot()
		if err != nil {
			return err
		}
		ledger, err := restoreLedger(snap.Ledger)
		if err != nil {
			return err
		}

		formatStatus(os.Stdout, snap, ledger.State().DailyCap, ledger.Remaining(), ledger.ResetAt())

		drift := checkpoint.VerifySources(snap, ingest.HashFile)
		for _, d := range drift {
			if d.Missing {
				fmt.Fprintf(os.Stdout, "WARNING: input %s is missing\n", d.Path)
			} else {
				fmt.Fprintf(os.Stdout, "WARNING: input %s changed since merge\n", d.Path)
			}
		}

		if statusRuns <= 0 {
			return nil
		}
		journal, err := openJournal(ctx)
		if err != nil {
			zap.L().Warn("journal unavailable", zap.Error(err))
			return nil
		}
		if journal == nil {
			return nil
		}
		defer closeJournal(journal)

		runs, err := journal.ListRuns(ctx, store.RunFilter{Limit: statusRuns})
		if err != nil {
			return err
		}
		if len(runs) > 0 {
			fmt.Fprintln(os.Stdout)
			formatRuns(os.Stdout, runs)
		}
		return nil
	},
}

func formatStatus(w io.Writer, snap *checkpoint.Snapshot, dailyCap, remaining int, resetAt time.Time) {
	counts := snap.Counts()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Checkpoint updated:\t%s\n", snap.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Unique records:\t%d\n", len(snap.Records))
	fmt.Fprintf(tw, "Worklist:\t%d\n", len(snap.Worklist))
	for _, st := range model.AllStatuses {
		fmt.Fprintf(tw, "  %s:\t%d\n", st, counts[st])
	}
	fmt.Fprintf(tw, "Quota remaining:\t%d / %d\n", remaining, dailyCap)
	fmt.Fprintf(tw, "Window resets:\t%s (in %s)\n", resetAt.Format(time.RFC3339), time.Until(resetAt).Round(time.Minute))
	_ = tw.Flush()
}

func formatRuns(w io.Writer, runs []store.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTOPPED\tPROCESSED\tCONSUMED")
	for _, r := range runs {
		reason := r.StopReason
		if r.FinishedAt == nil {
			reason = "(running)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), reason, r.Processed, r.Consumed)
	}
	_ = tw.Flush()
}

func init() {
	statusCmd.Flags().IntVar(&statusRuns, "runs", 5, "number of recent runs to list from the journal")
	rootCmd.AddCommand(statusCmd)
}
