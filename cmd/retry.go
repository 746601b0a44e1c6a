package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/reveal"
)

var retryIncludePermanent bool

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed entries with attempts left to pending",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		snap, fs, err := loadSnapshot()
		if err != nil {
			return err
		}

		transitions := reveal.Retry(snap, cfg.Orchestrator.MaxAttempts, retryIncludePermanent, time.Now().UTC())
		if len(transitions) == 0 {
			fmt.Fprintln(os.Stderr, "No failed entries eligible for retry.")
			return nil
		}
		if err := fs.Save(snap); err != nil {
			return err
		}

		journal, err := openJournal(ctx)
		if err != nil {
			zap.L().Warn("journal unavailable, retry transitions not recorded", zap.Error(err))
		} else if journal != nil {
			defer closeJournal(journal)
			if err := journal.Append(ctx, transitions); err != nil {
				zap.L().Warn("journal append failed", zap.Error(err))
			}
		}

		fmt.Fprintf(os.Stdout, "Requeued %d entries.\n", len(transitions))
		return nil
	},
}

func init() {
	retryCmd.Flags().BoolVar(&retryIncludePermanent, "include-permanent", false, "also requeue entries the upstream rejected permanently")
	rootCmd.AddCommand(retryCmd)
}
