package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contact-reveal/internal/model"
)

var historyKey string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the journaled status transitions of one identity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		journal, err := openJournal(ctx)
		if err != nil {
			return err
		}
		if journal == nil {
			return eris.New("journal is disabled (journal.path is empty)")
		}
		defer closeJournal(journal)

		transitions, err := journal.History(ctx, historyKey)
		if err != nil {
			return eris.Wrap(err, "history")
		}
		if len(transitions) == 0 {
			fmt.Fprintf(os.Stderr, "No transitions for %s.\n", historyKey)
			return nil
		}

		formatHistory(os.Stdout, transitions)
		return nil
	},
}

func formatHistory(w io.Writer, transitions []model.Transition) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tRUN\tFROM\tTO\tATTEMPTS\tERROR")
	for _, t := range transitions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.At.Format(time.RFC3339), t.RunID, t.From, t.To, t.Attempts, t.Error)
	}
	_ = tw.Flush()
}

func init() {
	historyCmd.Flags().StringVar(&historyKey, "key", "", "identity key")
	_ = historyCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(historyCmd)
}
