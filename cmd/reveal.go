package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/checkpoint"
	"github.com/sells-group/contact-reveal/internal/config"
	"github.com/sells-group/contact-reveal/internal/ingest"
	"github.com/sells-group/contact-reveal/internal/model"
	"github.com/sells-group/contact-reveal/internal/monitoring"
	"github.com/sells-group/contact-reveal/internal/resilience"
	"github.com/sells-group/contact-reveal/internal/reveal"
	"github.com/sells-group/contact-reveal/pkg/revealapi"
)

var (
	revealBatchSize   int
	revealConcurrency int
	revealLimit       int
	revealMetricsAddr string
)

var revealCmd = &cobra.Command{
	Use:   "reveal",
	Short: "Reveal pending contacts in batches within the daily quota",
	Long:  "Processes pending worklist entries in batches, checkpointing after each one. Stops when the work is done, the quota window is spent, or on SIGINT/SIGTERM after the current batch drains.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Reveal.Key == "" || cfg.Reveal.BaseURL == "" {
			return eris.New("reveal.key and reveal.base_url must be set (REVEAL_REVEAL_KEY, REVEAL_REVEAL_BASE_URL)")
		}

		snap, fs, err := loadSnapshot()
		if err != nil {
			return err
		}
		for _, d := range checkpoint.VerifySources(snap, ingest.HashFile) {
			zap.L().Warn("input changed since merge", zap.String("path", d.Path), zap.Bool("missing", d.Missing))
		}

		ledger, err := restoreLedger(snap.Ledger)
		if err != nil {
			return err
		}

		rcfg := revealConfig()
		opts := []reveal.Option{reveal.WithBreaker(resilience.NewCircuitBreaker(breakerConfig(cfg.Orchestrator)))}

		journal, err := openJournal(ctx)
		if err != nil {
			return err
		}
		defer closeJournal(journal)
		if journal != nil {
			opts = append(opts, reveal.WithJournal(journal))
		}

		metrics := monitoring.NewMetrics()
		opts = append(opts, reveal.WithRecorder(metrics))
		if addr := metricsAddr(); addr != "" {
			srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			defer cancel()
			go func() {
				if err := monitoring.Serve(srvCtx, addr, metrics); err != nil {
					zap.L().Error("metrics server", zap.Error(err))
				}
			}()
		}

		orch := reveal.New(rcfg, newRevealClient(), ledger, fs, opts...)
		summary, err := orch.Run(ctx, snap)
		if summary != nil {
			formatSummary(os.Stdout, summary)
		}
		return err
	},
}

func revealConfig() reveal.Config {
	oc := cfg.Orchestrator
	rc := reveal.Config{
		BatchSize:   oc.BatchSize,
		CallSize:    cfg.Reveal.CallSize,
		Concurrency: oc.Concurrency,
		MaxAttempts: oc.MaxAttempts,
		Limit:       revealLimit,
		Backoff:     backoffConfig(oc),
		Policy:      policy(cfg.Quota),
	}
	if revealBatchSize > 0 {
		rc.BatchSize = revealBatchSize
	}
	if revealConcurrency > 0 {
		rc.Concurrency = revealConcurrency
	}
	return rc
}

// backoffConfig builds the schedule that stamps NextAttemptAfter on entries
// handed back to pending. Zero settings keep the resilience defaults; the
// config layer has already rejected negative or shrinking schedules.
func backoffConfig(oc config.OrchestratorConfig) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = oc.MaxAttempts
	if oc.InitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(oc.InitialBackoffMs) * time.Millisecond
	}
	if oc.MaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(oc.MaxBackoffMs) * time.Millisecond
	}
	if oc.BackoffMultiplier > 0 {
		rc.Multiplier = oc.BackoffMultiplier
	}
	rc.JitterFraction = oc.JitterFraction
	return rc
}

// breakerConfig guards the reveal endpoint. State changes are logged since
// an open breaker ends the run with circuit-open.
func breakerConfig(oc config.OrchestratorConfig) resilience.CircuitBreakerConfig {
	bc := resilience.DefaultCircuitBreakerConfig()
	if oc.BreakerThreshold > 0 {
		bc.FailureThreshold = oc.BreakerThreshold
	}
	if oc.BreakerResetSecs > 0 {
		bc.ResetTimeout = time.Duration(oc.BreakerResetSecs) * time.Second
	}
	bc.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("reveal: circuit breaker state change",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Int("threshold", bc.FailureThreshold),
		)
	}
	return bc
}

func newRevealClient() revealapi.Client {
	rc := cfg.Reveal
	return revealapi.NewClient(rc.Key,
		revealapi.WithBaseURL(rc.BaseURL),
		revealapi.WithTimeout(time.Duration(rc.TimeoutSecs)*time.Second),
		revealapi.WithRateLimit(rc.RateLimitRPS),
		revealapi.WithMaxReferences(rc.CallSize),
		revealapi.WithPollOptions(
			revealapi.WithPollInterval(time.Duration(rc.PollIntervalMs)*time.Millisecond),
			revealapi.WithPollTimeout(time.Duration(rc.PollTimeoutSecs)*time.Second),
		),
	)
}

func metricsAddr() string {
	if revealMetricsAddr != "" {
		return revealMetricsAddr
	}
	return cfg.Metrics.Addr
}

func formatSummary(w io.Writer, s *reveal.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", s.RunID)
	fmt.Fprintf(tw, "Stopped:\t%s\n", s.Reason)
	fmt.Fprintf(tw, "Batches:\t%d\n", s.Batches)
	fmt.Fprintf(tw, "Processed:\t%d\n", s.Processed)
	for _, st := range model.AllStatuses {
		if n := s.Outcomes[st]; n > 0 {
			fmt.Fprintf(tw, "  %s:\t%d\n", st, n)
		}
	}
	fmt.Fprintf(tw, "Quota consumed:\t%d\n", s.Consumed)
	fmt.Fprintf(tw, "Quota remaining:\t%d\n", s.Remaining)
	fmt.Fprintf(tw, "Window resets in:\t%s\n", s.ResetIn.Round(time.Second))
	if s.ResumeAt != nil {
		fmt.Fprintf(tw, "Retries due:\t%s\n", s.ResumeAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func init() {
	revealCmd.Flags().IntVar(&revealBatchSize, "batch-size", 0, "records per batch (default from config)")
	revealCmd.Flags().IntVar(&revealConcurrency, "concurrency", 0, "concurrent upstream calls per batch (default from config)")
	revealCmd.Flags().IntVar(&revealLimit, "limit", 0, "max records to process in this run (0 = no limit)")
	revealCmd.Flags().StringVar(&revealMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	rootCmd.AddCommand(revealCmd)
}
