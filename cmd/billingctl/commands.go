package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhstx/productpage-sub002/internal/pkg/bootstrap"
	"github.com/dhstx/productpage-sub002/internal/pkg/cache"
	"github.com/dhstx/productpage-sub002/internal/pkg/database"
	"github.com/dhstx/productpage-sub002/internal/pkg/env"
	"github.com/dhstx/productpage-sub002/internal/pkg/jobqueue"
	"github.com/dhstx/productpage-sub002/internal/pkg/margin"
)

// Replaced in tests.
var (
	loadServices = func() (*bootstrap.Services, error) {
		env.SetupEnvFile()
		database.SetupDatabase()
		cache.SetupCache()
		return bootstrap.NewServices(database.GetDB(), cache.GetClient())
	}
	jobManager = jobqueue.GetManager
)

var (
	dlqLimit     int
	dlqAsync     bool
	marginStart  string
	marginEnd    string
	marginWindow time.Duration
	marginAsync  bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead-letter queue commands",
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Replay pending dead-lettered webhook events",
	Example: `  # Replay up to 20 entries inline
  billingctl dlq retry --limit 20

  # Hand the sweep to the background workers
  billingctl dlq retry --async`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dlqLimit < 1 {
			return fmt.Errorf("--limit must be positive")
		}
		if dlqAsync {
			job, err := jobManager().EnqueueDLQSweep(dlqLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		}

		svcs, err := loadServices()
		if err != nil {
			return err
		}
		results, err := svcs.Webhooks.RetryDeadLetterQueue(cmd.Context(), dlqLimit)
		if err != nil {
			return err
		}
		recovered := 0
		for _, r := range results {
			if r.Success {
				recovered++
			}
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "recovered %d of %d entries\n", recovered, len(results))
		return printJSON(cmd.OutOrStdout(), results)
	},
}

var marginCmd = &cobra.Command{
	Use:   "margin",
	Short: "Margin monitoring commands",
}

var marginRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a margin monitoring pass",
	Long: `Evaluates the platform and every tier with usage over a window. Without
--start/--end the trailing hour-aligned window of --window length is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, explicit, err := parseWindow(marginStart, marginEnd)
		if err != nil {
			return err
		}
		if marginAsync {
			var job *jobqueue.Job
			if explicit {
				job, err = jobManager().EnqueueMarginPass(&start, &end)
			} else {
				job, err = jobManager().EnqueueMarginPass(nil, nil)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		}

		svcs, err := loadServices()
		if err != nil {
			return err
		}
		var res *margin.PassResult
		if explicit {
			res, err = svcs.Monitor.RunPass(cmd.Context(), start, end)
		} else {
			res, err = svcs.Monitor.RunScheduled(cmd.Context(), marginWindow)
		}
		if err != nil {
			return err
		}
		if res.Failed() {
			fmt.Fprintf(cmd.ErrOrStderr(), "%d scope(s) failed\n", len(res.Failures))
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Usage ledger commands",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <account-id>",
	Short: "Print an account's ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, err := loadServices()
		if err != nil {
			return err
		}
		l, err := svcs.Ledger.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), l)
	},
}

var ledgerResetCmd = &cobra.Command{
	Use:   "reset <account-id>",
	Short: "Zero usage and start the next cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, err := loadServices()
		if err != nil {
			return err
		}
		l, err := svcs.Ledger.Reset(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), l)
	},
}

func init() {
	dlqRetryCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum number of entries to replay")
	dlqRetryCmd.Flags().BoolVar(&dlqAsync, "async", false, "enqueue a background sweep instead of running inline")
	dlqCmd.AddCommand(dlqRetryCmd)

	marginRunCmd.Flags().StringVar(&marginStart, "start", "", "window start (RFC3339)")
	marginRunCmd.Flags().StringVar(&marginEnd, "end", "", "window end (RFC3339)")
	marginRunCmd.Flags().DurationVar(&marginWindow, "window", margin.DefaultWindow, "trailing window length when no explicit window is given")
	marginRunCmd.Flags().BoolVar(&marginAsync, "async", false, "enqueue a background pass instead of running inline")
	marginCmd.AddCommand(marginRunCmd)

	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerResetCmd)
}

func parseWindow(rawStart, rawEnd string) (time.Time, time.Time, bool, error) {
	if rawStart == "" && rawEnd == "" {
		return time.Time{}, time.Time{}, false, nil
	}
	if rawStart == "" || rawEnd == "" {
		return time.Time{}, time.Time{}, false, fmt.Errorf("--start and --end must be given together")
	}
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("invalid --end: %w", err)
	}
	return start.UTC(), end.UTC(), true, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
