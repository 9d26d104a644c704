package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/ollamascan/internal/config"
	"github.com/anstrom/ollamascan/internal/errors"
	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/scanning"
	"github.com/anstrom/ollamascan/internal/scheduler"
)

const watchJobName = "ollama-scan"

var (
	watchYes bool
	watchNow bool
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rescan the input ranges on a schedule",
	Long: `Run the same scan repeatedly on a cron schedule. Every run starts with
fresh counters and reopens the outputs. A run that is still going when the
next one is due makes the next one skip.

Ctrl+C stops the schedule and waits for the current run to wind down; a
second Ctrl+C exits immediately.`,
	Example: `  ollamascan watch
  ollamascan watch --schedule "@every 30m" --now
  ollamascan watch --schedule "0 3 * * *" --yes`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("schedule", config.Default().Watch.Schedule,
		`cron expression or descriptor such as @hourly or "@every 30m"`)
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "also run once immediately")
	watchCmd.Flags().BoolVarP(&watchYes, "yes", "y", false, "skip the authorisation prompt")

	if err := viper.BindPFlag("watch.schedule", watchCmd.Flags().Lookup("schedule")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind schedule flag: %v\n", err)
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := scheduler.ValidateSchedule(cfg.Watch.Schedule); err != nil {
		return errors.WrapConfigError(errors.CodeValidation, "invalid watch.schedule", err)
	}

	out := cmd.OutOrStdout()
	if !watchYes {
		ok, err := confirmAuthorized(cmd.InOrStdin(), out)
		if err != nil {
			return err
		}
		if !ok {
			return &declinedError{}
		}
	}

	logger := logging.Default().WithComponent("watch")
	con := newConsole(out, false)

	sched := scheduler.NewScheduler(logger)
	id, err := sched.AddJob(watchJobName, cfg.Watch.Schedule, scanJob(cfg, logger, con))
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	stopSignals := handleSignals(func() {
		con.Printf("%s\n", color.New(color.FgYellow).Sprint("Stopping, waiting for the current run..."))
		cancel()
	}, func() {
		fmt.Fprintln(os.Stderr, "Forced exit, in-flight results may be lost.")
		os.Exit(exitInterrupted)
	})
	defer stopSignals()

	if watchNow {
		go func() { _ = sched.RunNow(id) }()
	}
	printNextRun(con, sched)

	<-ctx.Done()
	sched.Stop()

	for _, job := range sched.GetJobs() {
		if job.LastErr != nil {
			logger.Warn("Last scheduled run failed", "runs", job.Runs, "error", job.LastErr)
		}
	}
	return nil
}

// scanJob returns the scheduled job: one full scan per execution.
func scanJob(cfg *config.Config, logger *logging.Logger, con *console) scheduler.JobFunc {
	return func(ctx context.Context) error {
		con.Printf("%s\n", color.New(color.FgHiBlue).Sprintf("Scan started at %s", time.Now().Format(time.RFC3339)))

		summary, err := runOnce(ctx, cfg, logger, runHooks{observers: []scanning.Observer{con}})
		if summary != nil {
			con.Printf("Scan %s finished: %s\n", summary.RunID, describeSummary(summary))
		}
		return err
	}
}

func printNextRun(con *console, sched *scheduler.Scheduler) {
	for _, job := range sched.GetJobs() {
		if !job.NextRun.IsZero() {
			con.Printf("Next scan at %s (%s)\n", job.NextRun.Format(time.RFC3339), job.Schedule)
		}
	}
}
