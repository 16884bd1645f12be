package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucasnoah/autoheal/internal/orchestrator"
	"github.com/spf13/cobra"
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Run the self-healing loop",
}

var fixStartCmd = &cobra.Command{
	Use:   "start <failure-id>",
	Short: "Start or resume the fix loop for a failure record",
	Long: `Runs the analyse, commit, deploy, verify loop for a failure record until the
deployment succeeds, the retry budget is spent or the failure is judged unfixable.

A record left in progress by an interrupted run is resumed: a deployment that
was triggered but never verified is polled first, then the loop continues from
the next attempt. Ctrl-C stops the run and leaves the record resumable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logsFile, _ := cmd.Flags().GetString("logs-file")
		logs, err := readLogs(cmd.InOrStdin(), logsFile)
		if err != nil {
			return err
		}

		ctx, stop := runContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, progressWriter(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.store.GetFailure(ctx, args[0])
		if err != nil {
			return err
		}
		cred := a.credential(rec.ProjectID)
		if logs == "" && rec.Logs == "" && rec.AttemptCount == 0 && cred != "" {
			if logs, err = a.platform.GetLogs(ctx, cred, rec.DeploymentID); err != nil {
				a.logger.Warn("fetch build logs", "deployment", rec.DeploymentID, "error", err)
			}
		}
		res, err := a.orch.StartFixLoop(ctx, orchestrator.StartRequest{
			FailureID:          rec.ID,
			ProjectID:          rec.ProjectID,
			PlatformCredential: cred,
			InitialLogs:        logs,
		})
		if err != nil {
			return err
		}
		return printRunResult(cmd, res)
	},
}

var fixRetryCmd = &cobra.Command{
	Use:   "retry <failure-id>",
	Short: "Start a fresh fix loop for a record that ended in failure",
	Long: `Creates a new chain rooted at a manual_retry record that points back at the
given record, then runs the loop with a fresh retry budget. Fix hashes already
tried in the old chain are carried over so the same fix is not proposed twice.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := runContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, progressWriter(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.store.GetFailure(ctx, args[0])
		if err != nil {
			return err
		}
		newID, res, err := a.orch.ManualRetry(ctx, rec.ID, a.credential(rec.ProjectID))
		if err != nil {
			return err
		}
		if !wantJSON(cmd) {
			fmt.Fprintf(cmd.OutOrStdout(), "Retry record: %s\n", newID)
		}
		return printRunResult(cmd, res)
	},
}

func progressWriter(cmd *cobra.Command) io.Writer {
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		return nil
	}
	return cmd.ErrOrStderr()
}

func printRunResult(cmd *cobra.Command, res *orchestrator.RunResult) error {
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), res)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Action:    %s\n", res.Action)
	fmt.Fprintf(w, "Status:    %s\n", res.Status)
	fmt.Fprintf(w, "Attempts:  %d\n", res.Attempts)
	if res.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", res.Reason)
	}
	if res.FinalID != "" && res.FinalID != res.FailureID {
		fmt.Fprintf(w, "Final:     %s\n", res.FinalID)
	}
	if res.DeploymentURL != "" {
		fmt.Fprintf(w, "Deployed:  %s\n", res.DeploymentURL)
	}
	return nil
}

// runContext is the signal-aware context long-running commands share.
func runContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	fixStartCmd.Flags().String("logs-file", "", "Build log file, or - for stdin, used instead of fetching logs")
	for _, c := range []*cobra.Command{fixStartCmd, fixRetryCmd} {
		c.Flags().BoolP("quiet", "q", false, "Suppress progress output")
		addFormatFlag(c)
		fixCmd.AddCommand(c)
	}
}
