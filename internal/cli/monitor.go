package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/lucasnoah/autoheal/internal/monitor"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch every project's latest deployment and heal failures",
	Long: `Checks the latest deployment of every configured project, records each new
failure and runs the fix loop for it. Fix deployments made by autoheal itself
and deployments already recorded are skipped.

With --once a single scan is made, which suits a cron schedule. Otherwise the
scan repeats every monitor.interval until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		ctx, stop := runContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, progressWriter(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		m := a.newMonitor(progressWriter(cmd))
		if once {
			res, err := m.Scan(ctx)
			if err != nil {
				return err
			}
			return printScan(cmd, res)
		}

		err = m.Run(ctx, func(res *monitor.ScanResult) {
			if err := printScan(cmd, res); err != nil {
				a.logger.Error("print scan", "error", err)
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func (a *app) newMonitor(progress io.Writer) *monitor.Monitor {
	targets := make([]monitor.Target, 0, len(a.cfg.Projects))
	for _, p := range a.cfg.Projects {
		targets = append(targets, monitor.Target{ProjectID: p.ID, Credential: a.credential(p.ID)})
	}
	return monitor.New(a.store, a.platform, a.orch, targets, monitor.Options{
		Interval:     a.cfg.Monitor.Interval,
		Concurrency:  a.cfg.Monitor.Concurrency,
		BranchPrefix: a.cfg.Healer.BranchPrefix,
		Logger:       a.logger,
		Progress:     progress,
	})
}

func printScan(cmd *cobra.Command, res *monitor.ScanResult) error {
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if len(res.Actions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No projects configured.")
		return nil
	}
	tw := newTable(cmd.OutOrStdout(), "Project", "Action", "Deployment", "State", "Failure", "Message")
	for _, act := range res.Actions {
		msg := act.Message
		if act.Run != nil {
			msg = fmt.Sprintf("%s after %d attempt(s)", act.Run.Action, act.Run.Attempts)
			if act.Run.Reason != "" {
				msg += ": " + act.Run.Reason
			}
		}
		tw.AppendRow([]interface{}{act.ProjectID, act.Action, clip(act.DeploymentID, 24), act.State, act.FailureID, clip(msg, 60)})
	}
	tw.Render()
	return nil
}

func init() {
	monitorCmd.Flags().Bool("once", false, "Scan once and exit")
	monitorCmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	addFormatFlag(monitorCmd)
}
