package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lucasnoah/autoheal/internal/db"
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/spf13/cobra"
)

var failureCmd = &cobra.Command{
	Use:   "failure",
	Short: "Inspect and record deployment failures",
}

var failureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failure records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		project, _ := cmd.Flags().GetString("project")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		records, err := st.ListFailures(cmd.Context(), db.FailureFilter{
			ProjectID: project,
			Status:    failure.Status(status),
			Limit:     limit,
		})
		if err != nil {
			return err
		}

		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), records)
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No failure records.")
			return nil
		}
		tw := newTable(cmd.OutOrStdout(), "ID", "Project", "Status", "Att", "Source", "Deployment", "Created")
		for _, r := range records {
			tw.AppendRow([]interface{}{
				r.ID, r.ProjectID, r.Status, r.AttemptCount,
				r.Source, clip(r.DeploymentID, 24), ago(r.CreatedAt),
			})
		}
		tw.Render()
		return nil
	},
}

type failureDetail struct {
	Failure  *failure.Record      `json:"failure"`
	Chain    []failure.Record     `json:"chain"`
	Attempts []failure.FixAttempt `json:"attempts"`
}

var failureShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a failure record, its chain and the fixes attempted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		rec, err := st.GetFailure(ctx, args[0])
		if err != nil {
			return err
		}
		chain, err := st.ListChain(ctx, rec.RootID)
		if err != nil {
			return err
		}
		attempts, err := st.ListChainAttempts(ctx, rec.RootID)
		if err != nil {
			return err
		}

		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), failureDetail{Failure: rec, Chain: chain, Attempts: attempts})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Failure:     %s\n", rec.ID)
		fmt.Fprintf(w, "Project:     %s\n", rec.ProjectID)
		fmt.Fprintf(w, "Deployment:  %s\n", rec.DeploymentID)
		fmt.Fprintf(w, "Status:      %s\n", rec.Status)
		fmt.Fprintf(w, "Source:      %s\n", rec.Source)
		fmt.Fprintf(w, "Attempt:     %d\n", rec.AttemptCount)
		if rec.ErrorSignature != "" {
			fmt.Fprintf(w, "Signature:   %s\n", rec.ErrorSignature)
		}
		if rec.ParentID != "" {
			fmt.Fprintf(w, "Parent:      %s\n", rec.ParentID)
		}
		fmt.Fprintf(w, "Root:        %s\n", rec.RootID)

		if reasons := rec.Metadata.FailureReasons; len(reasons) > 0 {
			fmt.Fprintln(w, "\nReasons:")
			for _, r := range reasons {
				line := fmt.Sprintf("  #%d %s", r.Attempt, r.Reason)
				if r.Detail != "" {
					line += ": " + clip(r.Detail, 100)
				}
				fmt.Fprintln(w, line)
			}
		}

		if len(chain) > 1 {
			fmt.Fprintln(w, "\nChain:")
			tw := newTable(w, "ID", "Att", "Status", "Source", "Deployment")
			for _, c := range chain {
				tw.AppendRow([]interface{}{c.ID, c.AttemptCount, c.Status, c.Source, clip(c.DeploymentID, 24)})
			}
			tw.Render()
		}

		if len(attempts) > 0 {
			fmt.Fprintln(w, "\nFix attempts:")
			tw := newTable(w, "#", "Branch", "Files", "Outcome", "Root cause")
			for _, a := range attempts {
				outcome := a.Outcome
				if a.Pending() {
					outcome = "pending"
				}
				tw.AppendRow([]interface{}{
					a.AttemptNumber, a.Branch, strings.Join(a.Filenames(), ", "),
					outcome, clip(a.RootCause, 60),
				})
			}
			tw.Render()
		}
		return nil
	},
}

var failureCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Record a failed deployment by hand",
	Long: `Record a failed deployment so a fix loop can be started for it with
` + "`autoheal fix start <id>`" + `. Build logs are read from --logs-file ("-" for stdin);
when omitted, ` + "`fix start`" + ` fetches them from the platform.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		deploymentID, _ := cmd.Flags().GetString("deployment")
		logsFile, _ := cmd.Flags().GetString("logs-file")

		logs, err := readLogs(cmd.InOrStdin(), logsFile)
		if err != nil {
			return err
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		if _, ok := cfg.Project(projectID); !ok {
			return fmt.Errorf("project %q is not configured", projectID)
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := syncProjects(cmd.Context(), st, cfg); err != nil {
			return err
		}

		existing, err := st.FindFailureByDeployment(cmd.Context(), projectID, deploymentID)
		if err != nil {
			return err
		}
		if existing != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s already recorded as %s (%s).\n", deploymentID, existing.ID, existing.Status)
			return nil
		}

		rec := &failure.Record{
			ProjectID:    projectID,
			DeploymentID: deploymentID,
			Source:       failure.SourceMonitorDetected,
			Logs:         logs,
		}
		err = st.CreateFailure(cmd.Context(), rec)
		if errors.Is(err, db.ErrDuplicate) {
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s already recorded.\n", deploymentID)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
		return nil
	},
}

func readLogs(stdin io.Reader, path string) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read logs from stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read logs: %w", err)
		}
		return string(data), nil
	}
}

func init() {
	failureListCmd.Flags().String("project", "", "Filter by project id")
	failureListCmd.Flags().String("status", "", "Filter by status")
	failureListCmd.Flags().Int("limit", 50, "Maximum records to show")
	addFormatFlag(failureListCmd)

	addFormatFlag(failureShowCmd)

	failureCreateCmd.Flags().String("project", "", "Project id")
	failureCreateCmd.Flags().String("deployment", "", "Platform deployment id")
	failureCreateCmd.Flags().String("logs-file", "", "Build log file, or - for stdin")
	failureCreateCmd.MarkFlagRequired("project")
	failureCreateCmd.MarkFlagRequired("deployment")

	failureCmd.AddCommand(failureListCmd)
	failureCmd.AddCommand(failureShowCmd)
	failureCmd.AddCommand(failureCreateCmd)
}
