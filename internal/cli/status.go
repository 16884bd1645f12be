package cli

import (
	"fmt"

	"github.com/lucasnoah/autoheal/internal/db"
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/spf13/cobra"
)

type projectStatus struct {
	Project  failure.Project  `json:"project"`
	Latest   *failure.Record  `json:"latest,omitempty"`
	InFlight []failure.Record `json:"in_flight"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show locks, in-flight loops and the latest failure per project",
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
		projects, err := st.ListProjects(ctx)
		if err != nil {
			return err
		}

		infos := make([]projectStatus, 0, len(projects))
		for _, p := range projects {
			records, err := st.ListFailures(ctx, db.FailureFilter{ProjectID: p.ID, Limit: 20})
			if err != nil {
				return err
			}
			info := projectStatus{Project: p, InFlight: []failure.Record{}}
			for i := range records {
				if info.Latest == nil {
					info.Latest = &records[i]
				}
				if !records[i].Status.Terminal() {
					info.InFlight = append(info.InFlight, records[i])
				}
			}
			infos = append(infos, info)
		}

		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), infos)
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects found.")
			return nil
		}

		tw := newTable(cmd.OutOrStdout(), "Project", "Lock", "In flight", "Latest", "Status", "Att", "When")
		for _, info := range infos {
			lockState := "-"
			if info.Project.FixInProgress {
				lockState = info.Project.LockOwner
			}
			latest, status, attempt, when := "-", "-", "-", "-"
			if info.Latest != nil {
				latest = info.Latest.ID
				status = string(info.Latest.Status)
				attempt = fmt.Sprint(info.Latest.AttemptCount)
				when = ago(info.Latest.UpdatedAt)
			}
			tw.AppendRow([]interface{}{info.Project.ID, lockState, len(info.InFlight), latest, status, attempt, when})
		}
		tw.Render()
		return nil
	},
}

func init() {
	addFormatFlag(statusCmd)
}
