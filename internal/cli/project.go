package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Inspect watched projects",
}

var projectSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy configured projects into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := syncProjects(cmd.Context(), st, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Synced %d project(s).\n", len(cfg.Projects))
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects and their lock state",
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

		projects, err := st.ListProjects(cmd.Context())
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), projects)
		}
		if len(projects) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects. Add them to the config and run `autoheal project sync`.")
			return nil
		}

		tw := newTable(cmd.OutOrStdout(), "ID", "Repo", "Branch", "Platform", "Lock")
		for _, p := range projects {
			lockState := "-"
			if p.FixInProgress {
				lockState = p.LockOwner
				if p.LockedAt != nil {
					lockState = fmt.Sprintf("%s (%s)", p.LockOwner, ago(*p.LockedAt))
				}
			}
			tw.AppendRow([]interface{}{p.ID, p.Repo, p.BaseBranch, p.PlatformProject, lockState})
		}
		tw.Render()
		return nil
	},
}

func init() {
	addFormatFlag(projectListCmd)
	projectCmd.AddCommand(projectSyncCmd)
	projectCmd.AddCommand(projectListCmd)
}
