package cli

import (
	"errors"
	"fmt"

	"github.com/lucasnoah/autoheal/internal/lock"
	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage per-project fix locks",
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <project>",
	Short: "Clear a project's fix lock left behind by a dead process",
	Long: `Clears the fix-in-progress flag on a project. Only use this when the owning
process is gone; a lock older than healer.lock_stale_after is taken over
automatically by the next run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return errors.New("refusing to release a lock without --force")
		}
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		p, err := st.GetProject(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !p.FixInProgress {
			fmt.Fprintf(cmd.OutOrStdout(), "Project %s is not locked.\n", p.ID)
			return nil
		}
		if err := lock.NewManager(st, "", cfg.Healer.LockStaleAfter).ForceRelease(cmd.Context(), p.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released lock on %s held by %s.\n", p.ID, p.LockOwner)
		return nil
	},
}

func init() {
	lockReleaseCmd.Flags().Bool("force", false, "Confirm the release")
	lockCmd.AddCommand(lockReleaseCmd)
}
