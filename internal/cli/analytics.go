package cli

import (
	"fmt"
	"time"

	"github.com/lucasnoah/autoheal/internal/analytics"
	"github.com/lucasnoah/autoheal/internal/db"
	"github.com/spf13/cobra"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query self-healing outcomes (sqlite only)",
}

// analyticsCommand wraps a query with store setup and the --since flag.
func analyticsCommand(use, short string, run func(cmd *cobra.Command, d *db.DB, since string) error) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			window, _ := cmd.Flags().GetDuration("since")
			since := ""
			if window > 0 {
				since = time.Now().Add(-window).UTC().Format("2006-01-02T15:04:05.000000Z")
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
			d, ok := st.(*db.DB)
			if !ok {
				return fmt.Errorf("analytics needs the sqlite driver, not %q", cfg.Database.Driver)
			}
			return run(cmd, d, since)
		},
	}
	c.Flags().Duration("since", 0, "Only count records created within this window (e.g. 168h)")
	addFormatFlag(c)
	return c
}

var analyticsOutcomesCmd = analyticsCommand("outcomes", "Failure records per final status",
	func(cmd *cobra.Command, d *db.DB, since string) error {
		rows, err := analytics.QueryStatusCounts(d, since)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), rows)
		}
		tw := newTable(cmd.OutOrStdout(), "Status", "Count", "%")
		for _, r := range rows {
			tw.AppendRow([]interface{}{r.Status, r.Count, fmt.Sprintf("%.1f", r.Pct)})
		}
		tw.Render()
		return nil
	})

var analyticsReasonsCmd = analyticsCommand("reasons", "How often each failure reason was recorded",
	func(cmd *cobra.Command, d *db.DB, since string) error {
		rows, err := analytics.QueryReasonCounts(d, since)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), rows)
		}
		tw := newTable(cmd.OutOrStdout(), "Reason", "Count")
		for _, r := range rows {
			tw.AppendRow([]interface{}{r.Reason, r.Count})
		}
		tw.Render()
		return nil
	})

var analyticsTimeToFixCmd = analyticsCommand("time-to-fix", "Minutes from first failure to a healed deployment",
	func(cmd *cobra.Command, d *db.DB, since string) error {
		ttf, err := analytics.QueryTimeToFix(d, since)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), ttf)
		}
		if ttf.Count == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No healed failures.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "healed: %d  avg: %.1fm  p50: %.1fm  p95: %.1fm\n", ttf.Count, ttf.Avg, ttf.P50, ttf.P95)
		return nil
	})

var analyticsAttemptsCmd = analyticsCommand("attempts", "Distribution of attempts needed to heal",
	func(cmd *cobra.Command, d *db.DB, since string) error {
		rows, err := analytics.QueryAttemptsToFix(d, since)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), rows)
		}
		tw := newTable(cmd.OutOrStdout(), "Attempts", "Count", "%")
		for _, r := range rows {
			tw.AppendRow([]interface{}{r.Attempts, r.Count, fmt.Sprintf("%.1f", r.Pct)})
		}
		tw.Render()
		return nil
	})

func init() {
	analyticsCmd.AddCommand(analyticsOutcomesCmd)
	analyticsCmd.AddCommand(analyticsReasonsCmd)
	analyticsCmd.AddCommand(analyticsTimeToFixCmd)
	analyticsCmd.AddCommand(analyticsAttemptsCmd)
}
