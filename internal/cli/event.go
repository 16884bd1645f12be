package cli

import (
	"fmt"
	"sort"

	"github.com/lucasnoah/autoheal/internal/db"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Read the audit log of fix loops",
}

var eventListCmd = &cobra.Command{
	Use:   "list <failure-id>",
	Short: "List the events recorded for a failure",
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
		ids := []string{args[0]}
		if chain, _ := cmd.Flags().GetBool("chain"); chain {
			rec, err := st.GetFailure(ctx, args[0])
			if err != nil {
				return err
			}
			records, err := st.ListChain(ctx, rec.RootID)
			if err != nil {
				return err
			}
			ids = ids[:0]
			for _, r := range records {
				ids = append(ids, r.ID)
			}
		}

		var events []db.Event
		for _, id := range ids {
			evs, err := st.ListEvents(ctx, id)
			if err != nil {
				return err
			}
			events = append(events, evs...)
		}
		// Timestamps are fixed-width UTC, so they sort as strings.
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp < events[j].Timestamp
		})

		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events.")
			return nil
		}
		tw := newTable(cmd.OutOrStdout(), "Time", "Failure", "#", "Event", "Detail")
		for _, e := range events {
			tw.AppendRow([]interface{}{
				e.Timestamp, e.FailureID,
				e.Attempt, e.Event, clip(e.Detail, 80),
			})
		}
		tw.Render()
		return nil
	},
}

func init() {
	eventListCmd.Flags().Bool("chain", false, "Include events of every record in the chain")
	addFormatFlag(eventListCmd)
	eventCmd.AddCommand(eventListCmd)
}
