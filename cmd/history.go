// -- cmd/history.go --
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmroz/taskpilot/internal/observability"
	"github.com/jmroz/taskpilot/internal/session"
)

// newHistoryCmd lists archived sessions, or shows one session's plan.
func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Shows archived sessions from the local database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Store.Path == "" {
				return fmt.Errorf("session archive is disabled (store.path is empty)")
			}
			store, err := session.Open(observability.GetLogger(), cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("could not open session archive: %w", err)
			}
			defer store.Close()

			if len(args) == 1 {
				return showArchivedPlan(cmd, store, args[0])
			}

			limit, _ := cmd.Flags().GetInt("limit")
			sessions, err := store.ListSessions(limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no archived sessions")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tSTATE\tSTEPS\tTARGET\tGOAL")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					s.ID, s.StartedAt.Format("2006-01-02 15:04"), s.State,
					s.StepCount, s.Target, truncateGoal(s.Goal))
			}
			return w.Flush()
		},
	}

	historyCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	return historyCmd
}

func showArchivedPlan(cmd *cobra.Command, store *session.Store, sessionID string) error {
	steps, err := store.LoadPlan(sessionID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no plan archived for session %s\n", sessionID)
		return nil
	}
	for _, step := range steps {
		fmt.Fprintf(cmd.OutOrStdout(), "%d. [%s] %s\n", step.ID, step.Status, step.Description)
		if step.Result != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "   -> %s\n", step.Result)
		}
	}
	return nil
}

func truncateGoal(goal string) string {
	if len(goal) <= 60 {
		return goal
	}
	return goal[:60] + "..."
}

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}
