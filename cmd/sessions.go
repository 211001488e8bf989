package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect research sessions",
	Long:  "Commands for listing and viewing research sessions and their ranked lots.",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List research sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		mode, _ := cmd.Flags().GetString("mode")
		stage, _ := cmd.Flags().GetString("stage")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		sessions, err := st.ListSessions(ctx, store.SessionFilter{
			Mode:   model.Mode(mode),
			Stage:  model.Stage(stage),
			Status: model.Status(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(os.Stdout, sessions)
		return nil
	},
}

// -- sessions show --

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its ranked lots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		rep, err := st.GetSessionReport(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	sessionsListCmd.Flags().String("mode", "", "filter by mode (quick, deep)")
	sessionsListCmd.Flags().String("stage", "", "filter by stage (interview, schema_proposed, parsing, analysis, completed, ...)")
	sessionsListCmd.Flags().String("status", "", "filter by status (created, confirmed, processing, done, failed)")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// formatSessionsList writes a tabular list of sessions to out.
func formatSessionsList(out io.Writer, sessions []model.ResearchSession) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tMODE\tSTAGE\tSTATUS\tQUERY\tCREATED")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.Mode,
			s.Stage,
			s.Status,
			truncate(s.QueryText, 40),
			s.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
