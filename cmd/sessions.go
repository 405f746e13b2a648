package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/store"
)

var (
	sessionsStatus string
	sessionsLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted analysis sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		sessions, err := st.ListSessions(ctx, store.SessionFilter{
			Status: model.SessionStatus(sessionsStatus),
			Limit:  sessionsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tMODULES\tFAILED\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				s.ID, s.Status, s.Phase, len(s.Modules), len(s.FailedModules()),
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sess, err := st.Snapshot(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

var sessionsRetryCmd = &cobra.Command{
	Use:   "retry <session-id> <module>",
	Short: "Reset a terminal module to pending for the next resume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		state, err := st.ResetModule(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		zap.L().Info("module reset",
			zap.String("session", args[0]),
			zap.String("module", state.Name),
			zap.Int("attempts", state.Attempts),
		)
		fmt.Printf("module %s reset to pending (attempt %d); run `market-intel resume %s --plan <plan>` to re-execute\n",
			state.Name, state.Attempts, args[0])
		return nil
	},
}

var sessionsReportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Print a session's final report as markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sess, err := st.Snapshot(ctx, args[0])
		if err != nil {
			return err
		}
		if sess.Report == nil {
			return fmt.Errorf("session %s has no report yet", args[0])
		}

		fmt.Printf("# %s\n", sess.Query)
		for _, sec := range sess.Report.Sections {
			fmt.Printf("\n## %s\n\n%s\n", sec.Title, sec.Content)
		}
		if !sess.Report.MinLengthOK {
			fmt.Printf("\n> Warning: report is below the configured minimum length (%d chars).\n",
				sess.Report.TotalChars)
		}
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "", "filter by status (running|completed|failed|cancelled)")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "maximum sessions to list")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsRetryCmd, sessionsReportCmd)
	rootCmd.AddCommand(sessionsCmd)
}
