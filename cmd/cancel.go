package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/market-intel/internal/model"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Mark an orphaned running session as cancelled",
	Long:  "Marks a session left in running status by a crashed or killed process as cancelled. A session running inside a live `run` or `serve` process is cancelled there (Ctrl-C or the cancel endpoint), not here.",
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
		if sess.Status.Terminal() {
			fmt.Printf("session %s already %s\n", sess.ID, sess.Status)
			return nil
		}

		if err := st.UpdateSessionStatus(ctx, sess.ID, model.SessionStatusCancelled, sess.Phase); err != nil {
			return err
		}
		fmt.Printf("session %s cancelled\n", sess.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
