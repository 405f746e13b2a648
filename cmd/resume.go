package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/market-intel/internal/orchestrator"
)

var resumePlanPath string

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume an interrupted or failed session, keeping completed work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		plan, err := orchestrator.LoadPlan(resumePlanPath)
		if err != nil {
			return err
		}

		sessionID := args[0]
		if err := env.Engine.Resume(ctx, sessionID, plan); err != nil {
			return err
		}

		sess, err := env.Engine.Wait(ctx, sessionID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumePlanPath, "plan", "", "analysis plan file the session was started with (required)")
	_ = resumeCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(resumeCmd)
}
