package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/orchestrator"
)

var (
	runPlanPath string
	runQuery    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one analysis session to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		plan, err := orchestrator.LoadPlan(runPlanPath)
		if err != nil {
			return err
		}
		if runQuery != "" {
			plan.Query = runQuery
		}

		sessionID, err := env.Engine.Start(ctx, plan)
		if err != nil {
			return eris.Wrap(err, "start session")
		}

		// Stream progress while the session runs.
		sub := env.Notifier.Subscribe(sessionID)
		defer sub.Cancel()
		go func() {
			for ev := range sub.C {
				zap.L().Info("progress",
					zap.String("module", ev.Module),
					zap.String("status", string(ev.NewStatus)),
					zap.String("phase", string(ev.Phase)),
				)
			}
		}()

		sess, err := env.Engine.Wait(ctx, sessionID)
		if err != nil {
			// Interrupted; cancel and collect the final snapshot.
			zap.L().Warn("interrupt received, cancelling session",
				zap.String("session", sessionID),
			)
			if cerr := env.Engine.Cancel(context.Background(), sessionID); cerr != nil {
				return cerr
			}
			sess, err = env.Engine.Wait(context.Background(), sessionID)
			if err != nil {
				return err
			}
		}

		zap.L().Info("session finished",
			zap.String("session", sess.ID),
			zap.String("status", string(sess.Status)),
			zap.Strings("failed_modules", sess.FailedModules()),
			zap.Strings("degraded_modules", sess.DegradedModules()),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

func init() {
	runCmd.Flags().StringVar(&runPlanPath, "plan", "", "analysis plan file (required)")
	runCmd.Flags().StringVar(&runQuery, "query", "", "override the plan's analysis query")
	_ = runCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(runCmd)
}
