package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var purgeDays int

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete terminal sessions older than the retention window",
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

		days := purgeDays
		if days <= 0 {
			days = cfg.Engine.RetentionDays
		}
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

		n, err := st.Purge(ctx, cutoff)
		if err != nil {
			return err
		}

		zap.L().Info("purge complete",
			zap.Int("removed", n),
			zap.Int("retention_days", days),
		)
		fmt.Printf("removed %d sessions older than %d days\n", n, days)
		return nil
	},
}

func init() {
	purgeCmd.Flags().IntVar(&purgeDays, "older-than-days", 0, "retention window in days (default from config)")
	rootCmd.AddCommand(purgeCmd)
}
