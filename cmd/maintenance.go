package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/hitlai/testops-cli/internal/engine"
	"github.com/hitlai/testops-cli/internal/ratelimit"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := initMigratedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fmt.Println("Migrations applied.")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Force-fail runs stuck in execution past the age ceiling",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		swept, err := engine.NewWatchdog(st, cfg.Engine).Sweep(ctx)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		fmt.Printf("Swept %d stale runs to failed.\n", swept)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired rate-limit windows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := ratelimit.NewLimiter(st, cfg.RateLimit).Cleanup(ctx)
		if err != nil {
			return eris.Wrap(err, "cleanup")
		}
		fmt.Printf("Removed %d expired rate windows.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, sweepCmd, cleanupCmd)
}
