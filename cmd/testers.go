package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/hitlai/testops-cli/internal/ledger"
	"github.com/hitlai/testops-cli/internal/training"
)

var testersCmd = &cobra.Command{
	Use:   "testers",
	Short: "Inspect tester earnings and contributions",
}

var testersShowCmd = &cobra.Command{
	Use:   "show <tester-id>",
	Short: "Show a tester's stats, earnings, and training contributions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tester, err := st.GetTester(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "testers show")
		}
		contrib, err := training.NewCollector(st, "").Contributions(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "testers show: contributions")
		}

		p := money
		_, _ = p.Fprintf(os.Stdout, "Tester:         %s (%s)\n", tester.Name, tester.ID)
		_, _ = p.Fprintf(os.Stdout, "Trust score:    %.0f\n", tester.TrustScore)
		_, _ = p.Fprintf(os.Stdout, "Agreement rate: %.2f\n", tester.AgreementRate)
		_, _ = p.Fprintf(os.Stdout, "Avg rating:     %.2f\n", tester.AverageRating)
		_, _ = p.Fprintf(os.Stdout, "Tests done:     %d\n", tester.TestsCompleted)
		_, _ = p.Fprintf(os.Stdout, "Total earnings: %.2f credits\n", tester.TotalEarnings)
		if tester.FoundingTierPct > 0 {
			_, _ = p.Fprintf(os.Stdout, "Founding share: %.1f%%\n", tester.FoundingTierPct)
		}
		_, _ = p.Fprintf(os.Stdout, "Training data:  %d examples (%d high quality, %d human verified)\n",
			contrib.Total, contrib.HighQuality, contrib.HumanVerified)
		return nil
	},
}

var testersEarningsCmd = &cobra.Command{
	Use:   "earnings <tester-id>",
	Short: "Show a tester's lifetime earnings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tester, err := st.GetTester(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "testers earnings")
		}
		_, _ = money.Fprintf(os.Stdout, "%.2f credits over %d tests\n",
			tester.TotalEarnings, tester.TestsCompleted)
		return nil
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect company credit ledgers",
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance <company-id>",
	Short: "Show a company's current credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		balance, err := ledger.NewService(st).Balance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ledger balance")
		}
		_, _ = money.Fprintf(os.Stdout, "%.2f credits\n", balance)
		return nil
	},
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history <company-id>",
	Short: "Show a company's ledger entries in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := ledger.NewService(st).History(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ledger history")
		}

		var running float64
		for _, e := range entries {
			running += e.Amount
			_, _ = money.Fprintf(os.Stdout, "%s  %+9.2f  %-11s  %s  (balance %.2f)\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Amount, e.Reason, e.RefID, running)
		}
		_, _ = money.Fprintf(os.Stdout, "Balance: %.2f credits over %d entries\n", running, len(entries))
		return nil
	},
}

func init() {
	testersCmd.AddCommand(testersShowCmd, testersEarningsCmd)
	rootCmd.AddCommand(testersCmd)

	ledgerCmd.AddCommand(ledgerBalanceCmd, ledgerHistoryCmd)
	rootCmd.AddCommand(ledgerCmd)
}
