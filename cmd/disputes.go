package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/hitlai/testops-cli/internal/model"
)

var disputesCmd = &cobra.Command{
	Use:   "disputes",
	Short: "Manage verdict disputes",
	Long:  "Commands for opening disputes on completed runs and settling them.",
}

// -- disputes open --

var disputesOpenCmd = &cobra.Command{
	Use:   "open <run-id>",
	Short: "Dispute a completed run's verdict (grants validation credits)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, mgr, err := initDisputeManager(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reason, _ := cmd.Flags().GetString("reason")
		d, err := mgr.Open(ctx, args[0], reason)
		if err != nil {
			return eris.Wrap(err, "disputes open")
		}

		_, _ = money.Fprintf(os.Stdout, "Opened dispute %s; granted %.2f validation credits\n",
			d.ID, d.CreditsGranted)
		return nil
	},
}

// -- disputes resolve --

var disputesResolveCmd = &cobra.Command{
	Use:   "resolve <dispute-id>",
	Short: "Settle a dispute with a definitive outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, mgr, err := initDisputeManager(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		aiCorrect, _ := cmd.Flags().GetBool("ai-correct")
		findingsPath, _ := cmd.Flags().GetString("findings")

		var findings []model.Finding
		if findingsPath != "" {
			data, err := os.ReadFile(findingsPath)
			if err != nil {
				return eris.Wrap(err, "read findings file")
			}
			if err := json.Unmarshal(data, &findings); err != nil {
				return eris.Wrap(err, "parse findings file")
			}
		}

		res, err := mgr.Resolve(ctx, args[0], aiCorrect, findings)
		if err != nil {
			return eris.Wrap(err, "disputes resolve")
		}

		_, _ = money.Fprintf(os.Stdout, "Dispute %s resolved: %s (penalty %.2f, refund %.2f)\n",
			args[0], res.Outcome, res.PenaltyFee, res.RefundAmount)
		return nil
	},
}

// -- disputes list --

var disputesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List disputes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, mgr, err := initDisputeManager(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		disputes, err := mgr.List(ctx, model.DisputeStatus(status), limit)
		if err != nil {
			return eris.Wrap(err, "disputes list")
		}

		if len(disputes) == 0 {
			fmt.Fprintln(os.Stderr, "No disputes found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tRUN\tSTATUS\tOUTCOME\tGRANTED\tCREATED")
		_, _ = fmt.Fprintln(w, "--\t---\t------\t-------\t-------\t-------")
		for _, d := range disputes {
			outcome := string(d.Outcome)
			if outcome == "" {
				outcome = "-"
			}
			_, _ = money.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
				d.ID, d.TestRunID, d.Status, outcome, d.CreditsGranted,
				d.CreatedAt.Format(time.RFC3339))
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	disputesOpenCmd.Flags().String("reason", "", "why the verdict is being challenged (required)")

	disputesResolveCmd.Flags().Bool("ai-correct", false, "the AI verdict held up under human validation")
	disputesResolveCmd.Flags().String("findings", "", "path to a JSON file of human findings (when AI was wrong)")

	disputesListCmd.Flags().String("status", "", "filter by status: pending, resolved")
	disputesListCmd.Flags().Int("limit", 50, "max rows")

	disputesCmd.AddCommand(disputesOpenCmd, disputesResolveCmd, disputesListCmd)
	rootCmd.AddCommand(disputesCmd)
}
