package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/training"
)

var trainingCmd = &cobra.Command{
	Use:   "training",
	Short: "Inspect and export the training corpus",
}

var trainingStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show training corpus counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := training.NewCollector(st, "").Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "training stats")
		}

		fmt.Printf("Total examples:     %d\n", stats.Total)
		fmt.Printf("High quality:       %d\n", stats.HighQuality)
		fmt.Printf("Human verified:     %d\n", stats.HumanVerified)
		fmt.Printf("Ready for training: %d\n", stats.ReadyForTraining)
		return nil
	},
}

var trainingExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export unused examples as JSONL and mark them used",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		outPath, _ := cmd.Flags().GetString("out")

		examples, batchID, err := training.NewCollector(st, "").ExportBatch(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "training export")
		}
		if len(examples) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to export.")
			return nil
		}

		out := os.Stdout
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return eris.Wrap(err, "create export file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		enc := json.NewEncoder(out)
		for _, ex := range examples {
			if err := enc.Encode(ex); err != nil {
				return eris.Wrap(err, "write example")
			}
		}

		fmt.Fprintf(os.Stderr, "Exported %d examples as batch %s\n", len(examples), batchID)
		return nil
	},
}

var trainingVerifyCmd = &cobra.Command{
	Use:   "verify <run-id>",
	Short: "Attach human labels to a captured example",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		labelsPath, _ := cmd.Flags().GetString("labels")
		data, err := os.ReadFile(labelsPath)
		if err != nil {
			return eris.Wrap(err, "read labels file")
		}
		var labels model.HumanLabels
		if err := json.Unmarshal(data, &labels); err != nil {
			return eris.Wrap(err, "parse labels file")
		}

		if err := training.NewCollector(st, "").Verify(ctx, args[0], &labels); err != nil {
			return eris.Wrap(err, "training verify")
		}
		fmt.Printf("Run %s marked human verified.\n", args[0])
		return nil
	},
}

func init() {
	trainingExportCmd.Flags().Int("limit", 1000, "max examples per batch")
	trainingExportCmd.Flags().String("out", "", "write JSONL to a file instead of stdout")

	trainingVerifyCmd.Flags().String("labels", "", "path to a JSON human-labels file (required)")

	trainingCmd.AddCommand(trainingStatsCmd, trainingExportCmd, trainingVerifyCmd)
	rootCmd.AddCommand(trainingCmd)
}
