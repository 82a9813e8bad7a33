package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <period-key>",
	Short: "Write the anomaly workbook for a period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		data, err := env.Exporter.Anomalies(cmd.Context(), args[0], "cli")
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = "anomalies-" + args[0] + ".xlsx"
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}

		zap.L().Info("export written", zap.String("path", out), zap.Int("bytes", len(data)))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output path (defaults to anomalies-<period>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}
