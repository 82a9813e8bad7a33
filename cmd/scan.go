package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var scanActor string

var scanCmd = &cobra.Command{
	Use:   "scan <period-key>",
	Short: "Run the quality rules for a reporting period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Scanner.Run(cmd.Context(), args[0], scanActor)
		if err != nil {
			return err
		}

		zap.L().Info("scan complete",
			zap.String("period_key", report.PeriodKey),
			zap.Int("findings", report.Findings),
			zap.Int("opened", report.Opened),
			zap.Int("updated", report.Updated),
			zap.Int("reopened", report.Reopened),
			zap.Int("stale", report.Stale))
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanActor, "actor", "cli", "actor recorded on the scan")
	rootCmd.AddCommand(scanCmd)
}
