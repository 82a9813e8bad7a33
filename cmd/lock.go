package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var lockActor string

var lockCmd = &cobra.Command{
	Use:   "lock <period-key>",
	Short: "Close a reporting period (one-way)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Gate.Lock(cmd.Context(), args[0], lockActor); err != nil {
			return err
		}

		status, err := env.Gate.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		zap.L().Info("period locked",
			zap.String("period_key", status.PeriodKey),
			zap.String("locked_by", status.LockedBy))
		return nil
	},
}

func init() {
	lockCmd.Flags().StringVar(&lockActor, "actor", "cli", "actor recorded on the lock")
	rootCmd.AddCommand(lockCmd)
}
