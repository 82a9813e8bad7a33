package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sankalpsthakur/scope3-reduce/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "scope3",
	Short: "Evidence and provenance service for supplier carbon reporting",
	Long:  "Stores source documents encrypted at rest, renders and extracts page evidence, links business fields to evidence locations, scans for quality anomalies, and locks reporting periods.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
