package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/vnmchuo/tenant-meter/config"
	"github.com/vnmchuo/tenant-meter/pkg/logger"
)

const appName = "tenant-meter"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Multi-tenant token metering and quota enforcement gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger.SetLevel(cfg.LogLevel)
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
