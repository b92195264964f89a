package main

import (
	"github.com/spf13/cobra"
	"github.com/vnmchuo/tenant-meter/internal/seeder"
	"github.com/vnmchuo/tenant-meter/pkg/logger"
)

var seedBalance int64

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the demo tenant, its API key and an opening balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := seeder.SeedTestTenant(cmd.Context(), a.directory, a.core, seedBalance, logger.Named("seeder")); err != nil {
			return err
		}
		logger.Infof("demo tenant %s ready, key %s", seeder.TestTenantID, seeder.TestAPIKey)
		return nil
	},
}

func init() {
	seedCmd.Flags().Int64Var(&seedBalance, "balance", seeder.DefaultOpeningBalance, "opening balance in tokens")
	rootCmd.AddCommand(seedCmd)
}
