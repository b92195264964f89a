package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/vnmchuo/tenant-meter/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.MemoryMode {
			return errors.New("migrate needs POSTGRES_DSN; memory mode has no schema")
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Infof("schema applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
