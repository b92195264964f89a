package main

import (
	"github.com/spf13/cobra"
	"github.com/vnmchuo/tenant-meter/pkg/logger"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release reservations abandoned longer than RESERVATION_GRACE",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		n, err := a.sweeper.SweepOnce(cmd.Context())
		logger.Infof("released %d stale reservations", n)
		return err
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
