package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/vnmchuo/tenant-meter/internal/telemetry"
)

var versionCmd = &cobra.Command{
	Use:              "version",
	Short:            "Show the current version of " + appName,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s (%s %s/%s)\n", appName, telemetry.ServiceVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
