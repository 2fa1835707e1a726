package cmd

import (
	"fmt"
	"os"

	"github.com/jmehdipour/outreach-dispatcher/cmd/worker"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "outreach-dispatcher",
		Short: "Outbound email dispatch engine",
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(friendlyCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}
