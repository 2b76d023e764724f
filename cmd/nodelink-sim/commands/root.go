package commands

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nodelink-sim",
	Short: "Runs brokers and nodes of the nodelink IPC core in one process",
}

func init() {
	rootCmd.AddCommand(runCmd, statsCmd)
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
