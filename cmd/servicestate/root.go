package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "servicestate",
	Short: "Host for FSM states that complete on an HTTP request",
	Long: `servicestate registers one endpoint per configured state, drives each state's
execution loop and publishes a status message whenever a state succeeds.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
