// Package cmd implements the h2mux command line: a demo server and a streaming client.
package cmd

import (
	"os"
)

// Execute main command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
