package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "h2mux",
	Short:         "h2mux serves and fetches over HTTP/2 and HTTP/1.1.",
	SilenceUsage:  true,
	SilenceErrors: false,
}
