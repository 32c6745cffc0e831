// Package cmd defines the CLI for the crawl-worker executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates the root command. Running it with no subcommand starts
// the worker.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl-worker",
		Short: "Renders leased crawl jobs in a headless browser and reports them back.",
		Long: `crawl-worker leases page jobs from the crawl control plane, renders each
one in a stealth-configured headless browser, submits the HTML and links,
and acknowledges the job. It handles one job at a time and prefetches the
next lease while the current page renders.

Configuration comes from an optional YAML file (--config), CRAWLER_* env
vars, and the CRAWL_SERVICE_URL / AUTH_HEADER_NAME / AUTH_HEADER_VALUE
variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runWorker,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// Execute is the main entry point. A non-nil error from the worker exits
// with status 1.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "crawl-worker: %v\n", err)
		os.Exit(1)
	}
}
