package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "0.0.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crawlsched",
		Short: "Round-robin scheduler for crawl, recrawl and cleanup events",
		Long: `crawlsched drives URL collection, post crawling, recrawling and post
deletion across many sites. Each event visits the active sites in turn,
remembering where it stopped so every site gets its share.
`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(validateCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
