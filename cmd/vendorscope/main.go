// Vendorscope is the VendorScope daemon: REST API, crawl scheduler and
// indexing workers in one binary.
//
// Configuration is read from an optional config file, a .env file in the
// working directory and VENDORSCOPE_* environment variables.
//
// Usage:
//
//	# Start the API and background workers
//	vendorscope serve --config vendorscope.yaml
//
//	# Apply database migrations only
//	vendorscope migrate
//
//	# Crawl one vendor in the foreground
//	vendorscope crawl --vendor 3f1c...
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vendorscope",
	Short: "Vendor trust documentation crawler and question answering service",
	Long: `vendorscope discovers and versions vendors' public security, privacy and
compliance pages, indexes them for retrieval and answers questions about them
with citations.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "vendorscope\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, crawlCmd, reindexCmd, versionCmd)
}
