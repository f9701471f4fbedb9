// Indexd incrementally indexes git repositories into vector embeddings
// and answers semantic search queries.
//
// Usage:
//
//	# Run the daemon with periodic indexing
//	indexd serve
//
//	# Index the configured repositories once and exit
//	indexd index
//
//	# Index a specific repository once
//	indexd index /path/to/repo
//
//	# Search the index
//	indexd search "where are retries configured"
//
// Configuration is loaded from ~/.config/indexd/config.toml (or the file
// given with --config) and INDEXD_* environment variables.
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
	Use:     "indexd",
	Short:   "Incremental repository indexing and semantic search daemon",
	Version: version,
	Long: `indexd walks git history for changes, chunks changed files, embeds the
chunks, and keeps a vector store in sync. Multiple instances can safely
share the same repositories: a per-repository lease guarantees at most
one active indexing run at a time.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (TOML or YAML)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("indexd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}
