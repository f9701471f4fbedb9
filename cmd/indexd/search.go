package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/indexd/internal/gitwalk"
)

var (
	searchLimit  int
	searchRepo   string
	searchLang   string
	searchAsJSON bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the index",
	Long: `Search indexed chunks by semantic similarity.

Examples:
  # Top 10 matches
  indexd search "where is the retry loop"

  # Restrict to one repository and language
  indexd search --repo ~/src/myproject --language go "lease renewal"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "k", 10, "maximum number of results")
	searchCmd.Flags().StringVar(&searchRepo, "repo", "", "restrict results to one repository path")
	searchCmd.Flags().StringVar(&searchLang, "language", "", "restrict results to one language")
	searchCmd.Flags().BoolVar(&searchAsJSON, "json", false, "emit results as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	filters := map[string]string{}
	if searchRepo != "" {
		// Vector payloads carry the repository id, not the raw path.
		filters["repo"] = gitwalk.RepositoryID(searchRepo)
	}
	if searchLang != "" {
		filters["language"] = searchLang
	}

	results, err := a.search.Search(ctx, strings.Join(args, " "), searchLimit, filters)
	if err != nil {
		return err
	}

	if searchAsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for _, r := range results {
		name := r.Name
		if name == "" {
			name = r.Kind
		}
		fmt.Printf("%.3f  %s:%d-%d  %s\n", r.Score, r.Path, r.StartLine, r.EndLine, name)
		lines := strings.Split(r.Content, "\n")
		if len(lines) > 3 {
			lines = lines[:3]
		}
		for _, line := range lines {
			fmt.Printf("       %s\n", line)
		}
	}
	return nil
}
