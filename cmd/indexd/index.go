package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/index"
)

var indexCmd = &cobra.Command{
	Use:   "index [path...]",
	Short: "Index repositories once and exit",
	Long: `Run one indexing pass. Without arguments the configured repositories
are indexed; with arguments each path is indexed using the daemon-wide
indexing defaults.

Examples:
  # Index everything in the config file
  indexd index

  # Index one repository
  indexd index ~/src/myproject`,
	RunE: runIndex,
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	repos := cfg.Repositories
	if len(args) > 0 {
		repos = make([]config.RepositoryConfig, len(args))
		for i, path := range args {
			repos[i] = config.RepositoryConfig{
				Path:              path,
				Branches:          cfg.Indexing.Branches,
				Depth:             cfg.Indexing.Depth,
				IncludeSubmodules: cfg.Indexing.IncludeSubmodules,
				IgnorePatterns:    cfg.Indexing.IgnorePatterns,
			}
		}
	}
	if len(repos) == 0 {
		return fmt.Errorf("no repositories configured or given")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	failed := 0
	for _, repo := range repos {
		report, err := a.coordinator.Run(ctx, repo)
		if err != nil {
			failed++
			fmt.Printf("%-9s %s: %v\n", report.State, repo.Path, err)
			continue
		}
		printReport(report)
		if report.BatchesFailed > 0 {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories did not fully index", failed, len(repos))
	}
	return nil
}

func printReport(r index.Report) {
	switch r.State {
	case index.StateSkipped:
		fmt.Printf("%-9s %s (lease held by another process)\n", r.State, r.Path)
	default:
		fmt.Printf("%-9s %s: %d changed, %d unchanged, %d deleted, %d chunks",
			r.State, r.Path, r.Changed, r.Unchanged, r.Deleted, r.Chunks)
		if r.BatchesFailed > 0 {
			fmt.Printf(", %d batches failed", r.BatchesFailed)
		}
		fmt.Printf(" (%s)\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
}
