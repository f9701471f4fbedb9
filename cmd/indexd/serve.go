package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexing daemon",
	Long: `Run indexd as a daemon. Every configured repository is indexed at
startup and then on a fixed interval. With indexing.watch enabled,
commits are additionally detected through filesystem events on each
repository's .git directory, debounced into a single run.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"address for the Prometheus /metrics endpoint (empty disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Repositories) == 0 {
		return fmt.Errorf("no repositories configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("indexd starting",
		zap.Int("repositories", len(cfg.Repositories)),
		zap.Duration("interval", cfg.Indexing.Interval.Duration()),
		zap.Bool("watch", cfg.Indexing.Watch))

	if metricsAddr != "" {
		go serveMetrics(ctx, a, metricsAddr)
	}

	triggers := make(chan string, len(cfg.Repositories))
	if cfg.Indexing.Watch {
		watcher, err := watchRepositories(ctx, a, triggers)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	runAll(ctx, a)

	ticker := time.NewTicker(cfg.Indexing.Interval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("indexd shutting down")
			return nil
		case <-ticker.C:
			runAll(ctx, a)
		case path := <-triggers:
			runOne(ctx, a, path)
		}
	}
}

// runAll indexes every configured repository in order. A failure in one
// repository never stops the others.
func runAll(ctx context.Context, a *app) {
	for _, repo := range a.cfg.Repositories {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.coordinator.Run(ctx, repo); err != nil {
			a.logger.Error("indexing run failed",
				zap.String("repo", repo.Path),
				zap.Error(err))
		}
	}
}

func runOne(ctx context.Context, a *app, path string) {
	for _, repo := range a.cfg.Repositories {
		if repo.Path != path {
			continue
		}
		if _, err := a.coordinator.Run(ctx, repo); err != nil {
			a.logger.Error("triggered indexing run failed",
				zap.String("repo", repo.Path),
				zap.Error(err))
		}
		return
	}
}

// watchRepositories watches each repository's .git ref locations, where
// commits and branch updates land, and debounces bursts of events into
// one trigger per repository.
func watchRepositories(ctx context.Context, a *app, triggers chan<- string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	// Maps a watched directory back to its repository root.
	roots := make(map[string]string)
	for _, repo := range a.cfg.Repositories {
		gitDir := filepath.Join(repo.Path, ".git")
		for _, dir := range []string{gitDir, filepath.Join(gitDir, "refs", "heads")} {
			if err := watcher.Add(dir); err != nil {
				a.logger.Warn("cannot watch repository",
					zap.String("repo", repo.Path),
					zap.String("dir", dir),
					zap.Error(err))
				continue
			}
			roots[dir] = repo.Path
		}
	}

	debounce := a.cfg.Indexing.WatchDebounce.Duration()
	go func() {
		timers := make(map[string]*time.Timer)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				root, ok := roots[filepath.Dir(event.Name)]
				if !ok {
					continue
				}
				if timer, ok := timers[root]; ok {
					timer.Reset(debounce)
					continue
				}
				timers[root] = time.AfterFunc(debounce, func() {
					select {
					case triggers <- root:
					default:
						// A trigger is already queued; the pending run
						// will pick up this change too.
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn("filesystem watcher error", zap.Error(err))
			}
		}
	}()
	return watcher, nil
}

// serveMetrics exposes the daemon's Prometheus registry plus a minimal
// health and status surface.
func serveMetrics(ctx context.Context, a *app, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		var b strings.Builder
		for _, s := range a.coordinator.Status() {
			fmt.Fprintf(&b, "%s %s %s %s\n",
				s.RepoID, s.Path, s.State, s.UpdatedAt.Format(time.RFC3339))
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("metrics server failed", zap.Error(err))
	}
}
