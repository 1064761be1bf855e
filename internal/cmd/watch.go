package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Interops-io/infrastructure/internal/config"
	"github.com/Interops-io/infrastructure/internal/observability"
	"github.com/Interops-io/infrastructure/internal/server"
	"github.com/Interops-io/infrastructure/internal/server/handlers"
	"github.com/Interops-io/infrastructure/pkg/deploy"
	"github.com/Interops-io/infrastructure/pkg/dispatcher"
	"github.com/Interops-io/infrastructure/pkg/history"
	"github.com/Interops-io/infrastructure/pkg/job"
	"github.com/Interops-io/infrastructure/pkg/queue"
	"github.com/Interops-io/infrastructure/pkg/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the deployment engine",
	Long: `Run the deployment engine: watch the pending partition and dispatch
records as they arrive until interrupted.

The engine also rescans on an interval as a safety net for dropped file
notifications, flags stale processing records, and (when enabled) serves
the status API and sweeps old terminal records on a schedule.

Examples:
  interops watch            # run until SIGINT/SIGTERM
  interops watch --once     # drain pending records and exit`,
	RunE: runWatch,
}

var watchOnce bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Drain pending records and exit")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	log := observability.Logger

	store := queue.NewStore(cfg.Queue.Dir)
	if err := store.EnsureLayout(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Prepare queue layout", err)
	}

	var hist *history.Store
	if cfg.History.Enabled {
		h, err := history.Open(cmd.Context(), history.Config{Path: cfg.History.Path})
		if err != nil {
			return exitError(foundry.ExitDatabaseUnavailable, "Open history store", err)
		}
		defer func() { _ = h.Close() }()
		hist = h
	}

	branchMap, err := branchMapFromConfig(cfg.Dispatch.BranchMap)
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "Invalid branch map", err)
	}

	op, err := buildDeployOperation(log, cfg)
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "Configure deploy operation", err)
	}

	disp := dispatcher.New(store, op, hist, log, dispatcher.Config{
		BranchMap:         branchMap,
		HooksRoot:         cfg.Dispatch.HooksDir,
		WorkRoot:          cfg.Dispatch.WorkDir,
		DeployTimeout:     cfg.Dispatch.DeployTimeout,
		HookTimeout:       cfg.Dispatch.HookTimeout,
		HeartbeatInterval: cfg.Dispatch.HeartbeatInterval,
	})
	w := watcher.New(store, disp, hist, log, watcher.Config{
		RescanInterval: cfg.Watch.RescanInterval,
		StaleAfter:     cfg.Watch.StaleAfter,
		IgnoreGlobs:    cfg.Watch.IgnoreGlobs,
		QueueDepth:     cfg.Watch.QueueDepth,
	})

	if watchOnce {
		tally, err := w.Drain(cmd.Context())
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Drain failed", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "drained=%d completed=%d failed=%d discarded=%d skipped=%d\n",
			tally.Total(), tally.Completed, tally.Failed, tally.Discarded, tally.Skipped)
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = startStatusServer(cfg, log, store, hist)
	}

	if cfg.GC.Enabled {
		sched, err := parseGCSchedule(cfg.GC.Schedule)
		if err != nil {
			return exitError(foundry.ExitConfigInvalid, "Invalid gc schedule", err)
		}
		go runGCLoop(ctx, sched, func() {
			runScheduledGC(ctx, store, hist, cfg, log)
		})
	}

	log.Info("engine started",
		zap.String("queue_dir", store.RootDir()),
		zap.Bool("history", hist != nil),
		zap.Bool("server", srv != nil))

	runErr := w.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("status server shutdown failed", zap.Error(err))
		}
	}
	observability.Sync()

	if runErr != nil {
		return exitError(foundry.ExitFileWriteError, "Engine stopped on store failure", runErr)
	}
	log.Info("engine stopped")
	return nil
}

// branchMapFromConfig converts the configured branch map, validating each
// target environment. An empty map selects the built-in default.
func branchMapFromConfig(m map[string]string) (map[string]job.Environment, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]job.Environment, len(m))
	for branch, envName := range m {
		env := job.Environment(strings.TrimSpace(envName))
		if !env.Valid() {
			return nil, fmt.Errorf("branch %q maps to unsupported environment %q", branch, envName)
		}
		out[strings.TrimSpace(branch)] = env
	}
	return out, nil
}

// buildDeployOperation returns the engine-wide default deploy operation.
// Projects carrying a deploy command in their manifest override it per
// record inside the dispatcher.
func buildDeployOperation(log *zap.Logger, cfg *config.Config) (deploy.Operation, error) {
	argv := cfg.Dispatch.DeployCommand
	if len(argv) == 0 {
		// No global command. Records for projects without a manifest
		// command fail with a clear reason instead of blocking startup.
		return deploy.Func(func(ctx context.Context, req deploy.Request) error {
			return fmt.Errorf("%w: project %s declares none and dispatch.deploy_command is unset",
				deploy.ErrNoCommand, req.Project)
		}), nil
	}
	return deploy.NewCommandOperation(log, argv, 0)
}

// startStatusServer starts the embedded status API in the background.
func startStatusServer(cfg *config.Config, log *zap.Logger, store *queue.Store, hist *history.Store) *server.Server {
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signal", signalHealthChecker{})
	hm.RegisterChecker("queue", queueHealthChecker{store: store})
	if hist != nil {
		hm.RegisterChecker("history", historyHealthChecker{hist: hist})
	}

	opts := []server.Option{
		server.WithLogger(log),
		server.WithVersionInfo(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithQueue(store),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	}
	if hist != nil {
		opts = append(opts, server.WithHistory(hist))
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("status server failed", zap.Error(err))
		}
	}()
	return srv
}

// parseGCSchedule parses a five-field cron expression.
func parseGCSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// runGCLoop fires fn at each scheduled time until ctx is canceled.
func runGCLoop(ctx context.Context, sched cron.Schedule, fn func()) {
	for {
		next := sched.Next(time.Now())
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			fn()
		}
	}
}

// runScheduledGC sweeps old terminal queue records and prunes history.
func runScheduledGC(ctx context.Context, store *queue.Store, hist *history.Store, cfg *config.Config, log *zap.Logger) {
	if cfg.GC.MaxAge > 0 {
		cutoff := time.Now().UTC().Add(-cfg.GC.MaxAge)
		for _, p := range []queue.Partition{queue.PartitionProcessed, queue.PartitionFailed} {
			removed, err := store.Sweep(p, cutoff)
			if err != nil {
				log.Warn("queue sweep failed", zap.String("partition", string(p)), zap.Error(err))
				continue
			}
			if len(removed) > 0 {
				log.Info("queue sweep removed records",
					zap.String("partition", string(p)), zap.Int("count", len(removed)))
			}
		}
	}

	if hist != nil && cfg.GC.HistoryMaxAge > 0 {
		pruned, err := hist.Prune(ctx, time.Now().UTC().Add(-cfg.GC.HistoryMaxAge))
		if err != nil {
			log.Warn("history prune failed", zap.Error(err))
		} else if pruned > 0 {
			log.Info("history prune removed runs", zap.Int64("count", pruned))
		}
	}
}
