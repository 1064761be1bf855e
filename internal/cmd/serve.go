package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Interops-io/infrastructure/internal/config"
	"github.com/Interops-io/infrastructure/internal/observability"
	"github.com/Interops-io/infrastructure/internal/server"
	"github.com/Interops-io/infrastructure/internal/server/handlers"
	"github.com/Interops-io/infrastructure/pkg/history"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status API server",
	Long: `Run the read-only status API on its own, without the engine.

Useful when the engine runs elsewhere against the same queue root, or for
exposing queue and history state to dashboards.

Examples:
  interops serve
  interops serve --host 0.0.0.0 --port 9090`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	log := observability.Logger

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

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

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signal", signalHealthChecker{})
	hm.RegisterChecker("queue", queueHealthChecker{store: store})
	if hist != nil {
		hm.RegisterChecker("history", historyHealthChecker{hist: hist})
	}
	if identity := GetAppIdentity(); identity != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})
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

	srv := server.New(host, port, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info("status server started", zap.String("host", host), zap.Int("port", port))

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server shutdown failed", err)
	}
	log.Info("status server stopped")
	observability.Sync()
	return nil
}

// signalHealthChecker reports process liveness. Always healthy: reaching
// the check at all is the signal.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(_ context.Context) error {
	return nil
}

// identityHealthChecker verifies the resolved app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(_ context.Context) error {
	if strings.TrimSpace(c.binaryName) == "" {
		return fmt.Errorf("app identity incomplete: missing binary name")
	}
	if strings.TrimSpace(c.envPrefix) == "" {
		return fmt.Errorf("app identity incomplete: missing env prefix")
	}
	if strings.TrimSpace(c.configName) == "" {
		return fmt.Errorf("app identity incomplete: missing config name")
	}
	return nil
}

// queueHealthChecker probes the queue root for listability.
type queueHealthChecker struct {
	store *queue.Store
}

func (c queueHealthChecker) CheckHealth(_ context.Context) error {
	if c.store == nil {
		return fmt.Errorf("queue store not configured")
	}
	_, err := c.store.Scan(queue.PartitionPending)
	return err
}

// historyHealthChecker pings the history database.
type historyHealthChecker struct {
	hist *history.Store
}

func (c historyHealthChecker) CheckHealth(ctx context.Context) error {
	if c.hist == nil {
		return fmt.Errorf("history store not configured")
	}
	return c.hist.DB().PingContext(ctx)
}
