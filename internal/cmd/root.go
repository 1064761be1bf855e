// Package cmd wires the interops command tree: queueing deployment
// requests, running the dispatch engine, and inspecting queue and history
// state.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Interops-io/infrastructure/internal/config"
	"github.com/Interops-io/infrastructure/internal/observability"
)

// versionInfo carries build metadata injected by the release pipeline via
// SetVersionInfo before Execute runs.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the
// embedded status API.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// appIdentity is the resolved application identity. Nil until initApp runs.
var appIdentity *config.Identity

// GetAppIdentity returns the resolved identity, or nil before initialization.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "interops",
	Short: "Deployment queue and dispatch engine",
	Long: `Interops watches a filesystem-backed deployment queue and dispatches
queued records: branch gating, lifecycle hooks, the deployment operation
itself, and a durable run history.

Producers (webhook receivers, CI pipelines, operators) enqueue records;
one engine per queue root claims and processes them.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: project then user config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")

	setDefaults()
}

// setDefaults registers baseline configuration on the global viper instance.
// The config loader builds its own viper; these stay registered for ad-hoc
// viper.Get callers and tests that bypass Load.
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.enabled", true)
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	// Watch defaults
	viper.SetDefault("watch.rescan_interval", "5m")
	viper.SetDefault("watch.stale_after", "15m")

	// Dispatch defaults
	viper.SetDefault("dispatch.deploy_timeout", "15m")
	viper.SetDefault("dispatch.hook_timeout", "2m")
	viper.SetDefault("dispatch.heartbeat_interval", "30s")

	// History defaults
	viper.SetDefault("history.enabled", true)

	// GC defaults
	viper.SetDefault("gc.enabled", true)
	viper.SetDefault("gc.schedule", "0 3 * * *")
	viper.SetDefault("gc.max_age", "720h")
	viper.SetDefault("gc.history_max_age", "2160h")
}

// initApp loads configuration and installs the runtime logger before any
// command body runs.
func initApp(cmd *cobra.Command, _ []string) error {
	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}

	var overrides []map[string]any
	if logLevel != "" {
		overrides = append(overrides, map[string]any{
			"logging": map[string]any{"level": logLevel},
		})
	}

	cfg, err := config.Load(cmd.Context(), overrides...)
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "Failed to load configuration", err)
	}
	appIdentity = config.GetIdentity()

	if _, err := observability.Init(observability.Options{
		Level:      cfg.Logging.Level,
		Profile:    cfg.Logging.Profile,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		return exitError(foundry.ExitLoggingFailed, "Failed to initialize logging", err)
	}
	return nil
}

// codedError carries a Foundry exit code through the cobra error path.
type codedError struct {
	code foundry.ExitCode
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code foundry.ExitCode, message string, err error) error {
	return &codedError{code: code, err: fmt.Errorf("%s: %w (exit code %d)", message, err, code)}
}

// ExitCode maps err to the process exit code Execute's caller should use.
func ExitCode(err error) foundry.ExitCode {
	if err == nil {
		return foundry.ExitSuccess
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return foundry.ExitFailure
}

// ExitWithCode logs a fatal condition and terminates the process immediately.
// Reserved for paths where returning an error up the command tree would
// leave misleading partial output behind.
func ExitWithCode(log *zap.Logger, code foundry.ExitCode, message string, err error) {
	if log != nil {
		log.Error(message, zap.Error(err), zap.Int("exit_code", code))
	}
	observability.Sync()
	os.Exit(code)
}

// Execute runs the command tree. The caller owns process exit.
func Execute() error {
	return rootCmd.Execute()
}
