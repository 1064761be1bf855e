package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Interops-io/infrastructure/internal/config"
	errwrap "github.com/Interops-io/infrastructure/internal/errors"
	"github.com/Interops-io/infrastructure/internal/observability"
	"github.com/Interops-io/infrastructure/pkg/history"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the engine environment and suggest fixes
for common issues.

Examples:
  interops doctor              # Full environment check`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 8

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.24" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.24+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
		allChecks = false
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: App identity
	if identity != nil && identity.BinaryName != "" && identity.EnvPrefix != "" && identity.ConfigName != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking app identity... ✅ %s (env prefix %s)", checkNum, totalChecks, identity.BinaryName, identity.EnvPrefix),
			zap.String("binary_name", identity.BinaryName))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking app identity... ❌ Identity incomplete", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	cfg := config.GetConfig()

	// Check 5: Queue root
	store := queue.NewStore(cfg.Queue.Dir)
	if err := store.EnsureLayout(); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking queue root... ❌ %s not writable", checkNum, totalChecks, cfg.Queue.Dir),
			zap.Error(err))
		allChecks = false
	} else if _, err := store.Scan(queue.PartitionPending); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking queue root... ❌ pending partition unreadable", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking queue root... ✅ %s", checkNum, totalChecks, store.RootDir()),
			zap.String("queue_dir", store.RootDir()))
	}
	checkNum++

	// Check 6: History database
	if !cfg.History.Enabled {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking history database... ✅ disabled by configuration", checkNum, totalChecks))
	} else if hist, err := history.Open(cmd.Context(), history.Config{Path: cfg.History.Path}); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking history database... ❌ Cannot open %s", checkNum, totalChecks, cfg.History.Path),
			zap.Error(err))
		allChecks = false
	} else {
		_ = hist.Close()
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking history database... ✅ %s", checkNum, totalChecks, cfg.History.Path),
			zap.String("history_path", cfg.History.Path))
	}
	checkNum++

	// Check 7: Hooks directory
	if info, err := os.Stat(cfg.Dispatch.HooksDir); err != nil {
		if os.IsNotExist(err) {
			observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking hooks directory... ⚠️  %s does not exist yet", checkNum, totalChecks, cfg.Dispatch.HooksDir))
		} else {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking hooks directory... ❌ %s", checkNum, totalChecks, cfg.Dispatch.HooksDir),
				zap.Error(err))
			allChecks = false
		}
	} else if !info.IsDir() {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking hooks directory... ❌ %s is not a directory", checkNum, totalChecks, cfg.Dispatch.HooksDir))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking hooks directory... ✅ %s", checkNum, totalChecks, cfg.Dispatch.HooksDir),
			zap.String("hooks_dir", cfg.Dispatch.HooksDir))
	}
	checkNum++

	// Check 8: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}
