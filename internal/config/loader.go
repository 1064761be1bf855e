package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	configMu           sync.Mutex
	appConfig          *Config
	appIdentity        *Identity
	explicitConfigFile string
)

// SetConfigFile pins the config file, bypassing discovery. An empty path
// restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	explicitConfigFile = strings.TrimSpace(path)
}

// Load builds the configuration in ascending precedence: defaults, the first
// config file found, INTEROPS_* environment variables, then runtime
// overrides. The result becomes what GetConfig returns.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	identity := defaultIdentity()
	appIdentity = &identity

	v := viper.New()
	v.SetConfigType("yaml")
	applyDefaults(v)

	for _, path := range configFilePaths() {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		break
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, layer := range overrides {
		applyOverrides(v, "", layer)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the config from the most recent Load, or nil.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

// GetIdentity returns the identity pinned by the most recent Load, or nil.
func GetIdentity() *Identity {
	configMu.Lock()
	defer configMu.Unlock()
	return appIdentity
}

func applyDefaults(v *viper.Viper) {
	dataDir := gfconfig.GetAppDataDir(defaultIdentity().ConfigName)

	v.SetDefault("queue.dir", filepath.Join(dataDir, "queue"))

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", filepath.Join(dataDir, "history.db"))

	v.SetDefault("dispatch.branch_map", map[string]string{
		"main":    "production",
		"master":  "production",
		"staging": "staging",
		"develop": "development",
	})
	v.SetDefault("dispatch.hooks_dir", filepath.Join(dataDir, "hooks"))
	v.SetDefault("dispatch.work_dir", filepath.Join(dataDir, "work"))
	v.SetDefault("dispatch.deploy_command", []string{})
	v.SetDefault("dispatch.deploy_timeout", "15m")
	v.SetDefault("dispatch.hook_timeout", "2m")
	v.SetDefault("dispatch.heartbeat_interval", "30s")

	v.SetDefault("watch.rescan_interval", "5m")
	v.SetDefault("watch.stale_after", "15m")
	v.SetDefault("watch.ignore_globs", []string{})
	v.SetDefault("watch.queue_depth", 256)

	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.schedule", "0 3 * * *")
	v.SetDefault("gc.max_age", "720h")
	v.SetDefault("gc.history_max_age", "2160h")
}

// applyOverrides flattens nested override maps into dotted viper keys.
// viper.Set entries outrank every other source.
func applyOverrides(v *viper.Viper, prefix string, values map[string]any) {
	for key, val := range values {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, path, nested)
			continue
		}
		v.Set(path, val)
	}
}

// configFilePaths lists candidate config files in discovery order. Callers
// hold configMu.
func configFilePaths() []string {
	if explicitConfigFile != "" {
		return []string{explicitConfigFile}
	}
	var paths []string
	if appIdentity != nil {
		if env := strings.TrimSpace(os.Getenv(appIdentity.EnvPrefix + "_CONFIG")); env != "" {
			paths = append(paths, env)
		}
	}
	paths = append(paths, projectConfigPaths()...)
	paths = append(paths, getUserConfigPaths()...)
	return paths
}

func projectConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}
	root, err := findProjectRoot()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(root, "."+appIdentity.ConfigName+".yaml"),
		filepath.Join(root, appIdentity.ConfigName+".yaml"),
	}
}

func getUserConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}
	return []string{filepath.Join(gfconfig.GetAppDataDir(appIdentity.ConfigName), "config.yaml")}
}

// EnvSpec binds one flat environment variable to a dotted config path.
type EnvSpec struct {
	Name string
	Path string
}

// getEnvSpecs returns the flat env var bindings. Empty until the first Load
// pins the identity.
func getEnvSpecs() []EnvSpec {
	if appIdentity == nil {
		return nil
	}
	prefix := appIdentity.EnvPrefix + "_"
	return []EnvSpec{
		{prefix + "QUEUE_DIR", "queue.dir"},
		{prefix + "SERVER_ENABLED", "server.enabled"},
		{prefix + "HOST", "server.host"},
		{prefix + "PORT", "server.port"},
		{prefix + "READ_TIMEOUT", "server.read_timeout"},
		{prefix + "WRITE_TIMEOUT", "server.write_timeout"},
		{prefix + "IDLE_TIMEOUT", "server.idle_timeout"},
		{prefix + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{prefix + "RATE_LIMIT_RPS", "server.rate_limit_rps"},
		{prefix + "RATE_LIMIT_BURST", "server.rate_limit_burst"},
		{prefix + "LOG_LEVEL", "logging.level"},
		{prefix + "LOG_PROFILE", "logging.profile"},
		{prefix + "LOG_FILE", "logging.file"},
		{prefix + "HISTORY_ENABLED", "history.enabled"},
		{prefix + "HISTORY_PATH", "history.path"},
		{prefix + "HOOKS_DIR", "dispatch.hooks_dir"},
		{prefix + "WORK_DIR", "dispatch.work_dir"},
		{prefix + "DEPLOY_TIMEOUT", "dispatch.deploy_timeout"},
		{prefix + "HOOK_TIMEOUT", "dispatch.hook_timeout"},
		{prefix + "HEARTBEAT_INTERVAL", "dispatch.heartbeat_interval"},
		{prefix + "RESCAN_INTERVAL", "watch.rescan_interval"},
		{prefix + "STALE_AFTER", "watch.stale_after"},
		{prefix + "QUEUE_DEPTH", "watch.queue_depth"},
		{prefix + "GC_ENABLED", "gc.enabled"},
		{prefix + "GC_SCHEDULE", "gc.schedule"},
		{prefix + "GC_MAX_AGE", "gc.max_age"},
		{prefix + "GC_HISTORY_MAX_AGE", "gc.history_max_age"},
	}
}

// ciWorkspaceRoot returns the CI-declared workspace when it is an ancestor of
// cwd. CI checkouts often live outside $HOME, where marker-file discovery
// from cwd alone can walk past the repo.
func ciWorkspaceRoot(cwd string) string {
	if os.Getenv("CI") != "true" && os.Getenv("GITHUB_ACTIONS") != "true" {
		return ""
	}
	for _, env := range []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
		root := strings.TrimSpace(os.Getenv(env))
		if root == "" || !filepath.IsAbs(root) {
			continue
		}
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		sep := string(filepath.Separator)
		if cwd == root || strings.HasPrefix(cwd+sep, root+sep) {
			return root
		}
	}
	return ""
}

// findProjectRoot locates the enclosing project checkout, preferring a CI
// workspace hint, then walking up from cwd looking for marker files. It
// falls back to cwd rather than failing.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	if root := ciWorkspaceRoot(cwd); root != "" {
		return root, nil
	}

	markers := []string{".interops.yaml", "interops.yaml", "go.mod", ".git"}
	dir := cwd
	for {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}
