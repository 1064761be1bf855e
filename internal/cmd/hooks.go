package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/Interops-io/infrastructure/internal/config"
	"github.com/Interops-io/infrastructure/pkg/hooks"
	"github.com/Interops-io/infrastructure/pkg/job"
	"github.com/Interops-io/infrastructure/pkg/project"
)

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Inspect per-project lifecycle hooks",
	Long: `Show the hooks the engine would run for a project, after
environment overrides are applied.

Hooks live under <hooks_dir>/<project>, with environment overrides in
<hooks_dir>/<project>/<environment>. An environment hook replaces the base
hook of the same scope entirely.

Examples:
  interops hooks list --project shop
  interops hooks list --project shop --env production --json`,
}

var hooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resolved hooks for a project",
	RunE:  runHooksList,
}

var (
	hooksProject string
	hooksEnv     string
)

func init() {
	rootCmd.AddCommand(hooksCmd)
	hooksCmd.AddCommand(hooksListCmd)

	hooksListCmd.Flags().StringVarP(&hooksProject, "project", "p", "", "Project name (required)")
	hooksListCmd.Flags().StringVarP(&hooksEnv, "env", "e", "", "Environment whose overrides apply")
	hooksListCmd.Flags().Bool("json", false, "Output as JSON")

	_ = hooksListCmd.MarkFlagRequired("project")
}

type hookJSON struct {
	Stage  string `json:"stage"`
	Scope  string `json:"scope"`
	Path   string `json:"path"`
	Origin string `json:"origin"`
}

func runHooksList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg := config.GetConfig()

	proj := strings.TrimSpace(hooksProject)
	baseDir := filepath.Join(cfg.Dispatch.HooksDir, proj)

	envDir := ""
	if hooksEnv != "" {
		env := job.Environment(strings.TrimSpace(hooksEnv))
		if !env.Valid() {
			return exitError(foundry.ExitInvalidArgument, "Invalid --env",
				fmt.Errorf("environment %q is not one of production, staging, development", hooksEnv))
		}
		envDir = filepath.Join(baseDir, string(env))
	}

	var resolved []hookJSON
	for _, stage := range hooks.Stages {
		list, err := hooks.Resolve(baseDir, envDir, stage)
		if err != nil {
			return err
		}
		for _, h := range list {
			resolved = append(resolved, hookJSON{
				Stage:  string(h.Stage),
				Scope:  h.Scope,
				Path:   h.Path,
				Origin: string(h.Origin),
			})
		}
	}

	man, err := project.LoadDir(baseDir)
	if err != nil {
		return fmt.Errorf("project manifest: %w", err)
	}

	if jsonOutput {
		out := struct {
			Project       string     `json:"project"`
			HooksDir      string     `json:"hooks_dir"`
			Hooks         []hookJSON `json:"hooks"`
			DeployCommand []string   `json:"deploy_command,omitempty"`
		}{
			Project:       proj,
			HooksDir:      baseDir,
			Hooks:         resolved,
			DeployCommand: man.DeployCommand(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(resolved) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "No hooks found under %s\n", baseDir)
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "STAGE\tSCOPE\tORIGIN\tPATH")
		for _, h := range resolved {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Stage, h.Scope, h.Origin, h.Path)
		}
		_ = w.Flush()
	}

	if argv := man.DeployCommand(); len(argv) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "\ndeploy_command=%s\n", strings.Join(argv, " "))
	}
	if t, ok := man.DeployTimeout(); ok {
		_, _ = fmt.Fprintf(os.Stdout, "deploy_timeout=%s\n", t)
	}
	if t, ok := man.HookTimeout(); ok {
		_, _ = fmt.Fprintf(os.Stdout, "hook_timeout=%s\n", t)
	}
	return nil
}
