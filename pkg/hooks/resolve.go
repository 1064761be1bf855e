package hooks

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Stage is a hook execution point in the deployment lifecycle.
type Stage string

const (
	StagePreDeploy  Stage = "pre-deploy"
	StagePostDeploy Stage = "post-deploy"
)

// Stages lists the stages in execution order.
var Stages = []Stage{StagePreDeploy, StagePostDeploy}

// ScopeGeneral is the scope of the single whole-deployment hook in a stage.
// Any other scope names one service.
const ScopeGeneral = "general"

// Origin records which directory a hook was discovered in.
type Origin string

const (
	OriginBase        Origin = "base"
	OriginEnvironment Origin = "environment"
)

// Hook is one resolved customization step: a (stage, scope, path, origin)
// tuple built once per record. Hooks are discovered by filename, not
// declared.
type Hook struct {
	Stage  Stage
	Scope  string
	Path   string
	Origin Origin
}

// General reports whether h is the whole-deployment hook of its stage.
func (h Hook) General() bool {
	return h.Scope == ScopeGeneral
}

// parseHookName maps a file name to its scope under the given stage.
//
//	pre-deploy, pre-deploy.sh          -> general
//	pre-deploy.web, pre-deploy.web.sh  -> scope "web"
//
// Names for other stages, hidden names, and anything else do not match.
func parseHookName(name string, stage Stage) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	name = strings.TrimSuffix(name, ".sh")
	if name == string(stage) {
		return ScopeGeneral, true
	}
	rest, found := strings.CutPrefix(name, string(stage)+".")
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}

// discover lists the hooks of one stage found directly in dir. A missing
// directory yields no hooks; subdirectories (environment overrides live
// inside the project directory) are skipped.
func discover(dir string, stage Stage, origin Origin) ([]Hook, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read hook dir %s: %w", dir, err)
	}
	var out []Hook
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		scope, ok := parseHookName(entry.Name(), stage)
		if !ok {
			continue
		}
		out = append(out, Hook{
			Stage:  stage,
			Scope:  scope,
			Path:   dir + string(os.PathSeparator) + entry.Name(),
			Origin: origin,
		})
	}
	return out, nil
}

// Override merges base and environment discoveries for one stage. Where the
// same scope exists in both, the environment hook replaces the base one
// entirely. The result is ordered: scoped hooks sorted by scope, then the
// general hook last.
func Override(base, env []Hook) []Hook {
	byScope := make(map[string]Hook, len(base)+len(env))
	for _, h := range base {
		byScope[h.Scope] = h
	}
	for _, h := range env {
		byScope[h.Scope] = h
	}

	var scoped []Hook
	var general *Hook
	for _, h := range byScope {
		if h.General() {
			g := h
			general = &g
			continue
		}
		scoped = append(scoped, h)
	}
	sort.Slice(scoped, func(i, j int) bool { return scoped[i].Scope < scoped[j].Scope })
	if general != nil {
		scoped = append(scoped, *general)
	}
	return scoped
}

// Resolve builds the ordered hook list for one stage from the project-base
// directory and the environment directory.
func Resolve(baseDir, envDir string, stage Stage) ([]Hook, error) {
	base, err := discover(baseDir, stage, OriginBase)
	if err != nil {
		return nil, err
	}
	env, err := discover(envDir, stage, OriginEnvironment)
	if err != nil {
		return nil, err
	}
	return Override(base, env), nil
}
