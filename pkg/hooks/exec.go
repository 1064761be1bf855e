package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Invocation carries the per-record context every hook receives through its
// environment. Workdir is passed explicitly per invocation; the engine never
// changes its own working directory.
type Invocation struct {
	Project     string
	Environment string
	Branch      string
	Ref         string
	Commit      string
	Actor       string
	Workdir     string
	Timestamp   time.Time
}

// Environ renders the hook environment contract for one hook invocation,
// appended to the engine's own environment.
func (inv Invocation) Environ(stage Stage, scope string) []string {
	env := append(os.Environ(),
		"INTEROPS_PROJECT="+inv.Project,
		"INTEROPS_ENVIRONMENT="+inv.Environment,
		"INTEROPS_BRANCH="+inv.Branch,
		"INTEROPS_REF="+inv.Ref,
		"INTEROPS_COMMIT="+inv.Commit,
		"INTEROPS_ACTOR="+inv.Actor,
		"INTEROPS_WORKDIR="+inv.Workdir,
		"INTEROPS_TIMESTAMP="+inv.Timestamp.UTC().Format(time.RFC3339),
		"INTEROPS_STAGE="+string(stage),
	)
	if scope != ScopeGeneral {
		env = append(env, "INTEROPS_SERVICE="+scope)
	}
	return env
}

// Result is the outcome of one hook invocation.
type Result struct {
	Hook     Hook
	Err      error
	Duration time.Duration
}

// Executor runs resolved hooks. Hook failures are logged and contained; a
// failing hook never aborts its stage or the deployment.
type Executor struct {
	log     *zap.Logger
	timeout time.Duration
}

func NewExecutor(log *zap.Logger, timeout time.Duration) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{log: log, timeout: timeout}
}

// RunStage executes every hook in order and reports per-hook outcomes. The
// stage stops early only when ctx itself is done (engine shutdown); hook
// errors and timeouts do not stop subsequent hooks.
func (e *Executor) RunStage(ctx context.Context, list []Hook, inv Invocation) []Result {
	results := make([]Result, 0, len(list))
	for _, h := range list {
		if ctx.Err() != nil {
			e.log.Warn("hook stage interrupted",
				zap.String("stage", string(h.Stage)),
				zap.String("scope", h.Scope),
				zap.Error(ctx.Err()))
			results = append(results, Result{Hook: h, Err: ctx.Err()})
			continue
		}
		res := e.runOne(ctx, h, inv)
		if res.Err != nil {
			e.log.Warn("hook failed",
				zap.String("stage", string(h.Stage)),
				zap.String("scope", h.Scope),
				zap.String("path", h.Path),
				zap.Duration("duration", res.Duration),
				zap.Error(res.Err))
		} else {
			e.log.Debug("hook completed",
				zap.String("stage", string(h.Stage)),
				zap.String("scope", h.Scope),
				zap.String("path", h.Path),
				zap.Duration("duration", res.Duration))
		}
		results = append(results, res)
	}
	return results
}

func (e *Executor) runOne(ctx context.Context, h Hook, inv Invocation) Result {
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(runCtx, h.Path)
	cmd.Dir = inv.Workdir
	cmd.Env = inv.Environ(h.Stage, h.Scope)
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("hook timed out after %s", e.timeout)
		} else {
			err = fmt.Errorf("hook exited: %w", err)
		}
		if tail := outputTail(output.Bytes()); tail != "" {
			err = fmt.Errorf("%w (output: %s)", err, tail)
		}
	} else if output.Len() > 0 {
		e.log.Debug("hook output",
			zap.String("stage", string(h.Stage)),
			zap.String("scope", h.Scope),
			zap.String("output", outputTail(output.Bytes())))
	}
	return Result{Hook: h, Err: err, Duration: duration}
}

// outputTail keeps diagnostics bounded; only the last chunk of hook output
// reaches logs and reasons.
func outputTail(b []byte) string {
	const max = 2048
	b = bytes.TrimSpace(b)
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(b)
}
