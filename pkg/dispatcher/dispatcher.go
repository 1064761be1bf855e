// Package dispatcher owns the one legal state machine per deployment record:
// validate, claim, run hooks around the deployment operation, and file the
// terminal record. One record is in flight at a time; a record's failure is
// contained, and only store I/O failures propagate out.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Interops-io/infrastructure/pkg/deploy"
	"github.com/Interops-io/infrastructure/pkg/history"
	"github.com/Interops-io/infrastructure/pkg/hooks"
	"github.com/Interops-io/infrastructure/pkg/job"
	"github.com/Interops-io/infrastructure/pkg/project"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

// Config carries dispatch policy.
type Config struct {
	// BranchMap is the explicit branch allow-list: short branch name to
	// target environment. Branches outside it are acknowledged and
	// discarded.
	BranchMap map[string]job.Environment

	// HooksRoot holds per-project hook directories: <HooksRoot>/<project>
	// with environment overrides in <HooksRoot>/<project>/<environment>.
	HooksRoot string

	// WorkRoot holds per-deployment working directories:
	// <WorkRoot>/<project>/<environment>.
	WorkRoot string

	// DeployTimeout bounds the deployment operation. Zero disables.
	DeployTimeout time.Duration

	// HookTimeout bounds each hook invocation. Zero disables.
	HookTimeout time.Duration

	// HeartbeatInterval is how often a processing record's heartbeat_at is
	// refreshed so staleness is detectable after a crash.
	HeartbeatInterval time.Duration
}

// DefaultBranchMap returns the standard branch allow-list.
func DefaultBranchMap() map[string]job.Environment {
	return map[string]job.Environment{
		"main":    job.EnvProduction,
		"master":  job.EnvProduction,
		"staging": job.EnvStaging,
		"develop": job.EnvDevelopment,
	}
}

// Outcome summarizes what happened to one dispatched record.
type Outcome string

const (
	// OutcomeCompleted: deployed, record filed under processed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed: record filed under failed with a reason.
	OutcomeFailed Outcome = "failed"
	// OutcomeDiscarded: untracked branch, record acknowledged and removed.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeSkipped: status guard refused the claim (already claimed or
	// terminal).
	OutcomeSkipped Outcome = "skipped"
)

// Dispatcher drives records through the state machine.
type Dispatcher struct {
	store *queue.Store
	op    deploy.Operation
	hist  *history.Store
	log   *zap.Logger
	cfg   Config
}

// New builds a Dispatcher. hist may be nil to disable history recording.
func New(store *queue.Store, op deploy.Operation, hist *history.Store, log *zap.Logger, cfg Config) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BranchMap == nil {
		cfg.BranchMap = DefaultBranchMap()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Dispatcher{store: store, op: op, hist: hist, log: log, cfg: cfg}
}

// Dispatch processes one pending record to completion. The returned error is
// non-nil only for conditions fatal to the engine (store I/O failures, state
// machine violations); per-record failures are reported through the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *job.Record) (Outcome, error) {
	log := d.log.With(zap.String("record_id", rec.ID), zap.String("project", rec.Project))

	// Idempotence guard. The watcher filters too, but the dispatcher owns
	// the state machine and re-checks before any mutation.
	if !rec.Status.Claimable() {
		log.Debug("record not claimable, skipping", zap.String("status", string(rec.Status)))
		return OutcomeSkipped, nil
	}

	if err := rec.Validate(); err != nil {
		log.Warn("record rejected", zap.Error(err))
		d.event(ctx, rec.ID, history.EventTypeValidationFailed, history.EventCategoryError, err.Error())
		if ferr := d.finalize(ctx, rec, job.StatusFailed, err.Error()); ferr != nil {
			return "", ferr
		}
		return OutcomeFailed, nil
	}

	// Branch allow-list. An untracked branch is expected, not exceptional:
	// acknowledge and discard before the record ever enters processing.
	branch := rec.BranchName()
	env, tracked := d.cfg.BranchMap[branch]
	if !tracked {
		log.Info("branch not tracked, discarding record", zap.String("branch", branch))
		d.event(ctx, rec.ID, history.EventTypeBranchDiscarded, history.EventCategoryInfo, branch)
		if err := d.store.Remove(queue.PartitionPending, rec.ID); err != nil && !queue.IsNotFound(err) {
			return "", err
		}
		return OutcomeDiscarded, nil
	}
	if env != rec.Environment {
		reason := fmt.Sprintf("branch %q resolves to environment %q but record declares %q", branch, env, rec.Environment)
		log.Warn("record rejected", zap.String("reason", reason))
		d.event(ctx, rec.ID, history.EventTypeValidationFailed, history.EventCategoryError, reason)
		if ferr := d.finalize(ctx, rec, job.StatusFailed, reason); ferr != nil {
			return "", ferr
		}
		return OutcomeFailed, nil
	}

	// Claim: durable "started" marker, written in place before any work so
	// a crash mid-deployment is distinguishable from "never started".
	claimedAt := time.Now().UTC()
	rec.Status = job.StatusProcessing
	rec.ClaimedAt = &claimedAt
	rec.HeartbeatAt = &claimedAt
	if err := d.store.Update(rec); err != nil {
		return "", err
	}
	log.Info("record claimed",
		zap.String("environment", string(env)),
		zap.String("branch", branch),
		zap.String("commit", rec.Commit))
	d.histClaim(ctx, rec)
	d.event(ctx, rec.ID, history.EventTypeClaimed, history.EventCategoryInfo, "")

	// Per-project overrides.
	baseDir := filepath.Join(d.cfg.HooksRoot, rec.Project)
	envDir := filepath.Join(baseDir, string(env))
	man, err := project.LoadDir(baseDir)
	if err != nil {
		log.Warn("project manifest ignored", zap.Error(err))
		man = nil
	}
	hookTimeout := d.cfg.HookTimeout
	if t, ok := man.HookTimeout(); ok {
		hookTimeout = t
	}
	deployTimeout := d.cfg.DeployTimeout
	if t, ok := man.DeployTimeout(); ok {
		deployTimeout = t
	}
	op := d.op
	if argv := man.DeployCommand(); len(argv) > 0 {
		custom, err := deploy.NewCommandOperation(d.log, argv, 0)
		if err != nil {
			log.Warn("project deploy command ignored", zap.Error(err))
		} else {
			op = custom
		}
	}

	// The engine owns <WorkRoot>/<project>/<environment> for the duration
	// of this record.
	workdir := filepath.Join(d.cfg.WorkRoot, rec.Project, string(env))
	if err := os.MkdirAll(workdir, 0755); err != nil {
		reason := fmt.Sprintf("create workdir: %v", err)
		log.Error("deployment failed", zap.String("reason", reason))
		d.event(ctx, rec.ID, history.EventTypeDeployFailed, history.EventCategoryError, reason)
		if ferr := d.finalize(ctx, rec, job.StatusFailed, reason); ferr != nil {
			return "", ferr
		}
		return OutcomeFailed, nil
	}

	stopHeartbeat := d.startHeartbeat(ctx, *rec)
	defer stopHeartbeat()

	inv := hooks.Invocation{
		Project:     rec.Project,
		Environment: string(env),
		Branch:      branch,
		Ref:         rec.Ref,
		Commit:      rec.Commit,
		Actor:       rec.Actor,
		Workdir:     workdir,
		Timestamp:   claimedAt,
	}
	executor := hooks.NewExecutor(d.log, hookTimeout)

	pre, err := hooks.Resolve(baseDir, envDir, hooks.StagePreDeploy)
	if err != nil {
		log.Warn("pre-deploy hook resolution failed", zap.Error(err))
	}
	d.recordHookFailures(ctx, rec.ID, executor.RunStage(ctx, pre, inv))

	d.event(ctx, rec.ID, history.EventTypeDeployStarted, history.EventCategoryInfo, "")
	req := deploy.Request{
		Project:     rec.Project,
		Environment: string(env),
		Branch:      branch,
		Ref:         rec.Ref,
		Commit:      rec.Commit,
		Actor:       rec.Actor,
		Workdir:     workdir,
		SourceURLs:  rec.SourceURLs,
		Timestamp:   claimedAt,
	}
	deployCtx := ctx
	if deployTimeout > 0 {
		var cancel context.CancelFunc
		deployCtx, cancel = context.WithTimeout(ctx, deployTimeout)
		defer cancel()
	}
	deployErr := op.Deploy(deployCtx, req)

	if deployErr != nil {
		if deployCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			deployErr = fmt.Errorf("deploy timed out after %s: %w", deployTimeout, deployErr)
		}
		stopHeartbeat()
		log.Error("deployment failed", zap.Error(deployErr), zap.Duration("duration", time.Since(claimedAt)))
		d.event(ctx, rec.ID, history.EventTypeDeployFailed, history.EventCategoryError, deployErr.Error())
		if ferr := d.finalize(ctx, rec, job.StatusFailed, deployErr.Error()); ferr != nil {
			return "", ferr
		}
		return OutcomeFailed, nil
	}

	// Post-deploy hooks run only after the operation reports success.
	post, err := hooks.Resolve(baseDir, envDir, hooks.StagePostDeploy)
	if err != nil {
		log.Warn("post-deploy hook resolution failed", zap.Error(err))
	}
	d.recordHookFailures(ctx, rec.ID, executor.RunStage(ctx, post, inv))

	stopHeartbeat()
	d.event(ctx, rec.ID, history.EventTypeDeploySucceeded, history.EventCategoryInfo, "")
	if err := d.finalize(ctx, rec, job.StatusCompleted, ""); err != nil {
		return "", err
	}
	log.Info("deployment completed",
		zap.String("environment", string(env)),
		zap.Duration("duration", time.Since(claimedAt)))
	return OutcomeCompleted, nil
}

// finalize writes the terminal status in place, then relocates the record to
// its terminal partition. A leftover terminal copy from an earlier crash is
// repaired by dropping the pending duplicate.
func (d *Dispatcher) finalize(ctx context.Context, rec *job.Record, status job.Status, reason string) error {
	if !job.CanTransition(rec.Status, status) {
		return fmt.Errorf("%w: %s -> %s", job.ErrBadTransition, rec.Status, status)
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.Reason = reason
	rec.CompletedAt = &now
	rec.HeartbeatAt = &now
	if err := d.store.Update(rec); err != nil {
		return err
	}

	part, err := queue.TerminalPartition(status)
	if err != nil {
		return err
	}
	if err := d.store.Move(rec.ID, queue.PartitionPending, part); err != nil {
		if !queue.IsExists(err) {
			return err
		}
		d.log.Warn("terminal copy already filed, removing pending duplicate",
			zap.String("record_id", rec.ID), zap.String("partition", string(part)))
		if rerr := d.store.Remove(queue.PartitionPending, rec.ID); rerr != nil {
			return rerr
		}
	}
	d.histTerminal(ctx, rec)
	return nil
}

// startHeartbeat refreshes heartbeat_at on the processing record until the
// returned stop function runs. The goroutine works on its own copy of the
// record; callers stop it before any terminal write.
func (d *Dispatcher) startHeartbeat(ctx context.Context, rec job.Record) func() {
	if d.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	t := time.NewTicker(d.cfg.HeartbeatInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				now := time.Now().UTC()
				rec.HeartbeatAt = &now
				if err := d.store.Update(&rec); err != nil {
					d.log.Warn("heartbeat write failed",
						zap.String("record_id", rec.ID), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
			<-stopped
		})
	}
}

func (d *Dispatcher) recordHookFailures(ctx context.Context, id string, results []hooks.Result) {
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		detail := fmt.Sprintf("%s %s: %v", r.Hook.Stage, r.Hook.Scope, r.Err)
		d.event(ctx, id, history.EventTypeHookFailed, history.EventCategoryWarning, detail)
	}
}

func (d *Dispatcher) histClaim(ctx context.Context, rec *job.Record) {
	if d.hist == nil {
		return
	}
	if err := d.hist.RecordClaim(ctx, rec); err != nil {
		d.log.Warn("history claim write failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (d *Dispatcher) histTerminal(ctx context.Context, rec *job.Record) {
	if d.hist == nil {
		return
	}
	if err := d.hist.RecordTerminal(ctx, rec); err != nil {
		d.log.Warn("history terminal write failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (d *Dispatcher) event(ctx context.Context, id string, typ history.EventType, cat history.EventCategory, detail string) {
	if d.hist == nil {
		return
	}
	if err := d.hist.RecordEvent(ctx, id, typ, cat, detail); err != nil {
		d.log.Warn("history event write failed", zap.String("record_id", id), zap.Error(err))
	}
}
