package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Interops-io/infrastructure/pkg/deploy"
	"github.com/Interops-io/infrastructure/pkg/history"
	"github.com/Interops-io/infrastructure/pkg/job"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

func newStore(t *testing.T) *queue.Store {
	t.Helper()
	s := queue.NewStore(t.TempDir())
	require.NoError(t, s.EnsureLayout())
	return s
}

func newRecord(t *testing.T, s *queue.Store, mutate func(*job.Record)) *job.Record {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	rec := &job.Record{
		ID:          job.NewID("checkout", job.EnvProduction, now),
		CreatedAt:   now,
		Project:     "checkout",
		Branch:      "main",
		Environment: job.EnvProduction,
		Commit:      "4f06bd4",
		Actor:       "release-bot",
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, s.Put(rec))
	return rec
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		HooksRoot:         t.TempDir(),
		WorkRoot:          t.TempDir(),
		DeployTimeout:     time.Minute,
		HookTimeout:       30 * time.Second,
		HeartbeatInterval: time.Minute,
	}
}

func TestDispatchCompletedRecordLandsInProcessed(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, nil)
	cfg := testConfig(t)

	marks := t.TempDir()
	projDir := filepath.Join(cfg.HooksRoot, "checkout")
	writeScript(t, filepath.Join(projDir, "pre-deploy.sh"),
		`echo "$INTEROPS_ENVIRONMENT" > `+filepath.Join(marks, "pre"))
	writeScript(t, filepath.Join(projDir, "post-deploy.sh"),
		`echo done > `+filepath.Join(marks, "post"))

	calls := 0
	var got deploy.Request
	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		calls++
		got = req
		return nil
	})

	d := New(store, op, nil, zap.NewNop(), cfg)
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out)

	require.Equal(t, 1, calls)
	require.Equal(t, "checkout", got.Project)
	require.Equal(t, "production", got.Environment)
	require.Equal(t, "main", got.Branch)
	require.Equal(t, "4f06bd4", got.Commit)
	require.Equal(t, filepath.Join(cfg.WorkRoot, "checkout", "production"), got.Workdir)
	require.DirExists(t, got.Workdir)

	pending, err := store.Scan(queue.PartitionPending)
	require.NoError(t, err)
	require.Empty(t, pending)

	final, err := store.Get(queue.PartitionProcessed, rec.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, final.Status)
	require.NotNil(t, final.ClaimedAt)
	require.NotNil(t, final.CompletedAt)
	require.Empty(t, final.Reason)

	pre, err := os.ReadFile(filepath.Join(marks, "pre"))
	require.NoError(t, err)
	require.Equal(t, "production\n", string(pre))
	require.FileExists(t, filepath.Join(marks, "post"))
}

func TestDispatchFailedDeployLandsInFailedAndSkipsPostHooks(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, nil)
	cfg := testConfig(t)

	marks := t.TempDir()
	projDir := filepath.Join(cfg.HooksRoot, "checkout")
	writeScript(t, filepath.Join(projDir, "pre-deploy.sh"),
		`echo ran >> `+filepath.Join(marks, "pre"))
	writeScript(t, filepath.Join(projDir, "post-deploy.sh"),
		`echo ran >> `+filepath.Join(marks, "post"))

	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		return errors.New("image pull failed")
	})

	d := New(store, op, nil, zap.NewNop(), cfg)
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out)

	final, err := store.Get(queue.PartitionFailed, rec.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, final.Status)
	require.Contains(t, final.Reason, "image pull failed")
	require.NotNil(t, final.ClaimedAt)
	require.NotNil(t, final.CompletedAt)

	// Pre-deploy ran exactly once; post-deploy never ran.
	pre, err := os.ReadFile(filepath.Join(marks, "pre"))
	require.NoError(t, err)
	require.Equal(t, "ran\n", string(pre))
	require.NoFileExists(t, filepath.Join(marks, "post"))
}

func TestDispatchDiscardsUntrackedBranch(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, func(r *job.Record) {
		r.Branch = ""
		r.Ref = "refs/heads/feature/login-redesign"
	})

	calls := 0
	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		calls++
		return nil
	})

	d := New(store, op, nil, zap.NewNop(), testConfig(t))
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeDiscarded, out)
	require.Zero(t, calls)

	// The record is gone without a trace in any partition.
	for _, p := range queue.Partitions {
		ids, err := store.Scan(p)
		require.NoError(t, err)
		require.Empty(t, ids, "partition %s", p)
	}
}

func TestDispatchSkipsAlreadyClaimedRecord(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, func(r *job.Record) {
		r.Status = job.StatusProcessing
	})

	calls := 0
	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		calls++
		return nil
	})

	d := New(store, op, nil, zap.NewNop(), testConfig(t))
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, out)
	require.Zero(t, calls)

	// The record stays in pending untouched.
	final, err := store.Get(queue.PartitionPending, rec.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, final.Status)
	require.Nil(t, final.CompletedAt)
}

func TestDispatchRejectsInvalidRecordWithoutDeploying(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, func(r *job.Record) {
		r.Project = ""
	})

	calls := 0
	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		calls++
		return nil
	})

	d := New(store, op, nil, zap.NewNop(), testConfig(t))
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out)
	require.Zero(t, calls)

	final, err := store.Get(queue.PartitionFailed, rec.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, final.Status)
	require.Contains(t, final.Reason, "project")
	// Rejected before claiming, so it never entered processing.
	require.Nil(t, final.ClaimedAt)
}

func TestDispatchRejectsEnvironmentMismatch(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, func(r *job.Record) {
		r.Environment = job.EnvStaging // branch main resolves to production
	})

	calls := 0
	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		calls++
		return nil
	})

	d := New(store, op, nil, zap.NewNop(), testConfig(t))
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out)
	require.Zero(t, calls)

	final, err := store.Get(queue.PartitionFailed, rec.ID)
	require.NoError(t, err)
	require.Contains(t, final.Reason, `resolves to environment "production"`)
}

func TestDispatchHookFailureDoesNotFailDeployment(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, nil)
	cfg := testConfig(t)

	projDir := filepath.Join(cfg.HooksRoot, "checkout")
	writeScript(t, filepath.Join(projDir, "pre-deploy.sh"), `exit 1`)

	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		return nil
	})

	d := New(store, op, nil, zap.NewNop(), cfg)
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out)

	final, err := store.Get(queue.PartitionProcessed, rec.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, final.Status)
}

func TestDispatchTimesOutSlowDeploy(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, nil)
	cfg := testConfig(t)
	cfg.DeployTimeout = 50 * time.Millisecond

	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		<-ctx.Done()
		return ctx.Err()
	})

	d := New(store, op, nil, zap.NewNop(), cfg)
	start := time.Now()
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out)
	require.Less(t, time.Since(start), 5*time.Second)

	final, err := store.Get(queue.PartitionFailed, rec.ID)
	require.NoError(t, err)
	require.Contains(t, final.Reason, "deploy timed out after 50ms")
}

func TestDispatchUsesManifestDeployCommand(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, nil)
	cfg := testConfig(t)

	marks := t.TempDir()
	projDir := filepath.Join(cfg.HooksRoot, "checkout")
	script := filepath.Join(projDir, "release.sh")
	writeScript(t, script, `echo "$1 $2" > `+filepath.Join(marks, "deployed"))
	manifest := fmt.Sprintf("version: \"1\"\nproject: checkout\ndeploy:\n  command: [%q]\n", script)
	require.NoError(t, os.WriteFile(filepath.Join(projDir, "project.yaml"), []byte(manifest), 0644))

	calls := 0
	fallback := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		calls++
		return nil
	})

	d := New(store, fallback, nil, zap.NewNop(), cfg)
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out)

	// The manifest command ran instead of the injected operation.
	require.Zero(t, calls)
	b, err := os.ReadFile(filepath.Join(marks, "deployed"))
	require.NoError(t, err)
	require.Equal(t, "checkout production\n", string(b))
}

func TestDispatchHeartbeatRefreshesPendingRecord(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, nil)
	cfg := testConfig(t)
	cfg.HeartbeatInterval = 20 * time.Millisecond

	var claimed, beaten *time.Time
	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		time.Sleep(120 * time.Millisecond)
		cur, err := store.Get(queue.PartitionPending, rec.ID)
		if err != nil {
			return err
		}
		claimed, beaten = cur.ClaimedAt, cur.HeartbeatAt
		return nil
	})

	d := New(store, op, nil, zap.NewNop(), cfg)
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out)

	require.NotNil(t, claimed)
	require.NotNil(t, beaten)
	require.True(t, beaten.After(*claimed), "heartbeat %v should trail claim %v", beaten, claimed)
}

func TestDispatchRecordsHistory(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, nil)

	hist, err := history.Open(context.Background(), history.Config{Path: ":memory:"})
	require.NoError(t, err)
	defer hist.Close()

	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		return nil
	})

	d := New(store, op, hist, zap.NewNop(), testConfig(t))
	out, err := d.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out)

	run, err := hist.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", run.Status)
	require.Equal(t, "checkout", run.Project)
	require.NotNil(t, run.FinishedAt)

	events, err := hist.Events(context.Background(), rec.ID)
	require.NoError(t, err)
	var types []history.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Contains(t, types, history.EventTypeClaimed)
	require.Contains(t, types, history.EventTypeDeployStarted)
	require.Contains(t, types, history.EventTypeDeploySucceeded)
}

func TestDispatchPropagatesFatalStoreErrors(t *testing.T) {
	store := newStore(t)
	rec := newRecord(t, store, nil)

	// Replace the pending record file with a directory so the claim
	// rewrite fails with a real I/O error rather than a store sentinel.
	path := store.Path(queue.PartitionPending, rec.ID)
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0755))

	op := deploy.Func(func(ctx context.Context, req deploy.Request) error {
		return nil
	})

	d := New(store, op, nil, zap.NewNop(), testConfig(t))
	_, err := d.Dispatch(context.Background(), rec)
	require.Error(t, err)
	require.True(t, queue.IsFatal(err), "expected a fatal store error, got %v", err)
}

func TestDefaultBranchMap(t *testing.T) {
	m := DefaultBranchMap()
	require.Equal(t, job.EnvProduction, m["main"])
	require.Equal(t, job.EnvProduction, m["master"])
	require.Equal(t, job.EnvStaging, m["staging"])
	require.Equal(t, job.EnvDevelopment, m["develop"])
	require.NotContains(t, m, "feature/x")
}
