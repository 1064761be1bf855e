package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Interops-io/infrastructure/pkg/job"
)

// ErrRunNotFound reports a run id with no audit row.
var ErrRunNotFound = errors.New("deploy run not found")

// Run is one deployment's audit row, written at claim time and finalized
// when the record reaches a terminal state.
type Run struct {
	RunID       string
	Project     string
	Environment string
	Branch      string
	Ref         string
	Commit      string
	Actor       string
	Status      string
	Reason      string
	QueuedAt    time.Time
	ClaimedAt   *time.Time
	FinishedAt  *time.Time
	DurationMS  *int64
}

const runColumns = `run_id, project, environment, branch, ref, commit_sha, actor,
	status, reason, queued_at, claimed_at, finished_at, duration_ms`

// RecordClaim upserts the run row when the dispatcher marks a record
// processing. Upsert keeps an operator requeue from violating the primary
// key.
func (s *Store) RecordClaim(ctx context.Context, rec *job.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deploy_runs
		 (run_id, project, environment, branch, ref, commit_sha, actor, status, reason, queued_at, claimed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   status = excluded.status,
		   reason = NULL,
		   claimed_at = excluded.claimed_at,
		   finished_at = NULL,
		   duration_ms = NULL`,
		rec.ID, rec.Project, string(rec.Environment), rec.Branch, rec.Ref, rec.Commit, rec.Actor,
		string(job.StatusProcessing), rec.CreatedAt.UTC(), rec.ClaimedAt)
	if err != nil {
		return fmt.Errorf("record claim: %w", err)
	}
	return nil
}

// RecordTerminal upserts the run row for a terminal record. Records rejected
// before any claim (validation failures, malformed files) arrive here with
// no existing row; the insert branch covers them.
func (s *Store) RecordTerminal(ctx context.Context, rec *job.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var durationMS *int64
	if rec.ClaimedAt != nil && rec.CompletedAt != nil {
		d := rec.CompletedAt.Sub(*rec.ClaimedAt).Milliseconds()
		durationMS = &d
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deploy_runs
		 (run_id, project, environment, branch, ref, commit_sha, actor, status, reason, queued_at, claimed_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   status = excluded.status,
		   reason = excluded.reason,
		   finished_at = excluded.finished_at,
		   duration_ms = excluded.duration_ms`,
		rec.ID, rec.Project, string(rec.Environment), rec.Branch, rec.Ref, rec.Commit, rec.Actor,
		string(rec.Status), nullIfEmpty(rec.Reason), rec.CreatedAt.UTC(), rec.ClaimedAt, rec.CompletedAt, durationMS)
	if err != nil {
		return fmt.Errorf("record terminal run: %w", err)
	}
	return nil
}

// Get retrieves one run by id.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM deploy_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get deploy run: %w", err)
	}
	return run, nil
}

// Recent lists runs newest first, optionally filtered by project.
func (s *Store) Recent(ctx context.Context, project string, limit int) ([]Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if project != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+runColumns+` FROM deploy_runs
			 WHERE project = ?
			 ORDER BY queued_at DESC LIMIT ?`, project, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+runColumns+` FROM deploy_runs
			 ORDER BY queued_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list deploy runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deploy run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// Summary aggregates run counts per status plus the mean deploy duration.
type Summary struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"by_status"`
	AvgDurMS   int64            `json:"avg_duration_ms"`
	LastFinish *time.Time       `json:"last_finished_at,omitempty"`
}

func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sum := &Summary{ByStatus: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM deploy_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("summarize runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		sum.ByStatus[status] = n
		sum.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM deploy_runs WHERE duration_ms IS NOT NULL`).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		sum.AvgDurMS = int64(avg.Float64)
	}

	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(finished_at) FROM deploy_runs WHERE finished_at IS NOT NULL`).Scan(&last); err != nil {
		return nil, fmt.Errorf("last finished: %w", err)
	}
	if last.Valid {
		t := last.Time
		sum.LastFinish = &t
	}
	return sum, nil
}

// Prune removes finished runs (and their events) older than the cutoff.
// Unfinished rows are kept regardless of age.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deploy_run_events WHERE run_id IN
		   (SELECT run_id FROM deploy_runs WHERE finished_at IS NOT NULL AND finished_at < ?)`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune run events: %w", err)
	}
	_ = res

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM deploy_runs WHERE finished_at IS NOT NULL AND finished_at < ?`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (*Run, error) {
	var run Run
	var branch, ref, commit, actor, reason sql.NullString
	var claimedAt, finishedAt sql.NullTime
	var durationMS sql.NullInt64

	err := r.Scan(&run.RunID, &run.Project, &run.Environment, &branch, &ref, &commit, &actor,
		&run.Status, &reason, &run.QueuedAt, &claimedAt, &finishedAt, &durationMS)
	if err != nil {
		return nil, err
	}
	run.Branch = branch.String
	run.Ref = ref.String
	run.Commit = commit.String
	run.Actor = actor.String
	run.Reason = reason.String
	if claimedAt.Valid {
		run.ClaimedAt = &claimedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if durationMS.Valid {
		run.DurationMS = &durationMS.Int64
	}
	return &run, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
