package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventCategory groups events by severity.
type EventCategory string

const (
	EventCategoryInfo    EventCategory = "info"
	EventCategoryWarning EventCategory = "warning"
	EventCategoryError   EventCategory = "error"
)

// EventType identifies what happened during a run.
type EventType string

const (
	EventTypeClaimed          EventType = "claimed"
	EventTypeValidationFailed EventType = "validation_failed"
	EventTypeMalformedRecord  EventType = "malformed_record"
	EventTypeBranchDiscarded  EventType = "branch_discarded"
	EventTypeHookFailed       EventType = "hook_failed"
	EventTypeDeployStarted    EventType = "deploy_started"
	EventTypeDeploySucceeded  EventType = "deploy_succeeded"
	EventTypeDeployFailed     EventType = "deploy_failed"
	EventTypeStaleFlagged     EventType = "stale_flagged"
	EventTypeRequeued         EventType = "requeued"
)

// Event is one structured diagnostic attached to a run id. Discarded records
// leave only events; they never get a run row.
type Event struct {
	EventID    string
	RunID      string
	OccurredAt time.Time
	Type       EventType
	Category   EventCategory
	Detail     string
}

// RecordEvent appends one event for a run id.
func (s *Store) RecordEvent(ctx context.Context, runID string, typ EventType, category EventCategory, detail string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deploy_run_events
		 (event_id, run_id, occurred_at, event_type, event_category, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		newEventID(), runID, time.Now().UTC(), string(typ), string(category), nullIfEmpty(detail))
	if err != nil {
		return fmt.Errorf("record run event: %w", err)
	}
	return nil
}

// Events lists a run's events oldest first.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, occurred_at, event_type, event_category, detail
		 FROM deploy_run_events
		 WHERE run_id = ?
		 ORDER BY occurred_at ASC, event_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		if err := rows.Scan(&e.EventID, &e.RunID, &e.OccurredAt, &e.Type, &e.Category, &detail); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func newEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
