package job

// Status is the lifecycle state of a deployment record.
//
// NOTE: These values are persisted in record files and are part of the stable
// on-disk contract.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ValidTransitions is the forward-only state machine. queued may move
// directly to failed when a record is rejected before processing; terminal
// states admit no further transitions.
var ValidTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  nil,
	StatusFailed:     nil,
}

// CanTransition reports whether a record may move from one status to another.
// The empty status is treated as queued: records written by minimal producers
// omit the field.
func CanTransition(from, to Status) bool {
	if from == "" {
		from = StatusQueued
	}
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Known reports whether s is one of the defined statuses. The watcher skips
// records carrying an unknown status rather than guessing.
func (s Status) Known() bool {
	switch s {
	case "", StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Claimable reports whether the watcher may hand a record with this status to
// the dispatcher. Empty means a minimal producer omitted the field.
func (s Status) Claimable() bool {
	return s == "" || s == StatusQueued
}
