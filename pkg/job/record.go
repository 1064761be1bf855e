package job

import (
	"fmt"
	"strings"
	"time"
)

// Environment is a deployment target tier.
//
// NOTE: These values are persisted in record files and are part of the stable
// on-disk contract.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

// KnownEnvironments lists the closed set of deployable environments in
// display order.
var KnownEnvironments = []Environment{EnvProduction, EnvStaging, EnvDevelopment}

// Valid reports whether e is one of the supported environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvProduction, EnvStaging, EnvDevelopment:
		return true
	}
	return false
}

// MaxSourceURLs caps the alternative fetch locations a record may carry.
const MaxSourceURLs = 2

// Record is the persistent unit of deployment work, one file per record.
//
// The schema is designed for backward-compatible extension (additive fields);
// readers tolerate unknown fields and reject missing required ones.
type Record struct {
	ID          string      `json:"id"`
	CreatedAt   time.Time   `json:"created_at"`
	Project     string      `json:"project"`
	Branch      string      `json:"branch,omitempty"`
	Ref         string      `json:"ref,omitempty"`
	Environment Environment `json:"environment"`
	Commit      string      `json:"commit,omitempty"`
	Actor       string      `json:"actor,omitempty"`
	SourceURLs  []string    `json:"source_urls,omitempty"`
	Status      Status      `json:"status"`

	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Validate checks the structural invariants a record must satisfy before it
// may be dispatched. Status is deliberately not checked here; claim gating on
// status belongs to the watcher.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}
	var problems []string
	if strings.TrimSpace(r.ID) == "" {
		problems = append(problems, "id is required")
	}
	if r.CreatedAt.IsZero() {
		problems = append(problems, "created_at is required")
	}
	if strings.TrimSpace(r.Project) == "" {
		problems = append(problems, "project is required")
	}
	if strings.TrimSpace(r.Branch) == "" && strings.TrimSpace(r.Ref) == "" {
		problems = append(problems, "one of branch or ref is required")
	}
	if r.Environment == "" {
		problems = append(problems, "environment is required")
	} else if !r.Environment.Valid() {
		problems = append(problems, fmt.Sprintf("environment %q is not supported", r.Environment))
	}
	if len(r.SourceURLs) > MaxSourceURLs {
		problems = append(problems, fmt.Sprintf("source_urls has %d entries, max %d", len(r.SourceURLs), MaxSourceURLs))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(problems, "; "))
	}
	return nil
}

// BranchName returns the short branch name, resolving it from Ref
// (refs/heads/<name>) when Branch is unset.
func (r *Record) BranchName() string {
	if b := strings.TrimSpace(r.Branch); b != "" {
		return b
	}
	return BranchFromRef(r.Ref)
}

// BranchFromRef extracts a short branch name from a fully qualified git ref.
// Non-branch refs (tags, raw SHAs) return the input unchanged.
func BranchFromRef(ref string) string {
	ref = strings.TrimSpace(ref)
	return strings.TrimPrefix(ref, "refs/heads/")
}
