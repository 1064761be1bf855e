package job

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validRecord() *Record {
	return &Record{
		ID:          "alpha-production-20260819T120000Z-a1b2c3d4",
		CreatedAt:   time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC),
		Project:     "alpha",
		Branch:      "main",
		Ref:         "refs/heads/main",
		Environment: EnvProduction,
		Commit:      "0a1b2c3d4e5f",
		Actor:       "ci@example.com",
		SourceURLs:  []string{"https://git.example.com/alpha.git"},
		Status:      StatusQueued,
	}
}

func TestRecord_ValidateAcceptsCompleteRecord(t *testing.T) {
	require.NoError(t, validRecord().Validate())
}

func TestRecord_ValidateRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Record)
		want   string
	}{
		{"missing id", func(r *Record) { r.ID = " " }, "id is required"},
		{"missing created_at", func(r *Record) { r.CreatedAt = time.Time{} }, "created_at is required"},
		{"missing project", func(r *Record) { r.Project = "" }, "project is required"},
		{"missing branch and ref", func(r *Record) { r.Branch = ""; r.Ref = "" }, "one of branch or ref"},
		{"missing environment", func(r *Record) { r.Environment = "" }, "environment is required"},
		{"unknown environment", func(r *Record) { r.Environment = "qa" }, "not supported"},
		{"too many source urls", func(r *Record) {
			r.SourceURLs = []string{"https://a.example", "https://b.example", "https://c.example"}
		}, "max 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			tt.mutate(rec)
			err := rec.Validate()
			require.Error(t, err)
			require.True(t, IsInvalid(err))
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRecord_ValidateAllowsRefOnly(t *testing.T) {
	rec := validRecord()
	rec.Branch = ""
	require.NoError(t, rec.Validate())
	require.Equal(t, "main", rec.BranchName())
}

func TestBranchFromRef(t *testing.T) {
	require.Equal(t, "main", BranchFromRef("refs/heads/main"))
	require.Equal(t, "feature/x", BranchFromRef("refs/heads/feature/x"))
	require.Equal(t, "v1.2.3", BranchFromRef("v1.2.3"))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusFailed, true},
		{"", StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusQueued, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatus_Claimable(t *testing.T) {
	require.True(t, Status("").Claimable())
	require.True(t, StatusQueued.Claimable())
	require.False(t, StatusProcessing.Claimable())
	require.False(t, StatusCompleted.Claimable())
	require.False(t, StatusFailed.Claimable())
}

func TestStatus_Known(t *testing.T) {
	require.True(t, StatusQueued.Known())
	require.True(t, Status("").Known())
	require.False(t, Status("paused").Known())
}

func TestNewID_EncodesProjectEnvironmentAndStamp(t *testing.T) {
	at := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)
	id := NewID("Alpha App", EnvStaging, at)
	require.True(t, strings.HasPrefix(id, "alpha-app-staging-20260819T120000Z-"), id)
	require.Len(t, id, len("alpha-app-staging-20260819T120000Z-")+8)

	other := NewID("Alpha App", EnvStaging, at)
	require.NotEqual(t, id, other, "same-second ids must still be unique")
}
