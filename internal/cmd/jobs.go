package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Interops-io/infrastructure/internal/config"
	"github.com/Interops-io/infrastructure/internal/observability"
	"github.com/Interops-io/infrastructure/pkg/history"
	"github.com/Interops-io/infrastructure/pkg/job"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued deployment records",
	Long: `Inspect and manage deployment records across queue partitions.

This command group is designed to be agent-friendly:

- stable record ids
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployment records",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <record_id>",
	Short: "Show one deployment record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <record_id>",
	Short: "Return a failed or crash-stuck record to the queue",
	Long: `Return a record to the queue for another run.

A failed record gets a cleaned copy written back to pending. A record
stuck in "processing" after an engine crash is rewritten to "queued" in
place; the engine never does this on its own.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsRequeue,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old terminal records",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRequeueCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().String("partition", "pending", "Partition: pending, processed, failed, or all")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "720h", "Delete terminal records older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many records would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func queueStoreFromConfig() *queue.Store {
	return queue.NewStore(config.GetConfig().Queue.Dir)
}

func partitionsForArg(arg string) ([]queue.Partition, error) {
	arg = strings.TrimSpace(strings.ToLower(arg))
	if arg == "all" {
		return queue.Partitions, nil
	}
	p := queue.Partition(arg)
	if !p.Valid() {
		return nil, fmt.Errorf("unknown partition %q (want pending, processed, failed, or all)", arg)
	}
	return []queue.Partition{p}, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	partArg, _ := cmd.Flags().GetString("partition")

	parts, err := partitionsForArg(partArg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --partition", err)
	}

	store := queueStoreFromConfig()

	type listedRecord struct {
		Partition queue.Partition `json:"partition"`
		job.Record
	}
	var rows []listedRecord
	for _, p := range parts {
		recs, err := store.List(p)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "List queue records", err)
		}
		for _, r := range recs {
			rows = append(rows, listedRecord{Partition: p, Record: r})
		}
	}

	if len(rows) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No records found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RECORD ID\tPROJECT\tBRANCH\tENV\tSTATUS\tPARTITION\tCREATED\tCOMPLETED")
	for _, row := range rows {
		branch := row.BranchName()
		if branch == "" {
			branch = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRecordID(row.ID),
			row.Project,
			branch,
			row.Environment,
			row.Status,
			row.Partition,
			row.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(row.CompletedAt),
		)
	}

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store := queueStoreFromConfig()
	part, rec, err := resolveRecord(store, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Partition queue.Partition `json:"partition"`
			*job.Record
		}{Partition: part, Record: rec})
	}

	_, _ = fmt.Fprintf(os.Stdout, "record_id=%s\n", rec.ID)
	_, _ = fmt.Fprintf(os.Stdout, "partition=%s\n", part)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", rec.Status)
	_, _ = fmt.Fprintf(os.Stdout, "project=%s\n", rec.Project)
	if rec.Branch != "" {
		_, _ = fmt.Fprintf(os.Stdout, "branch=%s\n", rec.Branch)
	}
	if rec.Ref != "" {
		_, _ = fmt.Fprintf(os.Stdout, "ref=%s\n", rec.Ref)
	}
	_, _ = fmt.Fprintf(os.Stdout, "environment=%s\n", rec.Environment)
	if rec.Commit != "" {
		_, _ = fmt.Fprintf(os.Stdout, "commit=%s\n", rec.Commit)
	}
	if rec.Actor != "" {
		_, _ = fmt.Fprintf(os.Stdout, "actor=%s\n", rec.Actor)
	}
	for _, u := range rec.SourceURLs {
		_, _ = fmt.Fprintf(os.Stdout, "source_url=%s\n", u)
	}
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.ClaimedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "claimed_at=%s\n", rec.ClaimedAt.UTC().Format(time.RFC3339))
	}
	if rec.HeartbeatAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "heartbeat_at=%s\n", rec.HeartbeatAt.UTC().Format(time.RFC3339))
	}
	if rec.CompletedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "completed_at=%s\n", rec.CompletedAt.UTC().Format(time.RFC3339))
	}
	if rec.Reason != "" {
		_, _ = fmt.Fprintf(os.Stdout, "reason=%s\n", rec.Reason)
	}

	return nil
}

func runJobsRequeue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	store := queueStoreFromConfig()
	part, rec, err := resolveRequeueTarget(store, args[0])
	if err != nil {
		return err
	}

	if err := requeueRecord(store, part, rec); err != nil {
		if queue.IsFatal(err) {
			return exitError(foundry.ExitFileWriteError, "Requeue record", err)
		}
		return err
	}

	if cfg.History.Enabled {
		if hist, err := history.Open(ctx, history.Config{Path: cfg.History.Path}); err == nil {
			if err := hist.RecordEvent(ctx, rec.ID, history.EventTypeRequeued, history.EventCategoryInfo, "operator requeue"); err != nil {
				observability.Logger.Warn("history event write failed", zap.String("record_id", rec.ID), zap.Error(err))
			}
			_ = hist.Close()
		}
	}

	observability.Logger.Info("record requeued",
		zap.String("record_id", rec.ID), zap.String("from_partition", string(part)))
	_, _ = fmt.Fprintf(os.Stdout, "requeued %s\n", rec.ID)
	return nil
}

// resolveRequeueTarget locates the record an operator wants back in the
// queue, by id or unique prefix: the failed partition, or pending for a
// record stuck in "processing" after a crash.
func resolveRequeueTarget(store *queue.Store, input string) (queue.Partition, *job.Record, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil, fmt.Errorf("record_id is required")
	}
	parts := []queue.Partition{queue.PartitionFailed, queue.PartitionPending}

	// Exact match first, failed taking precedence.
	for _, p := range parts {
		rec, err := store.Get(p, input)
		if err == nil {
			return p, rec, nil
		}
		if queue.IsMalformed(err) {
			return "", nil, fmt.Errorf("record %s is quarantined as malformed and cannot be requeued", input)
		}
		if !queue.IsNotFound(err) {
			return "", nil, err
		}
	}

	type hit struct {
		part queue.Partition
		id   string
	}
	var matches []hit
	for _, p := range parts {
		ids, err := store.Scan(p)
		if err != nil {
			return "", nil, err
		}
		for _, id := range ids {
			if strings.HasPrefix(id, input) {
				matches = append(matches, hit{part: p, id: id})
			}
		}
	}
	if len(matches) == 0 {
		return "", nil, fmt.Errorf("record not found in failed or pending: %s", input)
	}
	if len(matches) > 1 {
		return "", nil, fmt.Errorf("record id prefix is ambiguous (%d matches); use the full record_id", len(matches))
	}

	rec, err := store.Get(matches[0].part, matches[0].id)
	if err != nil {
		if queue.IsMalformed(err) {
			return "", nil, fmt.Errorf("record %s is quarantined as malformed and cannot be requeued", matches[0].id)
		}
		return "", nil, err
	}
	return matches[0].part, rec, nil
}

// requeueRecord returns rec to the queue. A failed record's cleaned copy is
// written to pending first (atomic, already claimable), then the failed copy
// is dropped; an interruption leaves at worst a stale audit copy. A pending
// record stuck in "processing" is rewritten to "queued" in place; any other
// pending status has nothing to recover from.
func requeueRecord(store *queue.Store, part queue.Partition, rec *job.Record) error {
	if part == queue.PartitionPending && rec.Status != job.StatusProcessing {
		return fmt.Errorf("record %s is already %s; only records stuck in processing can be requeued from pending", rec.ID, rec.Status)
	}

	rec.Status = job.StatusQueued
	rec.ClaimedAt = nil
	rec.HeartbeatAt = nil
	rec.CompletedAt = nil
	rec.Reason = ""

	if part == queue.PartitionPending {
		return store.Update(rec)
	}

	if err := store.Put(rec); err != nil {
		if queue.IsExists(err) {
			return fmt.Errorf("record %s is already pending", rec.ID)
		}
		return err
	}
	if err := store.Remove(part, rec.ID); err != nil && !queue.IsNotFound(err) {
		return err
	}
	return nil
}

type jobsGCResult struct {
	Removed      map[string]int `json:"removed,omitempty"`
	WouldRemove  map[string]int `json:"would_remove,omitempty"`
	DryRun       bool           `json:"dry_run"`
	MaxAgeString string         `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "720h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	store := queueStoreFromConfig()
	cutoff := time.Now().UTC().Add(-maxAge)

	counts := make(map[string]int, 2)
	for _, p := range []queue.Partition{queue.PartitionProcessed, queue.PartitionFailed} {
		if dryRun {
			expired, err := store.Expired(p, cutoff)
			if err != nil {
				return exitError(foundry.ExitFileReadError, "Scan expired records", err)
			}
			counts[string(p)] = len(expired)
			continue
		}
		removed, err := store.Sweep(p, cutoff)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Sweep records", err)
		}
		counts[string(p)] = len(removed)
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldRemove = counts
		} else {
			res.Removed = counts
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	label := "removed"
	if dryRun {
		label = "would_remove"
	}
	for _, p := range []queue.Partition{queue.PartitionProcessed, queue.PartitionFailed} {
		_, _ = fmt.Fprintf(os.Stdout, "%s.%s=%d\n", label, p, counts[string(p)])
	}
	return nil
}

func shortRecordID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 40 {
		return id
	}
	return id[:40]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveRecord locates a record by id or unique id prefix across all
// partitions.
func resolveRecord(store *queue.Store, input string) (queue.Partition, *job.Record, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil, fmt.Errorf("record_id is required")
	}

	// Exact match first.
	for _, p := range queue.Partitions {
		rec, err := store.Get(p, input)
		if err == nil {
			return p, rec, nil
		}
		if !queue.IsNotFound(err) {
			return "", nil, err
		}
	}

	// Prefix match (allows table-friendly short ids).
	type hit struct {
		part queue.Partition
		id   string
	}
	var matches []hit
	for _, p := range queue.Partitions {
		ids, err := store.Scan(p)
		if err != nil {
			return "", nil, err
		}
		for _, id := range ids {
			if strings.HasPrefix(id, input) {
				matches = append(matches, hit{part: p, id: id})
			}
		}
	}
	if len(matches) == 0 {
		return "", nil, fmt.Errorf("record not found: %s", input)
	}
	if len(matches) > 1 {
		return "", nil, fmt.Errorf("record id prefix is ambiguous (%d matches); use the full record_id", len(matches))
	}

	rec, err := store.Get(matches[0].part, matches[0].id)
	if err != nil {
		return "", nil, err
	}
	return matches[0].part, rec, nil
}
