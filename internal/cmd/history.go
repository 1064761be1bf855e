package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Interops-io/infrastructure/internal/config"
	"github.com/Interops-io/infrastructure/pkg/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the deployment run history",
	Long: `Query the durable run history: outcomes survive queue garbage
collection, so this is the long-term audit trail.`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent deployment runs",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run with its event trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate run outcomes",
	RunE:  runHistoryStats,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs older than a retention window",
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.AddCommand(historyPruneCmd)

	historyListCmd.Flags().String("project", "", "Filter by project")
	historyListCmd.Flags().Int("limit", 20, "Maximum runs to list")
	historyListCmd.Flags().Bool("json", false, "Output as JSON")
	historyShowCmd.Flags().Bool("json", false, "Output as JSON")
	historyStatsCmd.Flags().Bool("json", false, "Output as JSON")
	historyPruneCmd.Flags().String("older-than", "", "Delete runs finished before this age (e.g., 90d, 2160h)")
	historyPruneCmd.Flags().Bool("json", false, "Output as JSON")

	_ = historyPruneCmd.MarkFlagRequired("older-than")
}

func openHistoryStore(ctx context.Context) (*history.Store, error) {
	cfg := config.GetConfig()
	if !cfg.History.Enabled {
		return nil, fmt.Errorf("history is disabled in configuration")
	}
	return history.Open(ctx, history.Config{Path: cfg.History.Path})
}

type runJSON struct {
	RunID       string     `json:"run_id"`
	Project     string     `json:"project"`
	Environment string     `json:"environment"`
	Branch      string     `json:"branch,omitempty"`
	Ref         string     `json:"ref,omitempty"`
	Commit      string     `json:"commit,omitempty"`
	Actor       string     `json:"actor,omitempty"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
}

type eventJSON struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Type       string    `json:"type"`
	Category   string    `json:"category"`
	Detail     string    `json:"detail,omitempty"`
}

func toRunJSON(r history.Run) runJSON {
	return runJSON{
		RunID:       r.RunID,
		Project:     r.Project,
		Environment: r.Environment,
		Branch:      r.Branch,
		Ref:         r.Ref,
		Commit:      r.Commit,
		Actor:       r.Actor,
		Status:      r.Status,
		Reason:      r.Reason,
		QueuedAt:    r.QueuedAt,
		ClaimedAt:   r.ClaimedAt,
		FinishedAt:  r.FinishedAt,
		DurationMS:  r.DurationMS,
	}
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	project, _ := cmd.Flags().GetString("project")
	limit, _ := cmd.Flags().GetInt("limit")

	hist, err := openHistoryStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	runs, err := hist.Recent(ctx, project, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No runs found")
		return nil
	}

	if jsonOutput {
		out := make([]runJSON, len(runs))
		for i, r := range runs {
			out[i] = toRunJSON(r)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tPROJECT\tENV\tBRANCH\tSTATUS\tQUEUED\tDURATION")
	for _, r := range runs {
		branch := r.Branch
		if branch == "" {
			branch = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRecordID(r.RunID),
			r.Project,
			r.Environment,
			branch,
			r.Status,
			r.QueuedAt.UTC().Format(time.RFC3339),
			formatRunDuration(r.DurationMS),
		)
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	hist, err := openHistoryStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	run, err := hist.Get(ctx, strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	events, err := hist.Events(ctx, run.RunID)
	if err != nil {
		return err
	}

	if jsonOutput {
		evs := make([]eventJSON, len(events))
		for i, e := range events {
			evs[i] = eventJSON{
				EventID:    e.EventID,
				OccurredAt: e.OccurredAt,
				Type:       string(e.Type),
				Category:   string(e.Category),
				Detail:     e.Detail,
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Run    runJSON     `json:"run"`
			Events []eventJSON `json:"events"`
		}{Run: toRunJSON(*run), Events: evs})
	}

	_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", run.RunID)
	_, _ = fmt.Fprintf(os.Stdout, "project=%s\n", run.Project)
	_, _ = fmt.Fprintf(os.Stdout, "environment=%s\n", run.Environment)
	if run.Branch != "" {
		_, _ = fmt.Fprintf(os.Stdout, "branch=%s\n", run.Branch)
	}
	if run.Ref != "" {
		_, _ = fmt.Fprintf(os.Stdout, "ref=%s\n", run.Ref)
	}
	if run.Commit != "" {
		_, _ = fmt.Fprintf(os.Stdout, "commit=%s\n", run.Commit)
	}
	if run.Actor != "" {
		_, _ = fmt.Fprintf(os.Stdout, "actor=%s\n", run.Actor)
	}
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", run.Status)
	if run.Reason != "" {
		_, _ = fmt.Fprintf(os.Stdout, "reason=%s\n", run.Reason)
	}
	_, _ = fmt.Fprintf(os.Stdout, "queued_at=%s\n", run.QueuedAt.UTC().Format(time.RFC3339))
	if run.ClaimedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "claimed_at=%s\n", run.ClaimedAt.UTC().Format(time.RFC3339))
	}
	if run.FinishedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "finished_at=%s\n", run.FinishedAt.UTC().Format(time.RFC3339))
	}
	if run.DurationMS != nil {
		_, _ = fmt.Fprintf(os.Stdout, "duration=%s\n", formatRunDuration(run.DurationMS))
	}

	if len(events) > 0 {
		_, _ = fmt.Fprintln(os.Stdout)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "OCCURRED\tTYPE\tCATEGORY\tDETAIL")
		for _, e := range events {
			detail := e.Detail
			if detail == "" {
				detail = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.OccurredAt.UTC().Format(time.RFC3339), e.Type, e.Category, detail)
		}
		_ = w.Flush()
	}
	return nil
}

func runHistoryStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	hist, err := openHistoryStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	sum, err := hist.Summarize(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	_, _ = fmt.Fprintf(os.Stdout, "total=%d\n", sum.Total)
	for _, status := range []string{"completed", "failed", "processing"} {
		if n, ok := sum.ByStatus[status]; ok {
			_, _ = fmt.Fprintf(os.Stdout, "%s=%d\n", status, n)
		}
	}
	_, _ = fmt.Fprintf(os.Stdout, "avg_duration=%s\n", (time.Duration(sum.AvgDurMS) * time.Millisecond).String())
	if sum.LastFinish != nil {
		_, _ = fmt.Fprintf(os.Stdout, "last_finished_at=%s\n", sum.LastFinish.UTC().Format(time.RFC3339))
	}
	return nil
}

func runHistoryPrune(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	olderThanStr, _ := cmd.Flags().GetString("older-than")

	olderThan, err := parseDuration(strings.TrimSpace(olderThanStr))
	if err != nil {
		return fmt.Errorf("invalid --older-than: %w", err)
	}
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be > 0")
	}

	hist, err := openHistoryStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	cutoff := time.Now().UTC().Add(-olderThan)
	pruned, err := hist.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"pruned": pruned,
			"cutoff": cutoff.Format(time.RFC3339),
		})
	}
	_, _ = fmt.Fprintf(os.Stdout, "pruned=%d\n", pruned)
	return nil
}

func formatRunDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

// parseDuration parses a duration string that may include a day suffix
// (e.g., "90d").
func parseDuration(s string) (time.Duration, error) {
	if len(s) > 0 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
