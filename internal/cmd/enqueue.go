package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Interops-io/infrastructure/internal/config"
	"github.com/Interops-io/infrastructure/internal/observability"
	"github.com/Interops-io/infrastructure/pkg/dispatcher"
	"github.com/Interops-io/infrastructure/pkg/job"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a deployment request",
	Long: `Queue a deployment request by writing a record into the pending
partition. A running engine picks it up; without one, the record waits.

Examples:
  interops enqueue --project shop --branch main --env production
  interops enqueue --project shop --ref refs/heads/develop --env development --commit 4f06bd4
  interops enqueue --project shop --branch main --env production --json`,
	RunE: runEnqueue,
}

var (
	enqueueProject    string
	enqueueBranch     string
	enqueueRef        string
	enqueueEnv        string
	enqueueCommit     string
	enqueueActor      string
	enqueueSourceURLs []string
	enqueueID         string
	enqueueStrict     bool
)

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVarP(&enqueueProject, "project", "p", "", "Project name (required)")
	enqueueCmd.Flags().StringVarP(&enqueueBranch, "branch", "b", "", "Short branch name")
	enqueueCmd.Flags().StringVar(&enqueueRef, "ref", "", "Fully qualified git ref (alternative to --branch)")
	enqueueCmd.Flags().StringVarP(&enqueueEnv, "env", "e", "", "Target environment: production, staging, or development (required)")
	enqueueCmd.Flags().StringVar(&enqueueCommit, "commit", "", "Commit SHA being deployed")
	enqueueCmd.Flags().StringVar(&enqueueActor, "actor", "", "Who requested the deployment")
	enqueueCmd.Flags().StringSliceVar(&enqueueSourceURLs, "source-url", nil, "Alternative fetch location, priority ordered (repeatable, max 2)")
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "Explicit record id (default: derived from project, environment, and time)")
	enqueueCmd.Flags().BoolVar(&enqueueStrict, "strict", false, "Refuse branches the engine would discard instead of queueing them")
	enqueueCmd.Flags().Bool("json", false, "Output as JSON")

	_ = enqueueCmd.MarkFlagRequired("project")
	_ = enqueueCmd.MarkFlagRequired("env")
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg := config.GetConfig()

	env := job.Environment(strings.TrimSpace(enqueueEnv))
	if !env.Valid() {
		return exitError(foundry.ExitInvalidArgument, "Invalid --env",
			fmt.Errorf("environment %q is not one of production, staging, development", enqueueEnv))
	}

	now := time.Now().UTC()
	id := strings.TrimSpace(enqueueID)
	if id == "" {
		id = job.NewID(enqueueProject, env, now)
	}

	rec := &job.Record{
		ID:          id,
		CreatedAt:   now,
		Project:     strings.TrimSpace(enqueueProject),
		Branch:      strings.TrimSpace(enqueueBranch),
		Ref:         strings.TrimSpace(enqueueRef),
		Environment: env,
		Commit:      strings.TrimSpace(enqueueCommit),
		Actor:       strings.TrimSpace(enqueueActor),
		SourceURLs:  enqueueSourceURLs,
		Status:      job.StatusQueued,
	}
	if err := rec.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid deployment request", err)
	}

	// By default untracked branches are queued anyway and discarded by the
	// engine, so dumb producers stay simple. --strict front-loads the check.
	if enqueueStrict {
		branchMap, err := branchMapFromConfig(cfg.Dispatch.BranchMap)
		if err != nil {
			return exitError(foundry.ExitConfigInvalid, "Invalid branch map", err)
		}
		if branchMap == nil {
			branchMap = dispatcher.DefaultBranchMap()
		}
		branch := rec.BranchName()
		mapped, tracked := branchMap[branch]
		if !tracked {
			return exitError(foundry.ExitInvalidArgument, "Branch not tracked",
				fmt.Errorf("branch %q is not in the deployment branch map", branch))
		}
		if mapped != env {
			return exitError(foundry.ExitInvalidArgument, "Branch and environment disagree",
				fmt.Errorf("branch %q deploys to %q, not %q", branch, mapped, env))
		}
	}

	// Producers schema-validate before writing; readers stay tolerant.
	raw, err := json.Marshal(rec)
	if err != nil {
		return exitError(foundry.ExitFailure, "Encode record", err)
	}
	if err := job.ValidateSchemaRaw(raw); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Record failed schema validation", err)
	}

	store := queue.NewStore(cfg.Queue.Dir)
	if err := store.EnsureLayout(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Prepare queue layout", err)
	}
	if err := store.Put(rec); err != nil {
		if queue.IsExists(err) {
			return exitError(foundry.ExitFileWriteError, "Record id already queued", err)
		}
		return exitError(foundry.ExitFileWriteError, "Queue deployment request", err)
	}

	observability.Logger.Info("deployment queued",
		zap.String("record_id", rec.ID),
		zap.String("project", rec.Project),
		zap.String("branch", rec.BranchName()),
		zap.String("environment", string(rec.Environment)))

	path := store.Path(queue.PartitionPending, rec.ID)
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"id":   rec.ID,
			"path": path,
		})
	}

	_, _ = fmt.Fprintf(os.Stdout, "queued %s\n", rec.ID)
	_, _ = fmt.Fprintf(os.Stdout, "path=%s\n", path)
	return nil
}
