package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ErrNoCommand indicates no deploy command is configured.
var ErrNoCommand = errors.New("deploy command is not configured")

// CommandOperation invokes a configured external command as the deployment
// operation. The record context is appended as four positional arguments
// (project, environment, ref, commit) and exported through the environment;
// a non-zero exit is a deployment failure.
type CommandOperation struct {
	log     *zap.Logger
	argv    []string
	timeout time.Duration
}

// NewCommandOperation builds a command-backed operation. argv[0] is the
// executable; any further elements are fixed leading arguments.
func NewCommandOperation(log *zap.Logger, argv []string, timeout time.Duration) (*CommandOperation, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrNoCommand
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandOperation{log: log, argv: argv, timeout: timeout}, nil
}

func (o *CommandOperation) Deploy(ctx context.Context, req Request) error {
	runCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	args := append(append([]string{}, o.argv[1:]...),
		req.Project, req.Environment, req.Ref, req.Commit)

	var output bytes.Buffer
	cmd := exec.CommandContext(runCtx, o.argv[0], args...)
	cmd.Dir = req.Workdir
	cmd.Env = environ(req)
	cmd.Stdout = &output
	cmd.Stderr = &output

	o.log.Info("deploy command starting",
		zap.String("command", o.argv[0]),
		zap.String("project", req.Project),
		zap.String("environment", req.Environment),
		zap.String("ref", req.Ref),
		zap.String("commit", req.Commit))

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("deploy timed out after %s", o.timeout)
		} else {
			err = fmt.Errorf("deploy command: %w", err)
		}
		if tail := outputTail(output.Bytes()); tail != "" {
			err = fmt.Errorf("%w (output: %s)", err, tail)
		}
		return err
	}

	o.log.Info("deploy command succeeded",
		zap.String("project", req.Project),
		zap.String("environment", req.Environment),
		zap.Duration("duration", duration))
	return nil
}

// environ renders the same contract hooks receive, plus the prioritized
// source locations.
func environ(req Request) []string {
	env := append(os.Environ(),
		"INTEROPS_PROJECT="+req.Project,
		"INTEROPS_ENVIRONMENT="+req.Environment,
		"INTEROPS_BRANCH="+req.Branch,
		"INTEROPS_REF="+req.Ref,
		"INTEROPS_COMMIT="+req.Commit,
		"INTEROPS_ACTOR="+req.Actor,
		"INTEROPS_WORKDIR="+req.Workdir,
		"INTEROPS_TIMESTAMP="+req.Timestamp.UTC().Format(time.RFC3339),
	)
	if len(req.SourceURLs) > 0 {
		env = append(env, "INTEROPS_SOURCE_URL="+req.SourceURLs[0])
	}
	if len(req.SourceURLs) > 1 {
		env = append(env, "INTEROPS_SOURCE_URL_FALLBACK="+req.SourceURLs[1])
	}
	return env
}

func outputTail(b []byte) string {
	const max = 2048
	b = bytes.TrimSpace(b)
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(b)
}
