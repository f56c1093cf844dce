// Package verify runs artifact verification through an external worker
// binary and feeds outcomes back into the run pipeline.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/settld/go-settle/core"
)

// ErrTimeout marks a worker run that was killed at the deadline. Timeouts are
// reported distinctly from other execution failures so operators can tell a
// slow verifier from a broken one.
var ErrTimeout = errors.New("verify: worker timed out")

// Runner invokes the external verification worker once per job. The worker
// receives the artifact directory and flags on argv and writes a single JSON
// outcome document to stdout.
type Runner struct {
	// WorkerBin is the verification worker executable.
	WorkerBin string
	// HashConcurrency is passed through to the worker as a hint. Zero lets
	// the worker pick.
	HashConcurrency int
}

func NewRunner(workerBin string, hashConcurrency int) (*Runner, error) {
	workerBin = strings.TrimSpace(workerBin)
	if workerBin == "" {
		return nil, fmt.Errorf("verify: worker binary is required")
	}
	return &Runner{WorkerBin: workerBin, HashConcurrency: hashConcurrency}, nil
}

// Run executes the worker for one job and parses its outcome. The returned
// error is non-nil only for execution failures (spawn, timeout, bad output);
// verification findings travel inside the outcome.
func (r *Runner) Run(ctx context.Context, job core.VerifyJob) (core.VerificationOutcome, error) {
	if r == nil {
		return core.VerificationOutcome{}, fmt.Errorf("verify: runner is nil")
	}
	if strings.TrimSpace(job.Dir) == "" {
		return core.VerificationOutcome{}, fmt.Errorf("verify: job dir is required")
	}

	runCtx := ctx
	cancel := func() {}
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	}
	defer cancel()

	args := []string{"--dir", job.Dir}
	if job.Strict {
		args = append(args, "--strict")
	}
	if r.HashConcurrency > 0 {
		args = append(args, "--hash-concurrency", strconv.Itoa(r.HashConcurrency))
	}

	cmd := exec.CommandContext(runCtx, r.WorkerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return core.VerificationOutcome{}, fmt.Errorf("verify: worker killed after %s for token %q: %w", job.Timeout, job.Token, ErrTimeout)
	}
	if err != nil {
		return core.VerificationOutcome{}, fmt.Errorf("verify: worker failed for token %q: %w (stderr: %s)", job.Token, err, truncate(stderr.String(), 512))
	}

	var outcome core.VerificationOutcome
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &outcome); err != nil {
		return core.VerificationOutcome{}, fmt.Errorf("verify: parse worker output for token %q: %w", job.Token, err)
	}
	return outcome, nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// JobRunner executes one verification job.
type JobRunner interface {
	Run(ctx context.Context, job core.VerifyJob) (core.VerificationOutcome, error)
}

var _ JobRunner = (*Runner)(nil)
