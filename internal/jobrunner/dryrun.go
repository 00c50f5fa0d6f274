package jobrunner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/stagegate/stagegate/internal/domain"
)

// DryRunRunner simulates jobs in memory. Each job reports STARTING on its first
// status query, RUNNING for the configured number of polls and then a terminal
// state. Jobs tagged fail=true end FAILED.
type DryRunRunner struct {
	mu    sync.Mutex
	polls int
	jobs  map[string]*dryRunJob
}

type dryRunJob struct {
	spec  domain.JobSpec
	runID string
	seen  int
}

func NewDryRunRunner(polls int) *DryRunRunner {
	if polls < 0 {
		polls = 0
	}
	return &DryRunRunner{polls: polls, jobs: map[string]*dryRunJob{}}
}

func (r *DryRunRunner) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return "", fmt.Errorf("job name is required: %w", domain.ErrConfiguration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[name]; ok {
		return "", fmt.Errorf("job %s: %w", name, domain.ErrAlreadyExists)
	}
	sum := sha256.Sum256([]byte(name))
	runID := "dryrun-" + hex.EncodeToString(sum[:8])
	r.jobs[name] = &dryRunJob{spec: spec.Clone(), runID: runID}
	return runID, nil
}

func (r *DryRunRunner) Status(ctx context.Context, jobName string) (domain.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobName]
	if !ok {
		return domain.JobRun{}, fmt.Errorf("job %s: %w", jobName, domain.ErrNotFound)
	}
	job.seen++
	run := domain.JobRun{JobName: jobName, RunID: job.runID}
	switch {
	case job.seen == 1:
		run.State = domain.JobStarting
	case job.seen <= r.polls+1:
		run.State = domain.JobRunning
	default:
		if v, _ := job.spec.Tag("fail"); v == "true" {
			run.State = domain.JobFailed
			run.ErrorDetail = "dry run failure requested"
		} else {
			run.State = domain.JobSucceeded
		}
	}
	return run, nil
}

// Submitted returns the spec recorded for jobName.
func (r *DryRunRunner) Submitted(jobName string) (domain.JobSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobName]
	if !ok {
		return domain.JobSpec{}, false
	}
	return job.spec.Clone(), true
}
