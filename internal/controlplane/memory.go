package controlplane

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagegate/stagegate/internal/domain"
)

// Memory is an in-process control plane with the same token semantics as
// Store. It backs local runs and tests.
type Memory struct {
	mu      sync.Mutex
	layout  Layout
	actions map[string]map[string]actionRecord
	jobs    map[string]memoryJob
	now     func() time.Time

	// Approvals lists every accepted gate decision in order.
	Approvals []domain.ApprovalResult
}

type memoryJob struct {
	ref         ActionRef
	executionID string
	status      domain.ActionStatus
	details     *domain.FailureDetails
}

func NewMemory(layout Layout) *Memory {
	return &Memory{
		layout:  layout,
		actions: map[string]map[string]actionRecord{},
		jobs:    map[string]memoryJob{},
		now:     time.Now,
	}
}

func (m *Memory) GetPipelineState(ctx context.Context, pipelineName string) (domain.PipelineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]actionRecord, 0, len(m.actions[pipelineName]))
	for _, rec := range m.actions[pipelineName] {
		records = append(records, rec)
	}
	return buildState(pipelineName, m.layout, records), nil
}

func (m *Memory) PutApprovalResult(ctx context.Context, gate domain.ApprovalGate, result domain.ApprovalResult) error {
	if !result.Status.Valid() {
		return fmt.Errorf("invalid approval status %q: %w", result.Status, domain.ErrConfiguration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := gate.StageName + "/" + gate.ActionName
	rec, ok := m.actions[gate.PipelineName][key]
	if !ok {
		return fmt.Errorf("gate %s/%s: %w", gate.PipelineName, key, domain.ErrNotFound)
	}
	if rec.status != string(domain.ActionInProgress) || rec.token == "" || rec.token != gate.Token {
		return fmt.Errorf("gate %s/%s is %s: %w", gate.PipelineName, key, rec.status, domain.ErrTokenConsumed)
	}
	rec.status = string(result.Status)
	rec.summary = result.Summary
	rec.token = ""
	rec.updatedAt = m.now()
	m.actions[gate.PipelineName][key] = rec
	m.Approvals = append(m.Approvals, result)
	return nil
}

func (m *Memory) PutJobSuccess(ctx context.Context, jobID string) error {
	return m.completeJob(ctx, jobID, domain.ActionSucceeded, nil)
}

func (m *Memory) PutJobFailure(ctx context.Context, jobID string, details domain.FailureDetails) error {
	return m.completeJob(ctx, jobID, domain.ActionFailed, &details)
}

// JobResult reports what was recorded for jobID.
func (m *Memory) JobResult(jobID string) (domain.ActionStatus, *domain.FailureDetails, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return job.status, job.details, ok
}

func (m *Memory) completeJob(ctx context.Context, jobID string, status domain.ActionStatus, details *domain.FailureDetails) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("job id is required: %w", domain.ErrConfiguration)
	}
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if ok && job.status != domain.ActionInProgress {
		m.mu.Unlock()
		return fmt.Errorf("job %s already reported: %w", jobID, domain.ErrAlreadyExists)
	}
	job.status = status
	job.details = details
	m.jobs[jobID] = job
	m.mu.Unlock()

	if !ok {
		return nil
	}
	summary := ""
	if details != nil {
		summary = details.Message
	}
	return advance(ctx, m, m.layout, job.ref, job.executionID, status, summary)
}

func (m *Memory) StartJob(ctx context.Context, ref ActionRef, executionID string) (string, error) {
	if err := m.RecordActionExecution(ctx, ref, executionID, domain.ActionInProgress, ""); err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	m.mu.Lock()
	m.jobs[jobID] = memoryJob{ref: ref, executionID: executionID, status: domain.ActionInProgress}
	m.mu.Unlock()
	return jobID, nil
}

func (m *Memory) OpenGate(ctx context.Context, ref ActionRef, executionID string) (domain.ApprovalGate, error) {
	if err := ref.Validate(); err != nil {
		return domain.ApprovalGate{}, err
	}
	if strings.TrimSpace(executionID) == "" {
		return domain.ApprovalGate{}, fmt.Errorf("execution id is required: %w", domain.ErrConfiguration)
	}
	token := uuid.NewString()
	m.put(ref, executionID, domain.ActionInProgress, token, "")
	return domain.ApprovalGate{
		PipelineName: ref.PipelineName,
		StageName:    ref.StageName,
		ActionName:   ref.ActionName,
		ExecutionID:  executionID,
		Status:       domain.ActionInProgress,
		Token:        token,
	}, nil
}

func (m *Memory) RecordActionExecution(ctx context.Context, ref ActionRef, executionID string, status domain.ActionStatus, summary string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(executionID) == "" {
		return fmt.Errorf("execution id is required: %w", domain.ErrConfiguration)
	}
	m.put(ref, executionID, status, "", summary)
	return nil
}

func (m *Memory) put(ref ActionRef, executionID string, status domain.ActionStatus, token, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.actions[ref.PipelineName]
	if !ok {
		byKey = map[string]actionRecord{}
		m.actions[ref.PipelineName] = byKey
	}
	byKey[ref.StageName+"/"+ref.ActionName] = actionRecord{
		stage:       ref.StageName,
		action:      ref.ActionName,
		order:       m.layout.stageIndex(ref.StageName),
		executionID: executionID,
		status:      string(status),
		token:       token,
		summary:     summary,
		updatedAt:   m.now(),
	}
}
