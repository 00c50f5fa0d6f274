package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/postgres"
)

const (
	selectActionsQuery = `SELECT stage_name, action_name, stage_order, execution_id, status, token, summary, updated_at
	 FROM pipeline_action_executions
	 WHERE pipeline_name = $1
	 ORDER BY stage_order ASC, stage_name ASC, action_name ASC`

	upsertActionQuery = `INSERT INTO pipeline_action_executions (
		pipeline_name,
		stage_name,
		action_name,
		stage_order,
		execution_id,
		status,
		token,
		summary,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	ON CONFLICT (pipeline_name, stage_name, action_name) DO UPDATE SET
		stage_order = EXCLUDED.stage_order,
		execution_id = EXCLUDED.execution_id,
		status = EXCLUDED.status,
		token = EXCLUDED.token,
		summary = EXCLUDED.summary,
		updated_at = now()`

	resolveGateQuery = `UPDATE pipeline_action_executions
	 SET status = $5, summary = $6, token = NULL, updated_at = now()
	 WHERE pipeline_name = $1 AND stage_name = $2 AND action_name = $3
	   AND status = 'InProgress' AND token = $4`

	selectActionStatusQuery = `SELECT status FROM pipeline_action_executions
	 WHERE pipeline_name = $1 AND stage_name = $2 AND action_name = $3`

	insertJobQuery = `INSERT INTO pipeline_job_results (
		job_id,
		pipeline_name,
		stage_name,
		action_name,
		execution_id,
		status
	) VALUES ($1,$2,$3,$4,$5,'InProgress')`

	completeJobQuery = `UPDATE pipeline_job_results
	 SET status = $2, failure_type = $3, message = $4, external_execution_id = $5, recorded_at = now()
	 WHERE job_id = $1 AND status = 'InProgress'
	 RETURNING pipeline_name, stage_name, action_name, execution_id`

	insertExternalJobResultQuery = `INSERT INTO pipeline_job_results (
		job_id,
		status,
		failure_type,
		message,
		external_execution_id
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (job_id) DO NOTHING`
)

// Store is the Postgres-backed control plane.
type Store struct {
	db     postgres.DB
	layout Layout
}

func NewStore(db postgres.DB, layout Layout) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db, layout: layout}
}

func (s *Store) GetPipelineState(ctx context.Context, pipelineName string) (domain.PipelineState, error) {
	if s == nil || s.db == nil {
		return domain.PipelineState{}, fmt.Errorf("control plane store not initialized")
	}
	pipelineName = strings.TrimSpace(pipelineName)
	if pipelineName == "" {
		return domain.PipelineState{}, fmt.Errorf("pipeline name is required: %w", domain.ErrConfiguration)
	}

	rows, err := s.db.QueryContext(ctx, selectActionsQuery, pipelineName)
	if err != nil {
		return domain.PipelineState{}, fmt.Errorf("select actions: %w", err)
	}
	defer rows.Close()

	var records []actionRecord
	for rows.Next() {
		var rec actionRecord
		var token, summary sql.NullString
		if err := rows.Scan(&rec.stage, &rec.action, &rec.order, &rec.executionID, &rec.status, &token, &summary, &rec.updatedAt); err != nil {
			return domain.PipelineState{}, fmt.Errorf("scan action: %w", err)
		}
		rec.token = token.String
		rec.summary = summary.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return domain.PipelineState{}, fmt.Errorf("select actions: %w", err)
	}
	return buildState(pipelineName, s.layout, records), nil
}

func (s *Store) PutApprovalResult(ctx context.Context, gate domain.ApprovalGate, result domain.ApprovalResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("control plane store not initialized")
	}
	if !result.Status.Valid() {
		return fmt.Errorf("invalid approval status %q: %w", result.Status, domain.ErrConfiguration)
	}
	if strings.TrimSpace(gate.Token) == "" {
		return fmt.Errorf("gate token is required: %w", domain.ErrTokenConsumed)
	}

	res, err := s.db.ExecContext(ctx, resolveGateQuery,
		gate.PipelineName, gate.StageName, gate.ActionName, gate.Token,
		string(result.Status), result.Summary,
	)
	if err != nil {
		return fmt.Errorf("resolve gate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve gate rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, selectActionStatusQuery, gate.PipelineName, gate.StageName, gate.ActionName).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("gate %s/%s/%s: %w", gate.PipelineName, gate.StageName, gate.ActionName, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select gate status: %w", err)
	}
	return fmt.Errorf("gate %s/%s/%s is %s: %w", gate.PipelineName, gate.StageName, gate.ActionName, status, domain.ErrTokenConsumed)
}

func (s *Store) PutJobSuccess(ctx context.Context, jobID string) error {
	return s.completeJob(ctx, jobID, domain.ActionSucceeded, nil)
}

func (s *Store) PutJobFailure(ctx context.Context, jobID string, details domain.FailureDetails) error {
	return s.completeJob(ctx, jobID, domain.ActionFailed, &details)
}

func (s *Store) completeJob(ctx context.Context, jobID string, status domain.ActionStatus, details *domain.FailureDetails) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("control plane store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required: %w", domain.ErrConfiguration)
	}
	var failureType, message, externalID sql.NullString
	if details != nil {
		failureType = postgres.NullIfEmpty(string(details.Type))
		message = postgres.NullIfEmpty(details.Message)
		externalID = postgres.NullIfEmpty(details.ExternalExecutionID)
	}

	var pipelineName, stageName, actionName, executionID sql.NullString
	err := s.db.QueryRowContext(ctx, completeJobQuery, jobID, string(status), failureType, message, externalID).
		Scan(&pipelineName, &stageName, &actionName, &executionID)
	if err == nil {
		if !pipelineName.Valid {
			return nil
		}
		ref := ActionRef{PipelineName: pipelineName.String, StageName: stageName.String, ActionName: actionName.String}
		summary := ""
		if details != nil {
			summary = details.Message
		}
		return advance(ctx, s, s.layout, ref, executionID.String, status, summary)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("complete job: %w", err)
	}

	// Jobs started outside this control plane are recorded once.
	res, err := s.db.ExecContext(ctx, insertExternalJobResultQuery, jobID, string(status), failureType, message, externalID)
	if err != nil {
		return fmt.Errorf("insert job result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job result rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s already reported: %w", jobID, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) StartJob(ctx context.Context, ref ActionRef, executionID string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("control plane store not initialized")
	}
	if err := ref.Validate(); err != nil {
		return "", err
	}
	if err := s.RecordActionExecution(ctx, ref, executionID, domain.ActionInProgress, ""); err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, insertJobQuery, jobID, ref.PipelineName, ref.StageName, ref.ActionName, executionID); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return jobID, nil
}

func (s *Store) OpenGate(ctx context.Context, ref ActionRef, executionID string) (domain.ApprovalGate, error) {
	if s == nil || s.db == nil {
		return domain.ApprovalGate{}, fmt.Errorf("control plane store not initialized")
	}
	if err := ref.Validate(); err != nil {
		return domain.ApprovalGate{}, err
	}
	if strings.TrimSpace(executionID) == "" {
		return domain.ApprovalGate{}, fmt.Errorf("execution id is required: %w", domain.ErrConfiguration)
	}
	token := uuid.NewString()
	if err := s.upsert(ctx, ref, executionID, domain.ActionInProgress, token, ""); err != nil {
		return domain.ApprovalGate{}, err
	}
	return domain.ApprovalGate{
		PipelineName: ref.PipelineName,
		StageName:    ref.StageName,
		ActionName:   ref.ActionName,
		ExecutionID:  executionID,
		Status:       domain.ActionInProgress,
		Token:        token,
	}, nil
}

func (s *Store) RecordActionExecution(ctx context.Context, ref ActionRef, executionID string, status domain.ActionStatus, summary string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("control plane store not initialized")
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(executionID) == "" {
		return fmt.Errorf("execution id is required: %w", domain.ErrConfiguration)
	}
	return s.upsert(ctx, ref, executionID, status, "", summary)
}

func (s *Store) upsert(ctx context.Context, ref ActionRef, executionID string, status domain.ActionStatus, token, summary string) error {
	_, err := s.db.ExecContext(ctx, upsertActionQuery,
		ref.PipelineName,
		ref.StageName,
		ref.ActionName,
		s.layout.stageIndex(ref.StageName),
		executionID,
		string(status),
		postgres.NullIfEmpty(token),
		postgres.NullIfEmpty(summary),
	)
	if err != nil {
		return fmt.Errorf("upsert action %s: %w", ref, err)
	}
	return nil
}

type actionRecord struct {
	stage       string
	action      string
	order       int
	executionID string
	status      string
	token       string
	summary     string
	updatedAt   time.Time
}

// buildState merges stored action executions into the declared layout.
// Stages and actions that never ran appear without a latest execution.
func buildState(pipelineName string, layout Layout, records []actionRecord) domain.PipelineState {
	byKey := make(map[string]actionRecord, len(records))
	for _, rec := range records {
		byKey[rec.stage+"/"+rec.action] = rec
	}

	type stageEntry struct {
		name    string
		actions []string
	}
	var stages []stageEntry
	known := map[string]int{}
	for _, st := range layout {
		known[st.Name] = len(stages)
		stages = append(stages, stageEntry{name: st.Name, actions: append([]string(nil), st.Actions...)})
	}
	extra := append([]actionRecord(nil), records...)
	sort.SliceStable(extra, func(i, j int) bool { return extra[i].order < extra[j].order })
	for _, rec := range extra {
		idx, ok := known[rec.stage]
		if !ok {
			known[rec.stage] = len(stages)
			stages = append(stages, stageEntry{name: rec.stage, actions: []string{rec.action}})
			continue
		}
		found := false
		for _, a := range stages[idx].actions {
			if a == rec.action {
				found = true
				break
			}
		}
		if !found {
			stages[idx].actions = append(stages[idx].actions, rec.action)
		}
	}

	state := domain.PipelineState{PipelineName: pipelineName}
	for _, st := range stages {
		stage := domain.StageState{StageName: st.name}
		var latest *actionRecord
		for _, name := range st.actions {
			action := domain.ActionState{ActionName: name}
			if rec, ok := byKey[st.name+"/"+name]; ok {
				action.LatestExecution = &domain.ActionExecution{
					Status:      domain.ActionStatus(rec.status),
					Token:       rec.token,
					Summary:     rec.summary,
					LastUpdated: rec.updatedAt.UTC(),
				}
				if latest == nil || rec.updatedAt.After(latest.updatedAt) {
					r := rec
					latest = &r
				}
			}
			stage.Actions = append(stage.Actions, action)
		}
		if latest != nil {
			stage.LatestExecution = &domain.StageExecution{
				PipelineExecutionID: latest.executionID,
				Status:              stageStatus(stage.Actions),
			}
		}
		state.Stages = append(state.Stages, stage)
	}
	return state
}

// advance records a finished job on its action and opens the following
// approval stage when the job succeeded.
func advance(ctx context.Context, admin Admin, layout Layout, ref ActionRef, executionID string, status domain.ActionStatus, summary string) error {
	if err := admin.RecordActionExecution(ctx, ref, executionID, status, summary); err != nil {
		return err
	}
	if status != domain.ActionSucceeded {
		return nil
	}
	next, ok := layout.Next(ref.StageName)
	if !ok || !next.Approval {
		return nil
	}
	for _, action := range next.Actions {
		gateRef := ActionRef{PipelineName: ref.PipelineName, StageName: next.Name, ActionName: action}
		if _, err := admin.OpenGate(ctx, gateRef, executionID); err != nil {
			return fmt.Errorf("open gate %s: %w", gateRef, err)
		}
	}
	return nil
}
