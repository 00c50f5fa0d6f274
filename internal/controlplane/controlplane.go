package controlplane

import (
	"context"
	"fmt"
	"strings"

	"github.com/stagegate/stagegate/internal/domain"
)

// StateReader reads the current stage/action tree of a pipeline.
type StateReader interface {
	GetPipelineState(ctx context.Context, pipelineName string) (domain.PipelineState, error)
}

// Client is the control plane surface used by stage components.
type Client interface {
	StateReader
	PutApprovalResult(ctx context.Context, gate domain.ApprovalGate, result domain.ApprovalResult) error
	PutJobSuccess(ctx context.Context, jobID string) error
	PutJobFailure(ctx context.Context, jobID string, details domain.FailureDetails) error
}

// Admin drives the control plane from the outside: starting jobs for actions
// and opening approval gates.
type Admin interface {
	Client
	StartJob(ctx context.Context, ref ActionRef, executionID string) (string, error)
	OpenGate(ctx context.Context, ref ActionRef, executionID string) (domain.ApprovalGate, error)
	RecordActionExecution(ctx context.Context, ref ActionRef, executionID string, status domain.ActionStatus, summary string) error
}

type ActionRef struct {
	PipelineName string `json:"pipelineName"`
	StageName    string `json:"stageName"`
	ActionName   string `json:"actionName"`
}

func (r ActionRef) String() string {
	return r.PipelineName + "/" + r.StageName + "/" + r.ActionName
}

func (r ActionRef) Validate() error {
	if strings.TrimSpace(r.PipelineName) == "" {
		return fmt.Errorf("pipeline name is required: %w", domain.ErrConfiguration)
	}
	if strings.TrimSpace(r.StageName) == "" {
		return fmt.Errorf("stage name is required: %w", domain.ErrConfiguration)
	}
	if strings.TrimSpace(r.ActionName) == "" {
		return fmt.Errorf("action name is required: %w", domain.ErrConfiguration)
	}
	return nil
}

// StageLayout declares one stage of the pipeline. Approval stages are opened
// automatically when the preceding stage's job succeeds.
type StageLayout struct {
	Name     string
	Actions  []string
	Approval bool
}

type Layout []StageLayout

// DefaultLayout is the model delivery pipeline.
func DefaultLayout() Layout {
	return Layout{
		{Name: "Source", Actions: []string{"EtlSource", "ModelSource"}},
		{Name: "ETL", Actions: []string{"GlueJob"}},
		{Name: "ETLApproval", Actions: []string{"ApproveETL"}, Approval: true},
		{Name: "Train", Actions: []string{"TrainModel"}},
		{Name: "TrainApproval", Actions: []string{"ApproveTrain"}, Approval: true},
		{Name: "SystemTest", Actions: []string{"BuildTestingWorkflow"}},
	}
}

func (l Layout) stageIndex(stage string) int {
	for i, s := range l {
		if s.Name == stage {
			return i
		}
	}
	return -1
}

// Next returns the stage after stage, if any.
func (l Layout) Next(stage string) (StageLayout, bool) {
	i := l.stageIndex(stage)
	if i < 0 || i+1 >= len(l) {
		return StageLayout{}, false
	}
	return l[i+1], true
}

// LocatedAction is the result of a FindAction query.
type LocatedAction struct {
	Stage  domain.StageState
	Action domain.ActionState
}

// FindAction locates the stage/action pair in state.
func FindAction(state domain.PipelineState, stageName, actionName string) (LocatedAction, bool) {
	for _, stage := range state.Stages {
		if stage.StageName != stageName {
			continue
		}
		for _, action := range stage.Actions {
			if action.ActionName == actionName {
				return LocatedAction{Stage: stage, Action: action}, true
			}
		}
	}
	return LocatedAction{}, false
}

// Resolve returns the pipeline execution id currently associated with the
// stage/action pair. It reads fresh state on every call.
func Resolve(ctx context.Context, reader StateReader, pipelineName, stageName, actionName string) (string, error) {
	state, err := reader.GetPipelineState(ctx, pipelineName)
	if err != nil {
		return "", fmt.Errorf("get pipeline state: %w", err)
	}
	located, ok := FindAction(state, stageName, actionName)
	if !ok {
		return "", fmt.Errorf("%s/%s/%s: %w", pipelineName, stageName, actionName, domain.ErrNotFound)
	}
	if located.Stage.LatestExecution == nil || strings.TrimSpace(located.Stage.LatestExecution.PipelineExecutionID) == "" {
		return "", fmt.Errorf("%s/%s/%s has no execution: %w", pipelineName, stageName, actionName, domain.ErrNotFound)
	}
	return located.Stage.LatestExecution.PipelineExecutionID, nil
}

// FindGate reads the approval gate at ref. A pair that has never run is
// ErrNotFound.
func FindGate(ctx context.Context, reader StateReader, ref ActionRef) (domain.ApprovalGate, error) {
	state, err := reader.GetPipelineState(ctx, ref.PipelineName)
	if err != nil {
		return domain.ApprovalGate{}, fmt.Errorf("get pipeline state: %w", err)
	}
	located, ok := FindAction(state, ref.StageName, ref.ActionName)
	if !ok || located.Action.LatestExecution == nil || located.Stage.LatestExecution == nil {
		return domain.ApprovalGate{}, fmt.Errorf("gate %s: %w", ref, domain.ErrNotFound)
	}
	return domain.ApprovalGate{
		PipelineName: ref.PipelineName,
		StageName:    ref.StageName,
		ActionName:   ref.ActionName,
		ExecutionID:  located.Stage.LatestExecution.PipelineExecutionID,
		Status:       located.Action.LatestExecution.Status,
		Token:        located.Action.LatestExecution.Token,
	}, nil
}

// stageStatus folds action statuses into the stage execution status.
func stageStatus(actions []domain.ActionState) string {
	status := domain.ActionSucceeded
	for _, a := range actions {
		if a.LatestExecution == nil {
			continue
		}
		switch a.LatestExecution.Status {
		case domain.ActionInProgress:
			return string(domain.ActionInProgress)
		case domain.ActionFailed, domain.ActionRejected:
			status = domain.ActionFailed
		}
	}
	return string(status)
}
