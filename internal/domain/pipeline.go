package domain

import (
	"strings"
	"time"
)

// PipelineExecution identifies one run of the pipeline. ExecutionID is the
// sole uniqueness anchor for job names and storage paths.
type PipelineExecution struct {
	ExecutionID  string
	PipelineName string
}

type ActionStatus string

const (
	ActionInProgress ActionStatus = "InProgress"
	ActionSucceeded  ActionStatus = "Succeeded"
	ActionFailed     ActionStatus = "Failed"
	ActionApproved   ActionStatus = "Approved"
	ActionRejected   ActionStatus = "Rejected"
)

func NormalizeActionStatus(value string) ActionStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "inprogress", "in_progress":
		return ActionInProgress
	case "succeeded":
		return ActionSucceeded
	case "failed":
		return ActionFailed
	case "approved":
		return ActionApproved
	case "rejected":
		return ActionRejected
	default:
		return ""
	}
}

// PipelineState is the control plane's stage/action status tree.
type PipelineState struct {
	PipelineName string       `json:"pipelineName"`
	Stages       []StageState `json:"stageStates"`
}

type StageState struct {
	StageName       string          `json:"stageName"`
	LatestExecution *StageExecution `json:"latestExecution,omitempty"`
	Actions         []ActionState   `json:"actionStates"`
}

type StageExecution struct {
	PipelineExecutionID string `json:"pipelineExecutionId"`
	Status              string `json:"status"`
}

type ActionState struct {
	ActionName      string           `json:"actionName"`
	LatestExecution *ActionExecution `json:"latestExecution,omitempty"`
}

type ActionExecution struct {
	Status      ActionStatus `json:"status"`
	Token       string       `json:"token,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	LastUpdated time.Time    `json:"lastStatusChange"`
}

// ApprovalStatus is the decision submitted against a paused stage.
type ApprovalStatus string

const (
	Approved ApprovalStatus = "Approved"
	Rejected ApprovalStatus = "Rejected"
)

func (s ApprovalStatus) Valid() bool {
	return s == Approved || s == Rejected
}

// ApprovalResult is the value every monitor branch produces.
type ApprovalResult struct {
	Status  ApprovalStatus `json:"status"`
	Summary string         `json:"summary"`
}

func Approve(summary string) ApprovalResult {
	return ApprovalResult{Status: Approved, Summary: summary}
}

func Reject(summary string) ApprovalResult {
	return ApprovalResult{Status: Rejected, Summary: summary}
}

// ApprovalGate is one paused point in the control plane.
type ApprovalGate struct {
	PipelineName string
	StageName    string
	ActionName   string
	ExecutionID  string
	Status       ActionStatus
	Token        string
}

// Open reports whether the gate is still waiting for a decision.
func (g ApprovalGate) Open() bool {
	return g.Status == ActionInProgress && strings.TrimSpace(g.Token) != ""
}
