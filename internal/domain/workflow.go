package domain

import "time"

type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowFailed    WorkflowStatus = "FAILED"
)

// WorkflowExecution is one run of a deployed workflow definition. Name is
// unique per workflow.
type WorkflowExecution struct {
	ID            string         `json:"executionId"`
	WorkflowName  string         `json:"workflowName"`
	Name          string         `json:"name"`
	Input         map[string]any `json:"input"`
	Status        WorkflowStatus `json:"status"`
	TerminalState string         `json:"terminalState,omitempty"`
	Error         string         `json:"error,omitempty"`
	Cause         string         `json:"cause,omitempty"`
	Output        any            `json:"output,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
}
