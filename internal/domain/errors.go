package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an expected resource or state that is absent.
	ErrNotFound = errors.New("not_found")
	// ErrConfiguration reports bad or missing environment, input or artifacts.
	ErrConfiguration = errors.New("configuration_error")
	// ErrArtifactMissing is a configuration error for a bundle or file that is not present.
	ErrArtifactMissing = fmt.Errorf("artifact_missing: %w", ErrConfiguration)
	// ErrTransientRunner reports a job runner API failure that a later tick may not see.
	ErrTransientRunner = errors.New("transient_runner_error")
	// ErrTerminalJobFailure reports a job that reached a failed terminal state.
	ErrTerminalJobFailure = errors.New("terminal_job_failure")
	// ErrTokenConsumed reports a continuation token that was already used.
	ErrTokenConsumed = errors.New("token_consumed")
	ErrAlreadyExists = errors.New("already_exists")
)

// FailureType is the structured failure category reported to the control plane.
type FailureType string

const (
	FailureConfiguration FailureType = "ConfigurationError"
	FailureJob           FailureType = "JobFailed"
	FailurePermission    FailureType = "PermissionError"
)

// FailureDetails describes a failed pipeline stage.
type FailureDetails struct {
	Type                FailureType `json:"type"`
	Message             string      `json:"message"`
	ExternalExecutionID string      `json:"externalExecutionId,omitempty"`
}

// ConfigurationFailure builds the stage failure report for err.
func ConfigurationFailure(err error, requestID string) FailureDetails {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return FailureDetails{
		Type:                FailureConfiguration,
		Message:             msg,
		ExternalExecutionID: requestID,
	}
}
