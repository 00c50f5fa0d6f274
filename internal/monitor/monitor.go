// Package monitor resolves a stage's approval gate once the job behind it
// reaches a terminal state. A Tick is safe to repeat: a gate that is no longer
// waiting is reported as stale and left untouched.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stagegate/stagegate/internal/controlplane"
	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/jobrunner"
	"github.com/stagegate/stagegate/internal/platform/auditlog"
	"github.com/stagegate/stagegate/internal/platform/metrics"
	"github.com/stagegate/stagegate/internal/trigger"
)

// Trigger is the recurring rule driving a monitor. Armed reports whether the
// rule is still scheduled, so a stale tick can finish a disarm that an
// earlier resolution left undone.
type Trigger interface {
	trigger.Trigger
	Armed(name string) bool
}

// StatusReport describes what one tick observed and did.
type StatusReport struct {
	ExecutionID string                 `json:"executionId,omitempty"`
	JobName     string                 `json:"jobName,omitempty"`
	State       domain.JobState        `json:"state,omitempty"`
	InProgress  bool                   `json:"inProgress"`
	Stale       bool                   `json:"stale"`
	Result      *domain.ApprovalResult `json:"result,omitempty"`
	Message     string                 `json:"message,omitempty"`
}

type Profile struct {
	Kind           domain.JobKind
	Stage          string
	Action         string
	SuccessSummary string
	JobName        func(modelName, executionID string) string
}

func ETLProfile() Profile {
	return Profile{
		Kind:           domain.JobKindETL,
		Stage:          "ETLApproval",
		Action:         "ApproveETL",
		SuccessSummary: "Glue ETL Job completed",
		JobName: func(_, executionID string) string {
			return domain.ETLJobName(executionID)
		},
	}
}

func TrainingProfile() Profile {
	return Profile{
		Kind:           domain.JobKindTraining,
		Stage:          "TrainApproval",
		Action:         "ApproveTrain",
		SuccessSummary: "Model trained successfully",
		JobName:        domain.TrainingJobName,
	}
}

type Config struct {
	PipelineName string
	ModelName    string
}

type Deps struct {
	Control controlplane.Client
	Runner  jobrunner.Runner
	Trigger Trigger
	Audit   auditlog.Recorder
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

type Monitor struct {
	profile Profile
	cfg     Config
	deps    Deps
	logger  *slog.Logger
}

func New(profile Profile, cfg Config, deps Deps) (*Monitor, error) {
	if deps.Control == nil || deps.Runner == nil || deps.Trigger == nil {
		return nil, errors.New("monitor: control plane, runner and trigger are required")
	}
	if strings.TrimSpace(cfg.PipelineName) == "" || strings.TrimSpace(cfg.ModelName) == "" {
		return nil, fmt.Errorf("monitor: pipeline and model names are required: %w", domain.ErrConfiguration)
	}
	if deps.Audit == nil {
		deps.Audit = auditlog.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		profile: profile,
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", string(profile.Kind)+"-monitor"),
	}, nil
}

func (m *Monitor) Kind() domain.JobKind { return m.profile.Kind }

// TriggerName is the rule that schedules this monitor.
func (m *Monitor) TriggerName() string {
	return trigger.MonitorName(string(m.profile.Kind), m.cfg.ModelName)
}

// Gate is the approval action this monitor resolves.
func (m *Monitor) Gate() controlplane.ActionRef {
	return controlplane.ActionRef{
		PipelineName: m.cfg.PipelineName,
		StageName:    m.profile.Stage,
		ActionName:   m.profile.Action,
	}
}

// Tick checks the job behind the gate once. While the job runs nothing is
// submitted; on a terminal state the decision is submitted exactly once
// against the gate's token and the trigger is disarmed.
func (m *Monitor) Tick(ctx context.Context) (StatusReport, error) {
	ref := m.Gate()
	gate, err := controlplane.FindGate(ctx, m.deps.Control, ref)
	if err != nil {
		m.tick("error")
		return StatusReport{}, fmt.Errorf("locate gate %s: %w", ref, err)
	}
	report := StatusReport{ExecutionID: gate.ExecutionID}
	if !gate.Open() {
		m.tick("stale")
		report.Stale = true
		report.Message = fmt.Sprintf("%s is not awaiting approval: %s", ref.StageName, gate.Status)
		return report, m.Disarm(ctx)
	}

	report.JobName = m.profile.JobName(m.cfg.ModelName, gate.ExecutionID)
	log := m.logger.With("execution_id", gate.ExecutionID, "job_name", report.JobName)

	var result domain.ApprovalResult
	run, err := m.deps.Runner.Status(ctx, report.JobName)
	switch {
	case err != nil:
		result = domain.Reject(err.Error())
	case run.State.Active():
		m.tick("in_progress")
		report.State = run.State
		report.InProgress = true
		report.Message = fmt.Sprintf("job %s in progress", report.JobName)
		return report, nil
	case run.State == domain.JobSucceeded:
		report.State = run.State
		result = domain.Approve(m.profile.SuccessSummary)
	default:
		report.State = run.State
		summary := strings.TrimSpace(run.ErrorDetail)
		if summary == "" {
			summary = fmt.Sprintf("job %s ended %s", report.JobName, run.State)
		}
		result = domain.Reject(summary)
	}

	if err := m.deps.Control.PutApprovalResult(ctx, gate, result); err != nil {
		if errors.Is(err, domain.ErrTokenConsumed) {
			m.tick("stale")
			report.Stale = true
			report.Message = "gate token already consumed"
			return report, m.Disarm(ctx)
		}
		m.tick("error")
		return report, fmt.Errorf("put approval result: %w", err)
	}
	report.Result = &result
	m.tick(strings.ToLower(string(result.Status)))
	log.Info("gate resolved", "status", result.Status, "summary", result.Summary)
	m.record(ctx, gate, result)

	if err := m.deps.Trigger.Disable(ctx, m.TriggerName()); err != nil {
		return report, fmt.Errorf("disable trigger %s: %w", m.TriggerName(), err)
	}
	return report, nil
}

// Disarm disables the trigger if it is still scheduled. The gate may have
// been resolved out of band, or an earlier disable may have failed.
func (m *Monitor) Disarm(ctx context.Context) error {
	name := m.TriggerName()
	if !m.deps.Trigger.Armed(name) {
		return nil
	}
	if err := m.deps.Trigger.Disable(ctx, name); err != nil {
		return fmt.Errorf("disable trigger %s: %w", name, err)
	}
	m.logger.Info("trigger disarmed after out-of-band resolution", "trigger", name)
	return nil
}

// Run is the trigger entry point.
func (m *Monitor) Run(ctx context.Context) error {
	report, err := m.Tick(ctx)
	if err != nil {
		return err
	}
	if report.Stale {
		m.logger.Info("stale tick", "message", report.Message)
	}
	return nil
}

func (m *Monitor) tick(outcome string) {
	m.deps.Metrics.MonitorTick(string(m.profile.Kind), outcome)
}

func (m *Monitor) record(ctx context.Context, gate domain.ApprovalGate, result domain.ApprovalResult) {
	err := m.deps.Audit.Record(ctx, auditlog.Event{
		Actor:        "system",
		Action:       "gate." + strings.ToLower(string(result.Status)),
		ResourceType: "approval_gate",
		ResourceID:   gate.PipelineName + "/" + gate.StageName + "/" + gate.ActionName,
		Payload: map[string]any{
			"execution_id": gate.ExecutionID,
			"summary":      result.Summary,
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("audit record failed", "error", err)
	}
}
