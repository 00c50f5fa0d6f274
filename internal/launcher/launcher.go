// Package launcher starts the asynchronous job behind a pipeline stage: it
// fetches the job definition from the stage's source bundle, scopes it to
// the current execution, submits it and arms the matching completion monitor.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stagegate/stagegate/internal/artifact"
	"github.com/stagegate/stagegate/internal/controlplane"
	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/jobrunner"
	"github.com/stagegate/stagegate/internal/platform/auditlog"
	"github.com/stagegate/stagegate/internal/platform/metrics"
	"github.com/stagegate/stagegate/internal/platform/objectstore"
	"github.com/stagegate/stagegate/internal/trigger"
)

// LaunchEvent is the control plane's job event.
type LaunchEvent struct {
	JobID          string          `json:"jobId"`
	AccountID      string          `json:"accountId"`
	RequestID      string          `json:"requestId"`
	InputArtifacts []InputArtifact `json:"inputArtifacts,omitempty"`
}

type InputArtifact struct {
	Name   string `json:"name"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Profile is what differs between the stage launchers.
type Profile struct {
	Kind       domain.JobKind
	Stage      string
	Action     string
	Artifact   string
	Definition string
	// Script, when set, is copied from the bundle next to the execution's output.
	Script  string
	Rewrite func(domain.JobSpec, Target) domain.JobSpec
}

func ETLProfile() Profile {
	return Profile{
		Kind:       domain.JobKindETL,
		Stage:      "ETL",
		Action:     "GlueJob",
		Artifact:   "EtlSourceOutput",
		Definition: "etljob",
		Script:     "preprocess.py",
		Rewrite:    RewriteETL,
	}
}

func TrainingProfile() Profile {
	return Profile{
		Kind:       domain.JobKindTraining,
		Stage:      "Train",
		Action:     "TrainModel",
		Artifact:   "ModelSourceOutput",
		Definition: "trainingjob",
		Rewrite:    RewriteTraining,
	}
}

type Deps struct {
	Control controlplane.Client
	Store   objectstore.Store
	Runner  jobrunner.Runner
	Trigger trigger.Trigger
	Audit   auditlog.Recorder
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

type Launcher struct {
	profile Profile
	cfg     Config
	deps    Deps
	logger  *slog.Logger
}

func New(profile Profile, cfg Config, deps Deps) (*Launcher, error) {
	if deps.Control == nil || deps.Store == nil || deps.Runner == nil || deps.Trigger == nil {
		return nil, errors.New("launcher: control plane, object store, runner and trigger are required")
	}
	if profile.Rewrite == nil {
		return nil, errors.New("launcher: rewrite is required")
	}
	if deps.Audit == nil {
		deps.Audit = auditlog.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Launcher{
		profile: profile,
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", string(profile.Kind)+"-launcher"),
	}, nil
}

func (l *Launcher) Kind() domain.JobKind { return l.profile.Kind }

// TriggerName is the monitor rule this launcher arms.
func (l *Launcher) TriggerName() string {
	return trigger.MonitorName(string(l.profile.Kind), l.cfg.ModelName)
}

// Launch runs the stage and always reports its outcome for ev.JobID. The
// returned error is non-nil only when that report could not be delivered.
func (l *Launcher) Launch(ctx context.Context, ev LaunchEvent) error {
	jobName, err := l.launch(ctx, ev)
	if err == nil {
		l.deps.Metrics.Launch(string(l.profile.Kind), "succeeded")
		l.record(ctx, ev, "launch.succeeded", jobName, nil)
		return nil
	}

	l.deps.Metrics.Launch(string(l.profile.Kind), "failed")
	l.logger.Error("launch failed", "job_id", ev.JobID, "request_id", ev.RequestID, "error", err)
	details := domain.ConfigurationFailure(err, ev.RequestID)
	l.record(ctx, ev, "launch.failed", jobName, details)
	if perr := l.deps.Control.PutJobFailure(ctx, ev.JobID, details); perr != nil {
		return fmt.Errorf("report job failure %s: %w", ev.JobID, perr)
	}
	return nil
}

func (l *Launcher) launch(ctx context.Context, ev LaunchEvent) (string, error) {
	if strings.TrimSpace(ev.JobID) == "" {
		return "", fmt.Errorf("job id is required: %w", domain.ErrConfiguration)
	}
	executionID, err := controlplane.Resolve(ctx, l.deps.Control, l.cfg.PipelineName, l.profile.Stage, l.profile.Action)
	if err != nil {
		return "", fmt.Errorf("resolve execution: %w", err)
	}
	pipelineBucket, dataBucket, err := l.cfg.Buckets(ev.AccountID)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, domain.ErrConfiguration)
	}
	log := l.logger.With("job_id", ev.JobID, "execution_id", executionID)
	log.Info("starting stage job")

	bundle, err := artifact.Open(ctx, l.deps.Store, l.bundleLocation(ev, pipelineBucket, executionID))
	if err != nil {
		return "", err
	}
	spec, err := bundle.JobSpec(l.profile.Definition)
	if err != nil {
		return "", err
	}
	if l.profile.Script != "" {
		dst := artifact.Location{Bucket: pipelineBucket, Key: ScriptKey(executionID)}
		if err := bundle.CopyFile(ctx, l.deps.Store, l.profile.Script, dst); err != nil {
			return "", err
		}
	}

	spec = l.profile.Rewrite(spec, Target{
		ExecutionID:    executionID,
		JobID:          ev.JobID,
		ModelName:      l.cfg.ModelName,
		PipelineBucket: pipelineBucket,
		DataBucket:     dataBucket,
	})
	runID, err := l.deps.Runner.Submit(ctx, spec)
	if err != nil {
		return spec.Name, fmt.Errorf("submit %s: %w", spec.Name, err)
	}
	log.Info("job submitted", "job_name", spec.Name, "run_id", runID)

	if err := l.deps.Trigger.Enable(ctx, l.TriggerName()); err != nil {
		return spec.Name, fmt.Errorf("enable trigger %s: %w", l.TriggerName(), err)
	}
	if err := l.deps.Control.PutJobSuccess(ctx, ev.JobID); err != nil {
		return spec.Name, fmt.Errorf("report job success: %w", err)
	}
	return spec.Name, nil
}

// bundleLocation prefers the event's named input artifact and falls back to
// <pipeline-bucket>/<execution>/source/<artifact>.zip.
func (l *Launcher) bundleLocation(ev LaunchEvent, pipelineBucket, executionID string) artifact.Location {
	for _, in := range ev.InputArtifacts {
		if in.Name == l.profile.Artifact {
			return artifact.Location{Bucket: in.Bucket, Key: in.Key}
		}
	}
	return artifact.Location{
		Bucket: pipelineBucket,
		Key:    fmt.Sprintf("%s/source/%s.zip", executionID, l.profile.Artifact),
	}
}

func (l *Launcher) record(ctx context.Context, ev LaunchEvent, action, jobName string, payload any) {
	err := l.deps.Audit.Record(ctx, auditlog.Event{
		Actor:        "system",
		Action:       action,
		ResourceType: "pipeline_job",
		ResourceID:   ev.JobID,
		RequestID:    ev.RequestID,
		Payload:      map[string]any{"kind": l.profile.Kind, "job_name": jobName, "details": payload},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
