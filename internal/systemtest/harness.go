package systemtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stagegate/stagegate/internal/controlplane"
	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/workflow"
)

const (
	stageSystemTest = "SystemTest"
	actionBuild     = "BuildTestingWorkflow"
)

// Input is the execution input of one system-test run. Every field is
// required; BaselineProcessingJobName doubles as the execution name.
type Input struct {
	ModelName                 string `json:"ModelName"`
	ModelGroup                string `json:"ModelGroup"`
	EndpointName              string `json:"EndpointName"`
	BaselineProcessingJobName string `json:"BaselineProcessingJobName"`
}

func (in Input) Validate() error {
	for name, v := range map[string]string{
		"ModelName":                 in.ModelName,
		"ModelGroup":                in.ModelGroup,
		"EndpointName":              in.EndpointName,
		"BaselineProcessingJobName": in.BaselineProcessingJobName,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required: %w", name, domain.ErrConfiguration)
		}
	}
	return nil
}

func (in Input) Map() map[string]any {
	return map[string]any{
		"ModelName":                 in.ModelName,
		"ModelGroup":                in.ModelGroup,
		"EndpointName":              in.EndpointName,
		"BaselineProcessingJobName": in.BaselineProcessingJobName,
	}
}

// EndpointName is the dev endpoint the model is deployed to before promotion.
func EndpointName(modelName string) string {
	return modelName + "-dev-endpoint"
}

func BaselineJobName(modelName, executionID string) string {
	return strings.ToLower(modelName) + "-baseline-" + executionID
}

// Harness deploys the definition for the current pipeline execution and
// starts it.
type Harness struct {
	cfg      Config
	control  controlplane.StateReader
	deployer *workflow.Deployer
	service  *workflow.Service
	logger   *slog.Logger
}

func NewHarness(cfg Config, control controlplane.StateReader, deployer *workflow.Deployer, service *workflow.Service, logger *slog.Logger) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if control == nil || deployer == nil || service == nil {
		return nil, fmt.Errorf("systemtest: control plane, deployer and service are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Harness{
		cfg:      cfg,
		control:  control,
		deployer: deployer,
		service:  service,
		logger:   logger.With("component", "systemtest"),
	}, nil
}

// Prepare resolves the execution under test and derives the run input.
func (h *Harness) Prepare(ctx context.Context) (string, Input, error) {
	executionID, err := controlplane.Resolve(ctx, h.control, h.cfg.PipelineName, stageSystemTest, actionBuild)
	if err != nil {
		return "", Input{}, fmt.Errorf("resolve %s/%s: %w", stageSystemTest, actionBuild, err)
	}
	in := Input{
		ModelName:                 h.cfg.ModelName,
		ModelGroup:                h.cfg.ModelGroup,
		EndpointName:              EndpointName(h.cfg.ModelName),
		BaselineProcessingJobName: BaselineJobName(h.cfg.ModelName, executionID),
	}
	return executionID, in, in.Validate()
}

// Definition returns the graph for executionID.
func (h *Harness) Definition(executionID string) workflow.Definition {
	return BuildDefinition(GraphParams{
		ExecutionID:   executionID,
		Bucket:        h.cfg.Bucket(),
		ModelName:     h.cfg.ModelName,
		BaselineImage: h.cfg.BaselineImage,
		ModelImage:    h.cfg.ModelImage,
		Threshold:     h.cfg.Threshold,
	})
}

// Start prepares, deploys and starts a run in the background. A second start
// for the same pipeline execution is ErrAlreadyExists.
func (h *Harness) Start(ctx context.Context) (domain.WorkflowExecution, error) {
	executionID, in, err := h.Prepare(ctx)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	existing, err := h.service.Find(ctx, h.cfg.WorkflowName, in.BaselineProcessingJobName)
	switch {
	case err == nil:
		return domain.WorkflowExecution{}, fmt.Errorf("system test %s already started as %s: %w",
			in.BaselineProcessingJobName, existing.ID, domain.ErrAlreadyExists)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.WorkflowExecution{}, err
	}
	revision, err := h.deployer.Deploy(ctx, h.cfg.WorkflowName, h.Definition(executionID))
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	exec, err := h.service.Start(ctx, h.cfg.WorkflowName, in.BaselineProcessingJobName, in.Map())
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	h.logger.Info("system test started",
		"execution_id", executionID,
		"workflow_execution_id", exec.ID,
		"revision", revision,
	)
	return exec, nil
}

func (h *Harness) Get(ctx context.Context, workflowExecutionID string) (domain.WorkflowExecution, error) {
	return h.service.Get(ctx, workflowExecutionID)
}
