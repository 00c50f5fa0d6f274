package systemtest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/env"
	"github.com/stagegate/stagegate/internal/workflow"
)

type Config struct {
	WorkflowName string
	PipelineName string
	ModelName    string
	// ModelGroup defaults to <Model>PackageGroup.
	ModelGroup string
	// Threshold is the RMSE a model must stay below to be promoted.
	Threshold float64
	// PipelineBucket defaults to mlops-<region>-<account>.
	PipelineBucket  string
	Region          string
	AccountID       string
	BaselineImage   string
	ModelImage      string
	SettleDelay     time.Duration
	PollInterval    time.Duration
	BaselineTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	threshold, err := env.Float("THRESHOLD", 0)
	if err != nil {
		return Config{}, err
	}
	settle, err := env.Duration("STAGEGATE_WORKFLOW_SETTLE_DELAY", workflow.DefaultSettleDelay)
	if err != nil {
		return Config{}, err
	}
	poll, err := env.Duration("STAGEGATE_BASELINE_POLL_INTERVAL", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("STAGEGATE_BASELINE_TIMEOUT", 35*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		WorkflowName:    strings.TrimSpace(env.String("WORKFLOW_NAME", "stagegate-system-test")),
		PipelineName:    strings.TrimSpace(env.String("PIPELINE_NAME", "")),
		ModelName:       strings.TrimSpace(env.String("MODEL_NAME", "")),
		ModelGroup:      strings.TrimSpace(env.String("MODEL_GROUP", "")),
		Threshold:       threshold,
		PipelineBucket:  strings.TrimSpace(env.String("PIPELINE_BUCKET", "")),
		Region:          strings.TrimSpace(env.String("STAGEGATE_REGION", "us-east-1")),
		AccountID:       strings.TrimSpace(env.String("STAGEGATE_ACCOUNT_ID", "")),
		BaselineImage:   strings.TrimSpace(env.String("STAGEGATE_BASELINE_IMAGE", "ghcr.io/stagegate/model-monitor-analyzer:latest")),
		ModelImage:      strings.TrimSpace(env.String("STAGEGATE_MODEL_IMAGE", "ghcr.io/stagegate/abalone-model:latest")),
		SettleDelay:     settle,
		PollInterval:    poll,
		BaselineTimeout: timeout,
	}
	if cfg.ModelGroup == "" {
		cfg.ModelGroup = domain.PackageGroupName(cfg.ModelName)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.WorkflowName == "" {
		return errors.New("WORKFLOW_NAME is required")
	}
	if c.PipelineName == "" {
		return errors.New("PIPELINE_NAME is required")
	}
	if c.ModelName == "" {
		return errors.New("MODEL_NAME is required")
	}
	if c.Threshold <= 0 {
		return errors.New("THRESHOLD must be > 0")
	}
	if c.PipelineBucket == "" && (c.Region == "" || c.AccountID == "") {
		return errors.New("PIPELINE_BUCKET or STAGEGATE_REGION and STAGEGATE_ACCOUNT_ID are required")
	}
	if c.BaselineImage == "" || c.ModelImage == "" {
		return errors.New("STAGEGATE_BASELINE_IMAGE and STAGEGATE_MODEL_IMAGE are required")
	}
	if c.SettleDelay < 0 {
		return errors.New("STAGEGATE_WORKFLOW_SETTLE_DELAY must be >= 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("STAGEGATE_BASELINE_POLL_INTERVAL must be > 0")
	}
	return nil
}

func (c Config) Bucket() string {
	if c.PipelineBucket != "" {
		return c.PipelineBucket
	}
	return fmt.Sprintf("mlops-%s-%s", c.Region, c.AccountID)
}
