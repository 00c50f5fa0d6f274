package launcher

import (
	"fmt"
	"strings"

	"github.com/stagegate/stagegate/internal/platform/env"
)

type Config struct {
	PipelineName string
	ModelName    string
	Region       string
	// PipelineBucket and DataBucket default to mlops-<region>-<account> and
	// data-<region>-<account> from the launch event's account.
	PipelineBucket string
	DataBucket     string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		PipelineName:   strings.TrimSpace(env.String("PIPELINE_NAME", "")),
		ModelName:      strings.TrimSpace(env.String("MODEL_NAME", "")),
		Region:         strings.TrimSpace(env.String("STAGEGATE_REGION", "us-east-1")),
		PipelineBucket: strings.TrimSpace(env.String("PIPELINE_BUCKET", "")),
		DataBucket:     strings.TrimSpace(env.String("DATA_BUCKET", "")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.PipelineName == "" {
		return fmt.Errorf("PIPELINE_NAME is required")
	}
	if c.ModelName == "" {
		return fmt.Errorf("MODEL_NAME is required")
	}
	if c.Region == "" && (c.PipelineBucket == "" || c.DataBucket == "") {
		return fmt.Errorf("STAGEGATE_REGION is required when PIPELINE_BUCKET or DATA_BUCKET is unset")
	}
	return nil
}

// Buckets returns the pipeline and data buckets for accountID.
func (c Config) Buckets(accountID string) (string, string, error) {
	pipeline, data := c.PipelineBucket, c.DataBucket
	account := strings.TrimSpace(accountID)
	if pipeline == "" || data == "" {
		if account == "" {
			return "", "", fmt.Errorf("account id is required to derive bucket names")
		}
	}
	if pipeline == "" {
		pipeline = fmt.Sprintf("mlops-%s-%s", c.Region, account)
	}
	if data == "" {
		data = fmt.Sprintf("data-%s-%s", c.Region, account)
	}
	return pipeline, data, nil
}
