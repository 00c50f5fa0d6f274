package jobrunner

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/client-go/kubernetes"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/env"
)

// Runner is the asynchronous job substrate. Submit never deduplicates: a
// second submission under an existing name fails with ErrAlreadyExists.
type Runner interface {
	Submit(ctx context.Context, spec domain.JobSpec) (string, error)
	Status(ctx context.Context, jobName string) (domain.JobRun, error)
}

const (
	DriverKubernetes = "kubernetes"
	DriverDryRun     = "dryrun"
)

// Config selects the runner driver and the default image per job kind.
type Config struct {
	Driver          string
	Images          map[domain.JobKind]string
	ServiceAccount  string
	TTLSeconds      int32
	DryRunPolls     int
	BreakerFailures uint32
}

func ConfigFromEnv() (Config, error) {
	ttl, err := env.Int("STAGEGATE_JOB_TTL_SECONDS", 86400)
	if err != nil {
		return Config{}, err
	}
	polls, err := env.Int("STAGEGATE_DRYRUN_POLLS", 2)
	if err != nil {
		return Config{}, err
	}
	failures, err := env.Int("STAGEGATE_RUNNER_BREAKER_FAILURES", 5)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Driver: strings.ToLower(strings.TrimSpace(env.String("STAGEGATE_JOB_RUNNER", DriverKubernetes))),
		Images: map[domain.JobKind]string{
			domain.JobKindETL:        env.String("STAGEGATE_ETL_IMAGE", "ghcr.io/stagegate/etl-runner:latest"),
			domain.JobKindTraining:   env.String("STAGEGATE_TRAINING_IMAGE", "ghcr.io/stagegate/xgboost-trainer:latest"),
			domain.JobKindProcessing: env.String("STAGEGATE_BASELINE_IMAGE", "ghcr.io/stagegate/model-monitor-analyzer:latest"),
		},
		ServiceAccount:  env.String("STAGEGATE_JOB_SERVICE_ACCOUNT", ""),
		TTLSeconds:      int32(ttl),
		DryRunPolls:     polls,
		BreakerFailures: uint32(failures),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverKubernetes, DriverDryRun:
	default:
		return fmt.Errorf("STAGEGATE_JOB_RUNNER must be kubernetes or dryrun (got %q)", c.Driver)
	}
	if c.TTLSeconds < 0 {
		return fmt.Errorf("STAGEGATE_JOB_TTL_SECONDS must be >= 0")
	}
	if c.DryRunPolls < 0 {
		return fmt.Errorf("STAGEGATE_DRYRUN_POLLS must be >= 0")
	}
	if c.BreakerFailures == 0 {
		return fmt.Errorf("STAGEGATE_RUNNER_BREAKER_FAILURES must be >= 1")
	}
	return nil
}

// New builds the configured driver. client may be nil for the dryrun driver.
func New(cfg Config, client kubernetes.Interface, namespace string) (Runner, error) {
	switch cfg.Driver {
	case DriverDryRun:
		return NewDryRunRunner(cfg.DryRunPolls), nil
	case DriverKubernetes:
		return NewKubernetesRunner(client, namespace, cfg)
	default:
		return nil, fmt.Errorf("unsupported job runner %q", cfg.Driver)
	}
}
