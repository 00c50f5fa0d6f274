package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/stagegate/stagegate/internal/launcher"
	"github.com/stagegate/stagegate/internal/platform/env"
	"github.com/stagegate/stagegate/internal/provisioning"
	"github.com/stagegate/stagegate/internal/registry"
	"github.com/stagegate/stagegate/internal/systemtest"
	"github.com/stagegate/stagegate/internal/trigger"
)

const serviceName = "orchestrator"

const (
	storagePostgres = "postgres"
	storageMemory   = "memory"
)

// serviceConfig is every component setting the daemon reads at startup.
type serviceConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	// Storage selects where control plane, trigger, registry, workflow and
	// audit state live. memory is for local runs only.
	Storage         string
	CallbackTimeout time.Duration

	Launcher     launcher.Config
	Trigger      trigger.Config
	SystemTest   systemtest.Config
	Provisioning provisioning.Config
	ARNs         registry.ARNs
}

func configFromEnv() (serviceConfig, error) {
	shutdownTimeout, err := env.Duration("STAGEGATE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return serviceConfig{}, err
	}
	callbackTimeout, err := env.Duration("STAGEGATE_CALLBACK_TIMEOUT", 10*time.Second)
	if err != nil {
		return serviceConfig{}, err
	}
	launcherCfg, err := launcher.ConfigFromEnv()
	if err != nil {
		return serviceConfig{}, fmt.Errorf("launcher: %w", err)
	}
	triggerCfg, err := trigger.ConfigFromEnv()
	if err != nil {
		return serviceConfig{}, fmt.Errorf("trigger: %w", err)
	}
	systemTestCfg, err := systemtest.ConfigFromEnv()
	if err != nil {
		return serviceConfig{}, fmt.Errorf("system test: %w", err)
	}

	cfg := serviceConfig{
		Addr:            env.String("STAGEGATE_HTTP_ADDR", ":8080"),
		ShutdownTimeout: shutdownTimeout,
		Storage:         strings.ToLower(strings.TrimSpace(env.String("STAGEGATE_STORAGE", storagePostgres))),
		CallbackTimeout: callbackTimeout,
		Launcher:        launcherCfg,
		Trigger:         triggerCfg,
		SystemTest:      systemTestCfg,
		Provisioning: provisioning.Config{
			ModelName: launcherCfg.ModelName,
			LogStream: strings.TrimSpace(env.String("STAGEGATE_LOG_STREAM", "")),
		},
		ARNs: registry.ARNs{
			Region:    systemTestCfg.Region,
			AccountID: systemTestCfg.AccountID,
		},
	}
	if err := cfg.Validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func (c serviceConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("STAGEGATE_HTTP_ADDR is required")
	}
	switch c.Storage {
	case storagePostgres, storageMemory:
	default:
		return fmt.Errorf("STAGEGATE_STORAGE must be postgres or memory (got %q)", c.Storage)
	}
	if c.CallbackTimeout <= 0 {
		return fmt.Errorf("STAGEGATE_CALLBACK_TIMEOUT must be > 0")
	}
	return nil
}

// buckets lists the buckets the daemon reads from when the account is known
// up front.
func (c serviceConfig) buckets() []string {
	out := []string{c.SystemTest.Bucket()}
	if c.Launcher.DataBucket != "" {
		out = append(out, c.Launcher.DataBucket)
	}
	return out
}
