package trigger

import (
	"strings"

	"github.com/stagegate/stagegate/internal/platform/env"
)

type Config struct {
	MonitorSchedule string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		MonitorSchedule: strings.TrimSpace(env.String("STAGEGATE_MONITOR_SCHEDULE", "@every 1m")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	_, err := ParseSchedule(c.MonitorSchedule)
	return err
}

// MonitorName is the rule name of the completion monitor for kind and model.
func MonitorName(kind, model string) string {
	return kind + "-job-monitor-" + strings.ToLower(strings.TrimSpace(model))
}
