package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stagegate/stagegate/internal/platform/env"
)

const (
	DriverMinIO  = "minio"
	DriverS3     = "s3"
	DriverMemory = "memory"
)

type Config struct {
	Driver    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// PathStyle forces path-style addressing on the s3 driver.
	PathStyle bool
	Buckets   []string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("STAGEGATE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	pathStyle, err := env.Bool("STAGEGATE_S3_PATH_STYLE", false)
	if err != nil {
		return Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(env.String("STAGEGATE_OBJECTSTORE_DRIVER", DriverMinIO)))

	cfg := Config{
		Driver:    driver,
		Region:    env.String("STAGEGATE_REGION", "us-east-1"),
		UseSSL:    useSSL,
		PathStyle: pathStyle,
		Buckets:   env.CSV("STAGEGATE_OBJECTSTORE_BUCKETS", nil),
	}
	switch driver {
	case DriverMinIO:
		cfg.Endpoint = env.String("STAGEGATE_MINIO_ENDPOINT", "localhost:9000")
		cfg.AccessKey = env.String("STAGEGATE_MINIO_ACCESS_KEY", "stagegate")
		cfg.SecretKey = env.String("STAGEGATE_MINIO_SECRET_KEY", "stagegateminio")
	case DriverS3:
		cfg.Endpoint = env.String("STAGEGATE_S3_ENDPOINT", "")
		cfg.AccessKey = env.String("AWS_ACCESS_KEY_ID", "")
		cfg.SecretKey = env.String("AWS_SECRET_ACCESS_KEY", "")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverMinIO:
		if strings.TrimSpace(c.Endpoint) == "" {
			return errors.New("endpoint is required")
		}
		if strings.Contains(c.Endpoint, "://") {
			return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
		}
		if strings.TrimSpace(c.AccessKey) == "" {
			return errors.New("access key is required")
		}
		if strings.TrimSpace(c.SecretKey) == "" {
			return errors.New("secret key is required")
		}
	case DriverS3:
		if (c.AccessKey == "") != (c.SecretKey == "") {
			return errors.New("access key and secret key must be set together")
		}
		if c.Endpoint != "" && !strings.Contains(c.Endpoint, "://") {
			return fmt.Errorf("s3 endpoint must include scheme: %q", c.Endpoint)
		}
	case DriverMemory:
		return nil
	default:
		return fmt.Errorf("unsupported objectstore driver %q", c.Driver)
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	return nil
}
