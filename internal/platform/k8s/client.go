package k8s

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/stagegate/stagegate/internal/platform/env"
)

const defaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

type Config struct {
	// Kubeconfig is a path; empty means in-cluster configuration.
	Kubeconfig string
	Namespace  string
	QPS        float32
	Burst      int
}

func ConfigFromEnv() (Config, error) {
	burst, err := env.Int("STAGEGATE_K8S_BURST", 20)
	if err != nil {
		return Config{}, err
	}
	qps, err := env.Float("STAGEGATE_K8S_QPS", 10)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Kubeconfig: strings.TrimSpace(env.String("KUBECONFIG", "")),
		Namespace:  strings.TrimSpace(env.String("STAGEGATE_K8S_NAMESPACE", "")),
		QPS:        float32(qps),
		Burst:      burst,
	}
	if cfg.Namespace == "" {
		cfg.Namespace = inClusterNamespace()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("STAGEGATE_K8S_NAMESPACE is required outside a cluster")
	}
	if c.QPS <= 0 {
		return errors.New("STAGEGATE_K8S_QPS must be positive")
	}
	if c.Burst < 1 {
		return errors.New("STAGEGATE_K8S_BURST must be >= 1")
	}
	return nil
}

// NewClientset builds a clientset from a kubeconfig file or the in-cluster
// service account.
func NewClientset(cfg Config) (kubernetes.Interface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var restCfg *rest.Config
	var err error
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	restCfg.QPS = cfg.QPS
	restCfg.Burst = cfg.Burst
	restCfg.UserAgent = "stagegate"

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}
	return clientset, nil
}

func inClusterNamespace() string {
	raw, err := os.ReadFile(defaultNamespaceFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
