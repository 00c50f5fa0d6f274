// Package endpoint invokes a deployed model endpoint with one delimited-text
// row per request and parses the scalar prediction it returns.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/stagegate/stagegate/internal/platform/env"
	"github.com/stagegate/stagegate/internal/platform/metrics"
)

const endpointPlaceholder = "{endpoint}"

// Invoker scores one row against a named endpoint.
type Invoker interface {
	Invoke(ctx context.Context, endpointName, row string) (float64, error)
}

type Config struct {
	// URLTemplate is the invocation URL; {endpoint} is replaced by the
	// endpoint name.
	URLTemplate  string
	RPS          float64
	Burst        int
	Timeout      time.Duration
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func ConfigFromEnv() (Config, error) {
	rps, err := env.Float("STAGEGATE_ENDPOINT_RPS", 10)
	if err != nil {
		return Config{}, err
	}
	burst, err := env.Int("STAGEGATE_ENDPOINT_BURST", 1)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("STAGEGATE_ENDPOINT_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URLTemplate:  strings.TrimSpace(env.String("STAGEGATE_ENDPOINT_URL", "http://localhost:8081/endpoints/{endpoint}/invocations")),
		RPS:          rps,
		Burst:        burst,
		Timeout:      timeout,
		TokenURL:     strings.TrimSpace(env.String("STAGEGATE_ENDPOINT_TOKEN_URL", "")),
		ClientID:     strings.TrimSpace(env.String("STAGEGATE_ENDPOINT_CLIENT_ID", "")),
		ClientSecret: env.String("STAGEGATE_ENDPOINT_CLIENT_SECRET", ""),
		Scopes:       env.CSV("STAGEGATE_ENDPOINT_SCOPES", nil),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.URLTemplate == "" {
		return errors.New("STAGEGATE_ENDPOINT_URL is required")
	}
	if _, err := url.Parse(strings.ReplaceAll(c.URLTemplate, endpointPlaceholder, "x")); err != nil {
		return fmt.Errorf("STAGEGATE_ENDPOINT_URL: %w", err)
	}
	if c.RPS <= 0 {
		return errors.New("STAGEGATE_ENDPOINT_RPS must be > 0")
	}
	if c.Burst < 1 {
		return errors.New("STAGEGATE_ENDPOINT_BURST must be >= 1")
	}
	if c.Timeout <= 0 {
		return errors.New("STAGEGATE_ENDPOINT_TIMEOUT must be > 0")
	}
	if c.TokenURL != "" && (c.ClientID == "" || c.ClientSecret == "") {
		return errors.New("STAGEGATE_ENDPOINT_CLIENT_ID and STAGEGATE_ENDPOINT_CLIENT_SECRET are required with STAGEGATE_ENDPOINT_TOKEN_URL")
	}
	return nil
}

// APIError is a non-2xx response from the endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("endpoint returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	http        *http.Client
	urlTemplate string
	limiter     *rate.Limiter
	metrics     *metrics.Registry
}

// NewClient builds an invoker. With a token URL configured, requests carry
// an OAuth2 client-credentials bearer token.
func NewClient(ctx context.Context, cfg Config, reg *metrics.Registry) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(ctx)
		httpClient.Timeout = cfg.Timeout
	}
	return &Client{
		http:        httpClient,
		urlTemplate: cfg.URLTemplate,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		metrics:     reg,
	}, nil
}

func (c *Client) Invoke(ctx context.Context, endpointName, row string) (float64, error) {
	if strings.TrimSpace(endpointName) == "" {
		return 0, errors.New("endpoint name is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	started := time.Now()
	v, err := c.invoke(ctx, endpointName, row)
	c.metrics.EndpointInvoke(time.Since(started).Seconds(), err)
	return v, err
}

func (c *Client) invoke(ctx context.Context, endpointName, row string) (float64, error) {
	target := strings.ReplaceAll(c.urlTemplate, endpointPlaceholder, url.PathEscape(endpointName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(row))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Accept", "text/csv")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("invoke %s: %w", endpointName, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	text := strings.TrimSpace(string(body))
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse prediction %q: %w", text, err)
	}
	return v, nil
}
