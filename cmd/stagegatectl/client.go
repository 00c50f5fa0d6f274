package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type clientOptions struct {
	Server    string
	Token     string
	RequestID string
	Pipeline  string
}

// apiError is a non-2xx answer from the orchestrator.
type apiError struct {
	StatusCode int
	Code       string
	RequestID  string
}

func (e *apiError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("orchestrator returned %d %s (request %s)", e.StatusCode, e.Code, e.RequestID)
	}
	return fmt.Sprintf("orchestrator returned %d %s", e.StatusCode, e.Code)
}

type apiClient struct {
	base      *url.URL
	token     string
	requestID string
	http      *http.Client
}

func (o *clientOptions) client() (*apiClient, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(o.Server), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid --server %q", o.Server)
	}
	return &apiClient{
		base:      base,
		token:     strings.TrimSpace(o.Token),
		requestID: strings.TrimSpace(o.RequestID),
		http:      &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (o *clientOptions) pipeline() (string, error) {
	name := strings.TrimSpace(o.Pipeline)
	if name == "" {
		return "", fmt.Errorf("--pipeline or PIPELINE_NAME is required")
	}
	return name, nil
}

// do sends body as JSON and decodes the response into out when out is non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		_ = json.Unmarshal(data, &envelope)
		if envelope.Error == "" {
			envelope.Error = strings.TrimSpace(string(data))
		}
		return &apiError{StatusCode: resp.StatusCode, Code: envelope.Error, RequestID: envelope.RequestID}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func escape(segment string) string {
	return url.PathEscape(segment)
}
