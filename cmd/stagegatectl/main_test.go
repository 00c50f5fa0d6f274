package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/stagegate/stagegate/internal/systemtest"
	"github.com/stagegate/stagegate/internal/workflow"
)

type capturedRequest struct {
	Method    string
	Path      string
	Auth      string
	RequestID string
	Body      map[string]any
}

type fakeOrchestrator struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	response any
}

func (f *fakeOrchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := capturedRequest{
		Method:    r.Method,
		Path:      r.URL.EscapedPath(),
		Auth:      r.Header.Get("Authorization"),
		RequestID: r.Header.Get("X-Request-Id"),
	}
	data, _ := io.ReadAll(r.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &req.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(f.response)
}

func (f *fakeOrchestrator) last(t *testing.T) capturedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("no request reached the server")
	}
	return f.requests[len(f.requests)-1]
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands_Requests(t *testing.T) {
	cases := []struct {
		name   string
		args   []string
		method string
		path   string
		body   map[string]any
	}{
		{
			name:   "launch",
			args:   []string{"launch", "etl", "--job-id", "job-1", "--account-id", "123", "--artifact", "EtlSourceOutput=artifacts/etl.zip"},
			method: http.MethodPost,
			path:   "/v1/launch/etl",
			body:   map[string]any{"jobId": "job-1", "accountId": "123", "requestId": "req-9"},
		},
		{
			name:   "tick",
			args:   []string{"tick", "TRAINING"},
			method: http.MethodPost,
			path:   "/v1/monitors/training:tick",
		},
		{
			name:   "state",
			args:   []string{"state"},
			method: http.MethodGet,
			path:   "/v1/pipelines/abalone-pipeline/state",
		},
		{
			name:   "gate open",
			args:   []string{"gate", "open", "ETLApproval", "ApproveETL", "--execution-id", "exec-1"},
			method: http.MethodPost,
			path:   "/v1/pipelines/abalone-pipeline/stages/ETLApproval/actions/ApproveETL:open",
			body:   map[string]any{"executionId": "exec-1"},
		},
		{
			name:   "gate reject",
			args:   []string{"gate", "reject", "TrainApproval", "ApproveTrain", "--token", "tok", "--summary", "bad model"},
			method: http.MethodPost,
			path:   "/v1/pipelines/abalone-pipeline/stages/TrainApproval/actions/ApproveTrain:approve",
			body:   map[string]any{"token": "tok", "status": "Rejected", "summary": "bad model"},
		},
		{
			name:   "systemtest run",
			args:   []string{"systemtest", "run"},
			method: http.MethodPost,
			path:   "/v1/system-test/executions",
		},
		{
			name:   "systemtest get",
			args:   []string{"systemtest", "get", "wf-1"},
			method: http.MethodGet,
			path:   "/v1/system-test/executions/wf-1",
		},
		{
			name:   "triggers",
			args:   []string{"triggers"},
			method: http.MethodGet,
			path:   "/v1/triggers",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeOrchestrator{response: map[string]any{}}
			srv := httptest.NewServer(fake)
			defer srv.Close()

			args := append([]string{"--server", srv.URL, "--token", "secret", "--request-id", "req-9", "--pipeline", "abalone-pipeline"}, tc.args...)
			if _, err := run(t, args...); err != nil {
				t.Fatalf("Execute() err=%v", err)
			}
			got := fake.last(t)
			if got.Method != tc.method || got.Path != tc.path {
				t.Fatalf("request=%s %s want %s %s", got.Method, got.Path, tc.method, tc.path)
			}
			if got.Auth != "Bearer secret" || got.RequestID != "req-9" {
				t.Fatalf("headers auth=%q request_id=%q", got.Auth, got.RequestID)
			}
			for k, v := range tc.body {
				if got.Body[k] != v {
					t.Fatalf("body[%s]=%v want %v (body=%v)", k, got.Body[k], v, got.Body)
				}
			}
		})
	}
}

func TestLaunch_ArtifactFlag(t *testing.T) {
	fake := &fakeOrchestrator{response: map[string]any{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	if _, err := run(t, "--server", srv.URL, "launch", "training", "--job-id", "j", "--artifact", "ModelSourceOutput=artifacts/model.zip"); err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	artifacts, _ := fake.last(t).Body["inputArtifacts"].([]any)
	if len(artifacts) != 1 {
		t.Fatalf("artifacts=%v", artifacts)
	}
	a, _ := artifacts[0].(map[string]any)
	if a["name"] != "ModelSourceOutput" || a["bucket"] != "artifacts" || a["key"] != "model.zip" {
		t.Fatalf("artifact=%v", a)
	}

	if _, err := run(t, "--server", srv.URL, "launch", "training", "--job-id", "j", "--artifact", "broken"); err == nil {
		t.Fatalf("Execute() expected error for malformed artifact")
	}
}

func TestCommands_RejectBadInput(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{name: "unknown kind", args: []string{"tick", "deploy"}},
		{name: "processing is not a stage", args: []string{"launch", "processing", "--job-id", "j"}},
		{name: "missing job id", args: []string{"launch", "etl"}},
		{name: "missing pipeline", args: []string{"--pipeline", "", "state"}},
		{name: "bad server", args: []string{"--server", "localhost", "triggers"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := run(t, tc.args...); err == nil {
				t.Fatalf("Execute() expected error")
			}
		})
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	fake := &fakeOrchestrator{
		status:   http.StatusConflict,
		response: map[string]any{"error": "token_consumed", "request_id": "req-1"},
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	_, err := run(t, "--server", srv.URL, "--pipeline", "p", "gate", "approve", "TrainApproval", "ApproveTrain", "--token", "t")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Execute() err=%v, want *apiError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "token_consumed" || apiErr.RequestID != "req-1" {
		t.Fatalf("apiErr=%+v", apiErr)
	}
}

func TestRender(t *testing.T) {
	args := []string{"systemtest", "render", "--execution-id", "exec-1", "--bucket", "mlops-b", "--model", "abalone", "--threshold", "3.1"}

	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	def, err := workflow.Parse([]byte(out))
	if err != nil {
		t.Fatalf("Parse(yaml) err=%v\n%s", err, out)
	}
	if def.StartAt != systemtest.StateEvaluateEndpoint {
		t.Fatalf("StartAt=%q", def.StartAt)
	}
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(out), &raw); err != nil {
		t.Fatalf("yaml.Unmarshal() err=%v", err)
	}

	out, err = run(t, append(args, "-o", "json")...)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("json output=%q", out)
	}
	if _, err := workflow.Parse([]byte(out)); err != nil {
		t.Fatalf("Parse(json) err=%v", err)
	}

	if _, err := run(t, "systemtest", "render", "--execution-id", "e", "--bucket", "b", "--model", "m"); err == nil {
		t.Fatalf("Execute() expected error without threshold")
	}
}
