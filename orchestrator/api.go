package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stagegate/stagegate/internal/controlplane"
	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/launcher"
	"github.com/stagegate/stagegate/internal/monitor"
	"github.com/stagegate/stagegate/internal/platform/auditlog"
	"github.com/stagegate/stagegate/internal/platform/auth"
	"github.com/stagegate/stagegate/internal/platform/httpserver"
	"github.com/stagegate/stagegate/internal/platform/requestid"
	"github.com/stagegate/stagegate/internal/provisioning"
	"github.com/stagegate/stagegate/internal/systemtest"
	"github.com/stagegate/stagegate/internal/trigger"
	"github.com/stagegate/stagegate/internal/workflow"
)

const maxBodyBytes = 1 << 20

type orchestratorAPI struct {
	logger       *slog.Logger
	control      controlplane.Admin
	launchers    map[domain.JobKind]*launcher.Launcher
	monitors     map[domain.JobKind]*monitor.Monitor
	scheduler    *trigger.Scheduler
	workflows    *workflow.Service
	harness      *systemtest.Harness
	provisioning *provisioning.Handler
	audit        auditlog.Recorder
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/launch/{kind}", api.handleLaunch)
	mux.HandleFunc("POST /v1/monitors/{monitor}", api.handleMonitor)
	mux.HandleFunc("GET /v1/pipelines/{pipeline}/state", api.handleGetState)
	mux.HandleFunc("POST /v1/pipelines/{pipeline}/stages/{stage}/actions/{action}", api.handleAction)
	mux.HandleFunc("POST /v1/provisioning/model-package-group", api.handleProvisioning)
	mux.HandleFunc("POST /v1/system-test/executions", api.handleStartSystemTest)
	mux.HandleFunc("GET /v1/system-test/executions/{execution_id}", api.handleGetSystemTest)
	mux.HandleFunc("GET /v1/triggers", api.handleListTriggers)
}

func (api *orchestratorAPI) handleLaunch(w http.ResponseWriter, r *http.Request) {
	kind, ok := domain.ParseJobKind(r.PathValue("kind"))
	l := api.launchers[kind]
	if !ok || l == nil {
		httpserver.WriteError(w, r, http.StatusNotFound, "unknown_launcher")
		return
	}
	var ev launcher.LaunchEvent
	if err := httpserver.DecodeJSON(r, maxBodyBytes, &ev); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(ev.JobID) == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}
	if ev.RequestID == "" {
		ev.RequestID, _ = requestid.FromContext(r.Context())
	}
	if err := l.Launch(r.Context(), ev); err != nil {
		api.logger.Error("launch result not reported", "kind", string(kind), "job_id", ev.JobID, "error", err)
		httpserver.WriteError(w, r, http.StatusBadGateway, "report_failed")
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{
		"jobId": ev.JobID,
		"kind":  kind,
	})
}

// handleMonitor serves POST /v1/monitors/{kind}:tick.
func (api *orchestratorAPI) handleMonitor(w http.ResponseWriter, r *http.Request) {
	name, verb, _ := strings.Cut(r.PathValue("monitor"), ":")
	kind, ok := domain.ParseJobKind(name)
	m := api.monitors[kind]
	if !ok || m == nil || verb != "tick" {
		httpserver.WriteError(w, r, http.StatusNotFound, "unknown_monitor")
		return
	}
	report, err := m.Tick(r.Context())
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, report)
}

func (api *orchestratorAPI) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := api.control.GetPipelineState(r.Context(), r.PathValue("pipeline"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, state)
}

type gateResponse struct {
	PipelineName string              `json:"pipelineName"`
	StageName    string              `json:"stageName"`
	ActionName   string              `json:"actionName"`
	ExecutionID  string              `json:"executionId"`
	Status       domain.ActionStatus `json:"status"`
	Token        string              `json:"token,omitempty"`
}

func newGateResponse(g domain.ApprovalGate) gateResponse {
	return gateResponse{
		PipelineName: g.PipelineName,
		StageName:    g.StageName,
		ActionName:   g.ActionName,
		ExecutionID:  g.ExecutionID,
		Status:       g.Status,
		Token:        g.Token,
	}
}

// handleAction serves the :open and :approve verbs on an action.
func (api *orchestratorAPI) handleAction(w http.ResponseWriter, r *http.Request) {
	action, verb, _ := strings.Cut(r.PathValue("action"), ":")
	ref := controlplane.ActionRef{
		PipelineName: r.PathValue("pipeline"),
		StageName:    r.PathValue("stage"),
		ActionName:   action,
	}
	if err := ref.Validate(); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_action")
		return
	}
	switch verb {
	case "open":
		api.openGate(w, r, ref)
	case "approve":
		api.approveGate(w, r, ref)
	default:
		httpserver.WriteError(w, r, http.StatusNotFound, "unknown_verb")
	}
}

func (api *orchestratorAPI) openGate(w http.ResponseWriter, r *http.Request, ref controlplane.ActionRef) {
	var req struct {
		ExecutionID string `json:"executionId"`
	}
	if err := httpserver.DecodeJSON(r, maxBodyBytes, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	gate, err := api.control.OpenGate(r.Context(), ref, strings.TrimSpace(req.ExecutionID))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.record(r, "gate.open", ref, map[string]any{"execution_id": gate.ExecutionID})
	httpserver.WriteJSON(w, http.StatusCreated, newGateResponse(gate))
}

func (api *orchestratorAPI) approveGate(w http.ResponseWriter, r *http.Request, ref controlplane.ActionRef) {
	var req struct {
		Token   string                `json:"token"`
		Status  domain.ApprovalStatus `json:"status"`
		Summary string                `json:"summary"`
	}
	if err := httpserver.DecodeJSON(r, maxBodyBytes, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if !req.Status.Valid() {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "token_required")
		return
	}
	gate, err := controlplane.FindGate(r.Context(), api.control, ref)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	gate.Token = req.Token
	result := domain.ApprovalResult{Status: req.Status, Summary: req.Summary}
	if err := api.control.PutApprovalResult(r.Context(), gate, result); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.record(r, "gate."+strings.ToLower(string(req.Status)), ref, map[string]any{
		"execution_id": gate.ExecutionID,
		"summary":      req.Summary,
	})
	api.disarmMonitors(r.Context(), ref)
	gate.Status = domain.ActionStatus(req.Status)
	gate.Token = ""
	httpserver.WriteJSON(w, http.StatusOK, newGateResponse(gate))
}

// disarmMonitors stops the monitor waiting on ref. A failure here is retried
// by the monitor's next stale tick.
func (api *orchestratorAPI) disarmMonitors(ctx context.Context, ref controlplane.ActionRef) {
	for _, m := range api.monitors {
		if m.Gate() != ref {
			continue
		}
		if err := m.Disarm(ctx); err != nil {
			api.logger.Warn("disarm monitor trigger", "trigger", m.TriggerName(), "error", err)
		}
	}
}

// shutdown stops the scheduler and then waits for background system-test
// executions, both bounded by ctx.
func (api *orchestratorAPI) shutdown(ctx context.Context) error {
	api.scheduler.Stop(ctx)
	if err := api.workflows.Shutdown(ctx); err != nil {
		return fmt.Errorf("workflow shutdown: %w", err)
	}
	return nil
}

func (api *orchestratorAPI) handleProvisioning(w http.ResponseWriter, r *http.Request) {
	var req provisioning.Request
	if err := httpserver.DecodeJSON(r, maxBodyBytes, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	// The callback is the answer of record; the caller may already be gone.
	resp := api.provisioning.Handle(context.WithoutCancel(r.Context()), req)
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (api *orchestratorAPI) handleStartSystemTest(w http.ResponseWriter, r *http.Request) {
	exec, err := api.harness.Start(r.Context())
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, exec)
}

func (api *orchestratorAPI) handleGetSystemTest(w http.ResponseWriter, r *http.Request) {
	exec, err := api.harness.Get(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, exec)
}

type triggerResponse struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Enabled   bool      `json:"enabled"`
	Armed     bool      `json:"armed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (api *orchestratorAPI) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	rules, err := api.scheduler.Rules(r.Context())
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	out := make([]triggerResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, triggerResponse{
			Name:      rule.Name,
			Schedule:  rule.Schedule,
			Enabled:   rule.Enabled,
			Armed:     api.scheduler.Armed(rule.Name),
			UpdatedAt: rule.UpdatedAt,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"triggers": out})
}

func (api *orchestratorAPI) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrTokenConsumed):
		httpserver.WriteError(w, r, http.StatusConflict, "token_consumed")
	case errors.Is(err, domain.ErrAlreadyExists):
		httpserver.WriteError(w, r, http.StatusConflict, "already_exists")
	case errors.Is(err, domain.ErrConfiguration):
		httpserver.WriteError(w, r, http.StatusBadRequest, "configuration_error")
	case errors.Is(err, domain.ErrTransientRunner):
		httpserver.WriteError(w, r, http.StatusServiceUnavailable, "runner_unavailable")
	default:
		id, _ := requestid.FromContext(r.Context())
		api.logger.Error("request failed", "request_id", id, "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *orchestratorAPI) record(r *http.Request, action string, ref controlplane.ActionRef, payload map[string]any) {
	id, _ := requestid.FromContext(r.Context())
	err := api.audit.Record(r.Context(), auditlog.Event{
		Actor:        auth.Actor(r.Context()),
		Action:       action,
		ResourceType: "approval_gate",
		ResourceID:   ref.String(),
		RequestID:    id,
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		api.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
