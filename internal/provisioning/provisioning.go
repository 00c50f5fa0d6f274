// Package provisioning handles infrastructure-engine lifecycle requests for
// the model package group. Every request is answered with exactly one
// callback to its ResponseURL.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/metrics"
	"github.com/stagegate/stagegate/internal/registry"
)

type RequestType string

const (
	RequestCreate RequestType = "Create"
	RequestUpdate RequestType = "Update"
	RequestDelete RequestType = "Delete"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

const groupDescription = "Model Package Group for Production Models."

type Request struct {
	RequestType        RequestType    `json:"RequestType"`
	ResponseURL        string         `json:"ResponseURL"`
	StackID            string         `json:"StackId"`
	RequestID          string         `json:"RequestId"`
	LogicalResourceID  string         `json:"LogicalResourceId"`
	PhysicalResourceID string         `json:"PhysicalResourceId,omitempty"`
	ResourceType       string         `json:"ResourceType,omitempty"`
	ResourceProperties map[string]any `json:"ResourceProperties,omitempty"`
}

type Response struct {
	Status             string            `json:"Status"`
	Reason             string            `json:"Reason"`
	PhysicalResourceID string            `json:"PhysicalResourceId"`
	StackID            string            `json:"StackId"`
	RequestID          string            `json:"RequestId"`
	LogicalResourceID  string            `json:"LogicalResourceId"`
	NoEcho             bool              `json:"NoEcho"`
	Data               map[string]string `json:"Data"`
}

// Sender delivers the callback for a request.
type Sender interface {
	Send(ctx context.Context, responseURL string, resp Response) error
}

type Config struct {
	ModelName string
	// LogStream names where handler logs go; it is the fallback physical id
	// and appears in success reasons.
	LogStream string
}

type Handler struct {
	registry  registry.Registry
	sender    Sender
	groupName string
	logStream string
	logger    *slog.Logger
	metrics   *metrics.Registry
}

func NewHandler(cfg Config, reg registry.Registry, sender Sender, logger *slog.Logger, m *metrics.Registry) (*Handler, error) {
	groupName := domain.PackageGroupName(cfg.ModelName)
	if groupName == "" {
		return nil, errors.New("MODEL_NAME is required")
	}
	if reg == nil || sender == nil {
		return nil, errors.New("provisioning: registry and sender are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	stream := strings.TrimSpace(cfg.LogStream)
	if stream == "" {
		stream = "stagegate/provisioning"
	}
	return &Handler{
		registry:  reg,
		sender:    sender,
		groupName: groupName,
		logStream: stream,
		logger:    logger.With("component", "provisioning", "group", groupName),
		metrics:   m,
	}, nil
}

func (h *Handler) GroupName() string { return h.groupName }

// Handle dispatches req and sends its callback. The callback is sent once on
// every path, including a panic in the dispatched operation.
func (h *Handler) Handle(ctx context.Context, req Request) (resp Response) {
	log := h.logger.With("request_type", string(req.RequestType), "request_id", req.RequestID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("provisioning handler panic", "panic", fmt.Sprint(r))
			resp = h.failure(req, fmt.Errorf("internal error: %v", r))
		}
		h.send(ctx, log, req, resp)
	}()

	switch req.RequestType {
	case RequestCreate:
		return h.create(ctx, log, req)
	case RequestUpdate:
		log.Info("received update request")
		return h.success(req, req.PhysicalResourceID, map[string]string{})
	case RequestDelete:
		return h.delete(ctx, log, req)
	default:
		return h.failure(req, fmt.Errorf("unsupported request type %q", req.RequestType))
	}
}

func (h *Handler) create(ctx context.Context, log *slog.Logger, req Request) Response {
	log.Info("creating model package group")
	group, err := h.registry.CreatePackageGroup(ctx, domain.PackageGroup{
		Name:        h.groupName,
		Description: groupDescription,
		Tags:        map[string]string{"Name": h.groupName},
	})
	if err != nil {
		log.Error("create model package group failed", "error", err)
		return h.failure(req, err)
	}
	return h.success(req, group.ARN, map[string]string{"Arn": group.ARN, "Name": group.Name})
}

// delete removes the Approved versions and then the group. A group that is
// already gone counts as deleted.
func (h *Handler) delete(ctx context.Context, log *slog.Logger, req Request) Response {
	log.Info("deleting model package group")
	pkgs, err := h.registry.ListApprovedPackages(ctx, h.groupName, registry.MaxListResults)
	if err != nil {
		log.Error("list model packages failed", "error", err)
		return h.failure(req, err)
	}
	for _, pkg := range pkgs {
		if err := h.registry.DeletePackage(ctx, pkg.ARN); err != nil {
			log.Error("delete model package failed", "package_arn", pkg.ARN, "error", err)
			return h.failure(req, err)
		}
	}
	if err := h.registry.DeletePackageGroup(ctx, h.groupName); err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Error("delete model package group failed", "error", err)
		return h.failure(req, err)
	}
	log.Info("model package group deleted", "versions", len(pkgs))
	return h.success(req, req.PhysicalResourceID, map[string]string{})
}

func (h *Handler) success(req Request, physicalID string, data map[string]string) Response {
	return h.response(req, StatusSuccess, "See the details in log stream: "+h.logStream, physicalID, data)
}

func (h *Handler) failure(req Request, err error) Response {
	return h.response(req, StatusFailed, err.Error(), req.PhysicalResourceID, map[string]string{})
}

func (h *Handler) response(req Request, status, reason, physicalID string, data map[string]string) Response {
	if physicalID == "" {
		physicalID = h.logStream
	}
	return Response{
		Status:             status,
		Reason:             reason,
		PhysicalResourceID: physicalID,
		StackID:            req.StackID,
		RequestID:          req.RequestID,
		LogicalResourceID:  req.LogicalResourceID,
		Data:               data,
	}
}

func (h *Handler) send(ctx context.Context, log *slog.Logger, req Request, resp Response) {
	h.metrics.Callback(string(req.RequestType), resp.Status)
	if err := h.sender.Send(ctx, req.ResponseURL, resp); err != nil {
		log.Error("callback delivery failed", "status", resp.Status, "error", err)
		return
	}
	log.Info("callback sent", "status", resp.Status, "physical_resource_id", resp.PhysicalResourceID)
}
