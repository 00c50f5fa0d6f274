package domain

import (
	"strings"
	"time"
	"unicode"
)

type PackageApprovalStatus string

const (
	PackageApproved        PackageApprovalStatus = "Approved"
	PackageRejected        PackageApprovalStatus = "Rejected"
	PackagePendingApproval PackageApprovalStatus = "PendingManualApproval"
)

// PackageGroup is the logical model-package-group resource.
type PackageGroup struct {
	Name        string            `json:"name"`
	ARN         string            `json:"arn"`
	Description string            `json:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Package is one registered model version inside a group.
type Package struct {
	ARN            string                `json:"arn"`
	GroupName      string                `json:"groupName"`
	Version        int                   `json:"version"`
	ApprovalStatus PackageApprovalStatus `json:"approvalStatus"`
	Description    string                `json:"description,omitempty"`
	ModelDataURL   string                `json:"modelDataUrl"`
	ImageURI       string                `json:"imageUri"`
	EvaluationURI  string                `json:"evaluationUri,omitempty"`
	ProjectID      string                `json:"projectId,omitempty"`
	ContentTypes   []string              `json:"contentTypes,omitempty"`
	InstanceTypes  []string              `json:"instanceTypes,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
}

// PackageGroupName derives "<Model>PackageGroup" from a model name.
func PackageGroupName(modelName string) string {
	name := strings.ToLower(strings.TrimSpace(modelName))
	if name == "" {
		return ""
	}
	runes := []rune(name)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes) + "PackageGroup"
}
