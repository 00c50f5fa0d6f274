// Package registry stores model package groups and the versioned packages
// registered into them.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/stagegate/stagegate/internal/domain"
)

// MaxListResults caps ListApprovedPackages.
const MaxListResults = 100

type Registry interface {
	CreatePackageGroup(ctx context.Context, group domain.PackageGroup) (domain.PackageGroup, error)
	GetPackageGroup(ctx context.Context, name string) (domain.PackageGroup, error)
	DeletePackageGroup(ctx context.Context, name string) error
	// CreatePackage assigns the next version in the group and the ARN.
	CreatePackage(ctx context.Context, pkg domain.Package) (domain.Package, error)
	// ListApprovedPackages returns Approved packages oldest first.
	ListApprovedPackages(ctx context.Context, groupName string, limit int) ([]domain.Package, error)
	DeletePackage(ctx context.Context, arn string) error
}

// ARNs builds resource names for one region and account.
type ARNs struct {
	Region    string
	AccountID string
}

func (a ARNs) prefix() string {
	return fmt.Sprintf("arn:stagegate:registry:%s:%s", a.Region, a.AccountID)
}

func (a ARNs) Group(name string) string {
	return a.prefix() + ":model-package-group/" + strings.ToLower(name)
}

func (a ARNs) Package(groupName string, version int) string {
	return fmt.Sprintf("%s:model-package/%s/%d", a.prefix(), strings.ToLower(groupName), version)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListResults {
		return MaxListResults
	}
	return limit
}

func validateGroup(group domain.PackageGroup) error {
	if strings.TrimSpace(group.Name) == "" {
		return fmt.Errorf("package group name is required: %w", domain.ErrConfiguration)
	}
	return nil
}

func validatePackage(pkg domain.Package) error {
	switch {
	case strings.TrimSpace(pkg.GroupName) == "":
		return fmt.Errorf("package group name is required: %w", domain.ErrConfiguration)
	case strings.TrimSpace(pkg.ModelDataURL) == "":
		return fmt.Errorf("model data url is required: %w", domain.ErrConfiguration)
	case strings.TrimSpace(pkg.ImageURI) == "":
		return fmt.Errorf("image uri is required: %w", domain.ErrConfiguration)
	}
	switch pkg.ApprovalStatus {
	case domain.PackageApproved, domain.PackageRejected, domain.PackagePendingApproval:
	case "":
		return fmt.Errorf("approval status is required: %w", domain.ErrConfiguration)
	default:
		return fmt.Errorf("unknown approval status %q: %w", pkg.ApprovalStatus, domain.ErrConfiguration)
	}
	return nil
}

func groupNotEmpty(name string) error {
	return fmt.Errorf("package group %s still has packages: %w", name, domain.ErrConfiguration)
}
