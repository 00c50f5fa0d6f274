package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stagegate/stagegate/internal/domain"
)

var testARNs = ARNs{Region: "us-east-1", AccountID: "123456789012"}

func newTestStore() *MemoryStore {
	s := NewMemoryStore(testARNs)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func approved(group string) domain.Package {
	return domain.Package{
		GroupName:      group,
		ApprovalStatus: domain.PackageApproved,
		ModelDataURL:   "s3://bucket/exec-1/model.tar.gz",
		ImageURI:       "registry.local/xgboost:1",
	}
}

func TestMemoryStore_PackageLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	group, err := s.CreatePackageGroup(ctx, domain.PackageGroup{Name: "AbalonePackageGroup", Description: "abalone"})
	if err != nil {
		t.Fatalf("CreatePackageGroup() err=%v", err)
	}
	if group.ARN != "arn:stagegate:registry:us-east-1:123456789012:model-package-group/abalonepackagegroup" {
		t.Fatalf("ARN=%q", group.ARN)
	}
	if _, err := s.CreatePackageGroup(ctx, domain.PackageGroup{Name: "AbalonePackageGroup"}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("CreatePackageGroup() duplicate err=%v", err)
	}

	first, err := s.CreatePackage(ctx, approved(group.Name))
	if err != nil {
		t.Fatalf("CreatePackage() err=%v", err)
	}
	rejected := approved(group.Name)
	rejected.ApprovalStatus = domain.PackageRejected
	if _, err := s.CreatePackage(ctx, rejected); err != nil {
		t.Fatalf("CreatePackage() err=%v", err)
	}
	third, err := s.CreatePackage(ctx, approved(group.Name))
	if err != nil {
		t.Fatalf("CreatePackage() err=%v", err)
	}
	if first.Version != 1 || third.Version != 3 || !strings.HasSuffix(third.ARN, "/abalonepackagegroup/3") {
		t.Fatalf("versions=%d,%d arn=%q", first.Version, third.Version, third.ARN)
	}

	list, err := s.ListApprovedPackages(ctx, group.Name, 0)
	if err != nil {
		t.Fatalf("ListApprovedPackages() err=%v", err)
	}
	if len(list) != 2 || list[0].ARN != first.ARN || list[1].ARN != third.ARN {
		t.Fatalf("ListApprovedPackages()=%+v", list)
	}

	if err := s.DeletePackageGroup(ctx, group.Name); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("DeletePackageGroup() with packages err=%v", err)
	}
	if err := s.DeletePackage(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("DeletePackage() err=%v", err)
	}
}

func TestMemoryStore_ListLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	if _, err := s.CreatePackageGroup(ctx, domain.PackageGroup{Name: "G"}); err != nil {
		t.Fatalf("CreatePackageGroup() err=%v", err)
	}
	for i := 0; i < MaxListResults+5; i++ {
		if _, err := s.CreatePackage(ctx, approved("G")); err != nil {
			t.Fatalf("CreatePackage() err=%v", err)
		}
	}
	list, err := s.ListApprovedPackages(ctx, "G", 500)
	if err != nil {
		t.Fatalf("ListApprovedPackages() err=%v", err)
	}
	if len(list) != MaxListResults || list[0].Version != 1 {
		t.Fatalf("len=%d first=%d", len(list), list[0].Version)
	}
	list, _ = s.ListApprovedPackages(ctx, "G", 3)
	if len(list) != 3 {
		t.Fatalf("len=%d", len(list))
	}
}

func TestCreatePackage_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	if _, err := s.CreatePackage(ctx, approved("Missing")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("CreatePackage() missing group err=%v", err)
	}
	cases := []func(*domain.Package){
		func(p *domain.Package) { p.GroupName = "" },
		func(p *domain.Package) { p.ModelDataURL = "" },
		func(p *domain.Package) { p.ImageURI = "" },
		func(p *domain.Package) { p.ApprovalStatus = "" },
		func(p *domain.Package) { p.ApprovalStatus = "Maybe" },
	}
	for i, mutate := range cases {
		pkg := approved("G")
		mutate(&pkg)
		if _, err := s.CreatePackage(ctx, pkg); !errors.Is(err, domain.ErrConfiguration) {
			t.Fatalf("case %d: CreatePackage() err=%v", i, err)
		}
	}
}

func TestQueries(t *testing.T) {
	if !strings.Contains(listApprovedPackagesQuery, "approval_status = 'Approved'") ||
		!strings.Contains(listApprovedPackagesQuery, "ORDER BY created_at ASC") ||
		!strings.Contains(listApprovedPackagesQuery, "LIMIT $2") {
		t.Fatalf("unexpected list query: %s", listApprovedPackagesQuery)
	}
	if !strings.Contains(nextVersionQuery, "MAX(version)") {
		t.Fatalf("unexpected version query: %s", nextVersionQuery)
	}
	if clampLimit(0) != MaxListResults || clampLimit(1000) != MaxListResults || clampLimit(7) != 7 {
		t.Fatal("clampLimit")
	}
}
