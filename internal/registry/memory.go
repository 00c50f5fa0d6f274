package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stagegate/stagegate/internal/domain"
)

// MemoryStore is an in-process Registry with the same constraints as the
// Postgres schema: unique group names, per-group versions, and no group
// deletion while packages remain.
type MemoryStore struct {
	mu       sync.Mutex
	arns     ARNs
	now      func() time.Time
	groups   map[string]domain.PackageGroup
	packages map[string]domain.Package
}

func NewMemoryStore(arns ARNs) *MemoryStore {
	return &MemoryStore{
		arns:     arns,
		now:      time.Now,
		groups:   map[string]domain.PackageGroup{},
		packages: map[string]domain.Package{},
	}
}

func (s *MemoryStore) CreatePackageGroup(_ context.Context, group domain.PackageGroup) (domain.PackageGroup, error) {
	if err := validateGroup(group); err != nil {
		return domain.PackageGroup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group.Name]; ok {
		return domain.PackageGroup{}, fmt.Errorf("package group %s: %w", group.Name, domain.ErrAlreadyExists)
	}
	group.ARN = s.arns.Group(group.Name)
	group.CreatedAt = s.now().UTC()
	s.groups[group.Name] = group
	return group, nil
}

func (s *MemoryStore) GetPackageGroup(_ context.Context, name string) (domain.PackageGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[name]
	if !ok {
		return domain.PackageGroup{}, fmt.Errorf("package group %s: %w", name, domain.ErrNotFound)
	}
	return group, nil
}

func (s *MemoryStore) DeletePackageGroup(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[name]; !ok {
		return fmt.Errorf("package group %s: %w", name, domain.ErrNotFound)
	}
	for _, pkg := range s.packages {
		if pkg.GroupName == name {
			return groupNotEmpty(name)
		}
	}
	delete(s.groups, name)
	return nil
}

func (s *MemoryStore) CreatePackage(_ context.Context, pkg domain.Package) (domain.Package, error) {
	if err := validatePackage(pkg); err != nil {
		return domain.Package{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[pkg.GroupName]; !ok {
		return domain.Package{}, fmt.Errorf("package group %s: %w", pkg.GroupName, domain.ErrNotFound)
	}
	version := 0
	for _, existing := range s.packages {
		if existing.GroupName == pkg.GroupName && existing.Version > version {
			version = existing.Version
		}
	}
	pkg.Version = version + 1
	pkg.ARN = s.arns.Package(pkg.GroupName, pkg.Version)
	pkg.CreatedAt = s.now().UTC()
	s.packages[pkg.ARN] = pkg
	return pkg, nil
}

func (s *MemoryStore) ListApprovedPackages(_ context.Context, groupName string, limit int) ([]domain.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Package
	for _, pkg := range s.packages {
		if pkg.GroupName == groupName && pkg.ApprovalStatus == domain.PackageApproved {
			out = append(out, pkg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Version < out[j].Version
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) DeletePackage(_ context.Context, arn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packages[arn]; !ok {
		return fmt.Errorf("package %s: %w", arn, domain.ErrNotFound)
	}
	delete(s.packages, arn)
	return nil
}
