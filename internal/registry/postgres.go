package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/postgres"
)

const (
	insertGroupQuery = `INSERT INTO package_groups (name, arn, description, tags, created_at)
	 VALUES ($1,$2,$3,$4,now())
	 RETURNING created_at`

	selectGroupQuery = `SELECT name, arn, COALESCE(description,''), tags, created_at
	 FROM package_groups
	 WHERE name = $1`

	deleteGroupQuery = `DELETE FROM package_groups WHERE name = $1`

	nextVersionQuery = `SELECT COALESCE(MAX(version), 0) + 1 FROM packages WHERE group_name = $1`

	insertPackageQuery = `INSERT INTO packages (
		arn,
		group_name,
		version,
		approval_status,
		description,
		model_data_url,
		image_uri,
		evaluation_uri,
		project_id,
		content_types,
		instance_types,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
	RETURNING created_at`

	listApprovedPackagesQuery = `SELECT arn, group_name, version, approval_status, COALESCE(description,''),
	 model_data_url, image_uri, COALESCE(evaluation_uri,''), COALESCE(project_id,''),
	 content_types, instance_types, created_at
	 FROM packages
	 WHERE group_name = $1 AND approval_status = 'Approved'
	 ORDER BY created_at ASC, version ASC
	 LIMIT $2`

	deletePackageQuery = `DELETE FROM packages WHERE arn = $1`
)

// createPackageAttempts bounds retries when two writers race for a version.
const createPackageAttempts = 3

type PostgresStore struct {
	db   postgres.DB
	arns ARNs
}

func NewPostgresStore(db postgres.DB, arns ARNs) *PostgresStore {
	return &PostgresStore{db: db, arns: arns}
}

func (s *PostgresStore) CreatePackageGroup(ctx context.Context, group domain.PackageGroup) (domain.PackageGroup, error) {
	if err := validateGroup(group); err != nil {
		return domain.PackageGroup{}, err
	}
	group.ARN = s.arns.Group(group.Name)
	if group.Tags == nil {
		group.Tags = map[string]string{}
	}
	tags, err := postgres.JSON(group.Tags)
	if err != nil {
		return domain.PackageGroup{}, fmt.Errorf("marshal tags: %w", err)
	}
	err = s.db.QueryRowContext(ctx, insertGroupQuery, group.Name, group.ARN, postgres.NullIfEmpty(group.Description), tags).Scan(&group.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return domain.PackageGroup{}, fmt.Errorf("package group %s: %w", group.Name, domain.ErrAlreadyExists)
		}
		return domain.PackageGroup{}, fmt.Errorf("insert package group: %w", err)
	}
	return group, nil
}

func (s *PostgresStore) GetPackageGroup(ctx context.Context, name string) (domain.PackageGroup, error) {
	var group domain.PackageGroup
	var tags []byte
	err := s.db.QueryRowContext(ctx, selectGroupQuery, name).Scan(&group.Name, &group.ARN, &group.Description, &tags, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PackageGroup{}, fmt.Errorf("package group %s: %w", name, domain.ErrNotFound)
		}
		return domain.PackageGroup{}, fmt.Errorf("select package group: %w", err)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &group.Tags); err != nil {
			return domain.PackageGroup{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return group, nil
}

func (s *PostgresStore) DeletePackageGroup(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, deleteGroupQuery, name)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return groupNotEmpty(name)
		}
		return fmt.Errorf("delete package group: %w", err)
	}
	return expectOne(res, "package group "+name)
}

func (s *PostgresStore) CreatePackage(ctx context.Context, pkg domain.Package) (domain.Package, error) {
	if err := validatePackage(pkg); err != nil {
		return domain.Package{}, err
	}
	contentTypes, err := postgres.JSON(nonNil(pkg.ContentTypes))
	if err != nil {
		return domain.Package{}, fmt.Errorf("marshal content types: %w", err)
	}
	instanceTypes, err := postgres.JSON(nonNil(pkg.InstanceTypes))
	if err != nil {
		return domain.Package{}, fmt.Errorf("marshal instance types: %w", err)
	}

	for attempt := 1; ; attempt++ {
		if err := s.db.QueryRowContext(ctx, nextVersionQuery, pkg.GroupName).Scan(&pkg.Version); err != nil {
			return domain.Package{}, fmt.Errorf("next package version: %w", err)
		}
		pkg.ARN = s.arns.Package(pkg.GroupName, pkg.Version)
		err = s.db.QueryRowContext(ctx, insertPackageQuery,
			pkg.ARN,
			pkg.GroupName,
			pkg.Version,
			string(pkg.ApprovalStatus),
			postgres.NullIfEmpty(pkg.Description),
			pkg.ModelDataURL,
			pkg.ImageURI,
			postgres.NullIfEmpty(pkg.EvaluationURI),
			postgres.NullIfEmpty(pkg.ProjectID),
			contentTypes,
			instanceTypes,
		).Scan(&pkg.CreatedAt)
		switch {
		case err == nil:
			return pkg, nil
		case postgres.IsForeignKeyViolation(err):
			return domain.Package{}, fmt.Errorf("package group %s: %w", pkg.GroupName, domain.ErrNotFound)
		case postgres.IsUniqueViolation(err) && attempt < createPackageAttempts:
			continue
		default:
			return domain.Package{}, fmt.Errorf("insert package: %w", err)
		}
	}
}

func (s *PostgresStore) ListApprovedPackages(ctx context.Context, groupName string, limit int) ([]domain.Package, error) {
	rows, err := s.db.QueryContext(ctx, listApprovedPackagesQuery, groupName, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var out []domain.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeletePackage(ctx context.Context, arn string) error {
	res, err := s.db.ExecContext(ctx, deletePackageQuery, arn)
	if err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	return expectOne(res, "package "+arn)
}

func scanPackage(row postgres.Scanner) (domain.Package, error) {
	var pkg domain.Package
	var status string
	var contentTypes, instanceTypes []byte
	if err := row.Scan(
		&pkg.ARN,
		&pkg.GroupName,
		&pkg.Version,
		&status,
		&pkg.Description,
		&pkg.ModelDataURL,
		&pkg.ImageURI,
		&pkg.EvaluationURI,
		&pkg.ProjectID,
		&contentTypes,
		&instanceTypes,
		&pkg.CreatedAt,
	); err != nil {
		return domain.Package{}, fmt.Errorf("scan package: %w", err)
	}
	pkg.ApprovalStatus = domain.PackageApprovalStatus(status)
	if err := decodeStrings(contentTypes, &pkg.ContentTypes); err != nil {
		return domain.Package{}, fmt.Errorf("decode content types: %w", err)
	}
	if err := decodeStrings(instanceTypes, &pkg.InstanceTypes); err != nil {
		return domain.Package{}, fmt.Errorf("decode instance types: %w", err)
	}
	return pkg, nil
}

func decodeStrings(raw []byte, dst *[]string) error {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
