package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	bad := cfg
	bad.MaxIdleConns = bad.MaxOpenConns + 1
	if err := bad.Validate(); err == nil {
		t.Fatalf("Validate() expected error when idle > open")
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	schema := Schema()
	for _, table := range []string{
		"pipeline_action_executions",
		"pipeline_job_results",
		"trigger_rules",
		"package_groups",
		"packages",
		"workflow_definitions",
		"workflow_executions",
		"audit_events",
	} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("schema missing table %s", table)
		}
	}
	if strings.Contains(schema, "CREATE TABLE "+"packages") {
		t.Fatalf("every CREATE TABLE must be IF NOT EXISTS")
	}
	if !strings.Contains(schema, "ON DELETE RESTRICT") {
		t.Fatalf("packages must restrict group deletion")
	}
}

func TestViolationClassifiers(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	fk := &pgconn.PgError{Code: "23503"}
	if !IsUniqueViolation(unique) || IsUniqueViolation(fk) {
		t.Fatalf("IsUniqueViolation misclassified")
	}
	if !IsForeignKeyViolation(fk) || IsForeignKeyViolation(errors.New("boom")) {
		t.Fatalf("IsForeignKeyViolation misclassified")
	}
}
