package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/postgres"
)

// Store persists definitions and executions.
type Store interface {
	CreateDefinition(ctx context.Context, name string, def Definition) error
	UpdateDefinition(ctx context.Context, name string, def Definition) error
	GetDefinition(ctx context.Context, name string) (Definition, int, error)
	CreateExecution(ctx context.Context, exec domain.WorkflowExecution) error
	FinishExecution(ctx context.Context, exec domain.WorkflowExecution) error
	GetExecution(ctx context.Context, executionID string) (domain.WorkflowExecution, error)
	// FindExecution looks an execution up by its per-workflow name.
	FindExecution(ctx context.Context, workflowName, name string) (domain.WorkflowExecution, error)
}

const (
	insertDefinitionQuery = `INSERT INTO workflow_definitions (name, definition, revision, created_at, updated_at)
	 VALUES ($1, $2, 1, now(), now())`

	updateDefinitionQuery = `UPDATE workflow_definitions
	 SET definition = $2, revision = revision + 1, updated_at = now()
	 WHERE name = $1`

	selectDefinitionQuery = `SELECT definition, revision FROM workflow_definitions WHERE name = $1`

	insertExecutionQuery = `INSERT INTO workflow_executions (
		execution_id,
		workflow_name,
		name,
		input,
		status,
		started_at
	) VALUES ($1,$2,$3,$4,$5,$6)`

	finishExecutionQuery = `UPDATE workflow_executions
	 SET status = $2, terminal_state = $3, error = $4, cause = $5, output = $6, finished_at = $7
	 WHERE execution_id = $1`

	executionColumns = `execution_id, workflow_name, name, input, status,
	 COALESCE(terminal_state,''), COALESCE(error,''), COALESCE(cause,''), output, started_at, finished_at`

	selectExecutionQuery = `SELECT ` + executionColumns + `
	 FROM workflow_executions
	 WHERE execution_id = $1`

	selectExecutionByNameQuery = `SELECT ` + executionColumns + `
	 FROM workflow_executions
	 WHERE workflow_name = $1 AND name = $2`
)

type PostgresStore struct {
	db postgres.DB
}

func NewPostgresStore(db postgres.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateDefinition(ctx context.Context, name string, def Definition) error {
	doc, err := postgres.JSON(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertDefinitionQuery, name, doc); err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("workflow %s: %w", name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDefinition(ctx context.Context, name string, def Definition) error {
	doc, err := postgres.JSON(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx, updateDefinitionQuery, name, doc)
	if err != nil {
		return fmt.Errorf("update workflow definition: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("workflow %s: %w", name, domain.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetDefinition(ctx context.Context, name string) (Definition, int, error) {
	var (
		doc      []byte
		revision int
	)
	if err := s.db.QueryRowContext(ctx, selectDefinitionQuery, name).Scan(&doc, &revision); err != nil {
		return Definition{}, 0, fmt.Errorf("workflow %s: %w", name, postgres.MapNoRows(err, domain.ErrNotFound))
	}
	var def Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return Definition{}, 0, fmt.Errorf("decode workflow %s: %w", name, err)
	}
	return def, revision, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec domain.WorkflowExecution) error {
	input, err := postgres.JSON(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertExecutionQuery,
		exec.ID,
		exec.WorkflowName,
		exec.Name,
		input,
		string(exec.Status),
		exec.StartedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("execution %s/%s: %w", exec.WorkflowName, exec.Name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert workflow execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishExecution(ctx context.Context, exec domain.WorkflowExecution) error {
	output, err := postgres.JSON(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, finishExecutionQuery,
		exec.ID,
		string(exec.Status),
		postgres.NullIfEmpty(exec.TerminalState),
		postgres.NullIfEmpty(exec.Error),
		postgres.NullIfEmpty(exec.Cause),
		output,
		exec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update workflow execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("execution %s: %w", exec.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (domain.WorkflowExecution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, selectExecutionQuery, executionID))
	if err != nil {
		return domain.WorkflowExecution{}, fmt.Errorf("execution %s: %w", executionID, err)
	}
	return exec, nil
}

func (s *PostgresStore) FindExecution(ctx context.Context, workflowName, name string) (domain.WorkflowExecution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, selectExecutionByNameQuery, workflowName, name))
	if err != nil {
		return domain.WorkflowExecution{}, fmt.Errorf("execution %s/%s: %w", workflowName, name, err)
	}
	return exec, nil
}

func scanExecution(row *sql.Row) (domain.WorkflowExecution, error) {
	var (
		exec     domain.WorkflowExecution
		status   string
		input    []byte
		output   []byte
		finished sql.NullTime
	)
	err := row.Scan(
		&exec.ID,
		&exec.WorkflowName,
		&exec.Name,
		&input,
		&status,
		&exec.TerminalState,
		&exec.Error,
		&exec.Cause,
		&output,
		&exec.StartedAt,
		&finished,
	)
	if err != nil {
		return domain.WorkflowExecution{}, postgres.MapNoRows(err, domain.ErrNotFound)
	}
	exec.Status = domain.WorkflowStatus(status)
	if err := json.Unmarshal(input, &exec.Input); err != nil {
		return domain.WorkflowExecution{}, fmt.Errorf("decode input: %w", err)
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &exec.Output); err != nil {
			return domain.WorkflowExecution{}, fmt.Errorf("decode output: %w", err)
		}
	}
	if finished.Valid {
		t := finished.Time
		exec.FinishedAt = &t
	}
	return exec, nil
}

// MemoryStore keeps definitions and executions in process.
type MemoryStore struct {
	mu          sync.Mutex
	definitions map[string]memoryDefinition
	executions  map[string]domain.WorkflowExecution
}

type memoryDefinition struct {
	def      Definition
	revision int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: map[string]memoryDefinition{},
		executions:  map[string]domain.WorkflowExecution{},
	}
}

func (m *MemoryStore) CreateDefinition(ctx context.Context, name string, def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[name]; ok {
		return fmt.Errorf("workflow %s: %w", name, domain.ErrAlreadyExists)
	}
	m.definitions[name] = memoryDefinition{def: def, revision: 1}
	return nil
}

func (m *MemoryStore) UpdateDefinition(ctx context.Context, name string, def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.definitions[name]
	if !ok {
		return fmt.Errorf("workflow %s: %w", name, domain.ErrNotFound)
	}
	m.definitions[name] = memoryDefinition{def: def, revision: cur.revision + 1}
	return nil
}

func (m *MemoryStore) GetDefinition(ctx context.Context, name string) (Definition, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.definitions[name]
	if !ok {
		return Definition{}, 0, fmt.Errorf("workflow %s: %w", name, domain.ErrNotFound)
	}
	return cur.def, cur.revision, nil
}

func (m *MemoryStore) CreateExecution(ctx context.Context, exec domain.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.WorkflowName == exec.WorkflowName && e.Name == exec.Name {
			return fmt.Errorf("execution %s/%s: %w", exec.WorkflowName, exec.Name, domain.ErrAlreadyExists)
		}
	}
	m.executions[exec.ID] = exec
	return nil
}

func (m *MemoryStore) FinishExecution(ctx context.Context, exec domain.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, domain.ErrNotFound)
	}
	m.executions[exec.ID] = exec
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, executionID string) (domain.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return domain.WorkflowExecution{}, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
	}
	return exec, nil
}

func (m *MemoryStore) FindExecution(ctx context.Context, workflowName, name string) (domain.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.WorkflowName == workflowName && e.Name == name {
			return e, nil
		}
	}
	return domain.WorkflowExecution{}, fmt.Errorf("execution %s/%s: %w", workflowName, name, domain.ErrNotFound)
}
