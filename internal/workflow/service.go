package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/metrics"
)

// abortGrace bounds how long Shutdown waits for aborted executions to record
// their failure.
const abortGrace = 5 * time.Second

// DefaultSettleDelay bounds how long a definition update may take to become
// visible to new executions.
const DefaultSettleDelay = 60 * time.Second

// Deployer creates or updates a named definition.
type Deployer struct {
	Store  Store
	Settle time.Duration
	Logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// Deploy creates the definition. When it already exists the definition is
// updated in place and Deploy waits for the settle delay before returning,
// so an execution started afterwards sees the new revision.
func (d *Deployer) Deploy(ctx context.Context, name string, def Definition) (int, error) {
	if err := def.Validate(); err != nil {
		return 0, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	err := d.Store.CreateDefinition(ctx, name, def)
	switch {
	case err == nil:
		logger.Info("workflow created", "workflow", name)
		return 1, nil
	case !errors.Is(err, domain.ErrAlreadyExists):
		return 0, fmt.Errorf("create workflow %s: %w", name, err)
	}

	logger.Info("workflow exists, updating definition", "workflow", name)
	if err := d.Store.UpdateDefinition(ctx, name, def); err != nil {
		return 0, fmt.Errorf("update workflow %s: %w", name, err)
	}
	sleep := d.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	if err := sleep(ctx, d.Settle); err != nil {
		return 0, err
	}
	_, revision, err := d.Store.GetDefinition(ctx, name)
	if err != nil {
		return 0, err
	}
	return revision, nil
}

// Service starts executions of stored definitions.
type Service struct {
	engine  *Engine
	store   Store
	logger  *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
	wg      sync.WaitGroup

	stopping context.Context
	abort    context.CancelFunc
}

func NewService(engine *Engine, store Store, logger *slog.Logger, reg *metrics.Registry) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	stopping, abort := context.WithCancel(context.Background())
	return &Service{
		engine:   engine,
		store:    store,
		logger:   logger.With("component", "workflow"),
		metrics:  reg,
		now:      time.Now,
		stopping: stopping,
		abort:    abort,
	}
}

// Begin records a RUNNING execution. A name already used for the workflow is
// ErrAlreadyExists.
func (s *Service) Begin(ctx context.Context, workflowName, name string, input map[string]any) (domain.WorkflowExecution, Definition, error) {
	if strings.TrimSpace(name) == "" {
		return domain.WorkflowExecution{}, Definition{}, fmt.Errorf("execution name is required: %w", domain.ErrConfiguration)
	}
	def, _, err := s.store.GetDefinition(ctx, workflowName)
	if err != nil {
		return domain.WorkflowExecution{}, Definition{}, err
	}
	if err := s.engine.CheckResources(def); err != nil {
		return domain.WorkflowExecution{}, Definition{}, err
	}
	exec := domain.WorkflowExecution{
		ID:           uuid.NewString(),
		WorkflowName: workflowName,
		Name:         name,
		Input:        input,
		Status:       domain.WorkflowRunning,
		StartedAt:    s.now().UTC(),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return domain.WorkflowExecution{}, Definition{}, err
	}
	return exec, def, nil
}

// Complete runs exec to a terminal state and persists the outcome.
func (s *Service) Complete(ctx context.Context, exec domain.WorkflowExecution, def Definition) (domain.WorkflowExecution, error) {
	log := s.logger.With("workflow", exec.WorkflowName, "execution_id", exec.ID, "name", exec.Name)
	log.Info("workflow execution started")

	res := s.engine.Execute(ctx, def, exec.Input)
	finished := s.now().UTC()
	exec.Status = res.Status
	exec.TerminalState = res.TerminalState
	exec.Error = res.Error
	exec.Cause = res.Cause
	exec.Output = res.Output
	exec.FinishedAt = &finished

	s.metrics.WorkflowFinished(exec.WorkflowName, string(exec.Status))
	if exec.Status == domain.WorkflowSucceeded {
		log.Info("workflow execution succeeded", "terminal_state", exec.TerminalState)
	} else {
		log.Warn("workflow execution failed", "terminal_state", exec.TerminalState, "error", exec.Error, "cause", exec.Cause)
	}
	if err := s.store.FinishExecution(context.WithoutCancel(ctx), exec); err != nil {
		return exec, fmt.Errorf("persist execution %s: %w", exec.ID, err)
	}
	return exec, nil
}

// Run starts an execution and waits for it.
func (s *Service) Run(ctx context.Context, workflowName, name string, input map[string]any) (domain.WorkflowExecution, error) {
	exec, def, err := s.Begin(ctx, workflowName, name, input)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	return s.Complete(ctx, exec, def)
}

// Start records the execution and runs it in the background. Wait blocks
// until every background execution has finished.
func (s *Service) Start(ctx context.Context, workflowName, name string, input map[string]any) (domain.WorkflowExecution, error) {
	exec, def, err := s.Begin(ctx, workflowName, name, input)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.stopping, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		if _, err := s.Complete(bg, exec, def); err != nil {
			s.logger.Error("workflow execution not persisted", "execution_id", exec.ID, "error", err)
		}
	}()
	return exec, nil
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown waits for background executions until ctx is done, then aborts
// the rest so each one still records a terminal state.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	s.logger.Warn("aborting running workflow executions")
	s.abort()
	select {
	case <-done:
	case <-time.After(abortGrace):
		s.logger.Error("workflow executions did not stop after abort")
	}
	return ctx.Err()
}

func (s *Service) Get(ctx context.Context, executionID string) (domain.WorkflowExecution, error) {
	return s.store.GetExecution(ctx, executionID)
}

// Find returns the execution of workflowName called name.
func (s *Service) Find(ctx context.Context, workflowName, name string) (domain.WorkflowExecution, error) {
	return s.store.FindExecution(ctx, workflowName, name)
}
