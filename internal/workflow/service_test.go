package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stagegate/stagegate/internal/domain"
)

func TestDeployer_CreateThenUpdateWaitsToSettle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var slept []time.Duration
	d := &Deployer{Store: store, Settle: 5 * time.Second, sleep: func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}}

	rev, err := d.Deploy(ctx, "abalone-system-test", thresholdDefinition(1))
	if err != nil || rev != 1 {
		t.Fatalf("Deploy() rev=%d err=%v", rev, err)
	}
	if len(slept) != 0 {
		t.Fatalf("create must not wait, slept=%v", slept)
	}

	rev, err = d.Deploy(ctx, "abalone-system-test", thresholdDefinition(2))
	if err != nil || rev != 2 {
		t.Fatalf("Deploy() rev=%d err=%v", rev, err)
	}
	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Fatalf("slept=%v", slept)
	}
	def, _, err := store.GetDefinition(ctx, "abalone-system-test")
	if err != nil {
		t.Fatalf("GetDefinition() err=%v", err)
	}
	if *def.States["Check"].Choices[0].NumericLessThan != 2 {
		t.Fatalf("definition not updated")
	}
}

func TestDeployer_RejectsInvalidDefinition(t *testing.T) {
	d := &Deployer{Store: NewMemoryStore()}
	if _, err := d.Deploy(context.Background(), "wf", Definition{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("Deploy() err=%v", err)
	}
}

func TestService_RunPersistsOutcomeAndRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateDefinition(ctx, "wf", thresholdDefinition(1)); err != nil {
		t.Fatalf("CreateDefinition() err=%v", err)
	}
	engine := NewEngine(nil)
	engine.Register("score", scoreTask(0.5))
	svc := NewService(engine, store, nil, nil)

	exec, err := svc.Run(ctx, "wf", "abalone-baseline-exec-1", map[string]any{"ModelName": "abalone"})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if exec.Status != domain.WorkflowSucceeded || exec.TerminalState != "Below" || exec.FinishedAt == nil {
		t.Fatalf("exec=%+v", exec)
	}
	stored, err := svc.Get(ctx, exec.ID)
	if err != nil || stored.Status != domain.WorkflowSucceeded {
		t.Fatalf("Get()=%+v err=%v", stored, err)
	}

	if _, err := svc.Run(ctx, "wf", "abalone-baseline-exec-1", nil); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("Run() duplicate err=%v", err)
	}
}

func TestService_StartRunsInBackground(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateDefinition(ctx, "wf", thresholdDefinition(1)); err != nil {
		t.Fatalf("CreateDefinition() err=%v", err)
	}
	engine := NewEngine(nil)
	engine.Register("score", scoreTask(5))
	svc := NewService(engine, store, nil, nil)

	exec, err := svc.Start(ctx, "wf", "run-1", map[string]any{})
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	if exec.Status != domain.WorkflowRunning {
		t.Fatalf("status=%s", exec.Status)
	}
	svc.Wait()
	stored, err := svc.Get(ctx, exec.ID)
	if err != nil || stored.Status != domain.WorkflowFailed || stored.TerminalState != "Above" {
		t.Fatalf("Get()=%+v err=%v", stored, err)
	}
}

func TestService_UnregisteredResource(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateDefinition(ctx, "wf", thresholdDefinition(1)); err != nil {
		t.Fatalf("CreateDefinition() err=%v", err)
	}
	svc := NewService(NewEngine(nil), store, nil, nil)
	if _, err := svc.Run(ctx, "wf", "run-1", nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("Run() err=%v", err)
	}
}

func TestService_ShutdownAbortsRunningExecutions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateDefinition(ctx, "wf", thresholdDefinition(1)); err != nil {
		t.Fatalf("CreateDefinition() err=%v", err)
	}
	started := make(chan struct{})
	engine := NewEngine(nil)
	engine.Register("score", func(ctx context.Context, input map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svc := NewService(engine, store, nil, nil)

	exec, err := svc.Start(ctx, "wf", "run-1", map[string]any{})
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := svc.Shutdown(stopCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() err=%v", err)
	}
	stored, err := svc.Get(ctx, exec.ID)
	if err != nil || stored.Status != domain.WorkflowFailed || stored.FinishedAt == nil {
		t.Fatalf("Get()=%+v err=%v", stored, err)
	}
}

func TestService_ShutdownWaitsForCompletion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateDefinition(ctx, "wf", thresholdDefinition(1)); err != nil {
		t.Fatalf("CreateDefinition() err=%v", err)
	}
	engine := NewEngine(nil)
	engine.Register("score", scoreTask(0.5))
	svc := NewService(engine, store, nil, nil)

	exec, err := svc.Start(ctx, "wf", "run-1", map[string]any{})
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() err=%v", err)
	}
	stored, err := svc.Get(ctx, exec.ID)
	if err != nil || stored.Status != domain.WorkflowSucceeded {
		t.Fatalf("Get()=%+v err=%v", stored, err)
	}
}
