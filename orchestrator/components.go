package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stagegate/stagegate/internal/controlplane"
	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/endpoint"
	"github.com/stagegate/stagegate/internal/jobrunner"
	"github.com/stagegate/stagegate/internal/launcher"
	"github.com/stagegate/stagegate/internal/monitor"
	"github.com/stagegate/stagegate/internal/platform/auditlog"
	"github.com/stagegate/stagegate/internal/platform/metrics"
	"github.com/stagegate/stagegate/internal/platform/objectstore"
	"github.com/stagegate/stagegate/internal/platform/postgres"
	"github.com/stagegate/stagegate/internal/provisioning"
	"github.com/stagegate/stagegate/internal/registry"
	"github.com/stagegate/stagegate/internal/systemtest"
	"github.com/stagegate/stagegate/internal/trigger"
	"github.com/stagegate/stagegate/internal/workflow"
)

// stores groups the persistent state of the daemon.
type stores struct {
	control   controlplane.Admin
	triggers  trigger.RuleStore
	registry  registry.Registry
	workflows workflow.Store
	audit     auditlog.Recorder
}

func postgresStores(db postgres.DB, arns registry.ARNs) stores {
	return stores{
		control:   controlplane.NewStore(db, controlplane.DefaultLayout()),
		triggers:  trigger.NewPostgresStore(db),
		registry:  registry.NewPostgresStore(db, arns),
		workflows: workflow.NewPostgresStore(db),
		audit:     auditlog.DBRecorder{DB: db},
	}
}

func memoryStores(arns registry.ARNs) stores {
	return stores{
		control:   controlplane.NewMemory(controlplane.DefaultLayout()),
		triggers:  trigger.NewMemoryStore(),
		registry:  registry.NewMemoryStore(arns),
		workflows: workflow.NewMemoryStore(),
		audit:     auditlog.Nop{},
	}
}

// collaborators are the outbound clients the stage components call.
type collaborators struct {
	objects  objectstore.Store
	runner   jobrunner.Runner
	endpoint endpoint.Invoker
	sender   provisioning.Sender
	metrics  *metrics.Registry
}

// newOrchestratorAPI builds every stage component and registers the
// completion monitors with the scheduler. The scheduler is not started.
func newOrchestratorAPI(ctx context.Context, logger *slog.Logger, cfg serviceConfig, st stores, c collaborators) (*orchestratorAPI, error) {
	scheduler := trigger.NewScheduler(st.triggers, logger, c.metrics)

	api := &orchestratorAPI{
		logger:    logger.With("component", "api"),
		control:   st.control,
		launchers: map[domain.JobKind]*launcher.Launcher{},
		monitors:  map[domain.JobKind]*monitor.Monitor{},
		scheduler: scheduler,
		audit:     st.audit,
	}

	stages := []struct {
		launch  launcher.Profile
		monitor monitor.Profile
	}{
		{launcher.ETLProfile(), monitor.ETLProfile()},
		{launcher.TrainingProfile(), monitor.TrainingProfile()},
	}
	for _, stage := range stages {
		m, err := monitor.New(stage.monitor, monitor.Config{
			PipelineName: cfg.Launcher.PipelineName,
			ModelName:    cfg.Launcher.ModelName,
		}, monitor.Deps{
			Control: st.control,
			Runner:  c.runner,
			Trigger: scheduler,
			Audit:   st.audit,
			Logger:  logger,
			Metrics: c.metrics,
		})
		if err != nil {
			return nil, err
		}
		if err := scheduler.Register(ctx, m.TriggerName(), cfg.Trigger.MonitorSchedule, m.Run); err != nil {
			return nil, fmt.Errorf("register %s: %w", m.TriggerName(), err)
		}
		l, err := launcher.New(stage.launch, cfg.Launcher, launcher.Deps{
			Control: st.control,
			Store:   c.objects,
			Runner:  c.runner,
			Trigger: scheduler,
			Audit:   st.audit,
			Logger:  logger,
			Metrics: c.metrics,
		})
		if err != nil {
			return nil, err
		}
		api.monitors[m.Kind()] = m
		api.launchers[l.Kind()] = l
	}

	engine := workflow.NewEngine(logger)
	tasks := &systemtest.Tasks{
		Store:           c.objects,
		Endpoint:        c.endpoint,
		Runner:          c.runner,
		Registry:        st.registry,
		Logger:          logger,
		PollInterval:    cfg.SystemTest.PollInterval,
		BaselineTimeout: cfg.SystemTest.BaselineTimeout,
	}
	tasks.Register(engine)
	service := workflow.NewService(engine, st.workflows, logger, c.metrics)
	deployer := &workflow.Deployer{Store: st.workflows, Settle: cfg.SystemTest.SettleDelay, Logger: logger}
	harness, err := systemtest.NewHarness(cfg.SystemTest, st.control, deployer, service, logger)
	if err != nil {
		return nil, err
	}
	api.harness = harness
	api.workflows = service

	handler, err := provisioning.NewHandler(cfg.Provisioning, st.registry, c.sender, logger, c.metrics)
	if err != nil {
		return nil, err
	}
	api.provisioning = handler
	return api, nil
}
