package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stagegate/stagegate/internal/endpoint"
	"github.com/stagegate/stagegate/internal/jobrunner"
	"github.com/stagegate/stagegate/internal/platform/auditlog"
	"github.com/stagegate/stagegate/internal/platform/auth"
	"github.com/stagegate/stagegate/internal/platform/httpserver"
	"github.com/stagegate/stagegate/internal/platform/k8s"
	"github.com/stagegate/stagegate/internal/platform/metrics"
	"github.com/stagegate/stagegate/internal/platform/objectstore"
	"github.com/stagegate/stagegate/internal/platform/postgres"
	"github.com/stagegate/stagegate/internal/provisioning"
	"k8s.io/client-go/kubernetes"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	reg := metrics.New()
	checks := []httpserver.ReadinessCheck{}

	var st stores
	var db *sql.DB
	switch cfg.Storage {
	case storagePostgres:
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		st = postgresStores(db, cfg.ARNs)
		checks = append(checks, httpserver.ReadinessCheck{Name: "postgres", Check: postgres.Check(db)})
	default:
		logger.Warn("using in-memory storage; state is lost on restart")
		st = memoryStores(cfg.ARNs)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	objects, err := objectstore.New(ctx, storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	buckets := append(cfg.buckets(), storeCfg.Buckets...)
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, objects, buckets...); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	checks = append(checks, httpserver.ReadinessCheck{
		Name:    "objectstore",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			return objectstore.CheckBuckets(ctx, objects, buckets...)
		},
	})

	runnerCfg, err := jobrunner.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid job runner config", "error", err)
		os.Exit(2)
	}
	var client kubernetes.Interface
	namespace := ""
	if runnerCfg.Driver == jobrunner.DriverKubernetes {
		k8sCfg, err := k8s.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid kubernetes config", "error", err)
			os.Exit(2)
		}
		client, err = k8s.NewClientset(k8sCfg)
		if err != nil {
			logger.Error("k8s client init failed", "error", err)
			os.Exit(2)
		}
		namespace = k8sCfg.Namespace
	}
	baseRunner, err := jobrunner.New(runnerCfg, client, namespace)
	if err != nil {
		logger.Error("job runner init failed", "error", err)
		os.Exit(2)
	}
	runner := jobrunner.NewBreaker(baseRunner, jobrunner.BreakerOptions{
		MaxFailures:   runnerCfg.BreakerFailures,
		OpenTimeout:   30 * time.Second,
		StatusRetries: 2,
		RetryBackoff:  time.Second,
		Logger:        logger,
		Metrics:       reg,
	})

	endpointCfg, err := endpoint.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid endpoint config", "error", err)
		os.Exit(2)
	}
	invoker, err := endpoint.NewClient(ctx, endpointCfg, reg)
	if err != nil {
		logger.Error("endpoint client init failed", "error", err)
		os.Exit(2)
	}

	api, err := newOrchestratorAPI(ctx, logger, cfg, st, collaborators{
		objects:  objects,
		runner:   runner,
		endpoint: invoker,
		sender:   provisioning.NewHTTPSender(cfg.CallbackTimeout),
		metrics:  reg,
	})
	if err != nil {
		logger.Error("component init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	mux.Handle("/metrics", reg.Handler())
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit:         auditlog.AuthDenyFunc(st.audit, serviceName),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(mux)

	api.scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := api.shutdown(stopCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if err := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         serviceName,
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, httpserver.Wrap(logger, serviceName, handler)); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
