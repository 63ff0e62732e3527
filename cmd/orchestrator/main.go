package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/stackplane/orchestrator/internal/config"
	"github.com/stackplane/orchestrator/internal/dispatcher"
	"github.com/stackplane/orchestrator/internal/driver"
	"github.com/stackplane/orchestrator/internal/events"
	"github.com/stackplane/orchestrator/internal/handler"
	"github.com/stackplane/orchestrator/internal/invoker"
	"github.com/stackplane/orchestrator/internal/lock"
	"github.com/stackplane/orchestrator/internal/metrics"
	"github.com/stackplane/orchestrator/internal/registry"
	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/service"
	"github.com/stackplane/orchestrator/pkg/audit"
	"github.com/stackplane/orchestrator/pkg/health"
	"github.com/stackplane/orchestrator/pkg/logger"
	"github.com/stackplane/orchestrator/pkg/snowflake"
	"github.com/stackplane/orchestrator/pkg/tracing"
)

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)
	log.Infof("starting", map[string]interface{}{"httpPort": cfg.HTTPPort})

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("open database")
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.WithError(err).Error("ping database")
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Error("ping redis")
		os.Exit(1)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSample,
	})
	if err != nil {
		log.WithError(err).Error("init tracing")
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.WithError(err).Error("init id generator")
		os.Exit(1)
	}

	var auditLog audit.Logger = audit.NopLogger{}
	if cfg.AuditEnabled {
		dbAudit, err := audit.NewDBLogger(db)
		if err != nil {
			log.WithError(err).Error("init audit logger")
			os.Exit(1)
		}
		defer dbAudit.Close()
		auditLog = dbAudit
	}

	m := metrics.NewDefault()

	workflowRepo := repository.NewPostgresWorkflowRepository(db)
	sagaStore := repository.NewPostgresSagaStore(db)
	reg := registry.New(workflowRepo, log)
	locker := lock.NewRedisLocker(redisClient, "")
	publisher := events.NewRedisPublisher(redisClient, log)
	inv := invoker.NewHTTPInvoker(cfg.TargetEndpoints, sagaStore, log, m)

	drv := driver.New(reg, sagaStore, locker, inv, publisher, m, log, cfg.LockTTL)
	pool := dispatcher.New(drv, sagaStore, log, m, dispatcher.Config{
		Workers:   cfg.MaxConcurrent,
		QueueSize: cfg.QueueSize,
		ScanCron:  cfg.RecoveryScanCron,
	})
	if err := pool.Start(ctx); err != nil {
		log.WithError(err).Error("start dispatcher")
		os.Exit(1)
	}

	svc := service.New(reg, sagaStore, pool, ids, auditLog, m, log)

	hub := events.NewHub()
	go func() {
		if err := events.NewRelay(redisClient, hub, log).Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("event relay stopped")
		}
	}()

	checks := health.New()
	checks.Register(health.NewPostgresChecker(db))
	checks.Register(health.NewRedisChecker(redisPinger{client: redisClient}))
	checks.SetReady(true)

	mux := http.NewServeMux()
	handler.New(svc, hub, log).Register(mux)
	mux.HandleFunc("/health", checks.LiveHandler())
	mux.HandleFunc("/ready", checks.ReadyHandler())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: tracing.HTTPMiddleware(mux),
	}

	go func() {
		log.Infof("http server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	checks.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}

	// Interrupted sagas are re-driven by the next recovery scan.
	pool.Stop()
	cancel()
	log.Info("shutdown complete")
}
