// Package main runs the switchboard plugin's control-plane process:
// background loops (vacuum, metrics, registry self-registration) plus
// the HTTP control surface, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowmesh/switchboard/config"
	"github.com/flowmesh/switchboard/internal/audit"
	"github.com/flowmesh/switchboard/internal/control"
	"github.com/flowmesh/switchboard/internal/metrics"
	"github.com/flowmesh/switchboard/internal/recorder"
	"github.com/flowmesh/switchboard/internal/registry"
	"github.com/flowmesh/switchboard/internal/relay"
	"github.com/flowmesh/switchboard/internal/switchboard"
	"github.com/flowmesh/switchboard/internal/upload"
	"github.com/flowmesh/switchboard/internal/vacuum"
	"github.com/flowmesh/switchboard/pkg/database"
	"github.com/flowmesh/switchboard/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	var ledger *audit.Ledger
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		ledger = audit.New(pool)
	} else {
		logger.Warn("audit ledger disabled: no database url configured")
		ledger = audit.New(nil)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	} else {
		logger.Warn("metrics redis publishing disabled: no redis addr configured")
	}

	events := control.NewEventQueue(0)

	sb := switchboard.New(switchboard.Config{
		MaxSessionsPerAgent: cfg.Switchboard.MaxSessionsPerAgent,
		DefaultVideoBitrate: cfg.ConstraintWriter.DefaultVideoBitrate,
		MaxVideoREMB:        cfg.ConstraintWriter.MaxVideoREMB,
	}, nil, logger)

	pool := relay.NewPool(4, nil, events, logger)
	defer pool.Stop()

	recorderWorker := recorder.New(logger)
	go recorderWorker.Run()

	uploadBackends := make([]upload.Backend, 0, len(cfg.Upload.Backends))
	for _, name := range cfg.Upload.Backends {
		switch name {
		case "shell":
			uploadBackends = append(uploadBackends, upload.NewShellBackend(name, cfg.Upload.ShellCmd, cfg.Upload.ShellArgs, cfg.Upload.ShellTimeout, logger))
		case "s3":
			s3Backend, err := upload.NewS3Backend(ctx, name, upload.S3Config{
				Region:          cfg.Upload.S3Region,
				AccessKeyID:     cfg.Upload.S3AccessKeyID,
				SecretAccessKey: cfg.Upload.S3SecretAccessKey,
			}, logger)
			if err != nil {
				logger.Warn("s3 upload backend disabled", zap.Error(err))
				continue
			}
			uploadBackends = append(uploadBackends, s3Backend)
		default:
			logger.Warn("unknown upload backend configured, skipping", zap.String("backend", name))
		}
	}
	uploads := upload.NewRegistry(uploadBackends...)

	var retryQueue *upload.RetryQueue
	if rdb != nil {
		retryQueue = upload.NewRetryQueue(rdb.Client, logger)
		retryWorker := upload.NewWorker(retryQueue, uploads, logger)
		retryCtx, retryCancel := context.WithCancel(context.Background())
		defer retryCancel()
		go retryWorker.Run(retryCtx)
	} else {
		logger.Warn("upload retry queue disabled: no redis addr configured")
	}

	vacuumLoop := vacuum.New(sb, vacuum.Config{
		Interval:         cfg.General.VacuumInterval,
		SessionsTTL:      cfg.General.SessionsTTL,
		PublisherTimeout: cfg.General.SessionsTTL,
	}, logger)
	vacuumCtx, vacuumCancel := context.WithCancel(context.Background())
	defer vacuumCancel()
	go vacuumLoop.Run(vacuumCtx)

	sampler := metrics.New(sb, recorderWorker, redisClientOrNil(rdb), cfg.Metrics.SwitchboardMetricsLoadInterval, cfg.Metrics.RecordersMetricsLoadInterval, logger)
	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	defer metricsCancel()
	go sampler.Run(metricsCtx)

	metricsSrv := &http.Server{Addr: cfg.Metrics.BindAddr, Handler: sampler.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	registrar := registry.New(registry.Config{
		ConferenceURL: cfg.Registry.ConferenceURL,
		Description:   cfg.Registry.Description,
		Token:         cfg.Registry.Token,
		Capacity:      cfg.Registry.Capacity,
		Group:         cfg.Registry.Group,
		URL:           cfg.Registry.URL,
		AgentID:       cfg.Registry.AgentID,
	}, logger)
	registryCtx, registryCancel := context.WithCancel(context.Background())
	defer registryCancel()
	go func() {
		if err := registrar.Register(registryCtx); err != nil {
			logger.Warn("registry registration stopped", zap.Error(err))
		}
	}()

	handlers := control.NewHandlers(control.Config{
		RecordsRoot:         cfg.Recordings.Directory,
		DeleteRecords:       cfg.Recordings.DeleteRecords,
		DefaultVideoBitrate: cfg.ConstraintWriter.DefaultVideoBitrate,
		MaxVideoREMB:        cfg.ConstraintWriter.MaxVideoREMB,
		FIRInterval:         cfg.General.FIRInterval,
		PollTimeout:         30 * time.Second,
	}, sb, pool, uploads, ledger, events, logger)
	if retryQueue != nil {
		handlers.SetRetryQueue(retryQueue)
	}

	router := control.NewRouter(handlers, cfg.Auth.CORSOrigins, cfg.Auth.BearerSecret, logger)
	srv := &http.Server{
		Addr:    cfg.General.HealthCheckAddr,
		Handler: router,
	}

	go func() {
		logger.Info("control surface listening", zap.String("addr", cfg.General.HealthCheckAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	vacuumCancel()
	metricsCancel()
	registryCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func redisClientOrNil(c *redis.Client) *goredis.Client {
	if c == nil {
		return nil
	}
	return c.Client
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := cfg.Build()
	return logger
}
