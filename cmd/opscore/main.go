// Package main is the entry point for the ops-core service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opspawn/ops-core/internal/api"
	"github.com/opspawn/ops-core/internal/config"
	"github.com/opspawn/ops-core/internal/dispatch"
	"github.com/opspawn/ops-core/internal/lifecycle"
	"github.com/opspawn/ops-core/internal/queue"
	"github.com/opspawn/ops-core/internal/storage"
	"github.com/opspawn/ops-core/internal/tracing"
	"github.com/opspawn/ops-core/internal/validator"
	"github.com/opspawn/ops-core/internal/workflow"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting ops-core",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
		slog.String("storage_backend", cfg.StorageBackend),
		slog.String("dispatch_transport", cfg.DispatchTransport),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "ops-core",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing, continuing without export", slog.Any("error", err))
		tp = nil
	}

	store, q, closeStore := newStorage(ctx, cfg, logger)
	defer closeStore()

	lc := lifecycle.New(store, logger.With(slog.String("component", "lifecycle")))

	client, closeClient, err := newDispatchClient(cfg, lc)
	if err != nil {
		logger.Error("failed to create dispatch client", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeClient()

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", slog.Any("error", err))
		os.Exit(1)
	}

	engineCfg := workflow.DefaultConfig()
	engineCfg.SenderID = cfg.SenderID
	engineCfg.DefaultMaxRetries = cfg.DefaultMaxRetries
	engineCfg.Retry.InitialInterval = cfg.RetryBackoffInitial
	engineCfg.Retry.MaxInterval = cfg.RetryBackoffMax
	engineCfg.BusyRequeueDelay = cfg.BusyRequeueDelay

	engine, err := workflow.New(workflow.Deps{
		Store:     store,
		Queue:     q,
		Lifecycle: lc,
		Client:    client,
		Validator: v,
		Logger:    logger.With(slog.String("component", "workflow")),
	}, engineCfg)
	if err != nil {
		logger.Error("failed to create workflow engine", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("workflow engine initialized",
		slog.Int("default_max_retries", cfg.DefaultMaxRetries),
		slog.Duration("retry_backoff_initial", cfg.RetryBackoffInitial),
		slog.Int("max_concurrent_dispatches", cfg.MaxConcurrentDispatches),
	)

	runner := workflow.NewRunner(engine, workflow.RunnerConfig{
		PollInterval:    cfg.PollInterval,
		MaxDispatchRate: cfg.MaxDispatchRate,
		Workers:         1,
	}, logger.With(slog.String("component", "runner")))

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()

	handlers := api.NewHandlers(store, lc, engine, v, cfg, logger)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("dispatch runner did not stop before shutdown deadline")
	}

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// newStorage builds the record store and task queue. A Redis backend that
// cannot be reached falls back to the in-memory implementations.
func newStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, queue.Queue, func()) {
	if cfg.StorageBackend == "redis" {
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.Prefix = cfg.RedisPrefix

		client, err := storage.NewRedisClient(ctx, redisCfg)
		if err == nil {
			store := storage.NewRedisStoreFromClient(client, cfg.RedisPrefix)
			q := queue.NewRedisQueue(client, cfg.RedisPrefix)
			logger.Info("using Redis storage", slog.String("prefix", cfg.RedisPrefix))
			return store, q, func() {
				if err := store.Close(); err != nil {
					logger.Error("failed to close Redis client", slog.Any("error", err))
				}
			}
		}
		logger.Error("failed to connect to Redis, falling back to memory storage", slog.Any("error", err))
	}

	logger.Info("using in-memory storage")
	q := queue.NewMemoryQueue()
	return storage.NewMemoryStore(), q, func() { _ = q.Close() }
}

// newDispatchClient builds the agent transport named by the configuration,
// bounded by the dispatch timeout and concurrency limit.
func newDispatchClient(cfg *config.Config, agents dispatch.AgentLookup) (dispatch.Client, func(), error) {
	var (
		inner   dispatch.Client
		closeFn = func() {}
	)

	switch cfg.DispatchTransport {
	case "nats":
		nc, err := dispatch.NewNATSClient(dispatch.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		inner = nc
		closeFn = func() { _ = nc.Close() }
	default:
		inner = dispatch.NewHTTPClient(agents, nil)
	}

	return dispatch.NewBounded(inner, cfg.MaxConcurrentDispatches, cfg.DispatchTimeout), closeFn, nil
}
