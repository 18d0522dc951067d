package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/agents"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/circuitbreaker"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/config"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/db"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/httpapi"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/invoker"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/orchestrator"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/store"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/streaming"
)

func main() {
	configPath := flag.String("config", "", "path to orchestrator.yaml (defaults to CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Session store: Redis when configured, in-memory otherwise.
	var repo store.Repository
	var redisStore *store.Redis
	if cfg.Redis.Enabled {
		redisStore, err = store.NewRedis(store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, logger)
		if err != nil {
			logger.Warn("Redis unavailable, falling back to in-memory store", zap.Error(err))
			repo = store.NewMemory()
		} else {
			repo = redisStore
			defer redisStore.Close()
		}
	} else {
		repo = store.NewMemory()
		logger.Info("Using in-memory session store")
	}

	// Audit trail: optional Postgres writer.
	var audit orchestrator.Auditor
	if cfg.Database.Enabled {
		writer, err := db.NewWriter(&db.Config{
			DSN:       cfg.Database.DSN,
			QueueSize: cfg.Database.QueueSize,
			Workers:   cfg.Database.Workers,
		}, logger)
		if err != nil {
			logger.Warn("Audit database unavailable, continuing without audit trail", zap.Error(err))
		} else {
			audit = writer
			defer writer.Close()
		}
	}

	stream := streaming.NewManager(cfg.Streaming.RingCapacity)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxRequests:      cfg.Breaker.MaxRequests,
		Interval:         cfg.Breaker.Interval,
		Cooldown:         cfg.Breaker.Cooldown,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, nil, logger)

	inv := invoker.New(agents.DefaultRegistry(), breakers, invoker.Config{
		BackoffBase: cfg.Invoker.BackoffBase,
		BackoffCap:  cfg.Invoker.BackoffCap,
	}, logger)

	engine := orchestrator.New(orchestrator.Options{
		Store:   repo,
		Invoker: inv,
		Stream:  stream,
		Audit:   audit,
		Logger:  logger,
		Workflow: orchestrator.WorkflowOptions{
			MaxHITLRounds:         cfg.Workflow.MaxHITLRounds,
			HumanResponseDeadline: cfg.Workflow.HumanResponseDeadline,
			SessionTTL:            cfg.Session.TTL,
			TaskTimeout:           cfg.Invoker.DefaultTimeout,
			TaskRetries:           cfg.Invoker.MaxRetries,
		},
	})
	defer engine.Shutdown()

	// Hot-reload watcher: config edits are logged; a restart applies them.
	if *configPath != "" {
		if watcher, err := config.NewWatcher(*configPath, logger); err == nil {
			watcher.OnReload(func(next *config.Config) error {
				logger.Info("Configuration file changed, restart to apply",
					zap.Int("max_hitl_rounds", next.Workflow.MaxHITLRounds),
				)
				return nil
			})
			if err := watcher.Start(); err != nil {
				logger.Warn("Config watcher failed to start", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}
	}

	// Metrics endpoint.
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// API server.
	api := httpapi.NewServer(engine, stream, httpapi.Config{
		RateRPS:   cfg.RateLimit.RPS,
		RateBurst: cfg.RateLimit.Burst,
	}, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
	}
	go func() {
		logger.Info("Compliance orchestrator listening", zap.Int("port", cfg.Service.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Service.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown error", zap.Error(err))
	}
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if lc.Encoding != "" {
		zc.Encoding = lc.Encoding
	}
	if lc.Level != "" {
		lvl, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}
