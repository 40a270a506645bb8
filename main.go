package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fathomlab/fathom/internal/activities"
	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/httpapi"
	"github.com/fathomlab/fathom/internal/provider"
	"github.com/fathomlab/fathom/internal/streaming"
	tlog "github.com/fathomlab/fathom/internal/temporal"
	"github.com/fathomlab/fathom/internal/workflows"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// ------------------------------------------------------------------
	// Storage: Postgres is optional; without it runs are memory-only.
	// ------------------------------------------------------------------
	store, err := db.NewClient(&db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		logger.Warn("Postgres unavailable, continuing without run persistence", zap.Error(err))
		store = nil
	} else {
		defer store.Close()
	}

	// ------------------------------------------------------------------
	// Streaming: in-memory pub/sub, mirrored to Redis when configured.
	// ------------------------------------------------------------------
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Warn("Invalid REDIS_URL, event mirroring disabled", zap.Error(err))
		} else {
			rdb = redis.NewClient(redisOpts)
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				logger.Warn("Redis unavailable, event mirroring disabled", zap.Error(err))
				rdb = nil
			}
			cancel()
		}
	}
	streaming.Configure(cfg.Streaming.RingCapacity)
	streams := streaming.NewManager(rdb, logger)
	streaming.SetDefault(streams)

	// ------------------------------------------------------------------
	// Config hot reload: streaming capacity follows the file.
	// ------------------------------------------------------------------
	watcher, err := config.NewWatcher(logger)
	if err != nil {
		logger.Warn("Config watcher disabled", zap.Error(err))
	} else {
		watcher.OnChange(func(updated *config.Config) {
			streaming.Configure(updated.Streaming.RingCapacity)
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watcher disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	// ------------------------------------------------------------------
	// Admin HTTP: metrics, health, and live run streaming.
	// ------------------------------------------------------------------
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	httpapi.NewStreamingHandler(streams, logger).RegisterRoutes(mux)

	adminAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
	go func() {
		logger.Info("Admin HTTP listening", zap.String("addr", adminAddr))
		if err := http.ListenAndServe(adminAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// Temporal worker.
	// ------------------------------------------------------------------
	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    tlog.NewZapAdapter(logger),
	})
	if err != nil {
		logger.Fatal("Failed to connect to Temporal", zap.Error(err))
	}
	defer temporalClient.Close()

	providerClient := provider.New(cfg.Provider.URL,
		provider.WithRateLimit(cfg.Provider.RateLimitRPS, cfg.Provider.RateBurst),
	)
	acts := activities.NewActivities(providerClient, store, streams, logger)

	taskQueue := cfg.Temporal.TaskQueue
	if taskQueue == "" {
		taskQueue = workflows.TaskQueue
	}
	w := worker.New(temporalClient, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(workflows.ResearchWorkflow, workflow.RegisterOptions{Name: "ResearchWorkflow"})
	registerActivities(w, acts)

	logger.Info("Research worker starting",
		zap.String("task_queue", taskQueue),
		zap.String("temporal", cfg.Temporal.HostPort),
		zap.Bool("persistence", store != nil),
		zap.Bool("redis_mirror", rdb != nil),
	)
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatal("Worker exited", zap.Error(err))
	}
	logger.Info("Research worker stopped")
}

// registerActivities registers every activity under its call name.
func registerActivities(w worker.Worker, acts *activities.Activities) {
	for name, fn := range map[string]interface{}{
		"GeneratePlan":           acts.GeneratePlan,
		"ExecuteSubagentTask":    acts.ExecuteSubagentTask,
		"SynthesizeIteration":    acts.SynthesizeIteration,
		"DraftReport":            acts.DraftReport,
		"PersistRunStart":        acts.PersistRunStart,
		"PersistStageTransition": acts.PersistStageTransition,
		"PersistRunResult":       acts.PersistRunResult,
		"EmitRunEvent":           acts.EmitRunEvent,
	} {
		w.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return zcfg.Build()
}
