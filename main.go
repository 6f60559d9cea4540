// loomd is the run server: it persists assistants, threads and runs in
// Postgres, schedules runs onto a worker pool, and streams run events to
// clients over SSE.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loomd/internal/broker"
	"github.com/loomworks/loomd/internal/config"
	"github.com/loomworks/loomd/internal/db"
	"github.com/loomworks/loomd/internal/graph"
	"github.com/loomworks/loomd/internal/health"
	"github.com/loomworks/loomd/internal/httpapi"
	"github.com/loomworks/loomd/internal/queue"
	"github.com/loomworks/loomd/internal/store"
	"github.com/loomworks/loomd/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	pool, err := db.Configure(&db.Config{URL: cfg.DatabaseURL}, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Shutdown()

	if err := db.EnsureSchema(ctx, pool, cfg.Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	notifier, err := db.NewNotifier(cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}
	defer notifier.Close()

	healthMgr := health.NewManager(logger)
	healthMgr.Register(health.NewPostgresChecker(pool))
	healthMgr.Register(health.NewNotifierChecker(notifier))

	var b broker.Broker
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		b, err = broker.NewRedisBroker(ctx, rdb, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		healthMgr.Register(health.NewRedisChecker(rdb))
		logger.Info("Using Redis broker", zap.String("addr", redisOpts.Addr))
	} else {
		b = broker.NewMemBroker(logger)
		logger.Info("Using in-memory broker")
	}
	defer b.Close()

	// The default checkpointer and runner keep a fresh install functional;
	// deployments embed the server and swap in their graph executor.
	checkpoints := graph.NewMemCheckpointStore()
	healthMgr.Register(health.NewCheckpointerChecker(checkpoints))
	runner := echoRunner{}

	assistants := store.NewAssistantsRepo(pool, logger)
	threads := store.NewThreadsRepo(pool, checkpoints, logger)
	runs := store.NewRunsRepo(pool, b, threads, logger)

	supervisor := queue.NewSupervisor(queue.Config{
		Workers: cfg.Workers,
		Channel: db.RunChannel(cfg.Schema),
	}, runs, threads, b, runner, notifier, logger)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	server := httpapi.NewServer(assistants, threads, runs, b, healthMgr, []byte(cfg.JWTSecret), logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

// echoRunner is the built-in executor: it reflects the input back as a
// single values event. It exists so the server runs end to end without a
// linked graph bundle.
type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, req graph.RunRequest) (graph.EventStream, error) {
	data, err := json.Marshal(map[string]interface{}{"input": req.Input})
	if err != nil {
		return nil, err
	}
	if req.OnCheckpoint != nil {
		req.OnCheckpoint(&graph.Checkpoint{
			Values: map[string]interface{}{"input": req.Input},
		})
	}
	return graph.NewScriptedRunner(graph.Event{Name: "values", Data: data}).Run(ctx, req)
}
