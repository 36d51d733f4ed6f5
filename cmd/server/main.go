/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the attendance point engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults < config.yaml < .env < POINTS_* env)
  2. Build the zap logger
  3. Open the SQLite store (migrations run on open)
  4. Select the lease backend (sqlite, redis or memory)
  5. Wire engine, job runner, scheduler and HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running tick)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Cancel and drain background consistency jobs
  5. Close lease backend and database

EXAMPLES:
  # Defaults: ./points.db, sqlite leases, port 8080
  ./server

  # Redis leases shared by several instances
  POINTS_LOCK_BACKEND=redis POINTS_REDIS_ADDR=redis:6379 ./server

  # In-memory database, scheduler off
  POINTS_DB_PATH=":memory:" POINTS_SCHEDULER_ENABLED=false ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/logging"
	"github.com/warp/points-engine/store/memory"
	"github.com/warp/points-engine/store/redislock"
	"github.com/warp/points-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(cfg, store)
	if err != nil {
		return err
	}
	defer closeLocker()

	runner := generic.NewBatchRunner(locker, cfg.Batch.Workers, logger.Named("batch"))
	runner.LockTTL = cfg.Lock.TTL

	engine := attendance.NewEngine(store, store, cfg.Policy.Attendance(), runner, logger.Named("engine"))
	jobs := api.NewJobRunner(engine, store, logger.Named("jobs"))
	handler := api.NewHandler(engine, store, jobs, logger.Named("http"))

	var scheduler *api.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = api.NewScheduler(jobs, cfg.Scheduler.Schedule, logger.Named("scheduler"))
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
			zap.String("lock_backend", cfg.Lock.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	jobs.Shutdown()

	logger.Info("server stopped")
	return nil
}

// newLocker returns the configured lease backend and its cleanup.
func newLocker(cfg *config.Config, store *sqlite.Store) (generic.Locker, func(), error) {
	switch cfg.Lock.Backend {
	case config.LockRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rl, err := redislock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return rl, func() { rl.Close() }, nil
	case config.LockMemory:
		return memory.NewLocker(), func() {}, nil
	default:
		return store.Locker(), func() {}, nil
	}
}
