package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	taskhandler "github.com/aliskhannn/himawari-tiler/internal/api/handlers/task"
	"github.com/aliskhannn/himawari-tiler/internal/api/router"
	"github.com/aliskhannn/himawari-tiler/internal/api/server"
	"github.com/aliskhannn/himawari-tiler/internal/composite"
	"github.com/aliskhannn/himawari-tiler/internal/config"
	"github.com/aliskhannn/himawari-tiler/internal/infra/kafka/producer"
	"github.com/aliskhannn/himawari-tiler/internal/metrics"
	"github.com/aliskhannn/himawari-tiler/internal/model"
	taskrepo "github.com/aliskhannn/himawari-tiler/internal/repository/task"
	tasksvc "github.com/aliskhannn/himawari-tiler/internal/service/task"
)

// store is the task repository the service runs on.
type store interface {
	Create(ctx context.Context, t model.Task) (model.Task, bool, error)
	Get(ctx context.Context, id string) (model.Task, error)
	List(ctx context.Context, f model.TaskFilter) ([]model.Task, error)
	UpdateStatus(ctx context.Context, id string, u taskrepo.Update) (model.Task, error)
	Claim(ctx context.Context, id, workerID string) (model.Task, error)
	ResetStale(ctx context.Context, before time.Time) (int, error)
}

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load configuration (file, env, flags).
	zlog.Init()
	cfg := config.MustLoad(os.Args[1:])

	cat, err := composite.Load(cfg.CompositesPath)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to load composite catalog")
	}

	// Retry strategy for Kafka.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	var (
		repo store
		db   *dbpg.DB
		rdb  *redis.Client
	)

	switch cfg.Store.Backend {
	case config.StorePostgres:
		// Connect to PostgreSQL (master and slaves).
		opts := &dbpg.Options{
			MaxOpenConns:    cfg.Store.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Store.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.Database.ConnMaxLifetime,
		}

		slaveDSNs := make([]string, 0, len(cfg.Store.Database.Slaves))
		for _, s := range cfg.Store.Database.Slaves {
			slaveDSNs = append(slaveDSNs, s.DSN())
		}

		db, err = dbpg.New(cfg.Store.Database.Master.DSN(), slaveDSNs, opts)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
		}

		pg := taskrepo.NewPostgresRepository(db)
		if err := pg.Migrate(ctx); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to migrate task schema")
		}
		repo = pg

	case config.StoreRedis:
		rdb, err = taskrepo.NewRedisClient(ctx, taskrepo.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		repo = taskrepo.NewRedisRepository(rdb, cfg.Store.Redis.Prefix)

	default:
		zlog.Logger.Warn().Msg("using in-memory task store, tasks are lost on restart")
		repo = taskrepo.NewMemoryRepository()
	}

	zlog.Logger.Info().Str("backend", cfg.Store.Backend).Msg("task store ready")

	// Task created events are optional.
	var (
		p       *producer.Producer
		service *tasksvc.Service
	)
	if cfg.Kafka.Enabled() {
		p = producer.New(cfg.Kafka.Brokers, cfg.Kafka.TaskTopic, strategy)
		service = tasksvc.NewService(repo, cat, p)
	} else {
		service = tasksvc.NewService(repo, cat, nil)
	}

	// Stale in-progress tasks go back to pending.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		service.RunSweeper(ctx, cfg.Store.SweepInterval, cfg.Store.StaleAfter)
	}()

	// Start HTTP server in a separate goroutine.
	r := router.Setup(taskhandler.NewHandler(service))
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	var ms *http.Server
	if cfg.Metrics.Addr != "" {
		ms = metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Logger.Error().Err(err).Msg("failed to start metrics server")
			}
		}()
	}

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	wg.Wait()

	// Graceful shutdown with timeout for HTTP servers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if ms != nil {
		if err := ms.Shutdown(shutdownCtx); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close master and slave databases.
	if db != nil {
		if err := db.Master.Close(); err != nil {
			zlog.Logger.Printf("failed to close master DB: %v", err)
		}
		for i, s := range db.Slaves {
			if err := s.Close(); err != nil {
				zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
			}
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close redis client")
		}
	}

	// Close Kafka producer client.
	if p != nil {
		if err := p.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
		}
	}
}
