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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/himawari-tiler/internal/composite"
	"github.com/aliskhannn/himawari-tiler/internal/config"
	"github.com/aliskhannn/himawari-tiler/internal/detector"
	"github.com/aliskhannn/himawari-tiler/internal/infra/kafka/consumer"
	"github.com/aliskhannn/himawari-tiler/internal/infra/kafka/producer"
	taskmsg "github.com/aliskhannn/himawari-tiler/internal/kafka/handlers/task"
	"github.com/aliskhannn/himawari-tiler/internal/metrics"
	"github.com/aliskhannn/himawari-tiler/internal/mirror"
	"github.com/aliskhannn/himawari-tiler/internal/monitor"
	"github.com/aliskhannn/himawari-tiler/internal/processor"
	"github.com/aliskhannn/himawari-tiler/internal/queue"
	"github.com/aliskhannn/himawari-tiler/internal/storage/file"
	"github.com/aliskhannn/himawari-tiler/internal/taskclient"
	"github.com/aliskhannn/himawari-tiler/internal/tiler"
	"github.com/aliskhannn/himawari-tiler/internal/worker"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load configuration (file, env, flags).
	zlog.Init()
	cfg := config.MustLoad(os.Args[1:])

	zlog.Logger.Info().
		Str("mode", cfg.Mode).
		Str("worker_id", cfg.WorkerID).
		Bool("sync", cfg.Sync).
		Msg("starting himawari worker")

	cat, err := composite.Load(cfg.CompositesPath)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to load composite catalog")
	}

	// Retry strategy for Kafka, storage and task service calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	raw, err := file.NewStorage(ctx, storageOptions(cfg.RawStorage))
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to raw storage")
	}
	scenes := detector.New(raw, 0)

	// Task service client; in hybrid mode tasks it creates go straight into the local queue.
	client := taskclient.New(taskclient.Options{
		BaseURL:  cfg.TaskService.URL,
		Timeout:  cfg.TaskService.Timeout,
		Retry:    strategy,
		WorkerID: cfg.WorkerID,
	}, cat)

	runsPool := cfg.Mode == config.ModeHybrid || cfg.Mode == config.ModeWorker
	runsMonitor := cfg.Mode == config.ModeHybrid || cfg.Mode == config.ModeMonitor

	var q *queue.Queue
	if runsPool {
		q = queue.New()
		if cfg.Mode == config.ModeHybrid {
			client.AttachQueue(q)
		}
	}

	reqCount, reqDuration := metrics.TaskClient()
	tasks := taskclient.NewInstrumentingMiddleware(reqCount, reqDuration, client)

	var (
		wg       sync.WaitGroup
		artifact *producer.Producer
		c        *consumer.Consumer
	)

	if runsPool {
		tiles, err := file.NewStorage(ctx, storageOptions(cfg.TileStorage))
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to tile storage")
		}

		procOpts := processor.Options{
			ScratchDir:  cfg.Processor.ScratchDir,
			Retry:       strategy,
			Concurrency: cfg.Processor.Concurrency,
			Tiler: tiler.Options{
				TileSize:    cfg.Processor.TileSize,
				PreviewSize: cfg.Processor.PreviewSize,
			},
		}

		var proc *processor.Processor
		if cfg.Kafka.Enabled() {
			artifact = producer.New(cfg.Kafka.Brokers, cfg.Kafka.ArtifactTopic, strategy)
			proc = processor.New(raw, tiles, artifact, procOpts)
		} else {
			proc = processor.New(raw, tiles, nil, procOpts)
		}

		pool := worker.NewPool(q, proc, scenes, cat, tasks, worker.NewMetrics(prometheus.DefaultRegisterer), worker.Config{
			Slots:       cfg.Worker.Slots,
			MaxAttempts: cfg.Worker.MaxAttempts,
			RetryBoost:  cfg.Worker.RetryBoost,
			TaskTimeout: cfg.Worker.TaskTimeout,
			WorkerID:    cfg.WorkerID,
		})

		// Feeder claims pending tasks created by other processes.
		feeder := worker.NewFeeder(tasks, q, cfg.WorkerID, cfg.Worker.QueueCapacity, cfg.Worker.PollInterval)

		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = pool.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = feeder.Run(ctx)
		}()

		// Task created events wake the feeder early.
		if cfg.Kafka.Enabled() {
			c = consumer.New(cfg.Kafka.Brokers, cfg.Kafka.TaskTopic, cfg.Kafka.GroupID, strategy, taskmsg.NewCreatedHandler(feeder))
			wg.Add(1)
			go c.Consume(ctx, &wg)
		}
	}

	if runsMonitor {
		m := monitor.New(scenes, tasks, cat.Specs(), monitor.Config{
			Interval: cfg.Monitor.Interval,
			Window:   cfg.Monitor.Window,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Run(ctx)
		}()
	}

	if cfg.Sync {
		upstream, err := file.NewStorage(ctx, storageOptions(cfg.Upstream))
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to upstream storage")
		}
		syncer := mirror.New(upstream, raw, scenes.Expected(), cfg.Mirror.Interval, strategy)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = syncer.Run(ctx)
		}()
	}

	// Prometheus endpoint.
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

	// In-flight tasks finish and queued ones are handed back before exit.
	if q != nil {
		q.Close()
	}
	wg.Wait()

	if ms != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		zlog.Logger.Info().Msg("shutting down metrics server")
		if err := ms.Shutdown(shutdownCtx); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}

	// Close Kafka producer and consumer clients.
	if artifact != nil {
		if err := artifact.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
		}
	}
	if c != nil {
		if err := c.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
		}
	}
}

func storageOptions(s config.Storage) file.Options {
	return file.Options{
		Endpoint:     s.Endpoint,
		AccessKey:    s.AccessKey,
		SecretKey:    s.SecretKey,
		BucketName:   s.BucketName,
		UseSSL:       s.UseSSL,
		Region:       s.Region,
		Anonymous:    s.Anonymous,
		CreateBucket: s.CreateBucket,
	}
}
