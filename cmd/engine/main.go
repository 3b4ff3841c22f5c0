package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adminops/internal/config"
	"adminops/internal/database"
	"adminops/internal/domain"
	"adminops/internal/events"
	"adminops/internal/health"
	"adminops/internal/logging"
	"adminops/internal/metrics"
	"adminops/internal/models"
	"adminops/internal/queue"
	"adminops/internal/registry"
	"adminops/internal/repository"
	"adminops/internal/syncer"
	"adminops/internal/ticker"
	"adminops/internal/worker"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "database"))
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка инициализации базы данных")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	bus := events.NewEventBus(logging.Component(logger, "events"))

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}
	checkpoints, sink := initRepositories(cfg, redisClient, bus, logger)

	q := queue.New(
		queue.WithStore(db),
		queue.WithPublisher(bus),
		queue.WithLogger(logging.Component(logger, "queue")),
	)
	restored, err := q.Restore(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("restore task queue")
		return err
	}
	logger.Info().Int("tasks", restored).Msg("task queue restored")

	reg := registry.New(clock.RealClock{})
	systems, err := loadSystems(cfg.SystemsFile, reg, &http.Client{Timeout: cfg.Health.ProbeTimeout})
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.SystemsFile).Msg("load systems catalog")
		return err
	}
	logger.Info().Int("systems", systems).Msg("systems registered")

	poolOpts := []worker.PoolOption{worker.WithPoolLogger(logging.Component(logger, "worker"))}
	var notifier domain.AlertNotifier
	if sink != nil {
		poolOpts = append(poolOpts, worker.WithDeadLetter(sink))
		notifier = sink
	}
	pool := worker.NewPool(q, nil, worker.PoolConfig{
		Workers:      cfg.Workers.Count,
		TaskTimeout:  cfg.Workers.TaskTimeout,
		PollInterval: cfg.Workers.PollInterval,
		Retry:        worker.PolicyFromConfig(cfg.Retry),
	}, poolOpts...)

	monitor := health.NewMonitor(cfg.Health, reg,
		health.WithPublisher(bus),
		health.WithSubmitter(q),
		health.WithLogger(logging.Component(logger, "health")),
		health.WithAlertRetries(cfg.Retry.MaxRetries),
	)

	coordinator := syncer.NewCoordinator(cfg.Sync, reg, q,
		syncer.WithStore(db),
		syncer.WithCheckpoints(checkpoints),
		syncer.WithPublisher(bus),
		syncer.WithLogger(logging.Component(logger, "syncer")),
		syncer.WithMaxRetries(cfg.Retry.MaxRetries),
	)
	coordinator.Subscribe(bus)

	if err := pool.Register(models.TaskTypeSystemSync, coordinator); err != nil {
		return err
	}
	if err := pool.Register(models.TaskTypeSystemAlert, health.NewAlertHandler(notifier, logging.Component(logger, "alerts"))); err != nil {
		return err
	}

	backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, clock.RealClock{}, logging.Component(logger, "backup"))
	maintenance := ticker.New("maintenance", models.DefaultMaintenanceTick, maintainQueue(q, db, logger), nil, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error { return backupService.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })
	if cfg.Monitoring.PrometheusEnabled {
		g.Go(func() error { return startMetricsServer(gctx, cfg.Monitoring.PrometheusPort, logger) })
	}

	logger.Info().
		Int("workers", cfg.Workers.Count).
		Int("sync_pairs", len(cfg.Sync.Pairs)).
		Msg("engine started")

	err = g.Wait()
	logger.Info().Msg("engine stopped")
	return err
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logging.Component(baseLogger, "engine"), closer, nil
}

// initRedis connects with exponential backoff. Without redis the engine
// keeps checkpoints in memory and has no dead-letter list.
func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("Redis is not configured")
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, repository.Ping(ctx, client)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.Redis.ConnectRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("Redis unavailable, retrying")
		}),
	)
	if err != nil {
		// клиент оставляем: failover-репозиторий переключится, когда redis поднимется
		logger.Warn().Err(err).Msg("Redis unavailable, using in-memory fallback")
	}
	return client
}

func initRepositories(cfg *config.Config, client *redis.Client, bus *events.EventBus, logger *zerolog.Logger) (domain.CheckpointRepository, *repository.RedisSink) {
	fallback := repository.NewMemoryCheckpointRepository()
	if client == nil {
		return fallback, nil
	}

	checkpoints := repository.NewFailoverCheckpointRepository(
		repository.NewRedisCheckpointRepository(client),
		fallback,
		logging.Component(logger, "checkpoints"),
		clock.RealClock{},
	)

	sink := repository.NewRedisSink(client, cfg.Redis.EventListKey, cfg.Redis.EventListMax)
	bus.Subscribe(events.AllEvents, sink.RecordEvent)
	return checkpoints, sink
}

// maintainQueue publishes queue depth and forgets old finished tasks.
func maintainQueue(q *queue.TaskQueue, db *database.DB, logger *zerolog.Logger) ticker.Func {
	return func(ctx context.Context, now time.Time) {
		metrics.SetQueueDepth(q.Stats().StatusCounts())

		cutoff := now.Add(-models.DefaultTaskRetention)
		purged := q.Purge(cutoff)
		deleted, err := db.DeleteFinishedTasks(ctx, cutoff)
		if err != nil {
			logger.Warn().Err(err).Msg("delete finished tasks")
			return
		}
		if purged > 0 || deleted > 0 {
			logger.Debug().Int("purged", purged).Int64("deleted", deleted).Msg("finished tasks cleaned up")
		}
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()

	logger.Info().Int("port", port).Msg("metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
		return err
	}
	return nil
}
