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

	"outpost/internal/api"
	"outpost/internal/breaker"
	"outpost/internal/config"
	"outpost/internal/conflict"
	"outpost/internal/database"
	"outpost/internal/domain"
	"outpost/internal/events"
	"outpost/internal/logging"
	"outpost/internal/metrics"
	"outpost/internal/optimistic"
	"outpost/internal/outbox"
	"outpost/internal/reachability"
	"outpost/internal/remote"
	"outpost/internal/repository"
	"outpost/internal/retry"
	"outpost/internal/service"
	"outpost/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
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
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}

	store, storeCloser, err := openStore(cfg, redisClient, &logger)
	if err != nil {
		return err
	}
	if storeCloser != nil {
		defer (func() { _ = storeCloser.Close() })()
	}

	opts := outbox.Options{Capacity: cfg.Queue.Capacity}
	if redisClient != nil && cfg.Redis.DeadLetter {
		opts.DeadLetter = repository.NewRedisDeadLetter(redisClient, cfg.Redis.DeadLetterMax)
	}
	queue, err := outbox.Open(ctx, store, opts, logger)
	if err != nil {
		return fmt.Errorf("open outbound queue: %w", err)
	}

	bus := events.NewEventBus()
	bus.Subscribe(events.AllEvents, func(e *events.Event) error {
		logger.Debug().Int64("event_id", e.ID).Str("event", e.Type).RawJSON("payload", e.Payload).Msg("pipeline event")
		return nil
	})

	breakers := breaker.NewRegistry(cfg.Breaker, logger)
	executor := retry.NewExecutor(retry.WithLogger(logger))
	monitor := initMonitor(cfg, logger)
	tracker := optimistic.NewTracker(bus, logger)
	resolver := conflict.NewResolver(tracker, bus, logger)

	tokens := remote.StaticToken(cfg.Remote.Token)
	client := &http.Client{Timeout: cfg.Remote.Timeout}
	httpStore := remote.NewHTTPStore(cfg.Remote.BaseURL, client, logger)

	processor, err := worker.NewProcessor(worker.Config{
		Interval:    cfg.Processor.Interval,
		Concurrency: cfg.Processor.Concurrency,
		Policies:    cfg.Retry.Policies(),
		RateLimit:   cfg.Processor.RateLimit,
		RateBurst:   cfg.Processor.RateBurst,
		SentGrace:   cfg.Processor.SentGrace,
		Retention:   cfg.RetentionPeriod(),
	}, worker.Deps{
		Queue:    queue,
		Breakers: breakers,
		Executor: executor,
		Monitor:  monitor,
		Tracker:  tracker,
		Remote:   httpStore,
		Tokens:   tokens,
	}, logger)
	if err != nil {
		return err
	}

	pipeline := service.NewPipeline(queue, tracker, resolver, breakers, monitor, processor, &logger)
	pipeline.Restore()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })

	if cfg.Remote.PushURL != "" {
		feed := remote.NewPushFeed(cfg.Remote.PushURL, tokens, logger)
		g.Go(func() error { return feed.Run(gctx) })
		g.Go(func() error { return pipeline.ConsumeFeed(gctx, feed) })
	}

	if cfg.API.Enabled {
		httpServer := api.NewHTTPServer(cfg.API, pipeline, &logger)
		g.Go(httpServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.Monitoring.PrometheusEnabled {
		g.Go(func() error { return startMetricsServer(gctx, cfg.Monitoring.PrometheusPort, &logger) })
	}

	logger.Info().
		Str("storage", cfg.Storage.Driver).
		Str("remote", cfg.Remote.BaseURL).
		Bool("push", cfg.Remote.PushURL != "").
		Msg("outpost started")

	err = g.Wait()
	logger.Info().Msg("outpost stopped")
	return err
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/outpost.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, *baseLogger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		// The failover driver copes with a missing primary on its own.
		if cfg.Storage.Driver == config.DriverFailover {
			logger.Warn().Err(err).Msg("redis unreachable at startup, using fallback")
			return client
		}
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = repository.Close(client)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func openStore(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) (domain.Store, io.Closer, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		db, err := database.NewDB(cfg.Storage.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return db, db, nil
	case config.DriverBolt:
		bs, err := repository.OpenBoltStore(cfg.Storage.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt store: %w", err)
		}
		return bs, bs, nil
	case config.DriverRedis:
		if redisClient == nil {
			return nil, nil, errors.New("redis driver selected but redis is unavailable")
		}
		return repository.NewRedisStore(redisClient), nil, nil
	case config.DriverFailover:
		if redisClient == nil {
			return nil, nil, errors.New("failover driver requires a redis client")
		}
		var fallback domain.Store = repository.NewMemoryStore()
		var closer io.Closer
		if cfg.Storage.Fallback == config.DriverBolt {
			bs, err := repository.OpenBoltStore(cfg.Storage.BoltPath)
			if err != nil {
				return nil, nil, fmt.Errorf("open bolt fallback: %w", err)
			}
			fallback, closer = bs, bs
		}
		primary := repository.NewRedisStore(redisClient)
		return repository.NewFailoverStore(primary, fallback, cfg.Storage.RecoveryInterval, logger), closer, nil
	case config.DriverMemory:
		logger.Warn().Msg("memory storage selected, queued writes will not survive a restart")
		return repository.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func initMonitor(cfg *config.Config, logger zerolog.Logger) *reachability.Monitor {
	if cfg.Reachability.ProbeAddress == "" {
		m := reachability.NewMonitor(nil, cfg.Reachability.Interval, logger)
		m.Update(reachability.Status{Online: true, Quality: reachability.QualityUnknown, Interface: cfg.Reachability.Interface})
		return m
	}
	prober := reachability.DialProber{
		Address:   cfg.Reachability.ProbeAddress,
		Interface: cfg.Reachability.Interface,
		Timeout:   cfg.Reachability.Timeout,
	}
	return reachability.NewMonitor(prober, cfg.Reachability.Interval, logger)
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
	logger.Info().Int("port", port).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
		return err
	}
	return nil
}
