package main

import (
	"context"

	"github.com/septivank/energy-usage-service/internal/api"
	"github.com/septivank/energy-usage-service/internal/config"
	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/fault"
	"github.com/septivank/energy-usage-service/internal/mq"
	"github.com/septivank/energy-usage-service/internal/mqtt"
	"github.com/septivank/energy-usage-service/internal/repository"
	"github.com/septivank/energy-usage-service/internal/rollup"
	"github.com/septivank/energy-usage-service/internal/service"
	"github.com/septivank/energy-usage-service/internal/usage"
	"github.com/septivank/energy-usage-service/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) error {
	// Cancelled on shutdown to stop the delivery loop
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("consumer stopped gracefully")
			return nil
		},
	})
	return nil
}

func startHTTPServer(lc fx.Lifecycle, server *api.Server, cfg *config.Config, logger *zap.Logger) {
	httpServer := api.NewHTTPServer(server.Router(), cfg.ServicePort, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			httpServer.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
}

func startMQTTSubscriber(
	lc fx.Lifecycle,
	cfg *config.Config,
	accumulator *service.Accumulator,
	validator *validator.Validator,
	logger *zap.Logger,
) {
	if cfg.MQTT.URL == "" {
		logger.Info("MQTT_URL not set, mqtt ingestion disabled")
		return
	}

	handler := mqtt.NewHandler(accumulator, validator, logger)
	mqtt.NewSubscriber(cfg.MQTT.URL, cfg.MQTT.ClientID, cfg.MQTT.Topic, handler, logger).RegisterLifecycle(lc)
}

func startRollupScheduler(lc fx.Lifecycle, cfg *config.Config, job *rollup.Job, logger *zap.Logger) error {
	if !cfg.Rollup.Enabled {
		logger.Info("daily rollup scheduler disabled")
		return nil
	}

	scheduler, err := rollup.NewScheduler(job, cfg.Rollup.Schedule, cfg.Location, logger)
	if err != nil {
		return err
	}
	scheduler.RegisterLifecycle(lc)
	return nil
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideFaultDetector creates the empty payload fault detector
func ProvideFaultDetector(cfg *config.Config) *fault.Detector {
	return fault.NewDetector(cfg.Fault.EmptyPayloadThreshold)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the domain event publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(conn, mq.PublisherConfig{
		Exchange:          cfg.RabbitMQ.EventsExchange,
		ReadingRoutingKey: cfg.RabbitMQ.ReadingRoutingKey,
		FaultRoutingKey:   cfg.RabbitMQ.FaultRoutingKey,
	}, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideAccumulator creates the reading accumulator
func ProvideAccumulator(
	repo *repository.Repository,
	detector *fault.Detector,
	publisher *mq.Publisher,
	logger *zap.Logger,
) *service.Accumulator {
	return service.NewAccumulator(repo, detector, publisher, logger)
}

// ProvideQueryService creates the device read service
func ProvideQueryService(repo *repository.Repository) *service.QueryService {
	return service.NewQueryService(repo)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	accumulator *service.Accumulator,
	validator *validator.Validator,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(accumulator, validator, logger)
}

// ProvideUsageEngine creates the aggregation engine
func ProvideUsageEngine(repo *repository.Repository, cfg *config.Config) *usage.Engine {
	return usage.NewEngine(repo, cfg.Location, cfg.Usage.CacheTTL)
}

// ProvideRollupJob creates the daily rollup job
func ProvideRollupJob(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *rollup.Job {
	return rollup.NewJob(repo, cfg.Location, logger)
}

// ProvideAPIServer creates the HTTP API
func ProvideAPIServer(
	accumulator *service.Accumulator,
	queries *service.QueryService,
	engine *usage.Engine,
	job *rollup.Job,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *api.Server {
	return api.NewServer(api.Deps{
		Accumulator: accumulator,
		Queries:     queries,
		Usage:       engine,
		Rollup:      job,
		Validator:   validator,
		Location:    cfg.Location,
		Logger:      logger,
	})
}
