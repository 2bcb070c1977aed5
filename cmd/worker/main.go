package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/arc-self/ingest-service/internal/config"
	"github.com/arc-self/ingest-service/internal/consumer"
	"github.com/arc-self/ingest-service/internal/group"
	"github.com/arc-self/ingest-service/internal/kafkaclient"
	"github.com/arc-self/ingest-service/internal/person"
	"github.com/arc-self/ingest-service/internal/pipeline"
	"github.com/arc-self/ingest-service/internal/producer"
	"github.com/arc-self/ingest-service/internal/team"
	"github.com/arc-self/ingest-service/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("configuration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	tp, err := telemetry.InitTracerProvider(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to init OTel tracer", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}
	mp, err := telemetry.InitMeterProvider(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to init OTel meter", zap.Error(err))
	} else {
		defer mp.Shutdown(context.Background())
	}
	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		logger.Fatal("failed to register pipeline metrics", zap.Error(err))
	}

	// ── Database ───────────────────────────────────────────────────────────
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to parse PG_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database (OTel-instrumented)")

	// ── Kafka ──────────────────────────────────────────────────────────────
	producerClient, err := kafkaclient.NewProducerClient(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("Kafka producer initialization failed", zap.Error(err))
	}
	topics := producer.Topics{
		EnrichedEvents:    cfg.EnrichedEventsTopic,
		IngestionWarnings: cfg.IngestionWarningsTopic,
		Heatmaps:          cfg.HeatmapsTopic,
		Exceptions:        cfg.ExceptionsTopic,
		PersonUpdates:     cfg.PersonUpdatesTopic,
		GroupUpdates:      cfg.GroupUpdatesTopic,
		DLQ:               cfg.DLQTopic,
	}
	if err := kafkaclient.EnsureTopics(ctx, producerClient, cfg.TopicPartitions,
		cfg.ConsumerTopic,
		topics.EnrichedEvents, topics.IngestionWarnings, topics.Heatmaps,
		topics.Exceptions, topics.PersonUpdates, topics.GroupUpdates, topics.DLQ,
	); err != nil {
		logger.Fatal("topic provisioning failed", zap.Error(err))
	}

	consumerClient, err := kafkaclient.NewConsumerClient(kafkaclient.ConsumerOptions{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.ConsumerGroupID,
		Topic:   cfg.ConsumerTopic,
	}, logger)
	if err != nil {
		logger.Fatal("Kafka consumer initialization failed", zap.Error(err))
	}

	// ── Pipeline ───────────────────────────────────────────────────────────
	emitter := producer.NewKafkaProducer(producerClient, topics, metrics, logger)
	teams := team.NewResolver(team.NewPGStore(pool), cfg.TeamCacheTTL, logger)
	persons := person.NewEngine(person.NewPGStore(pool), cfg.PersonResolutionRetryMax, logger)
	groups := group.NewEngine(group.NewPGStore(pool), cfg.MaxGroupTypesPerTeam, logger)

	transforms, err := pipeline.LoadChain(ctx, pool, logger)
	if err != nil {
		logger.Fatal("failed to load transformation chain", zap.Error(err))
	}

	runner := pipeline.NewRunner(teams, persons, groups, transforms, emitter, metrics, pipeline.RunnerConfig{
		TimestampFutureTolerance: cfg.TimestampFutureTolerance,
		SkipTokens:               cfg.PersonsProcessingSkipTokens,
	}, logger)

	cons := consumer.New(consumerClient, runner, emitter, metrics, consumer.Config{
		BatchRetryMax: cfg.BatchRetryMax,
		RetryBackoff:  cfg.RetryBackoff,
		DrainTimeout:  cfg.DrainTimeout,
	}, logger)

	// ── Ops HTTP server ────────────────────────────────────────────────────
	var ready atomic.Bool
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(cfg.ServiceName))
	e.Use(middleware.Recover())
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", func(c echo.Context) error {
		if !ready.Load() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		}
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "database unreachable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})
	go func() {
		logger.Info("ops server listening", zap.String("addr", cfg.OpsBindAddr))
		if err := e.Start(cfg.OpsBindAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server failure", zap.Error(err))
		}
	}()

	// ── Consume loop ───────────────────────────────────────────────────────
	ready.Store(true)
	logger.Info("ingestion worker started",
		zap.String("topic", cfg.ConsumerTopic),
		zap.String("group", cfg.ConsumerGroupID),
	)
	if err := cons.Run(ctx); err != nil {
		logger.Error("consume loop failed", zap.Error(err))
	}

	// ── Shutdown ───────────────────────────────────────────────────────────
	ready.Store(false)
	logger.Info("shutting down")
	consumerClient.Close()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := emitter.Close(flushCtx); err != nil {
		logger.Warn("producer flush incomplete", zap.Error(err))
	}
	if err := e.Shutdown(flushCtx); err != nil {
		logger.Warn("ops server shutdown", zap.Error(err))
	}
	logger.Info("ingestion worker stopped")
}
