package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"indexflow/config"
	"indexflow/internal/backoff"
	"indexflow/internal/bus"
	"indexflow/internal/metrics"
	"indexflow/internal/queue"
	"indexflow/internal/stream"
	"indexflow/logger"
	"indexflow/models"
	"indexflow/processor"
	"indexflow/writer"
)

func retryPolicy(r config.RetryConfig) backoff.Policy {
	return backoff.Policy{Base: r.BaseDelay, Max: r.MaxDelay, MaxAttempts: r.MaxAttempts}
}

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults by APP_ENV)")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Indexflow.Name,
		"version":     cfg.Indexflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting indexflow")

	var overrides *config.IndexOverrides
	if cfg.Index.OverridesFile != "" {
		overrides, err = config.LoadIndexOverrides(cfg.Index.OverridesFile)
		if err != nil {
			log.WithError(err).Error("Failed to load index overrides")
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Enabled {
		go func() { _ = metrics.Serve(ctx, cfg.Metrics.Listen) }()
	}

	// Outputs first, so the engines never emit into a missing writer.
	sinkCfg, err := writer.LineSinkConfigFrom(cfg.Sink)
	if err != nil {
		log.WithError(err).Error("Invalid sink configuration")
		return 1
	}
	// The sink outlives ctx so End can still flush while reconnecting.
	sink := writer.NewLineSink(sinkCfg)
	if err := sink.Start(context.Background()); err != nil {
		log.WithError(err).Error("Failed to start time-series sink")
		return 1
	}

	publisher := bus.NewPublisher(bus.PublisherConfig{
		Addr:       cfg.Bus.PubEndpoint,
		SendBuffer: cfg.Bus.SendBuffer,
		Retry:      retryPolicy(cfg.Bus.RetryConfig),
	})
	if err := publisher.Bind(); err != nil {
		log.WithError(err).WithFields(logger.Fields{"endpoint": cfg.Bus.PubEndpoint}).Error("Failed to bind publish endpoint")
		return 1
	}

	var kafkaWriter *writer.KafkaWriter
	if cfg.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			return 1
		}
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka writer")
			return 1
		}
	}

	var archive *writer.ArchiveWriter
	if cfg.Archive.Enabled {
		archive, err = writer.NewArchiveWriter(ctx, cfg.Archive, cfg.Indexflow.Version)
		if err != nil {
			log.WithError(err).WithEnv("AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION").Error("failed to create archive writer")
			return 1
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			return 1
		}
	} else {
		log.WithComponent("main").Info("archive disabled; skipping S3 writer")
	}

	emit := func(tick models.IndexTick) {
		if err := publisher.Publish(models.TopicIndex, tick); err != nil {
			log.WithComponent("main").WithError(err).WithFields(logger.Fields{"symbol": tick.Symbol}).Debug("index tick not published")
		}
		if err := sink.WriteTick(tick); err != nil {
			log.WithComponent("main").WithError(err).WithFields(logger.Fields{"symbol": tick.Symbol}).Debug("index tick not persisted")
		}
		if kafkaWriter != nil {
			kafkaWriter.Publish(tick)
		}
		if archive != nil {
			archive.Archive(tick)
		}
	}

	group := processor.NewEngineGroup(cfg.Index, overrides, nil, emit)
	group.Start(ctx)

	// Raw events: stream consumer -> batch accumulator -> sink, with the
	// work queue salvaging frames the fast path rejects.
	jobs := queue.New(ctx, cfg.WorkQueue.Concurrency, cfg.WorkQueue.MaxDepth, nil)
	jobs.StartMetricsReporting(ctx, 30*time.Second)

	acc := processor.NewBatchAccumulator("batch_accumulator", cfg.Batch, nil, sink.WriteBatch)
	if err := acc.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start batch accumulator")
		return 1
	}

	consumer := stream.NewConsumer(stream.ConsumerConfig{
		Addr:      cfg.Stream.PullEndpoint,
		ReadLimit: cfg.Stream.ReadLimitBytes,
	}, acc, jobs)
	if err := consumer.Start(); err != nil {
		log.WithError(err).WithFields(logger.Fields{"endpoint": cfg.Stream.PullEndpoint}).Error("Failed to bind pull endpoint")
		return 1
	}

	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()
	subscriberFailed := make(chan error, 1)
	if len(cfg.Bus.SubEndpoints) > 0 {
		subscriber := bus.NewSubscriber(bus.SubscriberConfig{
			Endpoints: cfg.Bus.SubEndpoints,
			Topics:    cfg.Bus.Topics,
			Retry:     retryPolicy(cfg.Bus.RetryConfig),
		}, group.HandleMessage)
		go func() {
			if err := subscriber.Run(ingestCtx); err != nil && ingestCtx.Err() == nil {
				subscriberFailed <- err
			}
		}()
	} else {
		log.WithComponent("main").Warn("no bus subscribe endpoints configured; engines receive no snapshots")
	}

	log.WithFields(logger.Fields{
		"symbols":       group.Symbols(),
		"pub_endpoint":  publisher.Addr(),
		"pull_endpoint": consumer.Addr(),
		"sink":          cfg.Sink.Address(),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-subscriberFailed:
		log.WithError(err).Error("bus subscriber exhausted its reconnect attempts")
		exitCode = 1
	}

	log.Info("starting graceful shutdown")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	// Stop accepting input, then drain in pipeline order.
	if err := consumer.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("stream consumer close failed")
	}
	stopIngest()
	group.Stop()

	jobs.Close()
	if err := jobs.Drain(shutdownCtx); err != nil {
		log.WithError(err).Warn("work queue not drained before timeout")
	}
	acc.Close()

	if archive != nil {
		log.Info("stopping archive writer")
		archive.Stop()
	}
	sink.End(shutdownCtx)

	cancel()
	if kafkaWriter != nil {
		log.Info("stopping kafka writer")
		kafkaWriter.Stop()
	}

	if err := publisher.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("publisher close failed")
	}

	stats := sink.GetStats()
	log.WithFields(logger.Fields{
		"lines_sent": stats.LinesSent,
		"dropped":    stats.Dropped,
		"pending":    stats.Pending,
	}).Info("indexflow stopped")
	return exitCode
}
