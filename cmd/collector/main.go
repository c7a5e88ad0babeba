// Command collector polls Binance futures market data and feeds it to the
// indexer over the pub/sub bus and the push stream.
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
	"indexflow/internal/stream"
	"indexflow/logger"
	"indexflow/reader/binance"
)

func retryPolicy(r config.RetryConfig) backoff.Policy {
	return backoff.Policy{Base: r.BaseDelay, Max: r.MaxDelay, MaxAttempts: r.MaxAttempts}
}

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

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
	if err := cfg.Collector.Validate(); err != nil {
		log.WithError(err).Error("Invalid collector configuration")
		return 1
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Indexflow.Name + "-collector",
		"version":     cfg.Indexflow.Version,
		"exchange_id": cfg.Collector.ExchangeID,
	}).Info("starting collector")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	metrics.Configure(cfg.Metrics)

	publisher := bus.NewPublisher(bus.PublisherConfig{
		Addr:       cfg.Collector.PubEndpoint,
		SendBuffer: cfg.Bus.SendBuffer,
		Retry:      retryPolicy(cfg.Bus.RetryConfig),
	})
	if err := publisher.Bind(); err != nil {
		log.WithError(err).WithFields(logger.Fields{"endpoint": cfg.Collector.PubEndpoint}).Error("Failed to bind publish endpoint")
		return 1
	}

	pushFailed := make(chan error, 1)
	var pusher binance.Pusher
	if cfg.Stream.PushEndpoint != "" {
		p := stream.NewPusher(stream.PusherConfig{
			Endpoint:   cfg.Stream.PushEndpoint,
			SendBuffer: cfg.Stream.SendBuffer,
			Retry:      retryPolicy(cfg.Stream.RetryConfig),
		})
		go func() {
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				pushFailed <- err
			}
		}()
		pusher = p
	}

	collector := binance.NewCollector(cfg.Collector, publisher, pusher)
	if err := collector.Start(ctx); err != nil {
		log.WithError(err).Error("collector failed to start")
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-pushFailed:
		log.WithError(err).Error("stream pusher exhausted its reconnect attempts")
		exitCode = 1
	}

	cancel()
	collector.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := publisher.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("publisher close failed")
	}

	stats := collector.GetStats()
	log.WithFields(logger.Fields{
		"polls":     stats.Polls,
		"failures":  stats.Failures,
		"published": stats.Published,
		"pushed":    stats.Pushed,
	}).Info("collector stopped")
	return exitCode
}
