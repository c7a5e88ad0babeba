// Registers:
//
//	#indexflow_ticks_total{symbol,kind}
//	#indexflow_drops_total{stage}
//	#indexflow_sink_reconnects_total
//	#indexflow_batches_flushed_total
//	#indexflow_batch_items_total
//	#indexflow_component_events_total{component,metric}
//	#indexflow_component_value{component,metric}
//	#go_* and process_* system metrics
//
// Exposes them on metrics.listen/metrics using the Prometheus HTTP handler
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"indexflow/config"
	"indexflow/logger"
)

var (
	once            sync.Once
	registry        = prometheus.NewRegistry()
	ticksTotal      *prometheus.CounterVec
	dropsTotal      *prometheus.CounterVec
	sinkReconnects  prometheus.Counter
	batchesFlushed  prometheus.Counter
	batchItemsTotal prometheus.Counter

	cloudWatchEnabled atomic.Bool
)

func Init() {
	once.Do(func() {
		ticksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexflow_ticks_total",
				Help: "Number of index ticks emitted by kind",
			},
			[]string{"symbol", "kind"},
		)
		dropsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexflow_drops_total",
				Help: "Number of items dropped under overload or transport failure",
			},
			[]string{"stage"},
		)
		sinkReconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexflow_sink_reconnects_total",
			Help: "Number of time-series sink connection attempts after a failure",
		})
		batchesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexflow_batches_flushed_total",
			Help: "Number of batches handed to the sink",
		})
		batchItemsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexflow_batch_items_total",
			Help: "Number of items handed to the sink in batches",
		})

		registry.MustRegister(ticksTotal, dropsTotal, sinkReconnects, batchesFlushed, batchItemsTotal)
		registry.MustRegister(newComponentCollectors()...)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Configure registers the collectors and enables CloudWatch publishing when requested.
func Configure(cfg config.MetricsConfig) {
	Init()
	cloudWatchEnabled.Store(cfg.CloudWatch.Enabled)
	if cfg.CloudWatch.Enabled {
		InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace)
	}
}

// Serve exposes /metrics on addr until ctx is cancelled. A listener failure is
// logged and returned; it never takes the process down.
func Serve(ctx context.Context, addr string) error {
	Init()
	log := logger.GetLogger().WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logger.Fields{"listen": addr}).Info("metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("metrics server failed")
		return err
	}
	return nil
}

// Handler returns the HTTP handler serving the indexflow registry.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordTick counts one emitted index tick.
func RecordTick(symbol, kind string) {
	Init()
	ticksTotal.WithLabelValues(symbol, kind).Inc()
	logger.IncrementTick(kind)
}

// RecordSinkReconnect counts one sink reconnect attempt.
func RecordSinkReconnect() {
	Init()
	sinkReconnects.Inc()
	if cloudWatchEnabled.Load() {
		EmitMetric(nil, "line_sink", "sink_reconnects", 1, "counter", nil)
	}
}

// RecordBatchFlush counts one flushed batch of size items.
func RecordBatchFlush(component string, size int) {
	Init()
	batchesFlushed.Inc()
	batchItemsTotal.Add(float64(size))
	logger.RecordChannelMessage(component, size)
}
