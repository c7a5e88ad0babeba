package metrics

import "indexflow/logger"

// DropMetric identifies the pipeline stage at which items were dropped.
type DropMetric string

const (
	DropWorkQueue     DropMetric = "work_queue"
	DropSinkPending   DropMetric = "sink_pending"
	DropSinkExhausted DropMetric = "sink_exhausted"
	DropBusPublish    DropMetric = "bus_publish"
	DropBusSubscriber DropMetric = "bus_subscriber"
	DropStreamPush    DropMetric = "stream_push"
	DropStreamTopic   DropMetric = "stream_unknown_topic"
	DropKafka         DropMetric = "kafka"
	DropArchive       DropMetric = "archive"
)

// EmitDropMetric counts n dropped items for the stage. Optional metadata
// (exchange, topic, symbol) is attached to the emitted metric so drops can be
// aggregated per source downstream.
func EmitDropMetric(log *logger.Log, metric DropMetric, n int, exchange, topic, symbol string) {
	if n <= 0 {
		return
	}
	Init()
	dropsTotal.WithLabelValues(string(metric)).Add(float64(n))
	logger.RecordDrops(string(metric), n)

	if !cloudWatchEnabled.Load() {
		return
	}

	fields := logger.Fields{"stage": string(metric)}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	EmitMetric(log, "drops", "items_dropped", n, "counter", fields)
}
