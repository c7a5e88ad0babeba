package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "indexflow/config"
	"indexflow/internal/metrics"
	"indexflow/logger"
	"indexflow/models"
)

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaStats struct {
	Written int64
	Failed  int64
	Dropped int64
}

// KafkaWriter mirrors index ticks to a Kafka topic keyed by symbol.
type KafkaWriter struct {
	config  appconfig.KafkaConfig
	ticks   chan models.IndexTick
	writer  MessageWriter
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	written int64
	failed  int64
	dropped int64
}

func NewKafkaWriter(cfg appconfig.KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaWriter(cfg, w), nil
}

func newKafkaWriter(cfg appconfig.KafkaConfig, w MessageWriter) *KafkaWriter {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	kw := &KafkaWriter{
		config: cfg,
		ticks:  make(chan models.IndexTick, buffer),
		writer: w,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
		"buffer":  buffer,
	}).Debug("kafka writer initialized")
	return kw
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	kw.ctx = ctx
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("starting kafka writer")

	kw.wg.Add(1)
	go kw.run()

	return nil
}

// Publish enqueues a tick without blocking. A full buffer drops the tick.
func (kw *KafkaWriter) Publish(tick models.IndexTick) bool {
	select {
	case kw.ticks <- tick:
		return true
	default:
		atomic.AddInt64(&kw.dropped, 1)
		metrics.EmitDropMetric(kw.log, metrics.DropKafka, 1, "", kw.config.Topic, tick.Symbol)
		return false
	}
}

func (kw *KafkaWriter) run() {
	defer kw.wg.Done()

	for {
		select {
		case <-kw.ctx.Done():
			kw.drainPending()
			return
		case tick := <-kw.ticks:
			kw.write(kw.ctx, tick)
		}
	}
}

// drainPending writes whatever is still buffered once the run context ends.
func (kw *KafkaWriter) drainPending() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(kw.ctx), 5*time.Second)
	defer cancel()
	for {
		select {
		case tick := <-kw.ticks:
			kw.write(ctx, tick)
		default:
			return
		}
	}
}

func (kw *KafkaWriter) write(ctx context.Context, tick models.IndexTick) {
	data, err := json.Marshal(tick)
	if err != nil {
		atomic.AddInt64(&kw.failed, 1)
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal index tick")
		return
	}
	msg := kafka.Message{
		Key:   []byte(tick.Symbol),
		Value: data,
		Time:  tick.Timestamp,
	}
	if err := kw.writer.WriteMessages(ctx, msg); err != nil {
		atomic.AddInt64(&kw.failed, 1)
		kw.log.WithComponent("kafka_writer").WithError(err).WithFields(logger.Fields{
			"symbol": tick.Symbol,
			"bytes":  len(data),
		}).Warn("failed to write message")
		return
	}
	atomic.AddInt64(&kw.written, 1)
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"symbol": tick.Symbol,
		"kind":   tick.Kind(),
	}).Debug("index tick written to kafka")
}

// Stop waits for the run loop, which exits once the Start context is
// cancelled, then closes the underlying writer.
func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	kw.running = false
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	kw.log.WithComponent("kafka_writer").Debug("kafka writer stopped")
}

func (kw *KafkaWriter) GetStats() KafkaStats {
	return KafkaStats{
		Written: atomic.LoadInt64(&kw.written),
		Failed:  atomic.LoadInt64(&kw.failed),
		Dropped: atomic.LoadInt64(&kw.dropped),
	}
}
