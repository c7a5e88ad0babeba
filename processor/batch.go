package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "indexflow/config"
	"indexflow/internal/clock"
	"indexflow/internal/metrics"
	"indexflow/logger"
	"indexflow/models"
)

// SinkFunc receives each flushed batch. Errors are logged by the accumulator
// and never stop later flushes.
type SinkFunc func(batch models.Batch) error

type BatchStats struct {
	ItemsPushed    int64
	ItemsRejected  int64
	BatchesFlushed int64
	SinkErrors     int64
}

// BatchAccumulator buffers items and hands them to a sink when the buffer
// reaches MaxSize or the flush interval elapses, whichever comes first.
type BatchAccumulator struct {
	name     string
	maxSize  int
	interval time.Duration
	sink     SinkFunc
	clock    clock.Clock

	mu     sync.Mutex
	buf    []models.BatchItem
	closed bool
	seq    uint64

	// Batches are handed to the sink strictly in the order they were cut.
	flushMu   sync.Mutex
	flushCond *sync.Cond
	delivered uint64

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats      BatchStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewBatchAccumulator(name string, cfg appconfig.BatchConfig, clk clock.Clock, sink SinkFunc) *BatchAccumulator {
	if clk == nil {
		clk = clock.Real{}
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 1
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	b := &BatchAccumulator{
		name:     name,
		maxSize:  maxSize,
		interval: interval,
		sink:     sink,
		clock:    clk,
		buf:      make([]models.BatchItem, 0, maxSize),
		log:      logger.GetLogger(),
	}
	b.flushCond = sync.NewCond(&b.flushMu)
	return b
}

// Start runs the interval flusher until Close or ctx cancellation.
func (b *BatchAccumulator) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.running {
		return fmt.Errorf("%s already running", b.name)
	}
	b.running = true

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	ticker := b.clock.NewTicker(b.interval)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				b.Flush()
			}
		}
	}()

	b.log.WithComponent(b.name).WithFields(logger.Fields{
		"max_size":          b.maxSize,
		"flush_interval_ms": b.interval.Milliseconds(),
	}).Info("batch accumulator started")
	return nil
}

// Push appends item and flushes when the buffer reaches MaxSize. It returns
// false once the accumulator is closed.
func (b *BatchAccumulator) Push(item models.BatchItem) bool {
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = b.clock.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.statsMutex.Lock()
		b.stats.ItemsRejected++
		b.statsMutex.Unlock()
		return false
	}
	b.buf = append(b.buf, item)
	var items []models.BatchItem
	var seq uint64
	if len(b.buf) >= b.maxSize {
		items, seq = b.cutLocked()
	}
	b.mu.Unlock()

	b.statsMutex.Lock()
	b.stats.ItemsPushed++
	b.statsMutex.Unlock()

	if items != nil {
		b.deliverInOrder(seq, items)
	}
	return true
}

// Flush hands the current buffer to the sink. An empty buffer is a no-op.
func (b *BatchAccumulator) Flush() {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	items, seq := b.cutLocked()
	b.mu.Unlock()

	b.deliverInOrder(seq, items)
}

func (b *BatchAccumulator) cutLocked() ([]models.BatchItem, uint64) {
	items := b.buf
	b.buf = make([]models.BatchItem, 0, b.maxSize)
	seq := b.seq
	b.seq++
	return items, seq
}

func (b *BatchAccumulator) deliverInOrder(seq uint64, items []models.BatchItem) {
	b.flushMu.Lock()
	for b.delivered != seq {
		b.flushCond.Wait()
	}
	b.deliver(models.Batch{
		ID:        uuid.New().String(),
		Items:     items,
		CreatedAt: b.clock.Now(),
	})
	b.delivered++
	b.flushCond.Broadcast()
	b.flushMu.Unlock()
}

func (b *BatchAccumulator) deliver(batch models.Batch) {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sink panicked: %v", r)
			}
		}()
		if b.sink != nil {
			err = b.sink(batch)
		}
	}()

	b.statsMutex.Lock()
	b.stats.BatchesFlushed++
	if err != nil {
		b.stats.SinkErrors++
	}
	b.statsMutex.Unlock()

	log := b.log.WithComponent(b.name).WithFields(logger.Fields{
		"batch_id":    batch.ID,
		"items":       len(batch.Items),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.WithError(err).Warn("sink rejected batch")
		return
	}
	metrics.RecordBatchFlush(b.name, len(batch.Items))
	logger.LogDataFlowEntry(log, b.name, "sink", len(batch.Items), "batch")
}

// Close stops the interval flusher and performs a final flush. Later pushes are rejected.
func (b *BatchAccumulator) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.lifeMu.Lock()
	if b.running {
		b.cancel()
		b.running = false
	}
	b.lifeMu.Unlock()
	b.wg.Wait()

	b.Flush()
	b.log.WithComponent(b.name).Info("batch accumulator closed")
}

func (b *BatchAccumulator) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *BatchAccumulator) GetStats() BatchStats {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()
	return b.stats
}
