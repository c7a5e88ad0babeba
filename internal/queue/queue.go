package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"indexflow/internal/metrics"
	"indexflow/logger"
)

var (
	ErrQueueFull   = errors.New("work queue full")
	ErrQueueClosed = errors.New("work queue closed")
)

// Job is a unit of deferred work. Returned errors are logged, never propagated.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Stats struct {
	Accepted  int64
	Dropped   int64
	Completed int64
	Failed    int64
}

// Queue is a bounded FIFO drained by at most Concurrency workers. MaxDepth
// bounds jobs that were accepted but have not finished yet, so a full queue
// rejects immediately regardless of how quickly workers pick jobs up.
type Queue struct {
	concurrency int
	maxDepth    int
	onDrop      func(Job, error)

	ctx    context.Context
	mu     sync.Mutex
	items  []Job
	active int
	closed bool
	idle   chan struct{}

	stats      Stats
	statsMutex sync.RWMutex
	dropLimit  *rate.Limiter
	log        *logger.Log
}

// New creates a queue whose jobs run with ctx. onDrop may be nil.
func New(ctx context.Context, concurrency, maxDepth int, onDrop func(Job, error)) *Queue {
	if concurrency <= 0 {
		concurrency = 1
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}
	log := logger.GetLogger()
	q := &Queue{
		concurrency: concurrency,
		maxDepth:    maxDepth,
		onDrop:      onDrop,
		ctx:         ctx,
		dropLimit:   rate.NewLimiter(rate.Every(time.Second), 1),
		log:         log,
	}

	log.WithComponent("work_queue").WithFields(logger.Fields{
		"concurrency": concurrency,
		"max_depth":   maxDepth,
	}).Info("work queue initialized")
	return q
}

// Push enqueues job without blocking. When the queue is full or closed the
// drop callback is invoked once and false is returned.
func (q *Queue) Push(job Job) bool {
	q.mu.Lock()
	var reason error
	switch {
	case q.closed:
		reason = ErrQueueClosed
	case len(q.items)+q.active >= q.maxDepth:
		reason = ErrQueueFull
	}
	if reason != nil {
		q.mu.Unlock()
		q.drop(job, reason)
		return false
	}

	q.items = append(q.items, job)
	q.startWorkersLocked()
	q.mu.Unlock()

	q.statsMutex.Lock()
	q.stats.Accepted++
	q.statsMutex.Unlock()
	return true
}

func (q *Queue) drop(job Job, reason error) {
	q.statsMutex.Lock()
	q.stats.Dropped++
	q.statsMutex.Unlock()

	metrics.EmitDropMetric(q.log, metrics.DropWorkQueue, 1, "", job.Name, "")
	if q.dropLimit.Allow() {
		q.log.WithComponent("work_queue").WithFields(logger.Fields{
			"job":       job.Name,
			"max_depth": q.maxDepth,
		}).WithError(reason).Warn("work queue rejected job")
	}

	if q.onDrop == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.WithComponent("work_queue").WithField("panic", fmt.Sprint(r)).Error("drop callback panicked")
		}
	}()
	q.onDrop(job, reason)
}

func (q *Queue) startWorkersLocked() {
	for q.active < q.concurrency && len(q.items) > 0 {
		job := q.items[0]
		q.items[0] = Job{}
		q.items = q.items[1:]
		q.active++
		go q.worker(job)
	}
}

func (q *Queue) worker(job Job) {
	for {
		q.execute(job)

		q.mu.Lock()
		if len(q.items) == 0 {
			q.active--
			if q.active == 0 && q.idle != nil {
				close(q.idle)
				q.idle = nil
			}
			q.mu.Unlock()
			return
		}
		job = q.items[0]
		q.items[0] = Job{}
		q.items = q.items[1:]
		q.mu.Unlock()
	}
}

func (q *Queue) execute(job Job) {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		if job.Run != nil {
			err = job.Run(q.ctx)
		}
	}()

	q.statsMutex.Lock()
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Completed++
	}
	q.statsMutex.Unlock()

	if err != nil {
		q.log.WithComponent("work_queue").WithFields(logger.Fields{
			"job":         job.Name,
			"duration_ms": time.Since(start).Milliseconds(),
		}).WithError(err).Warn("job failed")
	}
}

// Depth returns the number of accepted jobs that have not finished.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.active
}

// Close stops accepting new jobs. Jobs already queued still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain blocks until the queue is empty and idle or ctx is done. Shutdown only.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 && q.active == 0 {
			q.mu.Unlock()
			return nil
		}
		if q.idle == nil {
			q.idle = make(chan struct{})
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("drain work queue: %w", ctx.Err())
		}
	}
}

func (q *Queue) GetStats() Stats {
	q.statsMutex.RLock()
	defer q.statsMutex.RUnlock()
	return q.stats
}

// StartMetricsReporting logs queue statistics every interval until ctx is done.
func (q *Queue) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := q.GetStats()
				q.log.WithComponent("work_queue").WithFields(logger.Fields{
					"accepted":  stats.Accepted,
					"dropped":   stats.Dropped,
					"completed": stats.Completed,
					"failed":    stats.Failed,
					"depth":     q.Depth(),
					"max_depth": q.maxDepth,
				}).Info("work queue statistics")
			}
		}
	}()
}
