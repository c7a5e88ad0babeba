package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appconfig "indexflow/config"
	"indexflow/internal/backoff"
	"indexflow/internal/clock"
	"indexflow/internal/metrics"
	"indexflow/logger"
	"indexflow/models"
)

var (
	ErrTransportExhausted = errors.New("sink reconnect attempts exhausted")
	ErrPendingFull        = errors.New("sink pending buffer full")
	ErrSinkClosed         = errors.New("sink closed")
)

const (
	defaultMaxPending   = 100000
	defaultWriteTimeout = 5 * time.Second
	maxChunkBytes       = 64 * 1024
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DropFunc observes lines the sink gave up on.
type DropFunc func(lines [][]byte, reason error)

type LineSinkConfig struct {
	Addr         string
	Retry        backoff.Policy
	WriteTimeout time.Duration
	MaxPending   int
	Unit         Precision
	Clock        clock.Clock
	Dial         DialFunc
	OnDrop       DropFunc
}

func LineSinkConfigFrom(c appconfig.SinkConfig) (LineSinkConfig, error) {
	unit, err := ParsePrecision(c.TimestampUnit)
	if err != nil {
		return LineSinkConfig{}, err
	}
	return LineSinkConfig{
		Addr: c.Address(),
		Retry: backoff.Policy{
			Base:        c.BaseDelay,
			Max:         c.MaxDelay,
			MaxAttempts: c.MaxReconnectAttempts,
		},
		WriteTimeout: c.WriteTimeout,
		MaxPending:   c.MaxPending,
		Unit:         unit,
	}, nil
}

type LineSinkStats struct {
	State      string
	Pending    int
	LinesSent  int64
	BytesSent  int64
	Dropped    int64
	Reconnects int64
}

// LineSink keeps one TCP connection to the time-series store and writes
// newline-terminated line-protocol records to it. Lines are queued in a
// bounded FIFO and survive reconnects in their original order.
type LineSink struct {
	cfg LineSinkConfig
	log *logger.Log

	mu         sync.Mutex
	pending    [][]byte
	headOffset int
	closing    bool
	started    bool
	exited     bool
	changed    *sync.Cond

	state atomic.Int32
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	linesSent  int64
	bytesSent  int64
	dropped    int64
	reconnects int64
	dropLimit  *rate.Limiter
}

func NewLineSink(cfg LineSinkConfig) *LineSink {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Unit == "" {
		cfg.Unit = PrecisionMillisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
		cfg.Dial = d.DialContext
	}
	s := &LineSink{
		cfg:       cfg,
		log:       logger.GetLogger(),
		wake:      make(chan struct{}, 1),
		dropLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	s.changed = sync.NewCond(&s.mu)
	return s
}

func (s *LineSink) Unit() Precision { return s.cfg.Unit }

func (s *LineSink) State() State { return State(s.state.Load()) }

func (s *LineSink) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.log.WithComponent("line_sink").WithFields(logger.Fields{
			"addr": s.cfg.Addr,
			"from": prev.String(),
			"to":   st.String(),
		}).Debug("sink state changed")
	}
}

// Start launches the connection loop.
func (s *LineSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("line sink already running")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.log.WithComponent("line_sink").WithFields(logger.Fields{
		"addr":        s.cfg.Addr,
		"max_pending": s.cfg.MaxPending,
		"unit":        string(s.cfg.Unit),
	}).Info("line sink started")
	return nil
}

// Write queues newline-terminated lines in order. It never blocks on the
// network; overflow and a failed transport reject the lines via OnDrop.
func (s *LineSink) Write(lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.State() == StateFailed {
		s.mu.Unlock()
		s.drop(lines, ErrTransportExhausted, metrics.DropSinkExhausted)
		return ErrTransportExhausted
	}
	if s.closing {
		s.mu.Unlock()
		s.drop(lines, ErrSinkClosed, metrics.DropSinkPending)
		return ErrSinkClosed
	}
	if len(s.pending)+len(lines) > s.cfg.MaxPending {
		s.mu.Unlock()
		s.drop(lines, ErrPendingFull, metrics.DropSinkPending)
		return ErrPendingFull
	}
	s.pending = append(s.pending, lines...)
	s.mu.Unlock()

	s.signal()
	return nil
}

// WriteBatch encodes a pipeline batch and queues the resulting lines. It is a
// processor.SinkFunc.
func (s *LineSink) WriteBatch(batch models.Batch) error {
	lines, skipped := EncodeBatch(batch, s.cfg.Unit)
	if skipped > 0 {
		s.log.WithComponent("line_sink").WithFields(logger.Fields{
			"batch_id": batch.ID,
			"skipped":  skipped,
		}).Warn("skipped unconvertible batch items")
	}
	if err := s.Write(lines); err != nil {
		return fmt.Errorf("write batch %s: %w", batch.ID, err)
	}
	return nil
}

// WriteTick queues a single index tick.
func (s *LineSink) WriteTick(tick models.IndexTick) error {
	rec := IndexRecord(tick)
	line, err := rec.AppendLine(nil, s.cfg.Unit)
	if err != nil {
		return err
	}
	return s.Write([][]byte{line})
}

func (s *LineSink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *LineSink) drop(lines [][]byte, reason error, stage metrics.DropMetric) {
	atomic.AddInt64(&s.dropped, int64(len(lines)))
	metrics.EmitDropMetric(s.log, stage, len(lines), "", "", "")
	if s.dropLimit.Allow() {
		s.log.WithComponent("line_sink").WithFields(logger.Fields{
			"addr":  s.cfg.Addr,
			"lines": len(lines),
		}).WithError(reason).Warn("dropping lines")
	}
	if s.cfg.OnDrop == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.WithComponent("line_sink").WithField("panic", fmt.Sprint(r)).Error("drop callback panicked")
		}
	}()
	s.cfg.OnDrop(lines, reason)
}

// Pending returns a copy of the queued lines in send order.
func (s *LineSink) Pending() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *LineSink) run() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.exited = true
		s.changed.Broadcast()
		s.mu.Unlock()
	}()
	log := s.log.WithComponent("line_sink").WithFields(logger.Fields{"addr": s.cfg.Addr})
	bo := backoff.New(s.cfg.Retry)
	connectedBefore := false

	for {
		if s.ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		s.setState(StateConnecting)
		conn, err := s.cfg.Dial(s.ctx, "tcp", s.cfg.Addr)
		if err != nil {
			s.setState(StateDisconnected)
			if s.ctx.Err() != nil {
				return
			}
			delay, ok := bo.Next()
			if !ok {
				s.fail(log, err, bo.Attempt()-1)
				return
			}
			log.WithError(err).WithField("retry_in_ms", delay.Milliseconds()).Warn("failed to connect to time-series store")
			if backoff.Wait(s.ctx, s.cfg.Clock, delay) {
				return
			}
			continue
		}

		bo.Reset()
		if connectedBefore {
			atomic.AddInt64(&s.reconnects, 1)
			metrics.RecordSinkReconnect()
		}
		connectedBefore = true
		s.setState(StateConnected)
		log.Info("connected to time-series store")

		err = s.serve(conn)
		conn.Close()
		s.setState(StateDisconnected)

		s.mu.Lock()
		s.headOffset = 0
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("time-series connection lost")

		delay, ok := bo.Next()
		if !ok {
			s.fail(log, err, bo.Attempt()-1)
			return
		}
		if backoff.Wait(s.ctx, s.cfg.Clock, delay) {
			return
		}
	}
}

// fail moves the sink to FAILED and drops everything still pending.
func (s *LineSink) fail(log *logger.Entry, err error, attempts int) {
	log.WithError(err).WithField("attempts", attempts).Error("giving up on time-series store")

	s.mu.Lock()
	s.setState(StateFailed)
	lines := s.pending
	s.pending = nil
	s.headOffset = 0
	s.changed.Broadcast()
	s.mu.Unlock()

	if len(lines) > 0 {
		s.drop(lines, ErrTransportExhausted, metrics.DropSinkExhausted)
	}
}

// serve flushes pending lines over conn until the connection breaks or the
// sink is cancelled. A write deadline that interrupts a chunk keeps the
// unsent remainder at the head and retries on the same connection.
func (s *LineSink) serve(conn net.Conn) error {
	dead := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, conn)
		if err == nil {
			err = io.EOF
		}
		dead <- err
	}()

	buf := make([]byte, 0, maxChunkBytes)
	for {
		s.mu.Lock()
		buf = s.nextChunkLocked(buf[:0])
		s.mu.Unlock()

		if len(buf) == 0 {
			select {
			case <-s.ctx.Done():
				return s.ctx.Err()
			case err := <-dead:
				return err
			case <-s.wake:
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		n, err := conn.Write(buf)
		s.consume(n)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.WithComponent("line_sink").WithFields(logger.Fields{
					"addr":    s.cfg.Addr,
					"written": n,
					"chunk":   len(buf),
				}).Debug("partial write, retrying remainder")
				continue
			}
			return err
		}
	}
}

// nextChunkLocked copies as many pending lines as fit in one chunk, starting
// at the unsent part of the head line.
func (s *LineSink) nextChunkLocked(dst []byte) []byte {
	for i, line := range s.pending {
		if i == 0 {
			line = line[s.headOffset:]
		}
		if len(dst) > 0 && len(dst)+len(line) > maxChunkBytes {
			break
		}
		dst = append(dst, line...)
	}
	return dst
}

// consume removes n written bytes from the head of the queue.
func (s *LineSink) consume(n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&s.bytesSent, int64(n))
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := 0
	for n > 0 && len(s.pending) > 0 {
		rest := len(s.pending[0]) - s.headOffset
		if n < rest {
			s.headOffset += n
			n = 0
			break
		}
		n -= rest
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.headOffset = 0
		lines++
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	atomic.AddInt64(&s.linesSent, int64(lines))
	if lines > 0 {
		s.changed.Broadcast()
	}
}

// End stops accepting writes, waits up to ctx for pending lines to flush and
// closes the connection. Reconnects continue during the wait. Lines still
// pending afterwards are dropped. The flush wait ends early once the
// connection loop has exited, e.g. because the Start context was cancelled.
func (s *LineSink) End(ctx context.Context) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	started := s.started
	s.mu.Unlock()

	if started && s.State() != StateFailed {
		s.waitFlushed(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	left := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(left) > 0 {
		s.drop(left, ErrSinkClosed, metrics.DropSinkPending)
	}

	stats := s.GetStats()
	s.log.WithComponent("line_sink").WithFields(logger.Fields{
		"addr":       s.cfg.Addr,
		"lines_sent": stats.LinesSent,
		"dropped":    stats.Dropped,
		"reconnects": stats.Reconnects,
	}).Info("line sink closed")
}

func (s *LineSink) waitFlushed(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for len(s.pending) > 0 && !s.exited && s.State() != StateFailed && ctx.Err() == nil {
			s.changed.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		s.changed.Broadcast()
		s.mu.Unlock()
		<-done
	}
}

func (s *LineSink) GetStats() LineSinkStats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return LineSinkStats{
		State:      s.State().String(),
		Pending:    pending,
		LinesSent:  atomic.LoadInt64(&s.linesSent),
		BytesSent:  atomic.LoadInt64(&s.bytesSent),
		Dropped:    atomic.LoadInt64(&s.dropped),
		Reconnects: atomic.LoadInt64(&s.reconnects),
	}
}
