// Package stream carries [topic, ts, payload] frames from collectors to the
// indexer over websocket connections.
package stream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"indexflow/internal/bus"
	"indexflow/internal/clock"
	"indexflow/internal/metrics"
	"indexflow/internal/queue"
	"indexflow/internal/wire"
	"indexflow/logger"
	"indexflow/models"
)

const defaultReadLimit = 1 << 20

// ItemSink accepts well-formed items. processor.BatchAccumulator satisfies it.
type ItemSink interface {
	Push(item models.BatchItem) bool
}

// JobRunner accepts deferred jobs. queue.Queue satisfies it.
type JobRunner interface {
	Push(job queue.Job) bool
}

type ConsumerConfig struct {
	Addr      string
	ReadLimit int64
	Clock     clock.Clock
}

type ConsumerStats struct {
	Connections  int64
	Fast         int64
	Salvaged     int64
	Deferred     int64
	Rejected     int64
	Malformed    int64
	UnknownTopic int64
}

// Consumer binds the pull endpoint. Every collector connection gets its own
// sequential receive loop.
type Consumer struct {
	cfg      ConsumerConfig
	sink     ItemSink
	jobs     JobRunner
	upgrader websocket.Upgrader
	log      *logger.Log

	mu       sync.Mutex
	running  bool
	listener net.Listener
	server   *http.Server
	conns    map[*websocket.Conn]struct{}
	wg       sync.WaitGroup

	connections  int64
	fast         int64
	salvaged     int64
	deferred     int64
	rejected     int64
	malformed    int64
	unknownTopic int64
}

func NewConsumer(cfg ConsumerConfig, sink ItemSink, jobs JobRunner) *Consumer {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Consumer{
		cfg:  cfg,
		sink: sink,
		jobs: jobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
		log:   logger.GetLogger(),
	}
}

// Start binds the pull endpoint. A bind failure is returned so startup can abort.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("stream consumer already running")
	}

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind pull endpoint %s: %w", c.cfg.Addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(bus.Path, c.handleConn)
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	c.listener = ln
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.log.WithComponent("stream_consumer").WithError(err).Error("pull endpoint stopped")
		}
	}()

	c.log.WithComponent("stream_consumer").WithFields(logger.Fields{
		"listen":     ln.Addr().String(),
		"read_limit": c.cfg.ReadLimit,
	}).Info("stream consumer listening")
	return nil
}

// Addr returns the bound address, or "" when not running.
func (c *Consumer) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *Consumer) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.WithComponent("stream_consumer").WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conns[conn] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	atomic.AddInt64(&c.connections, 1)
	log := c.log.WithComponent("stream_consumer").WithField("remote", r.RemoteAddr)
	log.Info("collector connected")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("collector read loop ended")
			}
			break
		}
		c.HandleFrame(msg)
	}

	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
	conn.Close()
	log.Info("collector disconnected")
}

// HandleFrame routes one encoded frame. Well-formed push frames go straight
// to the sink; everything else is deferred to the work queue for salvage.
func (c *Consumer) HandleFrame(frame []byte) {
	parts, err := wire.Decode(frame)
	if err == nil && len(parts) == 3 {
		topic := string(parts[0])
		ts, tsErr := strconv.ParseInt(string(parts[1]), 10, 64)
		if tsErr == nil && ts > 0 && len(parts[2]) > 0 && models.IsKnownTopic(topic) {
			atomic.AddInt64(&c.fast, 1)
			c.sink.Push(models.BatchItem{
				Topic:      topic,
				Payload:    parts[2],
				ReceivedAt: time.UnixMilli(ts).UTC(),
			})
			return
		}
	}

	atomic.AddInt64(&c.deferred, 1)
	job := queue.Job{
		Name: "salvage_frame",
		Run: func(context.Context) error {
			return c.salvage(frame)
		},
	}
	if !c.jobs.Push(job) {
		atomic.AddInt64(&c.rejected, 1)
	}
}

func (c *Consumer) salvage(frame []byte) error {
	parts, err := wire.Decode(frame)
	if err != nil {
		atomic.AddInt64(&c.malformed, 1)
		return fmt.Errorf("salvage %d bytes: %w", len(frame), err)
	}

	now := c.cfg.Clock.Now().UTC()
	var topic string
	var payload []byte
	receivedAt := now

	switch len(parts) {
	case 2:
		topic, payload = string(parts[0]), parts[1]
	case 3:
		topic, payload = string(parts[0]), parts[2]
		if ts, err := strconv.ParseInt(string(parts[1]), 10, 64); err == nil && ts > 0 {
			receivedAt = time.UnixMilli(ts).UTC()
		}
	default:
		atomic.AddInt64(&c.malformed, 1)
		return fmt.Errorf("salvage frame with %d parts: %w", len(parts), wire.ErrMalformedFrame)
	}

	if !models.IsKnownTopic(topic) {
		atomic.AddInt64(&c.unknownTopic, 1)
		metrics.EmitDropMetric(c.log, metrics.DropStreamTopic, 1, "", topic, "")
		c.log.WithComponent("stream_consumer").WithFields(logger.Fields{
			"topic": topic,
			"bytes": len(payload),
		}).Warn("dropping frame with unknown topic")
		return nil
	}
	if len(payload) == 0 {
		atomic.AddInt64(&c.malformed, 1)
		return fmt.Errorf("salvage %s frame: empty payload: %w", topic, wire.ErrMalformedFrame)
	}

	atomic.AddInt64(&c.salvaged, 1)
	c.sink.Push(models.BatchItem{Topic: topic, Payload: payload, ReceivedAt: receivedAt})
	return nil
}

// Close stops accepting connections, closes open ones and waits for their
// receive loops or ctx expiry.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	srv := c.server
	for conn := range c.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	c.mu.Unlock()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown pull endpoint: %w", err)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close stream consumer: %w", ctx.Err())
	}
}

func (c *Consumer) GetStats() ConsumerStats {
	return ConsumerStats{
		Connections:  atomic.LoadInt64(&c.connections),
		Fast:         atomic.LoadInt64(&c.fast),
		Salvaged:     atomic.LoadInt64(&c.salvaged),
		Deferred:     atomic.LoadInt64(&c.deferred),
		Rejected:     atomic.LoadInt64(&c.rejected),
		Malformed:    atomic.LoadInt64(&c.malformed),
		UnknownTopic: atomic.LoadInt64(&c.unknownTopic),
	}
}
