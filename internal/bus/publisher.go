package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"indexflow/internal/backoff"
	"indexflow/internal/clock"
	"indexflow/internal/metrics"
	"indexflow/internal/wire"
	"indexflow/logger"
)

var (
	ErrTransportExhausted = errors.New("bus transport reconnect attempts exhausted")
	ErrQueueFull          = errors.New("bus publish queue full")
	ErrClosed             = errors.New("bus publisher closed")
)

const (
	defaultSendBuffer = 1024
	writeWait         = 5 * time.Second
	Path              = "/ws"
)

type PublisherConfig struct {
	Addr       string
	SendBuffer int
	Retry      backoff.Policy
	Clock      clock.Clock
}

type outbound struct {
	topic string
	frame []byte
}

type PublisherStats struct {
	Published         int64
	Dropped           int64
	SubscriberDropped int64
	Subscribers       int
}

// Publisher fans [topic, payload] frames out to websocket subscribers. The
// listener is bound on first use; Publish only enqueues and never blocks.
type Publisher struct {
	cfg      PublisherConfig
	queue    chan outbound
	upgrader websocket.Upgrader

	subsMu sync.RWMutex
	subs   map[*subscriberConn]struct{}

	startOnce sync.Once
	ready     chan struct{}
	addr      atomic.Value
	exhausted atomic.Bool
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published         int64
	dropped           int64
	subscriberDropped int64

	dropLimit *rate.Limiter
	log       *logger.Log
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		cfg:   cfg,
		queue: make(chan outbound, cfg.SendBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs:      make(map[*subscriberConn]struct{}),
		ready:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		dropLimit: rate.NewLimiter(rate.Every(time.Second), 1),
		log:       logger.GetLogger(),
	}
}

// Bind binds the listener now instead of on first publish. A failure is
// returned to the caller so startup can abort.
func (p *Publisher) Bind() error {
	var err error
	p.startOnce.Do(func() {
		var ln net.Listener
		ln, err = net.Listen("tcp", p.cfg.Addr)
		if err != nil {
			err = fmt.Errorf("bind %s: %w", p.cfg.Addr, err)
			return
		}
		p.wg.Add(1)
		go p.run(ln)
	})
	return err
}

func (p *Publisher) ensureStarted() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run(nil)
	})
}

// Ready is closed once the listener is bound.
func (p *Publisher) Ready() <-chan struct{} { return p.ready }

// Addr returns the bound listener address, or "" before binding.
func (p *Publisher) Addr() string {
	if v, ok := p.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Publish serializes payload and enqueues it for every subscriber of topic.
// []byte and json.RawMessage payloads are sent as is.
func (p *Publisher) Publish(topic string, payload interface{}) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.exhausted.Load() {
		return ErrTransportExhausted
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal %s payload: %w", topic, err)
		}
	}

	p.ensureStarted()

	select {
	case p.queue <- outbound{topic: topic, frame: wire.EncodePubSub(topic, data)}:
		atomic.AddInt64(&p.published, 1)
		return nil
	default:
		p.drop(metrics.DropBusPublish, topic, 1)
		return ErrQueueFull
	}
}

func (p *Publisher) drop(stage metrics.DropMetric, topic string, n int) {
	if stage == metrics.DropBusSubscriber {
		atomic.AddInt64(&p.subscriberDropped, int64(n))
	} else {
		atomic.AddInt64(&p.dropped, int64(n))
	}
	metrics.EmitDropMetric(p.log, stage, n, "", topic, "")
	if p.dropLimit.Allow() {
		p.log.WithComponent("bus_publisher").WithFields(logger.Fields{
			"topic": topic,
			"stage": string(stage),
			"count": n,
		}).Warn("dropped bus messages")
	}
}

func (p *Publisher) run(ln net.Listener) {
	defer p.wg.Done()
	log := p.log.WithComponent("bus_publisher").WithFields(logger.Fields{"addr": p.cfg.Addr})
	bo := backoff.New(p.cfg.Retry)

	p.wg.Add(1)
	go p.dispatch()

	for {
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", p.cfg.Addr)
			if err != nil {
				delay, ok := bo.Next()
				if !ok {
					log.WithError(err).WithField("attempts", bo.Attempt()-1).Error("giving up binding bus endpoint")
					p.exhausted.Store(true)
					p.discardQueued()
					return
				}
				log.WithError(err).WithField("retry_in_ms", delay.Milliseconds()).Warn("failed to bind bus endpoint")
				if backoff.Wait(p.ctx, p.cfg.Clock, delay) {
					return
				}
				continue
			}
		}
		bo.Reset()
		p.markReady(ln.Addr().String())
		log.WithField("listen", ln.Addr().String()).Info("bus publisher listening")

		mux := http.NewServeMux()
		mux.HandleFunc(Path, p.handleSubscribe)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()

		select {
		case <-p.ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			return
		case err := <-errCh:
			log.WithError(err).Warn("bus listener stopped, rebinding")
			ln = nil
		}
	}
}

func (p *Publisher) markReady(addr string) {
	p.addr.Store(addr)
	select {
	case <-p.ready:
	default:
		close(p.ready)
	}
}

func (p *Publisher) discardQueued() {
	for {
		select {
		case msg := <-p.queue:
			p.drop(metrics.DropBusPublish, msg.topic, 1)
		default:
			return
		}
	}
}

func (p *Publisher) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.queue:
			if p.exhausted.Load() {
				p.drop(metrics.DropBusPublish, msg.topic, 1)
				continue
			}
			p.subsMu.RLock()
			for sub := range p.subs {
				if !sub.wants(msg.topic) {
					continue
				}
				if !sub.enqueue(msg.frame) {
					p.drop(metrics.DropBusSubscriber, msg.topic, 1)
				}
			}
			p.subsMu.RUnlock()
		}
	}
}

func (p *Publisher) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.WithComponent("bus_publisher").WithError(err).Warn("websocket upgrade failed")
		return
	}

	sub := &subscriberConn{
		conn:   conn,
		topics: topics,
		send:   make(chan []byte, p.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	p.subsMu.Lock()
	p.subs[sub] = struct{}{}
	p.subsMu.Unlock()

	p.log.WithComponent("bus_publisher").WithFields(logger.Fields{
		"remote": r.RemoteAddr,
		"topics": strings.Join(topics, ","),
	}).Info("subscriber connected")

	go sub.writeLoop(p.ctx)
	sub.readLoop()

	p.subsMu.Lock()
	delete(p.subs, sub)
	p.subsMu.Unlock()
	sub.close()

	p.log.WithComponent("bus_publisher").WithField("remote", r.RemoteAddr).Info("subscriber disconnected")
}

// Close stops accepting publishes, disconnects subscribers and waits for
// background goroutines or ctx expiry.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	p.subsMu.Lock()
	for sub := range p.subs {
		sub.close()
	}
	p.subsMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close bus publisher: %w", ctx.Err())
	}
}

func (p *Publisher) GetStats() PublisherStats {
	p.subsMu.RLock()
	n := len(p.subs)
	p.subsMu.RUnlock()
	return PublisherStats{
		Published:         atomic.LoadInt64(&p.published),
		Dropped:           atomic.LoadInt64(&p.dropped),
		SubscriberDropped: atomic.LoadInt64(&p.subscriberDropped),
		Subscribers:       n,
	}
}

// Subscribers returns the number of connected subscribers.
func (p *Publisher) Subscribers() int {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	return len(p.subs)
}

func parseTopics(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

type subscriberConn struct {
	conn      *websocket.Conn
	topics    []string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// wants reports whether the subscriber asked for topic. No topics means all.
func (s *subscriberConn) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (s *subscriberConn) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *subscriberConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.close()
				return
			}
		}
	}
}

// readLoop consumes control frames until the connection fails.
func (s *subscriberConn) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriberConn) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
