package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"indexflow/internal/backoff"
	"indexflow/internal/bus"
	"indexflow/internal/clock"
	"indexflow/internal/metrics"
	"indexflow/internal/wire"
	"indexflow/logger"
	"indexflow/models"
)

var (
	ErrTransportExhausted = errors.New("stream transport reconnect attempts exhausted")
	ErrQueueFull          = errors.New("stream push buffer full")

	errConnClosed = errors.New("connection closed by peer")
)

const (
	defaultSendBuffer = 4096
	writeWait         = 5 * time.Second
)

type PusherConfig struct {
	Endpoint   string
	SendBuffer int
	Retry      backoff.Policy
	Clock      clock.Clock
	Dialer     *websocket.Dialer
}

type PusherStats struct {
	Queued     int64
	Sent       int64
	Dropped    int64
	Reconnects int64
}

// Pusher sends [topic, ts, payload] frames to a pull endpoint. Push only
// enqueues; Run owns the connection.
type Pusher struct {
	cfg       PusherConfig
	queue     chan models.WireMessage
	exhausted atomic.Bool
	dropLimit *rate.Limiter
	log       *logger.Log

	queued     int64
	sent       int64
	dropped    int64
	reconnects int64
}

func NewPusher(cfg PusherConfig) *Pusher {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Pusher{
		cfg:       cfg,
		queue:     make(chan models.WireMessage, cfg.SendBuffer),
		dropLimit: rate.NewLimiter(rate.Every(time.Second), 1),
		log:       logger.GetLogger(),
	}
}

// Push enqueues one frame stamped with ts. It never blocks.
func (p *Pusher) Push(topic string, ts time.Time, payload []byte) error {
	if p.exhausted.Load() {
		return ErrTransportExhausted
	}
	msg := models.WireMessage{Topic: topic, Ts: ts.UnixMilli(), Payload: payload}
	select {
	case p.queue <- msg:
		atomic.AddInt64(&p.queued, 1)
		return nil
	default:
		p.drop(topic, 1)
		return ErrQueueFull
	}
}

func (p *Pusher) drop(topic string, n int) {
	atomic.AddInt64(&p.dropped, int64(n))
	metrics.EmitDropMetric(p.log, metrics.DropStreamPush, n, "", topic, "")
	if p.dropLimit.Allow() {
		p.log.WithComponent("stream_pusher").WithFields(logger.Fields{
			"topic": topic,
			"count": n,
		}).Warn("dropped stream frames")
	}
}

// Run connects to the pull endpoint and writes queued frames until ctx is
// cancelled. It returns ErrTransportExhausted once the reconnect ceiling is hit.
func (p *Pusher) Run(ctx context.Context) error {
	target := (&url.URL{Scheme: "ws", Host: p.cfg.Endpoint, Path: bus.Path}).String()
	log := p.log.WithComponent("stream_pusher").WithFields(logger.Fields{"endpoint": p.cfg.Endpoint})
	bo := backoff.New(p.cfg.Retry)

	var pending *models.WireMessage
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := p.cfg.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay, ok := bo.Next()
			if !ok {
				log.WithError(err).WithField("attempts", bo.Attempt()-1).Error("giving up on pull endpoint")
				p.exhausted.Store(true)
				p.discard(pending)
				return fmt.Errorf("%s: %w", p.cfg.Endpoint, ErrTransportExhausted)
			}
			log.WithError(err).WithField("retry_in_ms", delay.Milliseconds()).Warn("failed to connect to pull endpoint")
			if backoff.Wait(ctx, p.cfg.Clock, delay) {
				return nil
			}
			continue
		}

		bo.Reset()
		log.Info("connected to pull endpoint")
		pingCancel := bus.StartPingLoop(ctx, conn, bus.DefaultKeepAlive, log)
		dead := make(chan struct{})
		go func() {
			drainControl(conn)
			close(dead)
		}()

		pending, err = p.writeLoop(ctx, conn, dead, pending)
		pingCancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		atomic.AddInt64(&p.reconnects, 1)
		log.WithError(err).Warn("pull endpoint connection lost")

		delay, ok := bo.Next()
		if !ok {
			p.exhausted.Store(true)
			p.discard(pending)
			return fmt.Errorf("%s: %w", p.cfg.Endpoint, ErrTransportExhausted)
		}
		if backoff.Wait(ctx, p.cfg.Clock, delay) {
			return nil
		}
	}
}

// writeLoop returns the frame that failed to send so it is retried first on
// the next connection.
func (p *Pusher) writeLoop(ctx context.Context, conn *websocket.Conn, dead <-chan struct{}, pending *models.WireMessage) (*models.WireMessage, error) {
	for {
		var msg models.WireMessage
		if pending != nil {
			msg = *pending
			pending = nil
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-dead:
				return nil, errConnClosed
			case msg = <-p.queue:
			}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodePush(msg)); err != nil {
			return &msg, err
		}
		atomic.AddInt64(&p.sent, 1)
	}
}

func (p *Pusher) discard(pending *models.WireMessage) {
	if pending != nil {
		p.drop(pending.Topic, 1)
	}
	for {
		select {
		case msg := <-p.queue:
			p.drop(msg.Topic, 1)
		default:
			return
		}
	}
}

// drainControl reads until the connection fails so pong and close frames are
// processed.
func drainControl(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (p *Pusher) GetStats() PusherStats {
	return PusherStats{
		Queued:     atomic.LoadInt64(&p.queued),
		Sent:       atomic.LoadInt64(&p.sent),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Reconnects: atomic.LoadInt64(&p.reconnects),
	}
}
