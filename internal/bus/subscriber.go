package bus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"indexflow/internal/backoff"
	"indexflow/internal/clock"
	"indexflow/internal/wire"
	"indexflow/logger"
)

// Handler receives each [topic, payload] frame. It runs on the read loop of
// the endpoint that delivered the frame.
type Handler func(topic string, payload []byte)

type SubscriberConfig struct {
	Endpoints []string
	Topics    []string
	Retry     backoff.Policy
	Clock     clock.Clock
	Dialer    *websocket.Dialer
}

type SubscriberStats struct {
	Received   int64
	Malformed  int64
	Reconnects int64
}

// Subscriber connects to one or more publishers and hands every frame to the
// handler. Each endpoint reconnects independently.
type Subscriber struct {
	cfg     SubscriberConfig
	handler Handler
	log     *logger.Log

	received   int64
	malformed  int64
	reconnects int64
}

func NewSubscriber(cfg SubscriberConfig, handler Handler) *Subscriber {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Subscriber{cfg: cfg, handler: handler, log: logger.GetLogger()}
}

// Run blocks until ctx is cancelled or every endpoint has exhausted its
// reconnect ceiling. Exhaustion is reported as ErrTransportExhausted.
func (s *Subscriber) Run(ctx context.Context) error {
	if len(s.cfg.Endpoints) == 0 {
		return errors.New("bus subscriber has no endpoints")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ep := range s.cfg.Endpoints {
		wg.Add(1)
		go func(ep string) {
			defer wg.Done()
			if err := s.runEndpoint(ctx, ep); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(ep)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Subscriber) endpointURL(ep string) string {
	u := url.URL{Scheme: "ws", Host: ep, Path: Path}
	if len(s.cfg.Topics) > 0 {
		u.RawQuery = url.Values{"topics": {strings.Join(s.cfg.Topics, ",")}}.Encode()
	}
	return u.String()
}

func (s *Subscriber) runEndpoint(ctx context.Context, ep string) error {
	target := s.endpointURL(ep)
	log := s.log.WithComponent("bus_subscriber").WithFields(logger.Fields{"endpoint": ep})
	bo := backoff.New(s.cfg.Retry)

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := s.cfg.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay, ok := bo.Next()
			if !ok {
				log.WithError(err).WithField("attempts", bo.Attempt()-1).Error("giving up on bus endpoint")
				return fmt.Errorf("%s: %w", ep, ErrTransportExhausted)
			}
			log.WithError(err).WithField("retry_in_ms", delay.Milliseconds()).Warn("failed to connect to bus endpoint")
			if backoff.Wait(ctx, s.cfg.Clock, delay) {
				return nil
			}
			continue
		}

		bo.Reset()
		log.Info("connected to bus endpoint")

		release := CloseOnDone(ctx, conn)
		pingCancel := StartPingLoop(ctx, conn, DefaultKeepAlive, log)
		err = s.readFrames(conn, log)
		pingCancel()
		release()
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		atomic.AddInt64(&s.reconnects, 1)
		log.WithError(err).Warn("bus endpoint read loop ended")

		delay, ok := bo.Next()
		if !ok {
			return fmt.Errorf("%s: %w", ep, ErrTransportExhausted)
		}
		if backoff.Wait(ctx, s.cfg.Clock, delay) {
			return nil
		}
	}
}

func (s *Subscriber) readFrames(conn *websocket.Conn, log *logger.Entry) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		parts, err := wire.Decode(msg)
		if err != nil || len(parts) != 2 {
			atomic.AddInt64(&s.malformed, 1)
			log.WithField("bytes", len(msg)).Debug("ignoring malformed bus frame")
			continue
		}
		atomic.AddInt64(&s.received, 1)
		s.dispatch(string(parts[0]), parts[1], log)
	}
}

func (s *Subscriber) dispatch(topic string, payload []byte, log *logger.Entry) {
	if s.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"topic": topic, "panic": r}).Error("bus handler panicked")
		}
	}()
	s.handler(topic, payload)
}

func (s *Subscriber) GetStats() SubscriberStats {
	return SubscriberStats{
		Received:   atomic.LoadInt64(&s.received),
		Malformed:  atomic.LoadInt64(&s.malformed),
		Reconnects: atomic.LoadInt64(&s.reconnects),
	}
}
