package writer

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"indexflow/internal/backoff"
	"indexflow/models"
)

type dropRecorder struct {
	mu     sync.Mutex
	lines  []string
	reason error
}

func (d *dropRecorder) record(lines [][]byte, reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range lines {
		d.lines = append(d.lines, string(l))
	}
	d.reason = reason
}

func (d *dropRecorder) snapshot() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...), d.reason
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func lines(s ...string) [][]byte {
	out := make([][]byte, len(s))
	for i, v := range s {
		out[i] = []byte(v)
	}
	return out
}

func TestLineSinkFlushesPendingInOrderOnConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var allow atomic.Bool
	var dials atomic.Int32
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		dials.Add(1)
		if !allow.Load() {
			return nil, errors.New("connection refused")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, ln.Addr().String())
	}

	sink := NewLineSink(LineSinkConfig{
		Addr:  "store:9009",
		Retry: backoff.Policy{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		Dial:  dial,
	})
	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return dials.Load() >= 1 })

	if err := sink.Write(lines("a\n", "b\n")); err != nil {
		t.Fatalf("write while disconnected: %v", err)
	}
	pending := sink.Pending()
	if len(pending) != 2 || string(pending[0]) != "a\n" || string(pending[1]) != "b\n" {
		t.Fatalf("unexpected pending buffer %q", pending)
	}

	allow.Store(true)
	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(3 * time.Second))
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "a\nb\n" {
		t.Fatalf("receiver observed %q", buf)
	}

	waitUntil(t, time.Second, func() bool { return len(sink.Pending()) == 0 })
	if sink.State() != StateConnected {
		t.Fatalf("expected connected, got %s", sink.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sink.End(ctx)
	if stats := sink.GetStats(); stats.LinesSent != 2 || stats.BytesSent != 4 || stats.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLineSinkPendingOverflow(t *testing.T) {
	drops := &dropRecorder{}
	sink := NewLineSink(LineSinkConfig{Addr: "unused:1", MaxPending: 2, OnDrop: drops.record})

	if err := sink.Write(lines("a\n", "b\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Write(lines("c\n")); !errors.Is(err, ErrPendingFull) {
		t.Fatalf("expected ErrPendingFull, got %v", err)
	}

	dropped, reason := drops.snapshot()
	if len(dropped) != 1 || dropped[0] != "c\n" || !errors.Is(reason, ErrPendingFull) {
		t.Fatalf("unexpected drops %q (%v)", dropped, reason)
	}
	if got := len(sink.Pending()); got != 2 {
		t.Fatalf("pending should keep earlier lines, got %d", got)
	}
}

func TestLineSinkExhaustsReconnects(t *testing.T) {
	drops := &dropRecorder{}
	sink := NewLineSink(LineSinkConfig{
		Addr:   "store:9009",
		Retry:  backoff.Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2},
		OnDrop: drops.record,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	})
	if err := sink.Write(lines("a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		dropped, _ := drops.snapshot()
		return sink.State() == StateFailed && len(dropped) == 1
	})

	if err := sink.Write(lines("b\n")); !errors.Is(err, ErrTransportExhausted) {
		t.Fatalf("expected ErrTransportExhausted, got %v", err)
	}
	dropped, reason := drops.snapshot()
	if len(dropped) != 2 || dropped[0] != "a\n" || dropped[1] != "b\n" {
		t.Fatalf("unexpected drops %q", dropped)
	}
	if !errors.Is(reason, ErrTransportExhausted) {
		t.Fatalf("unexpected drop reason %v", reason)
	}
	sink.End(context.Background())
}

func TestLineSinkEndFlushesPending(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- ""
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- string(data)
	}()

	sink := NewLineSink(LineSinkConfig{
		Addr:  ln.Addr().String(),
		Retry: backoff.Policy{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})
	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tick := models.IndexTick{Type: models.IndexType, Timestamp: time.UnixMilli(1700000000000), Symbol: "BTC-KRW", NoPublish: true}
	if err := sink.WriteTick(tick); err != nil {
		t.Fatalf("write tick: %v", err)
	}
	if err := sink.Write(lines("x v=1i 1\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sink.End(ctx)

	select {
	case got := <-received:
		want := "fkbrti,symbol=BTC-KRW sources=0i,provisional=f,no_publish=t,expected_ok=0i 1700000000000\nx v=1i 1\n"
		if got != want {
			t.Fatalf("got  %q\nwant %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("receiver never finished")
	}

	if err := sink.Write(lines("late\n")); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("expected ErrSinkClosed after End, got %v", err)
	}
}

func TestLineSinkEndFlushesAfterReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var allow atomic.Bool
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		if !allow.Load() {
			return nil, errors.New("connection refused")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, ln.Addr().String())
	}
	drops := &dropRecorder{}
	sink := NewLineSink(LineSinkConfig{
		Addr:   "store:9009",
		Retry:  backoff.Policy{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
		Dial:   dial,
		OnDrop: drops.record,
	})
	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sink.Write(lines("x\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		allow.Store(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	started := time.Now()
	sink.End(ctx)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("End waited %s for a store that came back", elapsed)
	}
	if dropped, _ := drops.snapshot(); len(dropped) != 0 {
		t.Fatalf("lines dropped on shutdown: %q", dropped)
	}

	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(time.Second))
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "x\n" {
		t.Fatalf("receiver got %q (%v)", buf, err)
	}
}

func TestLineSinkEndReturnsOnceLoopExited(t *testing.T) {
	drops := &dropRecorder{}
	sink := NewLineSink(LineSinkConfig{
		Addr:   "store:9009",
		Retry:  backoff.Policy{Base: time.Hour, Max: time.Hour},
		OnDrop: drops.record,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	})
	runCtx, stop := context.WithCancel(context.Background())
	if err := sink.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sink.Write(lines("x\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started := time.Now()
	sink.End(ctx)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("End blocked %s after the connection loop exited", elapsed)
	}
	dropped, reason := drops.snapshot()
	if len(dropped) != 1 || dropped[0] != "x\n" || !errors.Is(reason, ErrSinkClosed) {
		t.Fatalf("unexpected drops %q (%v)", dropped, reason)
	}
}

func TestLineSinkConsumePartial(t *testing.T) {
	sink := NewLineSink(LineSinkConfig{Addr: "unused:1"})
	if err := sink.Write(lines("abc\n", "de\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	sink.consume(2)
	sink.mu.Lock()
	chunk := string(sink.nextChunkLocked(nil))
	sink.mu.Unlock()
	if chunk != "c\nde\n" {
		t.Fatalf("remainder should stay at head, got %q", chunk)
	}

	sink.consume(3)
	pending := sink.Pending()
	if len(pending) != 1 || string(pending[0]) != "de\n" {
		t.Fatalf("unexpected pending %q", pending)
	}
	if stats := sink.GetStats(); stats.LinesSent != 1 || stats.BytesSent != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
