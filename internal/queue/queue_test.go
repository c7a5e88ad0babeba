package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPushRejectsBeyondCapacity(t *testing.T) {
	release := make(chan struct{})
	var drops []error
	q := New(context.Background(), 1, 2, func(_ Job, err error) { drops = append(drops, err) })

	blocking := Job{Name: "block", Run: func(context.Context) error {
		<-release
		return nil
	}}

	if !q.Push(blocking) || !q.Push(blocking) {
		t.Fatalf("first two pushes should be accepted")
	}
	if q.Push(blocking) {
		t.Fatalf("third push should be rejected")
	}
	if len(drops) != 1 || !errors.Is(drops[0], ErrQueueFull) {
		t.Fatalf("expected exactly one ErrQueueFull drop, got %v", drops)
	}
	if d := q.Depth(); d > 2 {
		t.Fatalf("depth %d exceeds max depth", d)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if s := q.GetStats(); s.Accepted != 2 || s.Dropped != 1 || s.Completed != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	var running, peak int32
	q := New(context.Background(), 3, 100, nil)

	for i := 0; i < 30; i++ {
		q.Push(Job{Name: "work", Run: func(context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if peak > 3 {
		t.Fatalf("observed %d concurrent jobs, limit is 3", peak)
	}
	if s := q.GetStats(); s.Completed != 30 {
		t.Fatalf("expected 30 completed jobs, got %+v", s)
	}
}

func TestFailingJobsDoNotHaltQueue(t *testing.T) {
	q := New(context.Background(), 1, 10, nil)
	var wg sync.WaitGroup
	wg.Add(1)

	q.Push(Job{Name: "error", Run: func(context.Context) error { return errors.New("boom") }})
	q.Push(Job{Name: "panic", Run: func(context.Context) error { panic("boom") }})
	q.Push(Job{Name: "ok", Run: func(context.Context) error { wg.Done(); return nil }})

	wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if s := q.GetStats(); s.Failed != 2 || s.Completed != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestDrainTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	q := New(context.Background(), 1, 1, nil)
	q.Push(Job{Run: func(context.Context) error { <-release; return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClosedQueueDrops(t *testing.T) {
	var dropped int
	q := New(context.Background(), 1, 10, func(Job, error) { dropped++ })
	q.Close()
	if q.Push(Job{Name: "late"}) {
		t.Fatalf("closed queue accepted job")
	}
	if dropped != 1 {
		t.Fatalf("expected one drop callback, got %d", dropped)
	}
}

func TestPanickingDropCallback(t *testing.T) {
	q := New(context.Background(), 1, 1, func(Job, error) { panic("observer") })
	q.Close()
	if q.Push(Job{}) {
		t.Fatalf("expected rejection")
	}
}
