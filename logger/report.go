package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warns    sync.Map // map[string]*int64 keyed by component
	errs     sync.Map // map[string]*int64 keyed by component
	ticks    sync.Map // map[string]*int64 keyed by tick kind
	drops    sync.Map // map[string]*int64 keyed by stage
	channels sync.Map // map[string]*channelStat
)

func counter(m *sync.Map, key string) *int64 {
	v, _ := m.LoadOrStore(key, new(int64))
	return v.(*int64)
}

func recordWarn(component string) {
	atomic.AddInt64(counter(&warns, component), 1)
}

func recordError(component string) {
	atomic.AddInt64(counter(&errs, component), 1)
}

// IncrementTick counts an emitted index tick of the given kind
// (fresh, provisional or no_publish).
func IncrementTick(kind string) {
	atomic.AddInt64(counter(&ticks, kind), 1)
}

// RecordDrops counts n items dropped at the given pipeline stage.
func RecordDrops(stage string, n int) {
	atomic.AddInt64(counter(&drops, stage), int64(n))
}

// RecordChannelMessage accounts one message of size bytes on the named flow.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport begins periodic logging of runtime and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"warns":         snapshotCounters(&warns),
		"errors":        snapshotCounters(&errs),
		"ticks":         snapshotCounters(&ticks),
		"drops":         snapshotCounters(&drops),
		"channels":      channelData,
		"goroutines":    runtime.NumGoroutine(),
		"heap_alloc_mb": int64(mem.HeapAlloc) / 1024 / 1024,
		"num_gc":        mem.NumGC,
	}).Info("runtime report")
}
