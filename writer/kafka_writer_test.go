package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "indexflow/config"
	"indexflow/models"
)

type fakeMessageWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMessageWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestNewKafkaWriterRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaWriter(appconfig.KafkaConfig{Topic: "fkbrti.index"}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestKafkaWriterKeysBySymbol(t *testing.T) {
	fake := &fakeMessageWriter{}
	kw := newKafkaWriter(appconfig.KafkaConfig{Topic: "fkbrti.index", Buffer: 4}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	if err := kw.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := kw.Start(ctx); err == nil {
		t.Fatalf("expected error on double start")
	}

	mid := 99.5
	for _, sym := range []string{"BTC-KRW", "ETH-KRW"} {
		if !kw.Publish(models.IndexTick{Type: models.IndexType, Timestamp: time.Now(), Symbol: sym, IndexMid: &mid}) {
			t.Fatalf("publish %s rejected", sym)
		}
	}
	waitUntil(t, 2*time.Second, func() bool { return fake.count() == 2 })

	cancel()
	kw.Stop()

	if !fake.closed {
		t.Fatalf("underlying writer not closed")
	}
	if string(fake.msgs[0].Key) != "BTC-KRW" || string(fake.msgs[1].Key) != "ETH-KRW" {
		t.Fatalf("unexpected keys %q %q", fake.msgs[0].Key, fake.msgs[1].Key)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(fake.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("value is not json: %v", err)
	}
	if decoded["type"] != "fkbrti" || decoded["index_mid"] != 99.5 {
		t.Fatalf("unexpected payload %v", decoded)
	}
	if stats := kw.GetStats(); stats.Written != 2 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestKafkaWriterDropsWhenFull(t *testing.T) {
	kw := newKafkaWriter(appconfig.KafkaConfig{Topic: "fkbrti.index", Buffer: 1}, &fakeMessageWriter{})
	tick := models.IndexTick{Symbol: "BTC-KRW"}
	if !kw.Publish(tick) {
		t.Fatalf("first publish rejected")
	}
	if kw.Publish(tick) {
		t.Fatalf("second publish should be dropped")
	}
	if stats := kw.GetStats(); stats.Dropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestKafkaWriterCountsFailures(t *testing.T) {
	fake := &fakeMessageWriter{fail: true}
	kw := newKafkaWriter(appconfig.KafkaConfig{Topic: "fkbrti.index"}, fake)
	kw.Publish(models.IndexTick{Symbol: "BTC-KRW"})

	ctx, cancel := context.WithCancel(context.Background())
	if err := kw.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return kw.GetStats().Failed == 1 })
	cancel()
	kw.Stop()
}
