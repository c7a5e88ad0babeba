package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "indexflow/config"
	"indexflow/internal/clock"
	"indexflow/logger"
	"indexflow/models"
	"indexflow/processor"
)

type fakeMarket struct {
	depth     *futures.DepthResponse
	ticker    *futures.PriceChangeStats
	depthErr  error
	tickerErr error
	limit     int64

	mu      sync.Mutex
	symbols []string
}

func (f *fakeMarket) Depth(_ context.Context, symbol string, _ int) (*futures.DepthResponse, error) {
	f.mu.Lock()
	f.symbols = append(f.symbols, symbol)
	f.mu.Unlock()
	return f.depth, f.depthErr
}

func (f *fakeMarket) Ticker(context.Context, string) (*futures.PriceChangeStats, error) {
	return f.ticker, f.tickerErr
}

func (f *fakeMarket) WeightLimit(context.Context) (int64, error) { return f.limit, nil }

type emitted struct {
	topic   string
	ts      time.Time
	payload []byte
}

type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) Publish(topic string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{topic: topic, payload: payload.([]byte)})
	return nil
}

func (r *recorder) Push(topic string, ts time.Time, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{topic: topic, ts: ts, payload: payload})
	return nil
}

func (r *recorder) snapshot() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

func collectorConfig() appconfig.CollectorConfig {
	cfg := appconfig.Default().Collector
	cfg.ExchangeID = "104"
	cfg.Symbols = map[string]string{"BTCUSDT": "BTC-USDT"}
	cfg.WeightPerMinute = 0
	return cfg
}

func TestPollPublishesNormalizedEvents(t *testing.T) {
	market := &fakeMarket{
		depth: &futures.DepthResponse{
			TradeTime: 1700000000000,
			Bids:      []futures.Bid{{Price: "100.5", Quantity: "2"}, {Price: "100", Quantity: "0"}},
			Asks:      []futures.Ask{{Price: "101", Quantity: "1.5"}},
		},
		ticker: &futures.PriceChangeStats{LastPrice: "100.75", Volume: "1234", CloseTime: 1700000000500},
	}
	bus := &recorder{}
	stream := &recorder{}
	c := newCollector(collectorConfig(), market, bus, stream, clock.NewFake(time.UnixMilli(1700000009999)))

	c.poll(context.Background(), "BTCUSDT", "BTC-USDT")

	published := bus.snapshot()
	if len(published) != 2 || published[0].topic != models.TopicOrderbook || published[1].topic != models.TopicTicker {
		t.Fatalf("unexpected bus events %+v", published)
	}

	snap, skipped, err := processor.NormalizeSnapshot(published[0].payload, 15, time.Now())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if snap.ExchangeID != "104" || snap.Symbol != "BTC-USDT" || len(snap.Bids) != 1 || len(snap.Asks) != 1 || skipped != 1 {
		t.Fatalf("unexpected snapshot %+v (skipped %d)", snap, skipped)
	}
	if !snap.ObservedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("observed at %s", snap.ObservedAt)
	}

	var ticker models.Ticker
	if err := json.Unmarshal(published[1].payload, &ticker); err != nil {
		t.Fatalf("decode ticker: %v", err)
	}
	if ticker.ID() != "104" || float64(ticker.Close) != 100.75 || ticker.Volume == nil || float64(*ticker.Volume) != 1234 {
		t.Fatalf("unexpected ticker %+v", ticker)
	}

	pushed := stream.snapshot()
	if len(pushed) != 2 || pushed[0].ts.UnixMilli() != 1700000000000 || pushed[1].ts.UnixMilli() != 1700000000500 {
		t.Fatalf("unexpected stream frames %+v", pushed)
	}
	if stats := c.GetStats(); stats.Polls != 1 || stats.Published != 2 || stats.Pushed != 2 || stats.Failures != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPollCountsFailures(t *testing.T) {
	market := &fakeMarket{
		depthErr:  errors.New("503"),
		tickerErr: errors.New("503"),
	}
	bus := &recorder{}
	c := newCollector(collectorConfig(), market, bus, nil, nil)

	c.poll(context.Background(), "BTCUSDT", "BTC-USDT")

	if stats := c.GetStats(); stats.Failures != 2 || stats.Published != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(bus.snapshot()) != 0 {
		t.Fatalf("nothing should be published on failure")
	}
}

func TestCollectorPollsOnInterval(t *testing.T) {
	fake := clock.NewFake(time.Unix(1700000000, 0))
	market := &fakeMarket{
		depth:  &futures.DepthResponse{},
		ticker: &futures.PriceChangeStats{LastPrice: "1"},
	}
	c := newCollector(collectorConfig(), market, &recorder{}, nil, fake)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Fatalf("second start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.GetStats().Polls < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("collector did not poll, stats %+v", c.GetStats())
		}
		if fake.Waiters() > 0 {
			fake.Advance(time.Second)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	c.Stop()

	market.mu.Lock()
	defer market.mu.Unlock()
	if market.symbols[0] != "BTCUSDT" {
		t.Fatalf("polled unexpected symbol %v", market.symbols)
	}
}

func TestDepthWeight(t *testing.T) {
	tests := []struct {
		limit, want int
	}{
		{5, 2}, {20, 2}, {50, 2}, {100, 5}, {500, 10}, {1000, 20},
	}
	for _, tt := range tests {
		if got := depthWeight(tt.limit); got != tt.want {
			t.Fatalf("depthWeight(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestWeightTransportPassesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &weightTransport{base: http.DefaultTransport, log: logger.GetLogger()}}
	resp, err := client.Get(srv.URL + "/fapi/v1/depth")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get(usedWeightHeader) != "42" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, resp.Header)
	}
}
