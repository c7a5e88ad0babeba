package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	appconfig "indexflow/config"
	"indexflow/internal/clock"
	"indexflow/internal/metrics"
	"indexflow/logger"
	"indexflow/models"
)

// MarketClient is the slice of the Binance futures API the collector polls.
type MarketClient interface {
	Depth(ctx context.Context, symbol string, limit int) (*futures.DepthResponse, error)
	Ticker(ctx context.Context, symbol string) (*futures.PriceChangeStats, error)
	WeightLimit(ctx context.Context) (int64, error)
}

// Publisher receives normalized snapshots and tickers for the fusion engines.
type Publisher interface {
	Publish(topic string, payload interface{}) error
}

// Pusher receives the same events as raw frames for the time-series store.
type Pusher interface {
	Push(topic string, ts time.Time, payload []byte) error
}

type CollectorStats struct {
	Polls     int64
	Failures  int64
	Published int64
	Pushed    int64
}

// Collector polls futures depth and 24h ticker for the configured symbols and
// republishes them in the normalized orderbook and ticker schemas.
type Collector struct {
	config  appconfig.CollectorConfig
	client  MarketClient
	bus     Publisher
	stream  Pusher
	limiter *rate.Limiter
	clock   clock.Clock
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	polls     int64
	failures  int64
	published int64
	pushed    int64
}

type orderbookPayload struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	Timestamp int64       `json:"timestamp"`
}

type tickerPayload struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Close     string `json:"close"`
	Volume    string `json:"volume,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewCollector builds a collector backed by the go-binance futures client.
func NewCollector(cfg appconfig.CollectorConfig, bus Publisher, stream Pusher) *Collector {
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: &weightTransport{
			base: http.DefaultTransport,
			log:  logger.GetLogger(),
		},
		Timeout: cfg.Timeout,
	}
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	logger.GetLogger().WithComponent("binance_collector").WithFields(logger.Fields{
		"exchange_id": cfg.ExchangeID,
		"symbols":     len(cfg.Symbols),
		"depth_limit": cfg.DepthLimit,
		"timeout":     cfg.Timeout,
	}).Info("binance collector initialized")

	return newCollector(cfg, &futuresClient{client: client}, bus, stream, nil)
}

func newCollector(cfg appconfig.CollectorConfig, client MarketClient, bus Publisher, stream Pusher, clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Collector{
		config:  cfg,
		client:  client,
		bus:     bus,
		stream:  stream,
		limiter: newWeightLimiter(cfg.WeightPerMinute),
		clock:   clk,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// newWeightLimiter spreads a per-minute request weight budget evenly, with a
// burst large enough for the heaviest single depth request.
func newWeightLimiter(perMinute int64) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perMinute / 60)
	if burst < depthWeight(1000) {
		burst = depthWeight(1000)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)
}

// depthWeight is the request weight Binance charges for a futures depth call.
func depthWeight(limit int) int {
	switch {
	case limit <= 50:
		return 2
	case limit <= 100:
		return 5
	case limit <= 500:
		return 10
	default:
		return 20
	}
}

const tickerWeight = 1

func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("binance_collector").WithFields(logger.Fields{"operation": "Start"})

	if limit, err := c.client.WeightLimit(ctx); err != nil {
		log.WithError(err).Warn("failed to fetch request weight limit")
	} else if limit > 0 && (c.config.WeightPerMinute <= 0 || limit < c.config.WeightPerMinute) {
		c.limiter = newWeightLimiter(limit)
		log.WithField("weight_per_minute", limit).Info("using exchange request weight limit")
	}

	natives := make([]string, 0, len(c.config.Symbols))
	for native := range c.config.Symbols {
		natives = append(natives, native)
	}
	sort.Strings(natives)

	for _, native := range natives {
		c.wg.Add(1)
		go c.worker(native, c.config.Symbols[native])
	}

	log.WithFields(logger.Fields{
		"symbols":  natives,
		"interval": c.config.IntervalMs,
	}).Info("binance collector started")
	return nil
}

// Stop waits for the workers, which exit once the Start context is cancelled.
func (c *Collector) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("binance_collector").Info("stopping binance collector")
	c.wg.Wait()
	c.log.WithComponent("binance_collector").Info("binance collector stopped")
}

func (c *Collector) worker(native, canonical string) {
	defer c.wg.Done()

	log := c.log.WithComponent("binance_collector").WithFields(logger.Fields{
		"symbol": native,
		"worker": "poller",
	})
	interval := c.config.Interval()

	for {
		now := c.clock.Now()
		next := now.Truncate(interval).Add(interval)
		select {
		case <-c.ctx.Done():
			log.Debug("worker stopped due to context cancellation")
			return
		case <-c.clock.After(next.Sub(now)):
		}

		start := c.clock.Now()
		c.poll(c.ctx, native, canonical)
		if took := c.clock.Now().Sub(start); took > interval {
			log.WithFields(logger.Fields{
				"duration": took.Milliseconds(),
				"interval": c.config.IntervalMs,
			}).Warn("poll took longer than interval")
		}
	}
}

// poll fetches one orderbook and one ticker for a symbol.
func (c *Collector) poll(ctx context.Context, native, canonical string) {
	atomic.AddInt64(&c.polls, 1)
	if err := c.collectOrderbook(ctx, native, canonical); err != nil && ctx.Err() == nil {
		atomic.AddInt64(&c.failures, 1)
		c.log.WithComponent("binance_collector").WithError(err).WithField("symbol", native).Warn("orderbook poll failed")
	}
	if err := c.collectTicker(ctx, native, canonical); err != nil && ctx.Err() == nil {
		atomic.AddInt64(&c.failures, 1)
		c.log.WithComponent("binance_collector").WithError(err).WithField("symbol", native).Warn("ticker poll failed")
	}
}

func (c *Collector) collectOrderbook(ctx context.Context, native, canonical string) error {
	if err := c.limiter.WaitN(ctx, depthWeight(c.config.DepthLimit)); err != nil {
		return err
	}

	start := time.Now()
	depth, err := c.client.Depth(ctx, native, c.config.DepthLimit)
	if err != nil {
		return fmt.Errorf("fetch depth: %w", err)
	}
	log := c.log.WithComponent("binance_collector").WithFields(logger.Fields{"symbol": native})
	logger.LogPerformanceEntry(log, "binance_collector", "depth_request", time.Since(start), logger.Fields{"symbol": native})

	observed := c.clock.Now()
	if depth.TradeTime > 0 {
		observed = time.UnixMilli(depth.TradeTime)
	} else if depth.Time > 0 {
		observed = time.UnixMilli(depth.Time)
	}

	payload := orderbookPayload{
		Exchange:  c.config.ExchangeID,
		Symbol:    canonical,
		Bids:      make([][2]string, 0, len(depth.Bids)),
		Asks:      make([][2]string, 0, len(depth.Asks)),
		Timestamp: observed.UnixMilli(),
	}
	for _, b := range depth.Bids {
		payload.Bids = append(payload.Bids, [2]string{b.Price, b.Quantity})
	}
	for _, a := range depth.Asks {
		payload.Asks = append(payload.Asks, [2]string{a.Price, a.Quantity})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal orderbook: %w", err)
	}
	c.emit(models.TopicOrderbook, canonical, observed, data)
	logger.LogDataFlowEntry(log, "binance_api", "bus", len(payload.Bids)+len(payload.Asks), "orderbook_levels")
	return nil
}

func (c *Collector) collectTicker(ctx context.Context, native, canonical string) error {
	if err := c.limiter.WaitN(ctx, tickerWeight); err != nil {
		return err
	}
	stats, err := c.client.Ticker(ctx, native)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}

	observed := c.clock.Now()
	if stats.CloseTime > 0 {
		observed = time.UnixMilli(stats.CloseTime)
	}
	data, err := json.Marshal(tickerPayload{
		Exchange:  c.config.ExchangeID,
		Symbol:    canonical,
		Close:     stats.LastPrice,
		Volume:    stats.Volume,
		Timestamp: observed.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal ticker: %w", err)
	}
	c.emit(models.TopicTicker, canonical, observed, data)
	return nil
}

// emit hands the payload to both outputs. Either may be absent.
func (c *Collector) emit(topic, symbol string, ts time.Time, data []byte) {
	log := c.log.WithComponent("binance_collector").WithFields(logger.Fields{
		"topic":  topic,
		"symbol": symbol,
	})
	if c.bus != nil {
		if err := c.bus.Publish(topic, data); err != nil {
			log.WithError(err).Debug("bus publish rejected")
		} else {
			atomic.AddInt64(&c.published, 1)
		}
	}
	if c.stream != nil {
		if err := c.stream.Push(topic, ts, data); err != nil {
			log.WithError(err).Debug("stream push rejected")
		} else {
			atomic.AddInt64(&c.pushed, 1)
		}
	}
}

func (c *Collector) GetStats() CollectorStats {
	return CollectorStats{
		Polls:     atomic.LoadInt64(&c.polls),
		Failures:  atomic.LoadInt64(&c.failures),
		Published: atomic.LoadInt64(&c.published),
		Pushed:    atomic.LoadInt64(&c.pushed),
	}
}

// futuresClient adapts *futures.Client to MarketClient.
type futuresClient struct {
	client *futures.Client
}

func (f *futuresClient) Depth(ctx context.Context, symbol string, limit int) (*futures.DepthResponse, error) {
	return f.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
}

func (f *futuresClient) Ticker(ctx context.Context, symbol string) (*futures.PriceChangeStats, error) {
	stats, err := f.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("no ticker returned for %s", symbol)
	}
	return stats[0], nil
}

// WeightLimit reads the REQUEST_WEIGHT per minute limit from exchangeInfo.
// It returns 0 when the exchange does not report one.
func (f *futuresClient) WeightLimit(ctx context.Context) (int64, error) {
	info, err := f.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// weightTransport reports the used request weight Binance returns on every
// response.
type weightTransport struct {
	base http.RoundTripper
	log  *logger.Log
}

const usedWeightHeader = "X-Mbx-Used-Weight-1m"

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if raw := resp.Header.Get(usedWeightHeader); raw != "" {
		if used, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			metrics.EmitMetric(t.log, "binance_collector", "used_weight", used, "gauge", logger.Fields{
				"path": req.URL.Path,
			})
		}
	}
	return resp, nil
}
