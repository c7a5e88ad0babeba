package processor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	appconfig "indexflow/config"
	"indexflow/internal/clock"
	"indexflow/internal/metrics"
	"indexflow/internal/symbols"
	"indexflow/logger"
	"indexflow/models"
)

// EngineConfig holds the fusion parameters of one symbol.
type EngineConfig struct {
	Symbol            string
	Depth             int
	Decimals          int
	TickInterval      time.Duration
	Stale             time.Duration
	ProvisionalMax    time.Duration
	ExpectedExchanges []string
}

func EngineConfigFrom(symbol string, c appconfig.IndexConfig) EngineConfig {
	return EngineConfig{
		Symbol:            symbols.Canonical(symbol),
		Depth:             c.Depth,
		Decimals:          c.Decimals,
		TickInterval:      c.TickInterval(),
		Stale:             c.Stale(),
		ProvisionalMax:    c.ProvisionalMax(),
		ExpectedExchanges: append([]string(nil), c.ExpectedExchanges...),
	}
}

// Emitter receives every tick the engine produces, including no_publish ticks.
type Emitter func(models.IndexTick)

type fallbackKind int

const (
	stateNoHistory fallbackKind = iota
	stateFresh
	stateProvisional
)

func (k fallbackKind) String() string {
	switch k {
	case stateFresh:
		return "fresh"
	case stateProvisional:
		return "provisional"
	default:
		return "no_history"
	}
}

// lastKnown holds the rounded values of the most recent fresh tick.
type lastKnown struct {
	ts   time.Time
	buy  float64
	sell float64
	mid  float64
}

// fallbackState is the only state carried from one tick to the next.
// since is meaningful only in stateProvisional.
type fallbackState struct {
	kind  fallbackKind
	last  lastKnown
	since time.Time
}

// FusionEngine merges the books of several exchanges for one symbol and emits
// an IndexTick on every tick interval.
type FusionEngine struct {
	cfg   EngineConfig
	store *BookStore
	clock clock.Clock
	emit  Emitter
	log   *logger.Log

	ticking atomic.Bool
	state   fallbackState

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	snapshotsApplied int64
	snapshotsSkipped int64
	ticksSkipped     int64
}

func NewFusionEngine(cfg EngineConfig, clk clock.Clock, emit Emitter) *FusionEngine {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &FusionEngine{
		cfg:   cfg,
		store: NewBookStore(),
		clock: clk,
		emit:  emit,
		log:   logger.GetLogger(),
	}
}

func (e *FusionEngine) Symbol() string { return e.cfg.Symbol }

func (e *FusionEngine) Store() *BookStore { return e.store }

// OnSnapshot normalizes an orderbook payload and overwrites the state of its
// exchange. Malformed payloads are logged and skipped.
func (e *FusionEngine) OnSnapshot(payload []byte) {
	snap, skipped, err := NormalizeSnapshot(payload, e.cfg.Depth, e.clock.Now())
	if err != nil {
		atomic.AddInt64(&e.snapshotsSkipped, 1)
		e.log.WithComponent("fusion_engine").WithFields(logger.Fields{
			"symbol": e.cfg.Symbol,
			"bytes":  len(payload),
		}).WithError(err).Warn("skipping malformed snapshot")
		return
	}
	if skipped > 0 {
		e.log.WithComponent("fusion_engine").WithFields(logger.Fields{
			"symbol":         e.cfg.Symbol,
			"exchange":       snap.ExchangeID,
			"skipped_levels": skipped,
		}).Debug("filtered invalid levels")
	}
	e.ApplySnapshot(snap)
}

// ApplySnapshot stores an already normalized snapshot.
func (e *FusionEngine) ApplySnapshot(snap models.OrderBookSnapshot) {
	e.store.Put(snap)
	atomic.AddInt64(&e.snapshotsApplied, 1)
}

// OnTicker records the ticker close of an exchange as its reference price.
func (e *FusionEngine) OnTicker(payload []byte) {
	var t models.Ticker
	if err := json.Unmarshal(payload, &t); err != nil || t.ID() == "" || t.Close <= 0 {
		e.log.WithComponent("fusion_engine").WithFields(logger.Fields{
			"symbol": e.cfg.Symbol,
			"bytes":  len(payload),
		}).WithError(err).Debug("skipping unusable ticker")
		return
	}
	e.store.SetReference(t.ID(), float64(t.Close))
}

// Start begins ticking every TickInterval. Calling Start on a running engine is a no-op.
func (e *FusionEngine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	ticker := e.clock.NewTicker(e.cfg.TickInterval)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				e.Tick()
			}
		}
	}()

	e.log.WithComponent("fusion_engine").WithFields(logger.Fields{
		"symbol":             e.cfg.Symbol,
		"tick_interval_ms":   e.cfg.TickInterval.Milliseconds(),
		"expected_exchanges": e.cfg.ExpectedExchanges,
	}).Info("fusion engine started")
}

// Stop cancels the ticker and waits for an in-flight tick. Safe to call repeatedly.
func (e *FusionEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.log.WithComponent("fusion_engine").WithFields(logger.Fields{
		"symbol":            e.cfg.Symbol,
		"snapshots_applied": atomic.LoadInt64(&e.snapshotsApplied),
		"snapshots_skipped": atomic.LoadInt64(&e.snapshotsSkipped),
		"ticks_skipped":     atomic.LoadInt64(&e.ticksSkipped),
	}).Info("fusion engine stopped")
}

// Tick computes and emits one IndexTick. It returns false without emitting
// when another tick is still running.
func (e *FusionEngine) Tick() (models.IndexTick, bool) {
	if !e.ticking.CompareAndSwap(false, true) {
		atomic.AddInt64(&e.ticksSkipped, 1)
		return models.IndexTick{}, false
	}
	defer e.ticking.Store(false)

	start := time.Now()
	now := e.clock.Now()
	tick := e.compute(now)

	metrics.RecordTick(tick.Symbol, tick.Kind())
	if e.emit != nil {
		e.emit(tick)
	}

	logger.LogPerformanceEntry(e.log.WithComponent("fusion_engine"), "fusion_engine", "tick", time.Since(start), logger.Fields{
		"symbol":  tick.Symbol,
		"kind":    tick.Kind(),
		"sources": len(tick.Sources),
	})
	return tick, true
}

func (e *FusionEngine) compute(now time.Time) models.IndexTick {
	cutoff := now.Add(-e.cfg.Stale)
	states := e.store.States()

	var bids, asks []models.PriceLevel
	sources := []string{}
	for _, id := range e.store.Exchanges() {
		st, ok := states[id]
		if !ok || st.LastUpdate.Before(cutoff) || isCrossed(&st.Snapshot) {
			continue
		}
		bids = append(bids, st.Snapshot.Bids...)
		asks = append(asks, st.Snapshot.Asks...)
		sources = append(sources, id)
	}
	bids = sortAndCap(bids, true, e.cfg.Depth)
	asks = sortAndCap(asks, false, e.cfg.Depth)

	buy, okBuy := vwap(asks)
	sell, okSell := vwap(bids)

	status := make([]models.ExpectedStatusEntry, 0, len(e.cfg.ExpectedExchanges))
	anyOk := false
	for _, id := range e.cfg.ExpectedExchanges {
		st, seen := states[id]
		reason := classify(st, seen, cutoff)
		if reason == models.ReasonOK {
			anyOk = true
		}
		status = append(status, models.ExpectedStatusEntry{
			Exchange: id,
			Reason:   reason,
			Price:    e.store.Reference(id),
		})
	}

	tick := models.IndexTick{
		Type:              models.IndexType,
		Timestamp:         now,
		Symbol:            e.cfg.Symbol,
		Depth:             e.cfg.Depth,
		StaleMs:           int(e.cfg.Stale.Milliseconds()),
		ExpectedExchanges: append([]string{}, e.cfg.ExpectedExchanges...),
		Sources:           sources,
		ExpectedStatus:    status,
	}

	if anyOk && okBuy && okSell {
		last := lastKnown{
			ts:   now,
			buy:  e.round(buy),
			sell: e.round(sell),
			mid:  e.round((buy + sell) / 2),
		}
		e.state = fallbackState{kind: stateFresh, last: last}
		tick.VWAPBuy, tick.VWAPSell, tick.IndexMid = floatPtr(last.buy), floatPtr(last.sell), floatPtr(last.mid)
		return tick
	}

	if e.state.kind == stateNoHistory {
		tick.NoPublish = true
		tick.Reason = models.TickReasonNoHistory
		return tick
	}

	if e.state.kind == stateFresh {
		e.state.kind = stateProvisional
		e.state.since = now
		e.log.WithComponent("fusion_engine").WithFields(logger.Fields{
			"symbol":  e.cfg.Symbol,
			"sources": len(sources),
		}).Warn("no expected exchange available, serving last known index")
	}
	last := e.state.last
	tick.VWAPBuy, tick.VWAPSell, tick.IndexMid = floatPtr(last.buy), floatPtr(last.sell), floatPtr(last.mid)

	if now.Sub(e.state.since) <= e.cfg.ProvisionalMax {
		tick.Provisional = true
		tick.Reason = models.TickReasonProvisional
	} else {
		tick.NoPublish = true
		tick.Reason = models.TickReasonExpired
	}
	return tick
}

// classify applies no_data > stale > crossed > empty_book > ok.
func classify(st ExchangeState, seen bool, cutoff time.Time) string {
	if !seen {
		return models.ReasonNoData
	}
	if st.LastUpdate.Before(cutoff) {
		return models.ReasonStale
	}
	empty := len(st.Snapshot.Bids) == 0 && len(st.Snapshot.Asks) == 0
	if !empty && isCrossed(&st.Snapshot) {
		return models.ReasonCrossed
	}
	if empty {
		return models.ReasonEmptyBook
	}
	return models.ReasonOK
}

func (e *FusionEngine) round(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(int32(e.cfg.Decimals)).Float64()
	return f
}

func floatPtr(v float64) *float64 { return &v }
