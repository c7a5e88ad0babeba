package processor

import (
	"context"
	"encoding/json"
	"sort"

	appconfig "indexflow/config"
	"indexflow/internal/clock"
	"indexflow/internal/symbols"
	"indexflow/logger"
	"indexflow/models"
)

// EngineGroup owns one FusionEngine per configured symbol and routes bus
// messages to them by canonical symbol.
type EngineGroup struct {
	engines map[string]*FusionEngine
	log     *logger.Log
}

func NewEngineGroup(cfg appconfig.IndexConfig, overrides *appconfig.IndexOverrides, clk clock.Clock, emit Emitter) *EngineGroup {
	g := &EngineGroup{
		engines: make(map[string]*FusionEngine, len(cfg.Symbols)),
		log:     logger.GetLogger(),
	}
	for _, sym := range cfg.Symbols {
		canonical := symbols.Canonical(sym)
		if canonical == "" {
			continue
		}
		g.engines[canonical] = NewFusionEngine(EngineConfigFrom(canonical, overrides.For(cfg, canonical)), clk, emit)
	}
	return g
}

// Engine returns the engine of a symbol in any supported notation.
func (g *EngineGroup) Engine(symbol string) (*FusionEngine, bool) {
	e, ok := g.engines[symbols.Canonical(symbol)]
	return e, ok
}

func (g *EngineGroup) Symbols() []string {
	out := make([]string, 0, len(g.engines))
	for s := range g.engines {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HandleMessage routes one pub/sub message. Unknown topics and symbols are ignored.
func (g *EngineGroup) HandleMessage(topic string, payload []byte) {
	if topic != models.TopicOrderbook && topic != models.TopicTicker {
		return
	}

	var head struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		g.log.WithComponent("engine_group").WithFields(logger.Fields{
			"topic": topic,
			"bytes": len(payload),
		}).WithError(err).Warn("failed to parse message")
		return
	}

	engine, ok := g.Engine(head.Symbol)
	if !ok {
		g.log.WithComponent("engine_group").WithFields(logger.Fields{
			"topic":  topic,
			"symbol": head.Symbol,
		}).Debug("no engine for symbol")
		return
	}

	switch topic {
	case models.TopicOrderbook:
		engine.OnSnapshot(payload)
	case models.TopicTicker:
		engine.OnTicker(payload)
	}
}

func (g *EngineGroup) Start(ctx context.Context) {
	for _, e := range g.engines {
		e.Start(ctx)
	}
}

func (g *EngineGroup) Stop() {
	for _, e := range g.engines {
		e.Stop()
	}
}
