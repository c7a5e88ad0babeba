package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"indexflow/internal/symbols"
	"indexflow/models"
)

var ErrMalformedSnapshot = errors.New("malformed snapshot")

// NormalizeSnapshot parses an orderbook payload into a normalized snapshot.
// Non-positive or unparsable levels are filtered and counted in skipped.
func NormalizeSnapshot(payload []byte, depth int, now time.Time) (snap models.OrderBookSnapshot, skipped int, err error) {
	var raw models.RawOrderBook
	if err := json.Unmarshal(payload, &raw); err != nil {
		return snap, 0, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	id := raw.ID()
	if id == "" {
		return snap, 0, fmt.Errorf("%w: missing exchange id", ErrMalformedSnapshot)
	}
	symbol := symbols.Canonical(raw.Symbol)
	if symbol == "" {
		return snap, 0, fmt.Errorf("%w: missing symbol", ErrMalformedSnapshot)
	}

	bids, badBids := parseLevels(raw.Bids)
	asks, badAsks := parseLevels(raw.Asks)

	return models.OrderBookSnapshot{
		ExchangeID: id,
		Symbol:     symbol,
		Bids:       sortAndCap(bids, true, depth),
		Asks:       sortAndCap(asks, false, depth),
		ObservedAt: raw.ObservedAt(now),
	}, badBids + badAsks, nil
}

func parseLevels(raws []json.RawMessage) ([]models.PriceLevel, int) {
	levels := make([]models.PriceLevel, 0, len(raws))
	skipped := 0
	for _, r := range raws {
		lvl, ok := models.ParseLevel(r)
		if !ok || !lvl.Valid() || math.IsInf(lvl.Price, 0) || math.IsInf(lvl.Quantity, 0) {
			skipped++
			continue
		}
		levels = append(levels, lvl)
	}
	return levels, skipped
}

// sortAndCap orders levels (descending for bids), folds equal prices into one
// level by summing quantity and truncates to depth. levels is reordered in place.
func sortAndCap(levels []models.PriceLevel, desc bool, depth int) []models.PriceLevel {
	if len(levels) == 0 {
		return []models.PriceLevel{}
	}
	sort.SliceStable(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})

	out := make([]models.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if n := len(out); n > 0 && out[n-1].Price == lvl.Price {
			out[n-1].Quantity += lvl.Quantity
			continue
		}
		if depth > 0 && len(out) == depth {
			break
		}
		out = append(out, lvl)
	}
	return out
}

// isCrossed reports whether a book cannot contribute to the merge: a side is
// missing or the best bid exceeds the best ask.
func isCrossed(s *models.OrderBookSnapshot) bool {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return true
	}
	return bid.Price > ask.Price
}

// vwap returns Σ(price·qty)/Σ(qty). ok is false when the side carries no quantity.
func vwap(levels []models.PriceLevel) (float64, bool) {
	var notional, qty float64
	for _, l := range levels {
		notional += l.Price * l.Quantity
		qty += l.Quantity
	}
	if qty == 0 {
		return 0, false
	}
	return notional / qty, true
}
