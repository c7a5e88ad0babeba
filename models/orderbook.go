package models

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// PriceLevel represents a single price level in the orderbook
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// MarshalJSON encodes the level as the [price, qty] pair used on the wire.
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Price, l.Quantity})
}

func (l PriceLevel) Valid() bool {
	return l.Price > 0 && l.Quantity > 0
}

// OrderBookSnapshot is a normalized book: bids descending, asks ascending,
// both capped at the configured depth.
type OrderBookSnapshot struct {
	ExchangeID string       `json:"exchange"`
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	ObservedAt time.Time    `json:"-"`
}

func (s *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

func (s *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// RawOrderBook is the orderbook payload as published by collectors. Levels are
// kept raw so a single malformed level can be filtered without rejecting the book.
type RawOrderBook struct {
	Exchange   string            `json:"exchange"`
	ExchangeID string            `json:"exchange_id"`
	Symbol     string            `json:"symbol"`
	Bids       []json.RawMessage `json:"bids"`
	Asks       []json.RawMessage `json:"asks"`
	Timestamp  Timestamp         `json:"timestamp"`
	Ts         Timestamp         `json:"ts"`
}

// ID returns the exchange identifier, accepting exchange_id as an alias.
func (r *RawOrderBook) ID() string {
	if r.Exchange != "" {
		return r.Exchange
	}
	return r.ExchangeID
}

// ObservedAt resolves the observation time, falling back to now.
func (r *RawOrderBook) ObservedAt(now time.Time) time.Time {
	var ts time.Time
	switch {
	case r.Timestamp.Valid:
		ts = r.Timestamp.Time
	case r.Ts.Valid:
		ts = r.Ts.Time
	default:
		return now
	}
	// A clock running ahead must not keep a book fresh past its last update.
	if ts.After(now) {
		return now
	}
	return ts
}

// ParseLevel decodes a [price, qty] pair or a {"price","quantity"} object.
// Prices and quantities may be JSON numbers or numeric strings.
func ParseLevel(raw json.RawMessage) (PriceLevel, bool) {
	var pair []Number
	if err := json.Unmarshal(raw, &pair); err == nil {
		if len(pair) < 2 {
			return PriceLevel{}, false
		}
		return PriceLevel{Price: float64(pair[0]), Quantity: float64(pair[1])}, true
	}

	var obj struct {
		Price    *Number `json:"price"`
		Quantity *Number `json:"quantity"`
		Qty      *Number `json:"qty"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Price == nil {
		return PriceLevel{}, false
	}
	qty := obj.Quantity
	if qty == nil {
		qty = obj.Qty
	}
	if qty == nil {
		return PriceLevel{}, false
	}
	return PriceLevel{Price: float64(*obj.Price), Quantity: float64(*qty)}, true
}

// Number decodes from a JSON number or a numeric string.
type Number float64

var numberType = reflect.TypeOf(Number(0))

func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return &json.UnmarshalTypeError{Value: "null", Type: numberType}
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &json.UnmarshalTypeError{Value: "string " + s, Type: numberType}
	}
	*n = Number(f)
	return nil
}

// Timestamp decodes epoch milliseconds (number or numeric string) or an
// RFC3339 string. Unparseable values leave Valid false instead of failing.
type Timestamp struct {
	time.Time
	Valid bool
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	*t = Timestamp{}
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	if ts, ok := ParseTimestamp(s); ok {
		t.Time = ts
		t.Valid = true
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

// maxEpochMs rejects microsecond and nanosecond epochs sent as milliseconds.
const maxEpochMs = 1e15

// ParseTimestamp parses epoch milliseconds or RFC3339. Epochs that are not
// finite, not positive or beyond maxEpochMs are rejected.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 || ms >= maxEpochMs {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(ms)), true
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, true
	}
	return time.Time{}, false
}
