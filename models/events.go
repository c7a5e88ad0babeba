package models

import "time"

const (
	TopicOrderbook = "orderbook"
	TopicTicker    = "ticker"
	TopicTrade     = "trade"
	TopicIndex     = "index"
)

// IsKnownTopic reports whether topic belongs to the fixed topic set.
func IsKnownTopic(topic string) bool {
	switch topic {
	case TopicOrderbook, TopicTicker, TopicTrade, TopicIndex:
		return true
	}
	return false
}

// Ticker is the normalized ticker event.
type Ticker struct {
	Exchange   string    `json:"exchange"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Close      Number    `json:"close"`
	Volume     *Number   `json:"volume,omitempty"`
	Timestamp  Timestamp `json:"timestamp"`
}

func (t *Ticker) ID() string {
	if t.Exchange != "" {
		return t.Exchange
	}
	return t.ExchangeID
}

// Trade is the normalized trade event.
type Trade struct {
	Exchange   string    `json:"exchange"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Price      Number    `json:"price"`
	Qty        Number    `json:"qty"`
	Side       string    `json:"side"`
	TradeID    string    `json:"trade_id,omitempty"`
	Timestamp  Timestamp `json:"timestamp"`
}

func (t *Trade) ID() string {
	if t.Exchange != "" {
		return t.Exchange
	}
	return t.ExchangeID
}

// WireMessage is one push/pull frame. Ts is epoch milliseconds.
type WireMessage struct {
	Topic   string
	Ts      int64
	Payload []byte
}

// BatchItem is a raw event waiting to be written to the time-series store.
type BatchItem struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Batch is an ordered set of items flushed together.
type Batch struct {
	ID        string
	Items     []BatchItem
	CreatedAt time.Time
}
