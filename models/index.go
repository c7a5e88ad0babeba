package models

import (
	"encoding/json"
	"time"
)

const IndexType = "fkbrti"

// Status reasons for expected exchanges, in classification precedence.
const (
	ReasonNoData    = "no_data"
	ReasonStale     = "stale"
	ReasonCrossed   = "crossed"
	ReasonEmptyBook = "empty_book"
	ReasonOK        = "ok"
)

// Tick-level reasons carried in IndexTick.Reason.
const (
	TickReasonProvisional = "provisional_fallback"
	TickReasonExpired     = "provisional_expired"
	TickReasonNoHistory   = "no_history"
)

const indexTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ExpectedStatusEntry reports the availability of one expected exchange.
type ExpectedStatusEntry struct {
	Exchange string  `json:"exchange"`
	Reason   string  `json:"reason"`
	Price    float64 `json:"price"`
}

// IndexTick is one emission of the fused index. Undefined values are nil
// and encode as JSON null.
type IndexTick struct {
	Type              string                `json:"type"`
	Timestamp         time.Time             `json:"-"`
	Symbol            string                `json:"symbol"`
	Depth             int                   `json:"depth"`
	StaleMs           int                   `json:"stale_ms"`
	ExpectedExchanges []string              `json:"expected_exchanges"`
	VWAPBuy           *float64              `json:"vwap_buy"`
	VWAPSell          *float64              `json:"vwap_sell"`
	IndexMid          *float64              `json:"index_mid"`
	Sources           []string              `json:"sources"`
	ExpectedStatus    []ExpectedStatusEntry `json:"expected_status"`
	Provisional       bool                  `json:"provisional"`
	NoPublish         bool                  `json:"no_publish"`
	Reason            string                `json:"reason,omitempty"`
}

type indexTickJSON struct {
	T string `json:"t"`
	indexTickAlias
}

type indexTickAlias IndexTick

func (t IndexTick) MarshalJSON() ([]byte, error) {
	return json.Marshal(indexTickJSON{
		T:              t.Timestamp.UTC().Format(indexTimeLayout),
		indexTickAlias: indexTickAlias(t),
	})
}

func (t *IndexTick) UnmarshalJSON(data []byte) error {
	var aux indexTickJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = IndexTick(aux.indexTickAlias)
	if aux.T != "" {
		ts, err := time.Parse(time.RFC3339Nano, aux.T)
		if err != nil {
			return err
		}
		t.Timestamp = ts
	}
	return nil
}

// Fresh reports whether the tick carries freshly computed values.
func (t *IndexTick) Fresh() bool {
	return !t.Provisional && !t.NoPublish
}

// Kind labels the tick for counters: fresh, provisional or no_publish.
func (t *IndexTick) Kind() string {
	switch {
	case t.NoPublish:
		return "no_publish"
	case t.Provisional:
		return "provisional"
	default:
		return "fresh"
	}
}
