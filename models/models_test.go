package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRawOrderBookDecoding(t *testing.T) {
	payload := `{"exchange_id":"101","symbol":"BTC-KRW",
		"bids":[["99","1"],[98,2],{"price":"97","qty":"3"},["bad","1"]],
		"asks":[[100,1]],
		"ts":"1700000000000"}`

	var raw RawOrderBook
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw.ID() != "101" {
		t.Fatalf("expected exchange_id alias, got %q", raw.ID())
	}
	if got := raw.ObservedAt(time.Now()); got.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected observed time %v", got)
	}

	var parsed []PriceLevel
	for _, l := range raw.Bids {
		if lvl, ok := ParseLevel(l); ok {
			parsed = append(parsed, lvl)
		}
	}
	if len(parsed) != 3 {
		t.Fatalf("expected 3 parsable bid levels, got %d", len(parsed))
	}
	if parsed[2].Price != 97 || parsed[2].Quantity != 3 {
		t.Fatalf("object level decoded wrong: %+v", parsed[2])
	}
}

func TestTimestampFallback(t *testing.T) {
	const nowMs = 1800000000000
	now := time.UnixMilli(nowMs)
	tests := []struct {
		name    string
		payload string
		want    int64
	}{
		{"epoch number", `{"timestamp":1700000000123}`, 1700000000123},
		{"rfc3339", `{"timestamp":"2024-01-02T03:04:05.006Z"}`, time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC).UnixMilli()},
		{"garbage", `{"timestamp":"yesterday"}`, nowMs},
		{"negative", `{"timestamp":-5}`, nowMs},
		{"missing", `{}`, nowMs},
		{"nan", `{"timestamp":"NaN"}`, nowMs},
		{"infinity", `{"timestamp":"Inf"}`, nowMs},
		{"overflow", `{"timestamp":1e300}`, nowMs},
		{"nanoseconds as ms", `{"timestamp":1700000000123456789}`, nowMs},
		{"ahead of now", `{"timestamp":1800000005000}`, nowMs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw RawOrderBook
			if err := json.Unmarshal([]byte(tt.payload), &raw); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := raw.ObservedAt(now).UnixMilli(); got != tt.want {
				t.Fatalf("got %d want %d", got, tt.want)
			}
		})
	}
}

func TestIndexTickJSON(t *testing.T) {
	buy := 100.5
	tick := IndexTick{
		Type:              IndexType,
		Timestamp:         time.Date(2024, 5, 1, 0, 0, 1, 250e6, time.UTC),
		Symbol:            "BTC-KRW",
		Depth:             15,
		StaleMs:           30000,
		ExpectedExchanges: []string{"101"},
		VWAPBuy:           &buy,
		Sources:           []string{},
		ExpectedStatus:    []ExpectedStatusEntry{{Exchange: "101", Reason: ReasonOK}},
		NoPublish:         true,
		Reason:            TickReasonNoHistory,
	}
	data, err := json.Marshal(tick)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{
		`"t":"2024-05-01T00:00:01.250Z"`,
		`"type":"fkbrti"`,
		`"vwap_buy":100.5`,
		`"vwap_sell":null`,
		`"index_mid":null`,
		`"sources":[]`,
		`"no_publish":true`,
		`"reason":"no_history"`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %s in %s", want, s)
		}
	}

	var out IndexTick
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Timestamp.Equal(tick.Timestamp) || out.VWAPSell != nil || *out.VWAPBuy != buy {
		t.Fatalf("decoded tick mismatch: %+v", out)
	}
	if out.Kind() != "no_publish" {
		t.Fatalf("unexpected kind %s", out.Kind())
	}
}
