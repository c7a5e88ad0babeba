package processor

import (
	"errors"
	"testing"
	"time"

	"indexflow/models"
)

func TestNormalizeSnapshotFiltersSortsAndCaps(t *testing.T) {
	payload := []byte(`{"exchange":"101","symbol":"btc_krw",
		"bids":[[98,1],[99,"2"],[0,1],[97,-1],["x",1],[99,1],[96,1]],
		"asks":[[103,1],[101,1],[102,0],[101.5,2]],
		"timestamp":1700000000000}`)

	snap, skipped, err := NormalizeSnapshot(payload, 2, time.Now())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if snap.ExchangeID != "101" || snap.Symbol != "BTC-KRW" {
		t.Fatalf("unexpected identity %s %s", snap.ExchangeID, snap.Symbol)
	}
	if skipped != 4 {
		t.Fatalf("expected 4 skipped levels, got %d", skipped)
	}
	wantBids := []models.PriceLevel{{Price: 99, Quantity: 3}, {Price: 98, Quantity: 1}}
	wantAsks := []models.PriceLevel{{Price: 101, Quantity: 1}, {Price: 101.5, Quantity: 2}}
	if !equalLevels(snap.Bids, wantBids) {
		t.Fatalf("bids = %v, want %v", snap.Bids, wantBids)
	}
	if !equalLevels(snap.Asks, wantAsks) {
		t.Fatalf("asks = %v, want %v", snap.Asks, wantAsks)
	}
	if snap.ObservedAt.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected observed time %v", snap.ObservedAt)
	}
}

func TestNormalizeSnapshotMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":     `{"exchange":`,
		"no exchange":  `{"symbol":"BTC-KRW","bids":[],"asks":[]}`,
		"no symbol":    `{"exchange":"101","bids":[],"asks":[]}`,
		"bids not arr": `{"exchange":"101","symbol":"BTC-KRW","bids":"oops"}`,
	}
	for name, payload := range tests {
		if _, _, err := NormalizeSnapshot([]byte(payload), 15, time.Now()); !errors.Is(err, ErrMalformedSnapshot) {
			t.Errorf("%s: expected ErrMalformedSnapshot, got %v", name, err)
		}
	}
}

func TestNormalizeSnapshotTimestampFallback(t *testing.T) {
	now := time.UnixMilli(1700000000999)
	for _, ts := range []string{`"soon"`, `"NaN"`, `"Inf"`, `1e300`} {
		payload := `{"exchange":"101","symbol":"BTC-KRW","timestamp":` + ts + `}`
		snap, _, err := NormalizeSnapshot([]byte(payload), 15, now)
		if err != nil {
			t.Fatalf("normalize %s: %v", ts, err)
		}
		if !snap.ObservedAt.Equal(now) {
			t.Fatalf("timestamp %s: expected fallback to now, got %v", ts, snap.ObservedAt)
		}
		if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
			t.Fatalf("expected empty sides")
		}
	}
}

func TestIsCrossed(t *testing.T) {
	lvl := func(p float64) []models.PriceLevel { return []models.PriceLevel{{Price: p, Quantity: 1}} }
	tests := []struct {
		name string
		snap models.OrderBookSnapshot
		want bool
	}{
		{"normal", models.OrderBookSnapshot{Bids: lvl(99), Asks: lvl(100)}, false},
		{"locked", models.OrderBookSnapshot{Bids: lvl(100), Asks: lvl(100)}, false},
		{"crossed", models.OrderBookSnapshot{Bids: lvl(105), Asks: lvl(104)}, true},
		{"no asks", models.OrderBookSnapshot{Bids: lvl(99)}, true},
		{"no bids", models.OrderBookSnapshot{Asks: lvl(100)}, true},
		{"empty", models.OrderBookSnapshot{}, true},
	}
	for _, tt := range tests {
		if got := isCrossed(&tt.snap); got != tt.want {
			t.Errorf("%s: isCrossed = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestVWAP(t *testing.T) {
	if v, ok := vwap([]models.PriceLevel{{Price: 100, Quantity: 1}, {Price: 101, Quantity: 1}}); !ok || v != 100.5 {
		t.Fatalf("vwap = %v ok=%v", v, ok)
	}
	if _, ok := vwap(nil); ok {
		t.Fatalf("empty side should be undefined")
	}
}

func equalLevels(a, b []models.PriceLevel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
