package processor

import (
	"testing"
	"time"

	"indexflow/models"
)

func TestBookStoreLastWriteWins(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	snaps := []models.OrderBookSnapshot{
		{ExchangeID: "101", Bids: []models.PriceLevel{{Price: 1, Quantity: 1}}, ObservedAt: base.Add(2 * time.Second)},
		{ExchangeID: "102", Bids: []models.PriceLevel{{Price: 2, Quantity: 1}}, ObservedAt: base},
		{ExchangeID: "101", Bids: []models.PriceLevel{{Price: 3, Quantity: 1}}, ObservedAt: base},
	}

	s := NewBookStore()
	for _, snap := range snaps {
		s.Put(snap)
	}

	st, ok := s.Get("101")
	if !ok {
		t.Fatalf("missing state for 101")
	}
	if st.Snapshot.Bids[0].Price != 3 || !st.LastUpdate.Equal(base) {
		t.Fatalf("expected the most recent write to win, got %+v", st)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 exchanges, got %d", s.Len())
	}
	if ids := s.Exchanges(); len(ids) != 2 || ids[0] != "101" || ids[1] != "102" {
		t.Fatalf("unexpected exchange order %v", ids)
	}
}

func TestBookStoreReference(t *testing.T) {
	s := NewBookStore()
	if got := s.Reference("101"); got != 0 {
		t.Fatalf("unknown reference should be 0, got %v", got)
	}
	s.SetReference("101", 99.5)
	if got := s.Reference("101"); got != 99.5 {
		t.Fatalf("reference = %v", got)
	}
}
