package processor

import (
	"sort"
	"sync"
	"time"

	"indexflow/models"
)

// ExchangeState is the latest normalized book of one exchange.
type ExchangeState struct {
	Snapshot   models.OrderBookSnapshot
	LastUpdate time.Time
}

// BookStore keeps the latest book per exchange for one symbol together with
// the most recent ticker close used as reference price. Entries are created
// on first write, overwritten by every later write and never removed.
type BookStore struct {
	mu         sync.RWMutex
	states     map[string]ExchangeState
	references map[string]float64
}

func NewBookStore() *BookStore {
	return &BookStore{
		states:     make(map[string]ExchangeState),
		references: make(map[string]float64),
	}
}

// Put overwrites the state of the snapshot's exchange.
func (s *BookStore) Put(snap models.OrderBookSnapshot) {
	s.mu.Lock()
	s.states[snap.ExchangeID] = ExchangeState{Snapshot: snap, LastUpdate: snap.ObservedAt}
	s.mu.Unlock()
}

func (s *BookStore) Get(exchange string) (ExchangeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[exchange]
	return st, ok
}

// States returns a copy of all states keyed by exchange. Level slices are
// shared; snapshots are never mutated after Put.
func (s *BookStore) States() map[string]ExchangeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ExchangeState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Exchanges returns the known exchange ids in sorted order.
func (s *BookStore) Exchanges() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *BookStore) SetReference(exchange string, price float64) {
	s.mu.Lock()
	s.references[exchange] = price
	s.mu.Unlock()
}

// Reference returns the last ticker close of exchange, or 0 when unknown.
func (s *BookStore) Reference(exchange string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.references[exchange]
}

func (s *BookStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
