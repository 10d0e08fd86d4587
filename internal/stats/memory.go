package stats

import (
	"context"
	"sync"
)

type Counters struct {
	Allowed        int64 `json:"allowed"`
	Rejected       int64 `json:"rejected"`
	AdmittedWeight int64 `json:"admitted_weight"`
}

func (c *Counters) add(ev Event) {
	if ev.Allowed {
		c.Allowed++
		c.AdmittedWeight += ev.Weight
		return
	}
	c.Rejected++
}

// MemoryStore keeps counters for the process lifetime. Nothing expires.
type MemoryStore struct {
	mu         sync.Mutex
	total      Counters
	byBucket   map[string]Counters
	byEndpoint map[string]Counters
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byBucket:   make(map[string]Counters),
		byEndpoint: make(map[string]Counters),
	}
}

func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)
	b := s.byBucket[ev.Bucket]
	b.add(ev)
	s.byBucket[ev.Bucket] = b
	if ev.Endpoint != "" {
		e := s.byEndpoint[ev.Endpoint]
		e.add(ev)
		s.byEndpoint[ev.Endpoint] = e
	}
	return nil
}

func (s *MemoryStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStore) ByBucket() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byBucket)
}

func (s *MemoryStore) ByEndpoint() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byEndpoint)
}

func copyCounters(in map[string]Counters) map[string]Counters {
	out := make(map[string]Counters, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
