// Package ratelimit provides sliding-window request limiting for the
// API perimeter: a general limiter keyed by tenant, user, IP and path,
// and a stricter multi-key variant for pre-authentication endpoints.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store counts hits per key inside a sliding window. Implementations
// must be safe for concurrent use.
type Store interface {
	// Hit records one request against key and returns the number of
	// requests inside the window including this one, plus the time of
	// the oldest surviving request (zero when this is the first).
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (count int, oldest time.Time, err error)
}

// MemoryStore is the single-instance store: per-key timestamp lists,
// swept in the background so idle keys do not accumulate.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time)}
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.hits[key][:0]
	for _, ts := range s.hits[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.hits[key] = kept

	var oldest time.Time
	if len(kept) > 1 {
		oldest = kept[0]
	}
	return len(kept), oldest, nil
}

// StartSweep launches a background goroutine that drops keys whose
// newest hit is older than maxAge. It must not block request handling.
func (s *MemoryStore) StartSweep(interval, maxAge time.Duration) {
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.sweepStop:
				return
			case <-ticker.C:
				s.sweepOnce(time.Now().Add(-maxAge))
			}
		}
	}()
}

// StopSweep stops the background sweep.
func (s *MemoryStore) StopSweep() {
	if s.sweepStop == nil {
		return
	}
	close(s.sweepStop)
	<-s.sweepDone
	s.sweepStop = nil
}

func (s *MemoryStore) sweepOnce(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, stamps := range s.hits {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(s.hits, key)
		}
	}
}
