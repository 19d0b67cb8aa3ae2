package storage

import (
	"sync"
	"time"
)

type memoryRateStore struct {
	mu       sync.Mutex
	now      func() time.Time
	attempts map[string][]int64
}

// NewMemoryRateStore returns a process-local RateStore. State is lost on restart.
func NewMemoryRateStore() RateStore {
	return NewMemoryRateStoreWithClock(time.Now)
}

// NewMemoryRateStoreWithClock is NewMemoryRateStore with an injectable clock.
func NewMemoryRateStoreWithClock(now func() time.Time) RateStore {
	return &memoryRateStore{now: now, attempts: make(map[string][]int64)}
}

func (s *memoryRateStore) Allow(key string, window time.Duration, max int) (RateDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, decision := slide(s.attempts[key], s.now(), window, max)
	if len(log) == 0 {
		delete(s.attempts, key)
	} else {
		s.attempts[key] = log
	}
	return decision, nil
}

func (s *memoryRateStore) Prune(window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var pruned int
	for key, log := range s.attempts {
		before := len(log)
		log = expire(log, now, window)
		pruned += before - len(log)
		if len(log) == 0 {
			delete(s.attempts, key)
			continue
		}
		s.attempts[key] = log
	}
	return pruned, nil
}

func (s *memoryRateStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts), nil
}

func (s *memoryRateStore) SizeBytes() (int64, error) { return 0, nil }

func (s *memoryRateStore) Close() error { return nil }
