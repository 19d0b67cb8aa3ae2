package testutil

import (
	"sync"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/storage"
)

// MockRateStore implements storage.RateStore over the in-memory store with
// per-method error injection and call counting. Safe for concurrent use.
type MockRateStore struct {
	inner storage.RateStore

	mu sync.Mutex
	// Error injection: method -> next error (consumed on first call).
	errors map[string]error
	// Sticky errors returned until cleared with SetStickyError(method, nil).
	sticky map[string]error
	calls  map[string]int

	// Size is the value returned by SizeBytes.
	Size int64
}

// NewMockRateStore returns an empty store using the real clock.
func NewMockRateStore() *MockRateStore {
	return NewMockRateStoreWithClock(time.Now)
}

// NewMockRateStoreWithClock returns an empty store reading time from now.
func NewMockRateStoreWithClock(now func() time.Time) *MockRateStore {
	return &MockRateStore{
		inner:  storage.NewMemoryRateStoreWithClock(now),
		errors: make(map[string]error),
		sticky: make(map[string]error),
		calls:  make(map[string]int),
		Size:   4096,
	}
}

// SetError injects an error returned by the next call to method.
func (m *MockRateStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetStickyError makes every call to method return err until cleared.
func (m *MockRateStore) SetStickyError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sticky, method)
		return
	}
	m.sticky[method] = err
}

// Calls returns how many times method was called.
func (m *MockRateStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockRateStore) enter(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	if err, ok := m.errors[method]; ok {
		delete(m.errors, method)
		return err
	}
	return m.sticky[method]
}

func (m *MockRateStore) Allow(key string, window time.Duration, max int) (storage.RateDecision, error) {
	if err := m.enter("Allow"); err != nil {
		return storage.RateDecision{}, err
	}
	return m.inner.Allow(key, window, max)
}

func (m *MockRateStore) Prune(window time.Duration) (int, error) {
	if err := m.enter("Prune"); err != nil {
		return 0, err
	}
	return m.inner.Prune(window)
}

func (m *MockRateStore) Len() (int, error) {
	if err := m.enter("Len"); err != nil {
		return 0, err
	}
	return m.inner.Len()
}

func (m *MockRateStore) SizeBytes() (int64, error) {
	if err := m.enter("SizeBytes"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Size, nil
}

func (m *MockRateStore) Close() error {
	if err := m.enter("Close"); err != nil {
		return err
	}
	return m.inner.Close()
}
