package testutil

import (
	"sync"

	"github.com/fieldmind/fieldmind-web/internal/analytics"
)

// MockReporter implements analytics.Reporter, keeping every accepted hit.
type MockReporter struct {
	mu   sync.Mutex
	hits []analytics.Hit
	// Reject makes Report discard hits and return false.
	Reject bool
}

// NewMockReporter returns an empty MockReporter.
func NewMockReporter() *MockReporter {
	return &MockReporter{}
}

func (m *MockReporter) Report(h analytics.Hit) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Reject {
		return false
	}
	m.hits = append(m.hits, h)
	return true
}

// Hits returns a copy of the accepted hits.
func (m *MockReporter) Hits() []analytics.Hit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]analytics.Hit(nil), m.hits...)
}

// Names returns the accepted hit names in order.
func (m *MockReporter) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.hits))
	for i, h := range m.hits {
		names[i] = h.Name
	}
	return names
}

// Reset forgets every recorded hit.
func (m *MockReporter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits = nil
}
