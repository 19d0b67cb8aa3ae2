package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/fieldmind/fieldmind-web/internal/provider/mailchimp"
	"github.com/fieldmind/fieldmind-web/internal/provider/relay"
)

// MockRelay implements submission.Relay. Safe for concurrent use.
type MockRelay struct {
	mu   sync.Mutex
	sent []relay.Message
	// Error injection: consumed on the next Send.
	nextErr error
	// Sticky error returned by every Send while set.
	err error
}

// NewMockRelay returns an empty MockRelay.
func NewMockRelay() *MockRelay {
	return &MockRelay{}
}

// Send records msg, or returns an injected error without recording.
func (m *MockRelay) Send(_ context.Context, msg relay.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextErr != nil {
		err := m.nextErr
		m.nextErr = nil
		return err
	}
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// FailNext makes the next Send return err.
func (m *MockRelay) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErr = err
}

// FailAlways makes every Send return err until called with nil.
func (m *MockRelay) FailAlways(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Sent returns a copy of the delivered messages.
func (m *MockRelay) Sent() []relay.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]relay.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// Calls returns the number of successful sends.
func (m *MockRelay) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// MockSubscriber implements submission.Subscriber with an in-memory audience
// that answers "Member Exists" for duplicates the way the real API does.
type MockSubscriber struct {
	mu      sync.Mutex
	members map[string]mailchimp.Member
	errs    []error // consumed in order, one per call
	calls   int
}

// NewMockSubscriber returns an empty audience.
func NewMockSubscriber() *MockSubscriber {
	return &MockSubscriber{members: make(map[string]mailchimp.Member)}
}

// AddMember adds m, rejecting duplicates with a Member Exists APIError.
func (m *MockSubscriber) AddMember(_ context.Context, member mailchimp.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}
	key := strings.ToLower(member.Email)
	if _, ok := m.members[key]; ok {
		return &mailchimp.APIError{Status: 400, Title: mailchimp.TitleMemberExists,
			Detail: member.Email + " is already a list member."}
	}
	m.members[key] = member
	return nil
}

// Preload adds existing members without counting calls.
func (m *MockSubscriber) Preload(emails ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range emails {
		m.members[strings.ToLower(e)] = mailchimp.Member{Email: e}
	}
}

// QueueErrors makes the next len(errs) calls return errs in order. A nil
// entry lets that call proceed normally.
func (m *MockSubscriber) QueueErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Member returns the stored member for email.
func (m *MockSubscriber) Member(email string) (mailchimp.Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[strings.ToLower(email)]
	return mem, ok
}

// Calls returns the number of AddMember calls, including failed ones.
func (m *MockSubscriber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
