package consent

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/metrics"
	"github.com/rs/zerolog"
)

// State is the consent banner lifecycle: Unset -> Prompted -> AcceptedAll | Customized.
type State int

const (
	StateUnset State = iota
	StatePrompted
	StateAcceptedAll
	StateCustomized
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StatePrompted:
		return "prompted"
	case StateAcceptedAll:
		return "accepted_all"
	case StateCustomized:
		return "customized"
	}
	return "unknown"
}

// Listener is told about every effective consent change. The analytics gate
// implements it to load or unload the tag.
type Listener interface {
	ConsentChanged(prev, next Record)
}

// Manager reads and writes a visitor's consent through a Store. A Manager is
// used by one visitor at a time and is not safe for concurrent use.
type Manager struct {
	store     Store
	listeners []Listener
	log       zerolog.Logger
	now       func() time.Time
	prompted  bool
}

// NewManager returns a Manager over store notifying listeners.
func NewManager(store Store, log zerolog.Logger, listeners ...Listener) *Manager {
	return &Manager{store: store, listeners: listeners, log: log, now: time.Now}
}

// Subscribe adds a listener.
func (m *Manager) Subscribe(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Get returns the stored record, or Default when absent or unreadable.
// prompt is true when the banner should be shown: nothing stored yet, or the
// stored value could not be decoded.
func (m *Manager) Get() (rec Record, prompt bool) {
	raw, ok := m.store.Load()
	if !ok {
		return Default(), !m.prompted
	}
	rec, err := Decode(raw)
	if err != nil {
		m.log.Debug().Err(err).Msg("stored consent unreadable; prompting again")
		return Default(), true
	}
	return rec, false
}

// State derives the lifecycle state from what is stored.
func (m *Manager) State() State {
	raw, ok := m.store.Load()
	if !ok {
		if m.prompted {
			return StatePrompted
		}
		return StateUnset
	}
	rec, err := Decode(raw)
	if err != nil {
		if m.prompted {
			return StatePrompted
		}
		return StateUnset
	}
	if rec.AllAccepted() {
		return StateAcceptedAll
	}
	return StateCustomized
}

// MarkPrompted records that the banner has been shown.
func (m *Manager) MarkPrompted() {
	m.prompted = true
}

// AnalyticsGranted reports whether the stored record grants analytics.
func (m *Manager) AnalyticsGranted() bool {
	rec, _ := m.Get()
	return rec.Analytics
}

// AcceptAll grants every category.
func (m *Manager) AcceptAll() (Record, error) {
	return m.write("accept_all", AllGranted())
}

// SavePreferences persists the caller's choice. Necessary is forced true.
func (m *Manager) SavePreferences(rec Record) (Record, error) {
	return m.write("save", rec.Normalize())
}

// Reset deletes the stored record so the banner shows again. Listeners see a
// transition to Default, which revokes analytics.
func (m *Manager) Reset() error {
	prev, _ := m.Get()
	err := m.store.Clear()
	m.prompted = false
	m.notify(prev, Default())
	metrics.ConsentChanges.WithLabelValues("reset", "false").Inc()
	if err != nil {
		return fmt.Errorf("clear consent: %w", err)
	}
	return nil
}

// write persists next, then notifies listeners. A grant is only announced
// once persisted; a revocation is announced even if persisting failed, so
// analytics is never left running against a stored "denied".
func (m *Manager) write(action string, next Record) (Record, error) {
	prev, _ := m.Get()
	next.UpdatedAt = m.now().Unix()

	encoded, err := next.Encode()
	if err == nil {
		err = m.store.Save(encoded)
	}
	if err != nil {
		if !next.Analytics {
			m.notify(prev, next)
		}
		return prev, fmt.Errorf("persist consent: %w", err)
	}

	m.prompted = true
	m.notify(prev, next)
	metrics.ConsentChanges.WithLabelValues(action, strconv.FormatBool(next.Analytics)).Inc()
	m.log.Debug().Str("action", action).Bool("analytics", next.Analytics).
		Bool("marketing", next.Marketing).Bool("preferences", next.Preferences).Msg("consent updated")
	return next, nil
}

func (m *Manager) notify(prev, next Record) {
	for _, l := range m.listeners {
		l.ConsentChanged(prev, next)
	}
}
