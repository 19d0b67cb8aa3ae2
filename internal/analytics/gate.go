// Package analytics loads and unloads the GA4 tag according to the visitor's
// consent and reports page views and events only while consent is granted.
package analytics

import (
	"errors"
	"regexp"
	"strings"

	"github.com/fieldmind/fieldmind-web/internal/consent"
	"github.com/fieldmind/fieldmind-web/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrInvalidEvent is returned for an event name GA4 would reject.
var ErrInvalidEvent = errors.New("invalid event name")

var eventNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,39}$`)

// Event is a custom analytics event.
type Event struct {
	Action         string   `json:"action"`
	Category       string   `json:"category,omitempty"`
	Label          string   `json:"label,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	NonInteraction bool     `json:"non_interaction,omitempty"`
}

// Validate checks the action name.
func (e Event) Validate() error {
	if !eventNamePattern.MatchString(e.Action) {
		return ErrInvalidEvent
	}
	return nil
}

func (e Event) params() map[string]any {
	p := map[string]any{}
	if e.Category != "" {
		p["event_category"] = e.Category
	}
	if e.Label != "" {
		p["event_label"] = e.Label
	}
	if e.Value != nil {
		p["value"] = *e.Value
	}
	if e.NonInteraction {
		p["non_interaction"] = true
	}
	return p
}

// ConsentSource reports whether analytics is currently granted.
// *consent.Manager implements it.
type ConsentSource interface {
	AnalyticsGranted() bool
}

// Gate couples a Document to the visitor's consent. It implements
// consent.Listener so a consent change loads or unloads the tag.
type Gate struct {
	doc      Document
	tag      Tag
	consent  ConsentSource
	reporter Reporter
	clientID string
	log      zerolog.Logger
}

// NewGate returns a Gate. A nil reporter is replaced by NopReporter.
func NewGate(doc Document, tag Tag, src ConsentSource, reporter Reporter, clientID string, log zerolog.Logger) *Gate {
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Gate{doc: doc, tag: tag, consent: src, reporter: reporter, clientID: clientID, log: log}
}

// Initialize loads the tag if consent is already granted.
func (g *Gate) Initialize() {
	if g.granted() {
		g.Load()
	}
}

// Loaded reports whether the tag loader is present in the document.
func (g *Gate) Loaded() bool {
	for _, s := range g.doc.Scripts() {
		if s.Src != "" && strings.Contains(s.Src, tagHost) {
			return true
		}
	}
	return false
}

// Load injects the tag. It does nothing if the tag is already present or no
// measurement ID is configured, and reports whether scripts were added.
func (g *Gate) Load() bool {
	if g.Loaded() {
		return false
	}
	scripts := g.tag.Scripts()
	if len(scripts) == 0 {
		g.log.Debug().Msg("analytics tag not configured; nothing to load")
		return false
	}
	for _, s := range scripts {
		g.doc.AddScript(s)
	}
	g.log.Debug().Str("measurement_id", g.tag.MeasurementID).Msg("analytics tag loaded")
	return true
}

// Unload removes the tag scripts and expires every _ga* cookie.
func (g *Gate) Unload() {
	removed := g.doc.RemoveScripts(isTagScript)
	var expired []string
	for _, name := range g.doc.CookieNames() {
		if strings.HasPrefix(name, CookiePrefix) {
			g.doc.ExpireCookie(name)
			expired = append(expired, name)
		}
	}
	if removed > 0 || len(expired) > 0 {
		g.log.Debug().Int("scripts", removed).Strs("cookies", expired).Msg("analytics tag unloaded")
	}
}

// ConsentChanged loads the tag on grant and unloads it otherwise.
func (g *Gate) ConsentChanged(_, next consent.Record) {
	if next.Analytics {
		g.Load()
		return
	}
	g.Unload()
}

// RecordPageView reports a page view. It is a no-op unless consent is granted
// and the tag is loaded; the return value reports whether the hit was handed
// to the reporter.
func (g *Gate) RecordPageView(path string) bool {
	if !g.ready(kindPageView) {
		return false
	}
	if path == "" {
		path = "/"
	}
	return g.reporter.Report(Hit{
		ClientID: g.clientID,
		Name:     "page_view",
		Params:   map[string]any{"page_path": path},
	})
}

// RecordEvent reports a custom event under the same conditions as
// RecordPageView. Invalid event names return ErrInvalidEvent.
func (g *Gate) RecordEvent(ev Event) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	if !g.ready(kindEvent) {
		return false, nil
	}
	return g.reporter.Report(Hit{
		ClientID: g.clientID,
		Name:     ev.Action,
		Params:   ev.params(),
	}), nil
}

func (g *Gate) granted() bool {
	return g.consent != nil && g.consent.AnalyticsGranted()
}

func (g *Gate) ready(kind string) bool {
	if !g.granted() {
		metrics.AnalyticsEvents.WithLabelValues(kind, "skipped_consent").Inc()
		return false
	}
	if !g.Loaded() {
		metrics.AnalyticsEvents.WithLabelValues(kind, "skipped_unloaded").Inc()
		return false
	}
	return true
}
