package analytics

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	kindPageView = "page_view"
	kindEvent    = "event"
)

// Hit is one page view or event queued for delivery.
type Hit struct {
	ClientID string
	Name     string
	Params   map[string]any
	Time     time.Time
}

func (h Hit) kind() string {
	if h.Name == "page_view" {
		return kindPageView
	}
	return kindEvent
}

// Reporter delivers hits. Report must not block; it returns false when the
// hit was discarded.
type Reporter interface {
	Report(h Hit) bool
}

// NopReporter discards every hit. It is used when server-side reporting is
// not configured.
type NopReporter struct{}

func (NopReporter) Report(Hit) bool { return false }

// ClientID returns the GA client id carried by a _ga cookie value
// ("GA1.1.<random>.<timestamp>"), or a fresh random id when the value is
// absent or unrecognised.
func ClientID(gaCookie string) string {
	parts := strings.Split(gaCookie, ".")
	if len(parts) == 4 && strings.HasPrefix(parts[0], "GA") && parts[2] != "" && parts[3] != "" {
		return parts[2] + "." + parts[3]
	}
	return uuid.NewString()
}
