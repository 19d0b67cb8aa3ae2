package consent

import (
	"net/http"
	"time"
)

// PromptPolicy decides when a deferred prompt is due: after Delay has
// elapsed or once the page has scrolled past ScrollThreshold pixels,
// whichever comes first.
type PromptPolicy struct {
	Delay           time.Duration
	ScrollThreshold int
}

var (
	// CookieBanner is the consent banner's policy.
	CookieBanner = PromptPolicy{Delay: time.Second, ScrollThreshold: 300}
	// NewsletterPopup is the newsletter popup's policy.
	NewsletterPopup = PromptPolicy{Delay: 5 * time.Second, ScrollThreshold: 300}
)

// Due reports whether the prompt should be shown now.
func (p PromptPolicy) Due(elapsed time.Duration, scrollY int) bool {
	return elapsed >= p.Delay || scrollY > p.ScrollThreshold
}

// PopupSession tracks whether the newsletter popup was already shown,
// dismissed or submitted during this browsing session.
type PopupSession struct {
	store Store
}

// NewPopupSession wraps store; pass a session-scoped store.
func NewPopupSession(store Store) *PopupSession {
	return &PopupSession{store: store}
}

// NewPopupCookieStore returns the session cookie store for the popup flag.
func NewPopupCookieStore(r *http.Request, w http.ResponseWriter, name, domain string, secure bool) *CookieStore {
	return NewCookieStore(r, w, CookieOptions{Name: name, Domain: domain, Secure: secure, Session: true})
}

// Interacted reports whether the flag is set.
func (s *PopupSession) Interacted() bool {
	v, ok := s.store.Load()
	return ok && v == "true"
}

// MarkInteracted sets the flag for the rest of the session.
func (s *PopupSession) MarkInteracted() error {
	return s.store.Save("true")
}

// ShouldShow reports whether to show the popup now.
func (s *PopupSession) ShouldShow(elapsed time.Duration, scrollY int) bool {
	return !s.Interacted() && NewsletterPopup.Due(elapsed, scrollY)
}
