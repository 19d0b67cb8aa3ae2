package consent

import (
	"net/http"
	"sync"
	"time"
)

// Store persists a single serialized value under a fixed key.
type Store interface {
	// Load returns the stored value and whether one exists.
	Load() (string, bool)
	Save(value string) error
	Clear() error
}

// MemoryStore is a Store held in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	value string
	set   bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set
}

func (s *MemoryStore) Save(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.set = value, true
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.set = "", false
	return nil
}

// persistentMaxAge is the longest lifetime browsers honour (400 days).
const persistentMaxAge = 400 * 24 * time.Hour

// CookieOptions controls the attributes of a CookieStore cookie.
type CookieOptions struct {
	Name   string
	Domain string
	Secure bool
	// Session makes the cookie expire with the browsing session.
	Session bool
	// HTTPOnly hides the cookie from page scripts.
	HTTPOnly bool
}

// CookieStore keeps the value in a cookie on the visitor's browser. It is
// bound to one request/response pair; writes made during the request are
// visible to later Loads on the same store.
type CookieStore struct {
	r    *http.Request
	w    http.ResponseWriter
	opts CookieOptions

	pending *string
	cleared bool
}

// NewCookieStore binds a store to r and w.
func NewCookieStore(r *http.Request, w http.ResponseWriter, opts CookieOptions) *CookieStore {
	return &CookieStore{r: r, w: w, opts: opts}
}

func (s *CookieStore) Load() (string, bool) {
	if s.cleared {
		return "", false
	}
	if s.pending != nil {
		return *s.pending, true
	}
	c, err := s.r.Cookie(s.opts.Name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

func (s *CookieStore) Save(value string) error {
	c := s.cookie(value)
	if !s.opts.Session {
		c.MaxAge = int(persistentMaxAge / time.Second)
		c.Expires = time.Now().Add(persistentMaxAge)
	}
	if err := c.Valid(); err != nil {
		return err
	}
	http.SetCookie(s.w, c)
	s.pending, s.cleared = &value, false
	return nil
}

func (s *CookieStore) Clear() error {
	c := s.cookie("")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	http.SetCookie(s.w, c)
	s.pending, s.cleared = nil, true
	return nil
}

func (s *CookieStore) cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     s.opts.Name,
		Value:    value,
		Path:     "/",
		Domain:   s.opts.Domain,
		Secure:   s.opts.Secure,
		HttpOnly: s.opts.HTTPOnly,
		SameSite: http.SameSiteLaxMode,
	}
}
