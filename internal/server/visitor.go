package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/analytics"
	"github.com/fieldmind/fieldmind-web/internal/consent"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// visitor is the per-request view of one browser: its consent cookie, the
// page head the tag is injected into, and the gate joining them.
type visitor struct {
	consent *consent.Manager
	head    *analytics.PageHead
	gate    *analytics.Gate
	banner  *consent.CookieStore
}

func (s *Server) visitor(c *gin.Context) *visitor {
	log := *zerolog.Ctx(c.Request.Context())
	store := consent.NewCookieStore(c.Request, c.Writer, consent.CookieOptions{
		Name:   s.cfg.ConsentCookieName,
		Domain: s.cfg.CookieDomain,
		Secure: s.cfg.CookieSecure,
	})
	mgr := consent.NewManager(store, log)

	banner := consent.NewCookieStore(c.Request, c.Writer, consent.CookieOptions{
		Name:    s.cfg.ConsentCookieName + "_prompted",
		Domain:  s.cfg.CookieDomain,
		Secure:  s.cfg.CookieSecure,
		Session: true,
	})
	if v, ok := banner.Load(); ok && v == "true" {
		mgr.MarkPrompted()
	}

	head := analytics.NewPageHead(c.Request, c.Writer, s.cfg.CookieDomain)
	gate := analytics.NewGate(head, s.tag, mgr, s.reporter, clientID(c.Request), log)
	mgr.Subscribe(gate)
	gate.Initialize()

	return &visitor{consent: mgr, head: head, gate: gate, banner: banner}
}

func clientID(r *http.Request) string {
	var value string
	if c, err := r.Cookie(analytics.CookiePrefix); err == nil {
		value = c.Value
	}
	return analytics.ClientID(value)
}

type policyResponse struct {
	DelayMS         int64 `json:"delay_ms"`
	ScrollThreshold int   `json:"scroll_threshold"`
}

func policy(p consent.PromptPolicy) policyResponse {
	return policyResponse{DelayMS: p.Delay.Milliseconds(), ScrollThreshold: p.ScrollThreshold}
}

type headResponse struct {
	Loaded         bool               `json:"loaded"`
	Scripts        []analytics.Script `json:"scripts"`
	HTML           string             `json:"html"`
	ExpiredCookies []string           `json:"expired_cookies,omitempty"`
}

func (v *visitor) headResponse() (headResponse, error) {
	html, err := v.head.Render()
	if err != nil {
		return headResponse{}, err
	}
	scripts := v.head.Scripts()
	if scripts == nil {
		scripts = []analytics.Script{}
	}
	return headResponse{
		Loaded:         v.gate.Loaded(),
		Scripts:        scripts,
		HTML:           string(html),
		ExpiredCookies: v.head.Expired(),
	}, nil
}

// queryInt reads a non-negative integer query parameter, 0 when absent or invalid.
func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func queryElapsed(c *gin.Context) time.Duration {
	return time.Duration(queryInt(c, "elapsed_ms")) * time.Millisecond
}
