package analytics

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"
	"time"
)

// Script is one element of the page head.
type Script struct {
	ID     string      `json:"id"`
	Src    string      `json:"src,omitempty"`
	Async  bool        `json:"async,omitempty"`
	Inline template.JS `json:"inline,omitempty"`
}

// Document is the page the analytics tag lives in: a list of head scripts
// plus the visitor's cookie jar.
type Document interface {
	Scripts() []Script
	AddScript(s Script)
	// RemoveScripts drops every script match returns true for and reports how
	// many were removed.
	RemoveScripts(match func(Script) bool) int
	CookieNames() []string
	ExpireCookie(name string)
}

var headTemplate = template.Must(template.New("head").Parse(
	`{{range .}}{{if and .Src .Async}}<script id="{{.ID}}" async src="{{.Src}}"></script>` +
		`{{else if .Src}}<script id="{{.ID}}" src="{{.Src}}"></script>` +
		`{{else}}<script id="{{.ID}}">{{.Inline}}</script>{{end}}
{{end}}`))

// PageHead is the Document for one HTTP exchange. Cookies are read from the
// request; expiries are written to the response as Set-Cookie headers.
type PageHead struct {
	r            *http.Request
	w            http.ResponseWriter
	cookieDomain string

	scripts []Script
	expired []string
}

// NewPageHead binds a document to r and w. cookieDomain is the domain the
// analytics cookies were set on (usually the site's registrable domain); when
// empty only host-only cookies are expired.
func NewPageHead(r *http.Request, w http.ResponseWriter, cookieDomain string) *PageHead {
	return &PageHead{r: r, w: w, cookieDomain: cookieDomain}
}

func (h *PageHead) Scripts() []Script {
	out := make([]Script, len(h.scripts))
	copy(out, h.scripts)
	return out
}

func (h *PageHead) AddScript(s Script) {
	h.scripts = append(h.scripts, s)
}

func (h *PageHead) RemoveScripts(match func(Script) bool) int {
	kept := h.scripts[:0]
	removed := 0
	for _, s := range h.scripts {
		if match(s) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	h.scripts = kept
	return removed
}

// CookieNames lists the request's cookies that have not been expired during
// this exchange.
func (h *PageHead) CookieNames() []string {
	var names []string
	for _, c := range h.r.Cookies() {
		if h.isExpired(c.Name) {
			continue
		}
		names = append(names, c.Name)
	}
	return names
}

func (h *PageHead) ExpireCookie(name string) {
	if h.isExpired(name) {
		return
	}
	h.expired = append(h.expired, name)
	domains := []string{""}
	if h.cookieDomain != "" {
		domains = append(domains, h.cookieDomain)
	}
	for _, d := range domains {
		http.SetCookie(h.w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   d,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
		})
	}
}

// Expired returns the cookie names expired during this exchange.
func (h *PageHead) Expired() []string {
	return append([]string(nil), h.expired...)
}

// Render returns the head scripts as HTML.
func (h *PageHead) Render() (template.HTML, error) {
	var buf bytes.Buffer
	if err := headTemplate.Execute(&buf, h.scripts); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

func (h *PageHead) isExpired(name string) bool {
	for _, n := range h.expired {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
