package analytics

import (
	"html/template"
	"regexp"
	"strconv"
	"strings"
)

const (
	loaderScriptID = "gtag-loader"
	configScriptID = "gtag-config"
	tagHost        = "googletagmanager.com"
	loaderURL      = "https://www.googletagmanager.com/gtag/js?id="

	// CookiePrefix is the prefix of every cookie the tag sets.
	CookiePrefix = "_ga"
)

var measurementIDPattern = regexp.MustCompile(`^G-[A-Z0-9]{4,20}$`)

// Tag is the GA4 global site tag for one measurement ID.
type Tag struct {
	MeasurementID string
}

// Configured reports whether the tag has a usable measurement ID.
func (t Tag) Configured() bool {
	return measurementIDPattern.MatchString(t.MeasurementID)
}

// Scripts returns the loader and the inline configuration call. The
// configuration anonymizes the visitor's IP and restricts cookies to
// SameSite=None;Secure.
func (t Tag) Scripts() []Script {
	if !t.Configured() {
		return nil
	}
	id := strconv.Quote(t.MeasurementID)
	inline := "window.dataLayer = window.dataLayer || [];\n" +
		"function gtag(){dataLayer.push(arguments);}\n" +
		"gtag('js', new Date());\n" +
		"gtag('config', " + id + ", {page_path: window.location.pathname, cookie_flags: 'SameSite=None;Secure', anonymize_ip: true});\n"
	return []Script{
		{ID: loaderScriptID, Src: loaderURL + t.MeasurementID, Async: true},
		// id matched measurementIDPattern above.
		{ID: configScriptID, Inline: template.JS(inline)},
	}
}

// isTagScript matches the loader and any inline script driving gtag.
func isTagScript(s Script) bool {
	if s.Src != "" {
		return strings.Contains(s.Src, tagHost)
	}
	code := string(s.Inline)
	return strings.Contains(code, "gtag") || strings.Contains(code, "dataLayer")
}
