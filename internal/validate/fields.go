package validate

import (
	"strings"
	"unicode/utf8"
)

// Required reports whether every value is non-empty after trimming.
func Required(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// LengthBetween reports whether the trimmed message has between min and max
// runes inclusive. max <= 0 disables the upper bound.
func LengthBetween(message string, min, max int) (tooShort, tooLong bool) {
	n := utf8.RuneCountInString(strings.TrimSpace(message))
	if n < min {
		return true, false
	}
	if max > 0 && n > max {
		return false, true
	}
	return false, false
}

// DefaultDisposableDomains are the throwaway-mail providers rejected on the
// newsletter path.
var DefaultDisposableDomains = []string{
	"10minutemail.com",
	"tempmail.com",
	"throwawaymail.com",
	"mailinator.com",
	"guerrillamail.com",
	"sharklasers.com",
	"yopmail.com",
	"trashmail.com",
	"getairmail.com",
	"fakeinbox.com",
	"temp-mail.org",
}

// DenyList is a set of disposable mail domains, matched exactly (no
// subdomain matching) and case-insensitively.
type DenyList struct {
	domains map[string]struct{}
}

// NewDenyList builds a DenyList from the defaults plus extra.
func NewDenyList(extra ...string) *DenyList {
	d := &DenyList{domains: make(map[string]struct{}, len(DefaultDisposableDomains)+len(extra))}
	for _, list := range [][]string{DefaultDisposableDomains, extra} {
		for _, domain := range list {
			domain = strings.ToLower(strings.TrimSpace(domain))
			if domain != "" {
				d.domains[domain] = struct{}{}
			}
		}
	}
	return d
}

// IsDisposable reports whether email's domain is on the list.
func (d *DenyList) IsDisposable(email string) bool {
	if d == nil {
		return false
	}
	domain := Domain(email)
	if domain == "" {
		return false
	}
	_, ok := d.domains[domain]
	return ok
}

// Len returns the number of distinct domains.
func (d *DenyList) Len() int {
	if d == nil {
		return 0
	}
	return len(d.domains)
}
