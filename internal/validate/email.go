// Package validate holds the field checks shared by the contact and
// newsletter submission paths.
package validate

import (
	"errors"
	"net"
	"regexp"
	"strings"
)

const (
	maxLocalLength = 64
	maxEmailLength = 254
)

const atext = "[A-Za-z0-9!#$%&'*+/=?^_`{|}~-]"

var (
	emailPattern = regexp.MustCompile(
		"^" + atext + "+(?:\\." + atext + "+)*" +
			"@" +
			"(?:" +
			// dns name with at least one dot and an alphabetic TLD of 2+ chars
			"(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\\.)+[A-Za-z]{2,63}" +
			"|" +
			// bracket-delimited IPv4 literal
			"\\[(?:[0-9]{1,3}\\.){3}[0-9]{1,3}\\]" +
			")$")

	// ErrEmailRequired is returned for an empty (or all-whitespace) address.
	ErrEmailRequired = errors.New("Email is required")
	// ErrEmailInvalid is returned when the address fails the format check.
	ErrEmailInvalid = errors.New("Please enter a valid email address")
)

// IsValidEmailFormat reports whether email is a well-formed address. Bare IP
// domains are rejected; bracketed IPv4 literals are accepted.
func IsValidEmailFormat(email string) bool {
	if len(email) > maxEmailLength || !emailPattern.MatchString(email) {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	if at > maxLocalLength {
		return false
	}
	domain := email[at+1:]
	if strings.HasPrefix(domain, "[") {
		ip := net.ParseIP(strings.Trim(domain, "[]"))
		return ip != nil && ip.To4() != nil
	}
	return true
}

// ValidateEmail trims email and checks it. The returned error's text is the
// human-readable reason shown to the visitor.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrEmailRequired
	}
	if !IsValidEmailFormat(email) {
		return ErrEmailInvalid
	}
	return nil
}

// IsHoneypotFilled reports whether the hidden decoy field carries anything
// besides whitespace.
func IsHoneypotFilled(value string) bool {
	return strings.TrimSpace(value) != ""
}

// Domain returns the lower-cased domain part of email, or "" if there is none.
func Domain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}
