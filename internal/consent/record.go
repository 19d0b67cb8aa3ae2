// Package consent holds the visitor's cookie-consent record, its storage and
// the state machine that drives the consent banner.
package consent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SchemaVersion is the current Record layout. Records without a version are
// the unversioned layout the site used before and decode with defaults.
const SchemaVersion = 1

var (
	// ErrMalformed is returned for a stored value that is not a JSON record.
	ErrMalformed = errors.New("consent record malformed")
	// ErrUnsupportedVersion is returned for a record written by a newer schema.
	ErrUnsupportedVersion = errors.New("consent record version unsupported")
)

// Record is the set of cookie-category opt-in flags.
type Record struct {
	Version     int   `json:"version"`
	Necessary   bool  `json:"necessary"`
	Analytics   bool  `json:"analytics"`
	Marketing   bool  `json:"marketing"`
	Preferences bool  `json:"preferences"`
	UpdatedAt   int64 `json:"updated_at,omitempty"` // unix seconds
}

// Default is the record assumed when nothing usable is stored.
func Default() Record {
	return Record{Version: SchemaVersion, Necessary: true}
}

// AllGranted is the record written by "Accept All".
func AllGranted() Record {
	return Record{Version: SchemaVersion, Necessary: true, Analytics: true, Marketing: true, Preferences: true}
}

// Normalize forces the invariant fields.
func (r Record) Normalize() Record {
	r.Version = SchemaVersion
	r.Necessary = true
	return r
}

// AllAccepted reports whether every optional category is granted.
func (r Record) AllAccepted() bool {
	return r.Analytics && r.Marketing && r.Preferences
}

// Decode parses a stored value. The value may be URL-escaped (cookie form)
// or raw JSON. Missing fields take their Default values; unknown fields are
// ignored. On error the caller should fall back to Default and re-prompt.
func Decode(raw string) (Record, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Default(), ErrMalformed
	}
	if !strings.HasPrefix(raw, "{") {
		unescaped, err := url.QueryUnescape(raw)
		if err != nil {
			return Default(), fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw = strings.TrimSpace(unescaped)
	}
	// null, arrays and scalars all unmarshal without error into a struct.
	if !strings.HasPrefix(raw, "{") {
		return Default(), fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	rec := Default()
	rec.Version = 0
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Default(), fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rec.Version > SchemaVersion || rec.Version < 0 {
		return Default(), fmt.Errorf("%w: %d", ErrUnsupportedVersion, rec.Version)
	}
	return rec.Normalize(), nil
}

// Encode returns the URL-escaped JSON form stored in the consent cookie.
func (r Record) Encode() (string, error) {
	data, err := json.Marshal(r.Normalize())
	if err != nil {
		return "", err
	}
	return url.QueryEscape(string(data)), nil
}
