package mailchimp

import (
	"fmt"
	"strings"
)

// Titles the Marketing API returns in the problem-detail "title" field.
const (
	TitleMemberExists     = "Member Exists"
	TitleInvalidResource  = "Invalid Resource"
	TitleAPIKeyInvalid    = "API Key Invalid"
	TitleResourceNotFound = "Resource Not Found"
)

// ConfigError is returned when the client lacks credentials. No request is made.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mailchimp not configured: missing %s", strings.Join(e.Missing, ", "))
}

// APIError is a non-2xx response from the Marketing API.
type APIError struct {
	Status int
	Title  string
	Detail string
	// Body is the raw response body, kept for operator logs only.
	Body string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("mailchimp HTTP %d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("mailchimp HTTP %d %s", e.Status, e.Title)
}

// TransportError wraps a failure to reach the API at all (DNS, connect,
// timeout, unreadable response).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mailchimp transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
