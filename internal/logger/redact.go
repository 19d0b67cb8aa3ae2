package logger

import (
	"bytes"
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts provider API keys, SMTP passwords, analytics API secrets, and
// Basic/Bearer credentials from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Password in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(smtp_password["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(password["'\s:=]+)\S+`),
	// Mailchimp keys in config form, then bare "<32 hex>-<dc>" keys anywhere
	regexp.MustCompile(`(?i)(mailchimp_api_key["'\s:=]+)\S+`),
	regexp.MustCompile(`()\b[0-9a-f]{32}-us[0-9]{1,2}\b`),
	// Generic API keys: long alphanumeric strings after "key", "apikey", "api_key"
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_]{16,}`),
	// GA4 Measurement Protocol secret, as config value or query parameter
	regexp.MustCompile(`(?i)(api_secret["'\s:=]+)[^\s&"]+`),
	// Authorization headers
	regexp.MustCompile(`(?i)(Basic\s+)[A-Za-z0-9+/=]{8,}`),
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, appendRedacted(r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	// Report the original length so callers don't see short writes
	// when redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// appendRedacted builds a replacement that keeps capture group $1 + redact.
// Every pattern has exactly one capture group for the key/prefix.
func appendRedacted(redact string) []byte {
	var buf bytes.Buffer
	buf.WriteString("${1}")
	buf.WriteString(redact)
	return buf.Bytes()
}
