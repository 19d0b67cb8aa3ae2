// Package relay delivers the contact-form notification over SMTP.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const providerLabel = "smtp"

// Message is one outbound notification. To is the fixed operator address.
type Message struct {
	To      string
	ReplyTo string
	Subject string
	Text    string
	HTML    string
}

// Config holds SMTP connection settings.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromName    string
	FromAddress string
	Timeout     time.Duration
}

// ConfigError is returned before dialing when required settings are absent.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("smtp relay not configured: missing %s", strings.Join(e.Missing, ", "))
}

// RejectError is a permanent (5xx) refusal by the relay.
type RejectError struct {
	Code int
	Msg  string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("smtp rejected %d: %s", e.Code, e.Msg)
}

// TransportError covers connection failures, timeouts and transient (4xx)
// replies. Resubmitting may succeed.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("smtp transport: %v", e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// SMTPRelay sends mail through an SMTP submission server. Port 465 uses
// implicit TLS; other ports upgrade with STARTTLS when the server offers it.
type SMTPRelay struct {
	cfg  Config
	log  zerolog.Logger
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSMTPRelay returns a relay for cfg.
func NewSMTPRelay(cfg Config, log zerolog.Logger) *SMTPRelay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FromAddress == "" {
		cfg.FromAddress = cfg.Username
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &SMTPRelay{cfg: cfg, log: log, dial: d.DialContext}
}

func (r *SMTPRelay) configError(msg Message) error {
	var missing []string
	if r.cfg.Host == "" {
		missing = append(missing, "SMTP_HOST")
	}
	if r.cfg.FromAddress == "" {
		missing = append(missing, "SMTP_FROM_ADDRESS")
	}
	if msg.To == "" {
		missing = append(missing, "CONTACT_RECIPIENT")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// Send delivers msg. The whole exchange is bounded by ctx and cfg.Timeout.
func (r *SMTPRelay) Send(ctx context.Context, msg Message) error {
	if err := r.configError(msg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := r.send(ctx, msg)
	metrics.ProviderDuration.WithLabelValues(providerLabel).Observe(time.Since(start).Seconds())

	var rej *RejectError
	switch {
	case err == nil:
		metrics.ProviderCalls.WithLabelValues(providerLabel, "sent").Inc()
	case errors.As(err, &rej):
		metrics.ProviderCalls.WithLabelValues(providerLabel, "rejected").Inc()
	default:
		metrics.ProviderCalls.WithLabelValues(providerLabel, "error").Inc()
	}
	return err
}

func (r *SMTPRelay) send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	conn, err := r.dial(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	tlsCfg := &tls.Config{ServerName: r.cfg.Host, MinVersion: tls.VersionTLS12}
	if r.cfg.Port == 465 {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, r.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return classify(err)
	}
	defer c.Close()

	if r.cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return classify(err)
			}
		}
	}
	if r.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", r.cfg.Username, r.cfg.Password, r.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return classify(err)
			}
		}
	}

	if err := c.Mail(r.cfg.FromAddress); err != nil {
		return classify(err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return classify(err)
	}
	w, err := c.Data()
	if err != nil {
		return classify(err)
	}
	if _, err := w.Write(r.compose(msg)); err != nil {
		_ = w.Close()
		return classify(err)
	}
	if err := w.Close(); err != nil {
		return classify(err)
	}
	if err := c.Quit(); err != nil {
		r.log.Debug().Err(err).Msg("smtp quit failed after successful send")
	}
	return nil
}

// classify maps SMTP replies to RejectError (5xx) and everything else to
// TransportError.
func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return &RejectError{Code: tpErr.Code, Msg: tpErr.Msg}
	}
	return &TransportError{Err: err}
}

// compose renders a multipart/alternative message with text and HTML parts.
func (r *SMTPRelay) compose(msg Message) []byte {
	boundary := "fieldmind-" + uuid.NewString()
	from := mail.Address{Name: r.cfg.FromName, Address: r.cfg.FromAddress}

	var sb strings.Builder
	header := func(k, v string) {
		sb.WriteString(k + ": " + SanitizeHeader(v) + "\r\n")
	}
	header("From", from.String())
	header("To", msg.To)
	if msg.ReplyTo != "" {
		header("Reply-To", msg.ReplyTo)
	}
	header("Subject", mime.QEncoding.Encode("utf-8", SanitizeHeader(msg.Subject)))
	header("Date", time.Now().Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.NewString()+"@"+r.cfg.Host+">")
	header("MIME-Version", "1.0")
	header("Content-Type", `multipart/alternative; boundary="`+boundary+`"`)
	sb.WriteString("\r\n")

	sb.WriteString("--" + boundary + "\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	sb.WriteString(crlf(msg.Text) + "\r\n")

	if msg.HTML != "" {
		sb.WriteString("--" + boundary + "\r\n")
		sb.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		sb.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		sb.WriteString(crlf(msg.HTML) + "\r\n")
	}
	sb.WriteString("--" + boundary + "--\r\n")
	return []byte(sb.String())
}

// SanitizeHeader collapses CR and LF so a visitor-supplied value cannot add
// headers.
func SanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// LogRelay logs messages instead of sending them (dry-run mode).
type LogRelay struct {
	log zerolog.Logger
}

// NewLogRelay returns a LogRelay writing to log.
func NewLogRelay(log zerolog.Logger) *LogRelay {
	return &LogRelay{log: log}
}

// Send logs the envelope; bodies are omitted because they carry visitor data.
func (r *LogRelay) Send(_ context.Context, msg Message) error {
	r.log.Info().Str("to", msg.To).Str("subject", msg.Subject).
		Int("text_bytes", len(msg.Text)).Int("html_bytes", len(msg.HTML)).
		Msg("[DRY-RUN] would send contact notification")
	metrics.ProviderCalls.WithLabelValues(providerLabel, "dry_run").Inc()
	return nil
}
