// Package mailchimp is a minimal client for the Mailchimp Marketing API v3,
// covering audience-member creation and the ping health endpoint.
package mailchimp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	providerLabel = "mailchimp"
	maxErrorBody  = 8 << 10
)

// Config holds the Marketing API credentials and tuning.
type Config struct {
	APIKey       string
	ServerPrefix string // datacenter, e.g. "us21"; derived from the key suffix when empty
	AudienceID   string
	Timeout      time.Duration
	// BaseURL overrides https://<prefix>.api.mailchimp.com/3.0 (tests).
	BaseURL string
	DryRun  bool
}

// Member is a new audience member.
type Member struct {
	Email        string
	Tags         []string
	SignupSource string
}

type memberRequest struct {
	EmailAddress string            `json:"email_address"`
	Status       string            `json:"status"`
	Tags         []string          `json:"tags,omitempty"`
	MergeFields  map[string]string `json:"merge_fields,omitempty"`
}

type problemDetail struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Client talks to one audience.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// NewClient builds a Client. Missing credentials are not an error here; every
// call reports them as *ConfigError so a site without a mailing list still serves.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.ServerPrefix == "" {
		cfg.ServerPrefix = prefixFromKey(cfg.APIKey)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		log:  log,
	}
}

// prefixFromKey extracts the datacenter from a "<hex>-us21" style key.
func prefixFromKey(key string) string {
	i := strings.LastIndexByte(key, '-')
	if i < 0 || i == len(key)-1 {
		return ""
	}
	return key[i+1:]
}

// Configured reports whether all credentials are present.
func (c *Client) Configured() bool {
	return c.configError() == nil
}

func (c *Client) configError() error {
	var missing []string
	if c.cfg.APIKey == "" {
		missing = append(missing, "MAILCHIMP_API_KEY")
	}
	if c.cfg.ServerPrefix == "" && c.cfg.BaseURL == "" {
		missing = append(missing, "MAILCHIMP_SERVER_PREFIX")
	}
	if c.cfg.AudienceID == "" {
		missing = append(missing, "MAILCHIMP_AUDIENCE_ID")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

func (c *Client) baseURL() string {
	if c.cfg.BaseURL != "" {
		return strings.TrimRight(c.cfg.BaseURL, "/")
	}
	return "https://" + c.cfg.ServerPrefix + ".api.mailchimp.com/3.0"
}

// AddMember subscribes m to the audience with status "subscribed".
func (c *Client) AddMember(ctx context.Context, m Member) error {
	if err := c.configError(); err != nil {
		return err
	}
	body := memberRequest{
		EmailAddress: strings.TrimSpace(m.Email),
		Status:       "subscribed",
		Tags:         m.Tags,
	}
	if m.SignupSource != "" {
		body.MergeFields = map[string]string{"SIGNUP_SOURCE": m.SignupSource}
	}

	if c.cfg.DryRun {
		c.log.Info().Str("audience", c.cfg.AudienceID).Strs("tags", m.Tags).
			Str("signup_source", m.SignupSource).Msg("[DRY-RUN] would add audience member")
		return nil
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	endpoint := c.baseURL() + "/lists/" + url.PathEscape(c.cfg.AudienceID) + "/members"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, "add_member")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return nil
}

// Ping checks credentials against GET /ping.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.configError(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "ping")
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// do executes req with Basic auth, records metrics and translates failures
// into *TransportError or *APIError.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	req.SetBasicAuth("anystring", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	metrics.ProviderDuration.WithLabelValues(providerLabel).Observe(elapsed.Seconds())
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(providerLabel, "error").Inc()
		c.log.Debug().Str("op", op).Err(err).Dur("elapsed", elapsed).Msg("mailchimp request failed")
		return nil, &TransportError{Err: err}
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.ProviderCalls.WithLabelValues(providerLabel, statusLabel).Inc()
	c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("mailchimp response")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &TransportError{Err: fmt.Errorf("read error body: %w", readErr)}
	}
	apiErr := &APIError{Status: resp.StatusCode, Body: string(raw)}
	var problem problemDetail
	if err := json.Unmarshal(raw, &problem); err == nil {
		apiErr.Title = problem.Title
		apiErr.Detail = problem.Detail
	}
	return nil, apiErr
}
