package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// HTTP surfaces
	ListenAddr         string   `koanf:"listen_addr"`
	HealthAddr         string   `koanf:"health_addr"`
	MetricsEnabled     bool     `koanf:"metrics_enabled"`
	MetricsAddr        string   `koanf:"metrics_addr"`
	PublicBaseURL      string   `koanf:"public_base_url"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
	TrustedProxyCount  int      `koanf:"trusted_proxy_count"`

	// Mailing-list provider (Mailchimp)
	MailchimpAPIKey        string        `koanf:"mailchimp_api_key"`
	MailchimpServerPrefix  string        `koanf:"mailchimp_server_prefix"`
	MailchimpAudienceID    string        `koanf:"mailchimp_audience_id"`
	MailchimpTimeout       time.Duration `koanf:"mailchimp_timeout"`
	NewsletterTags         []string      `koanf:"newsletter_tags"`
	NewsletterSignupSource string        `koanf:"newsletter_signup_source"`

	// Email relay (SMTP)
	SMTPHost         string        `koanf:"smtp_host"`
	SMTPPort         int           `koanf:"smtp_port"`
	SMTPUsername     string        `koanf:"smtp_username"`
	SMTPPassword     string        `koanf:"smtp_password"`
	SMTPFromName     string        `koanf:"smtp_from_name"`
	SMTPFromAddress  string        `koanf:"smtp_from_address"`
	ContactRecipient string        `koanf:"contact_recipient"`
	RelayTimeout     time.Duration `koanf:"relay_timeout"`

	// Submission limits
	ContactRateMax            int           `koanf:"contact_rate_max"`
	ContactRateWindow         time.Duration `koanf:"contact_rate_window"`
	NewsletterRateMax         int           `koanf:"newsletter_rate_max"`
	NewsletterRateWindow      time.Duration `koanf:"newsletter_rate_window"`
	ContactMinMessageLength   int           `koanf:"contact_min_message_length"`
	ContactMaxMessageLength   int           `koanf:"contact_max_message_length"`
	NewsletterBlockDisposable bool          `koanf:"newsletter_block_disposable"`
	DisposableDomainsExtra    []string      `koanf:"disposable_domains_extra"`

	// Rate-limit storage
	RateLimitBackend string        `koanf:"ratelimit_backend"`
	DataDir          string        `koanf:"data_dir"`
	JanitorInterval  time.Duration `koanf:"janitor_interval"`

	// Follow-up worker pool
	PoolWorkers      int           `koanf:"pool_workers"`
	PoolQueueDepth   int           `koanf:"pool_queue_depth"`
	PoolMaxRetries   int           `koanf:"pool_max_retries"`
	PoolRetryBase    time.Duration `koanf:"pool_retry_base"`
	PoolJobTimeout   time.Duration `koanf:"pool_job_timeout"`
	PoolDrainTimeout time.Duration `koanf:"pool_drain_timeout"`

	// Analytics (GA4)
	AnalyticsMeasurementID string        `koanf:"analytics_measurement_id"`
	AnalyticsAPISecret     string        `koanf:"analytics_api_secret"`
	AnalyticsEndpoint      string        `koanf:"analytics_endpoint"`
	AnalyticsFlushInterval time.Duration `koanf:"analytics_flush_interval"`
	AnalyticsBatchSize     int           `koanf:"analytics_batch_size"`

	// Cookies
	ConsentCookieName string `koanf:"consent_cookie_name"`
	PopupCookieName   string `koanf:"popup_cookie_name"`
	CookieDomain      string `koanf:"cookie_domain"`
	CookieSecure      bool   `koanf:"cookie_secure"`

	// Operational
	DryRun    bool   `koanf:"dry_run"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// MailchimpConfigured reports whether every mailing-list credential is present.
func (c *Config) MailchimpConfigured() bool {
	return c.MailchimpAPIKey != "" && c.MailchimpServerPrefix != "" && c.MailchimpAudienceID != ""
}

// AnalyticsConfigured reports whether server-side event reporting can be enabled.
func (c *Config) AnalyticsConfigured() bool {
	return c.AnalyticsMeasurementID != "" && c.AnalyticsAPISecret != ""
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.ListenAddr, &c.HealthAddr, &c.MetricsAddr, &c.PublicBaseURL,
		&c.MailchimpAPIKey, &c.MailchimpServerPrefix, &c.MailchimpAudienceID,
		&c.NewsletterSignupSource,
		&c.SMTPHost, &c.SMTPUsername, &c.SMTPPassword, &c.SMTPFromName, &c.SMTPFromAddress,
		&c.ContactRecipient,
		&c.RateLimitBackend, &c.DataDir,
		&c.AnalyticsMeasurementID, &c.AnalyticsAPISecret, &c.AnalyticsEndpoint,
		&c.ConsentCookieName, &c.PopupCookieName, &c.CookieDomain,
		&c.LogLevel, &c.LogFormat,
	} {
		*p = stripEnvQuotes(*p)
	}

	for _, list := range [][]string{c.CORSAllowedOrigins, c.NewsletterTags, c.DisposableDomainsExtra} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}

	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	if c.SMTPFromAddress == "" {
		c.SMTPFromAddress = c.SMTPUsername
	}
	if len(c.CORSAllowedOrigins) == 0 && c.PublicBaseURL != "" {
		c.CORSAllowedOrigins = []string{c.PublicBaseURL}
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":                 ":8080",
		"health_addr":                 ":8081",
		"metrics_enabled":             true,
		"metrics_addr":                ":9090",
		"trusted_proxy_count":         1,
		"mailchimp_timeout":           "10s",
		"newsletter_tags":             "website_signup",
		"newsletter_signup_source":    "Website Newsletter",
		"smtp_port":                   587,
		"smtp_from_name":              "Fieldmind Website",
		"relay_timeout":               "15s",
		"contact_rate_max":            3,
		"contact_rate_window":         "10m",
		"newsletter_rate_max":         2,
		"newsletter_rate_window":      "5m",
		"contact_min_message_length":  10,
		"contact_max_message_length":  5000,
		"newsletter_block_disposable": true,
		"ratelimit_backend":           "memory",
		"data_dir":                    "/data",
		"janitor_interval":            "5m",
		"pool_workers":                2,
		"pool_queue_depth":            256,
		"pool_max_retries":            3,
		"pool_retry_base":             "1s",
		"pool_job_timeout":            "30s",
		"pool_drain_timeout":          "20s",
		"analytics_endpoint":          "https://www.google-analytics.com/mp/collect",
		"analytics_flush_interval":    "10s",
		"analytics_batch_size":        25,
		"consent_cookie_name":         "fieldmind_cookie_consent",
		"popup_cookie_name":           "fieldmind_popup_interacted",
		"cookie_secure":               true,
		"dry_run":                     false,
		"log_level":                   "info",
		"log_format":                  "json",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// loadDotEnv populates the process environment from ENV_FILE (default .env).
// Variables already set in the environment win. A missing file is not an error.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the environment (and an optional .env file),
// applying _FILE secret injection.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	// "." as delimiter keeps env vars with "_" flat: PUBLIC_BASE_URL → "public_base_url".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated list fields that koanf won't split automatically
	cfg.CORSAllowedOrigins = splitCSV(k.String("cors_allowed_origins"))
	cfg.NewsletterTags = splitCSV(k.String("newsletter_tags"))
	cfg.DisposableDomainsExtra = splitCSV(k.String("disposable_domains_extra"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var measurementIDPattern = regexp.MustCompile(`^G-[A-Z0-9]{4,}$`)

// Validate checks required fields and semantic constraints.
// Provider credentials are deliberately optional here: a missing credential is
// reported per submission as a provider configuration error.
func (c *Config) Validate() error {
	if c.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if !hasHTTPScheme(c.PublicBaseURL) {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://; got %q", c.PublicBaseURL)
	}
	for _, origin := range c.CORSAllowedOrigins {
		if origin != "*" && !hasHTTPScheme(origin) {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS: invalid origin %q", origin)
		}
	}
	if c.ContactRecipient == "" {
		return fmt.Errorf("CONTACT_RECIPIENT is required")
	}
	if !strings.Contains(c.ContactRecipient, "@") {
		return fmt.Errorf("CONTACT_RECIPIENT must be an email address; got %q", c.ContactRecipient)
	}
	if c.TrustedProxyCount < 0 {
		return fmt.Errorf("TRUSTED_PROXY_COUNT must be >= 0; got %d", c.TrustedProxyCount)
	}
	if c.SMTPPort < 1 || c.SMTPPort > 65535 {
		return fmt.Errorf("SMTP_PORT must be 1–65535; got %d", c.SMTPPort)
	}

	for _, lim := range []struct {
		name   string
		max    int
		window time.Duration
	}{
		{"CONTACT_RATE", c.ContactRateMax, c.ContactRateWindow},
		{"NEWSLETTER_RATE", c.NewsletterRateMax, c.NewsletterRateWindow},
	} {
		if lim.max < 1 {
			return fmt.Errorf("%s_MAX must be >= 1; got %d", lim.name, lim.max)
		}
		if lim.window <= 0 {
			return fmt.Errorf("%s_WINDOW must be > 0; got %s", lim.name, lim.window)
		}
	}

	if c.ContactMinMessageLength < 0 {
		return fmt.Errorf("CONTACT_MIN_MESSAGE_LENGTH must be >= 0; got %d", c.ContactMinMessageLength)
	}
	if c.ContactMaxMessageLength != 0 && c.ContactMaxMessageLength < c.ContactMinMessageLength {
		return fmt.Errorf("CONTACT_MAX_MESSAGE_LENGTH must be >= CONTACT_MIN_MESSAGE_LENGTH; got %d", c.ContactMaxMessageLength)
	}

	if c.RateLimitBackend != "memory" && c.RateLimitBackend != "bbolt" {
		return fmt.Errorf("RATELIMIT_BACKEND must be memory or bbolt; got %q", c.RateLimitBackend)
	}
	if c.RateLimitBackend == "bbolt" && c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required when RATELIMIT_BACKEND=bbolt")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1-64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.PoolMaxRetries < 0 {
		return fmt.Errorf("POOL_MAX_RETRIES must be >= 0; got %d", c.PoolMaxRetries)
	}
	if c.PoolJobTimeout <= 0 {
		return fmt.Errorf("POOL_JOB_TIMEOUT must be > 0; got %s", c.PoolJobTimeout)
	}
	if c.PoolDrainTimeout <= 0 {
		return fmt.Errorf("POOL_DRAIN_TIMEOUT must be > 0; got %s", c.PoolDrainTimeout)
	}

	if c.AnalyticsMeasurementID != "" && !measurementIDPattern.MatchString(c.AnalyticsMeasurementID) {
		return fmt.Errorf("ANALYTICS_MEASUREMENT_ID must look like G-XXXXXXX; got %q", c.AnalyticsMeasurementID)
	}
	if !hasHTTPScheme(c.AnalyticsEndpoint) {
		return fmt.Errorf("ANALYTICS_ENDPOINT must start with http:// or https://; got %q", c.AnalyticsEndpoint)
	}
	if c.AnalyticsBatchSize < 1 || c.AnalyticsBatchSize > 25 {
		return fmt.Errorf("ANALYTICS_BATCH_SIZE must be 1–25; got %d", c.AnalyticsBatchSize)
	}
	if c.AnalyticsFlushInterval <= 0 {
		return fmt.Errorf("ANALYTICS_FLUSH_INTERVAL must be > 0; got %s", c.AnalyticsFlushInterval)
	}

	if c.ConsentCookieName == "" || c.PopupCookieName == "" {
		return fmt.Errorf("CONSENT_COOKIE_NAME and POPUP_COOKIE_NAME must not be empty")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

func hasHTTPScheme(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// fileSecretKeys may be supplied as KEY_FILE pointing at a mounted secret.
var fileSecretKeys = []string{
	"mailchimp_api_key",
	"smtp_password",
	"analytics_api_secret",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
