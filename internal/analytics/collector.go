package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// maxBatch is the Measurement Protocol's per-request event limit.
	maxBatch       = 25
	defaultPending = 1000
	minFlush       = time.Second
)

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Endpoint      string
	MeasurementID string
	APISecret     string
	FlushInterval time.Duration
	BatchSize     int
	// MaxPending bounds the in-memory queue; hits beyond it are dropped.
	MaxPending int
}

// Collector batches hits and posts them to the GA4 Measurement Protocol on
// an interval, when a batch fills, and once more on shutdown.
type Collector struct {
	endpoint   string
	interval   time.Duration
	batchSize  int
	maxPending int
	log        zerolog.Logger
	httpClient *http.Client

	mu      sync.Mutex
	pending []Hit

	full chan struct{}
	now  func() time.Time
}

// NewCollector constructs a Collector. A flush interval below one second is
// clamped to one second; a batch size outside 1–25 becomes 25.
func NewCollector(cfg CollectorConfig, log zerolog.Logger) (*Collector, error) {
	if cfg.MeasurementID == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("analytics collector requires a measurement id and api secret")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("analytics endpoint %q invalid", cfg.Endpoint)
	}
	q := u.Query()
	q.Set("measurement_id", cfg.MeasurementID)
	q.Set("api_secret", cfg.APISecret)
	u.RawQuery = q.Encode()

	interval := cfg.FlushInterval
	if interval < minFlush {
		if interval > 0 {
			log.Warn().Dur("requested", interval).Dur("enforced", minFlush).
				Msg("ANALYTICS_FLUSH_INTERVAL below minimum; clamping")
		}
		interval = minFlush
	}
	batch := cfg.BatchSize
	if batch < 1 || batch > maxBatch {
		batch = maxBatch
	}
	pending := cfg.MaxPending
	if pending <= 0 {
		pending = defaultPending
	}
	return &Collector{
		endpoint:   u.String(),
		interval:   interval,
		batchSize:  batch,
		maxPending: pending,
		log:        log,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		full:       make(chan struct{}, 1),
		now:        time.Now,
	}, nil
}

// Report queues h. It never blocks.
func (c *Collector) Report(h Hit) bool {
	if h.Time.IsZero() {
		h.Time = c.now()
	}
	c.mu.Lock()
	if len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		metrics.AnalyticsEvents.WithLabelValues(h.kind(), "dropped").Inc()
		return false
	}
	c.pending = append(c.pending, h)
	n := len(c.pending)
	c.mu.Unlock()

	if n >= c.batchSize {
		select {
		case c.full <- struct{}{}:
		default:
		}
	}
	return true
}

// Pending returns the number of queued hits.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run flushes until ctx is cancelled, then flushes whatever remains.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush(ctx)
		case <-c.full:
			c.Flush(ctx)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.Flush(shutdownCtx)
			return
		}
	}
}

type mpEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

type mpPayload struct {
	ClientID        string    `json:"client_id"`
	TimestampMicros int64     `json:"timestamp_micros,omitempty"`
	Events          []mpEvent `json:"events"`
}

// Flush snapshots the queue and posts it, one request per client id and at
// most batchSize events per request. Failed hits are counted, not retried.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	hits := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(hits) == 0 {
		return
	}

	var order []string
	byClient := make(map[string][]Hit)
	for _, h := range hits {
		if _, ok := byClient[h.ClientID]; !ok {
			order = append(order, h.ClientID)
		}
		byClient[h.ClientID] = append(byClient[h.ClientID], h)
	}

	for _, id := range order {
		group := byClient[id]
		for start := 0; start < len(group); start += c.batchSize {
			end := min(start+c.batchSize, len(group))
			batch := group[start:end]
			result := "sent"
			if err := c.post(ctx, id, batch); err != nil {
				c.log.Warn().Err(err).Int("events", len(batch)).Msg("analytics batch delivery failed")
				result = "failed"
			}
			for _, h := range batch {
				metrics.AnalyticsEvents.WithLabelValues(h.kind(), result).Inc()
			}
		}
	}
}

func (c *Collector) post(ctx context.Context, clientID string, batch []Hit) error {
	payload := mpPayload{ClientID: clientID, TimestampMicros: batch[0].Time.UnixMicro()}
	for _, h := range batch {
		payload.Events = append(payload.Events, mpEvent{Name: h.Name, Params: h.Params})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal measurement payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build measurement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ProviderDuration.WithLabelValues("ga4").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("ga4", "error").Inc()
		// url.Error embeds the request URL, which carries the api secret.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("POST measurement protocol: %w", uerr.Err)
		}
		return fmt.Errorf("POST measurement protocol: %w", err)
	}
	defer resp.Body.Close()

	metrics.ProviderCalls.WithLabelValues("ga4", fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("measurement protocol returned HTTP %d", resp.StatusCode)
	}
	return nil
}
