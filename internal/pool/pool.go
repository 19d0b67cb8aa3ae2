// Package pool runs deferred newsletter opt-ins off the request path.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/metrics"
	"github.com/rs/zerolog"
)

// Job is a deferred newsletter subscription, queued when a contact-form
// visitor ticks the opt-in box.
type Job struct {
	Email     string
	Source    string // merge-field SIGNUP_SOURCE value
	Caller    string // caller identity, for logs
	RequestID string
	Retries   int
}

// Handler processes one attempt of a Job. A plain error schedules a retry;
// an error wrapped with Permanent ends the job.
type Handler func(ctx context.Context, job Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config holds worker pool configuration.
type Config struct {
	Workers        int
	QueueDepth     int
	MaxRetries     int
	RetryBase      time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	// DrainTimeout bounds how long Stop keeps working through queued jobs.
	DrainTimeout time.Duration
}

const (
	defaultQueueDepth     = 256
	defaultRetryBase      = time.Second
	defaultMaxBackoff     = 5 * time.Minute
	defaultAttemptTimeout = 30 * time.Second
	defaultDrainTimeout   = 30 * time.Second
)

// Pool is a fixed set of workers draining a bounded queue. Workers run until
// Stop closes the queue, so jobs accepted by Enqueue are attempted at least
// once unless the drain deadline passes first.
type Pool struct {
	cfg    Config
	queue  chan Job
	handle Handler
	log    zerolog.Logger
	wg     sync.WaitGroup

	// ctx is the Start context; once it is done failed jobs are not retried.
	ctx context.Context
	// work parents every attempt and is cancelled only when the drain
	// deadline passes.
	work      context.Context
	abandon   context.CancelFunc
	abandoned atomic.Bool

	mu     sync.RWMutex
	closed bool
}

// New validates cfg, fills defaults and returns an unstarted Pool.
func New(cfg Config, handle Handler, log zerolog.Logger) (*Pool, error) {
	switch {
	case cfg.Workers < 1 || cfg.Workers > 64:
		return nil, fmt.Errorf("POOL_WORKERS must be 1-64, got %d", cfg.Workers)
	case cfg.MaxRetries < 0:
		return nil, fmt.Errorf("POOL_MAX_RETRIES must be >= 0, got %d", cfg.MaxRetries)
	case handle == nil:
		return nil, errors.New("pool: nil job handler")
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	work, abandon := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		queue:   make(chan Job, cfg.QueueDepth),
		handle:  handle,
		log:     log.With().Str("component", "optin_pool").Logger(),
		ctx:     context.Background(),
		work:    work,
		abandon: abandon,
	}, nil
}

// Start launches the workers. Cancelling ctx stops retries but not the
// workers: queued jobs still get their first attempt until Stop.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	p.abandon()
	p.work, p.abandon = context.WithCancel(context.WithoutCancel(ctx))
	p.wg.Add(p.cfg.Workers)
	for id := range p.cfg.Workers {
		go p.run(id)
	}
}

// Enqueue never blocks; it reports false when the queue is full or the pool
// has been stopped.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(job, "shutdown")
		return false
	}
	select {
	case p.queue <- job:
		metrics.JobsEnqueued.Inc()
		p.observeDepth()
		return true
	default:
		p.drop(job, "buffer_full")
		return false
	}
}

func (p *Pool) drop(job Job, reason string) {
	metrics.JobsDropped.WithLabelValues(reason).Inc()
	p.log.Warn().Str("caller", job.Caller).Str("request_id", job.RequestID).
		Str("reason", reason).Msg("opt-in job dropped")
}

// Stop closes the queue and waits for the workers to finish what is left.
// After DrainTimeout in-flight attempts are cancelled and the remaining jobs
// are dropped. Stop is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.log.Warn().Int("pending", len(p.queue)).Dur("drain_timeout", p.cfg.DrainTimeout).
			Msg("opt-in drain deadline passed; abandoning remaining jobs")
		p.abandoned.Store(true)
		p.abandon()
		<-done
	}
	p.abandon()
}

// Depth returns the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.queue)
}

func (p *Pool) observeDepth() {
	metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()
	for job := range p.queue {
		p.observeDepth()
		if p.abandoned.Load() {
			p.drop(job, "shutdown")
			continue
		}
		metrics.JobsProcessed.WithLabelValues(p.process(job, log)).Inc()
	}
}

// process retries inline rather than re-enqueueing, so a closed queue is
// never written to. It returns the outcome label for jobs_processed_total.
func (p *Pool) process(job Job, log zerolog.Logger) string {
	log = log.With().Str("request_id", job.RequestID).Logger()
	for attempt := 0; ; attempt++ {
		job.Retries = attempt
		err := p.attempt(job)
		switch {
		case err == nil:
			return "success"
		case IsPermanent(err):
			log.Warn().Err(err).Int("attempt", attempt).Msg("opt-in job failed permanently")
			return "failed"
		case attempt >= p.cfg.MaxRetries:
			log.Error().Err(err).Int("max_retries", p.cfg.MaxRetries).
				Msg("opt-in job failed: max retries exceeded")
			return "error"
		case p.ctx.Err() != nil:
			log.Warn().Err(err).Int("attempt", attempt).Msg("opt-in job failed during shutdown; not retried")
			return "error"
		}

		metrics.JobsProcessed.WithLabelValues("retried").Inc()
		wait := p.backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying opt-in job")
		timer := time.NewTimer(wait)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			log.Warn().Msg("opt-in retry cancelled by shutdown")
			return "error"
		case <-p.work.Done():
			timer.Stop()
			return "error"
		case <-timer.C:
		}
	}
}

func (p *Pool) attempt(job Job) error {
	ctx, cancel := context.WithTimeout(p.work, p.cfg.AttemptTimeout)
	defer cancel()
	return p.handle(ctx, job)
}

// backoff doubles RetryBase per retry, capped at MaxBackoff.
func (p *Pool) backoff(retry int) time.Duration {
	d := p.cfg.RetryBase
	for range retry {
		if d >= p.cfg.MaxBackoff/2 {
			return p.cfg.MaxBackoff
		}
		d *= 2
	}
	return min(d, p.cfg.MaxBackoff)
}
