package server

import (
	"context"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/metrics"
	"github.com/fieldmind/fieldmind-web/internal/storage"
	"github.com/rs/zerolog"
)

// QueueDepther reports the worker queue depth. *pool.Pool implements it.
type QueueDepther interface {
	Depth() int
}

// Janitor performs periodic housekeeping: pruning expired rate-limit
// attempts and updating gauges.
type Janitor struct {
	store    storage.RateStore
	queue    QueueDepther
	interval time.Duration
	window   time.Duration
	log      zerolog.Logger
}

// NewJanitor creates a Janitor. window must be the longest rate-limit window
// in use so no live attempt is pruned.
func NewJanitor(store storage.RateStore, queue QueueDepther, interval, window time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		queue:    queue,
		interval: interval,
		window:   window,
		log:      log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

// Sweep prunes expired attempts once and returns how many were removed.
func (j *Janitor) Sweep() (int, error) {
	return j.store.Prune(j.window)
}

func (j *Janitor) tick() {
	pruned, err := j.Sweep()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune rate entries failed")
	} else if pruned > 0 {
		j.log.Debug().Int("count", pruned).Msg("janitor: pruned expired rate entries")
	}

	if keys, err := j.store.Len(); err != nil {
		j.log.Warn().Err(err).Msg("janitor: count rate keys failed")
	} else {
		metrics.RateLimitKeys.Set(float64(keys))
	}

	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if j.queue != nil {
		metrics.WorkerQueueDepth.Set(float64(j.queue.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
