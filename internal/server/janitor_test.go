package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/metrics"
	"github.com/fieldmind/fieldmind-web/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixedDepth int

func (d fixedDepth) Depth() int { return int(d) }

func TestJanitor_PrunesExpiredAttempts(t *testing.T) {
	clock := &testClock{t: time.Unix(1_780_000_000, 0)}
	store := testutil.NewMockRateStoreWithClock(clock.Now)

	_, _ = store.Allow("contact:192.0.2.1", 10*time.Minute, 3)
	_, _ = store.Allow("newsletter:192.0.2.2", 5*time.Minute, 2)
	clock.Advance(11 * time.Minute)
	_, _ = store.Allow("contact:192.0.2.3", 10*time.Minute, 3)

	j := NewJanitor(store, nil, time.Hour, 10*time.Minute, zerolog.Nop())
	pruned, err := j.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}
	if n, _ := store.Len(); n != 1 {
		t.Errorf("keys left = %d, want 1", n)
	}
}

func TestJanitor_UpdatesGauges(t *testing.T) {
	store := testutil.NewMockRateStore()
	store.Size = 8192
	_, _ = store.Allow("contact:192.0.2.1", time.Minute, 3)
	_, _ = store.Allow("contact:192.0.2.2", time.Minute, 3)

	j := NewJanitor(store, fixedDepth(4), time.Hour, time.Minute, zerolog.Nop())
	j.tick()

	if got := promtest.ToFloat64(metrics.RateLimitKeys); got != 2 {
		t.Errorf("ratelimit_keys = %v", got)
	}
	if got := promtest.ToFloat64(metrics.DBSizeBytes); got != 8192 {
		t.Errorf("db_size_bytes = %v", got)
	}
	if got := promtest.ToFloat64(metrics.WorkerQueueDepth); got != 4 {
		t.Errorf("worker_queue_depth = %v", got)
	}
}

func TestJanitor_StoreErrorsAreNotFatal(t *testing.T) {
	store := testutil.NewMockRateStore()
	store.SetError("Prune", errors.New("bolt: database not open"))
	store.SetError("SizeBytes", errors.New("stat failed"))

	j := NewJanitor(store, nil, time.Hour, time.Minute, zerolog.Nop())
	j.tick()
	if store.Calls("Len") != 1 {
		t.Error("tick should continue past a prune failure")
	}
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	store := testutil.NewMockRateStore()
	j := NewJanitor(store, nil, 10*time.Millisecond, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for store.Calls("Prune") < 2 {
		select {
		case <-deadline:
			t.Fatal("janitor did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
