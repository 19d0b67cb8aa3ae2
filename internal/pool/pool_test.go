package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func nopHandler(_ context.Context, _ Job) error {
	return nil
}

func optIn(email string) Job {
	return Job{Email: email, Source: "Contact Form", Caller: "203.0.113.7", RequestID: "req-1"}
}

func TestPoolBasicEnqueueProcess(t *testing.T) {
	var processed int64
	handler := func(_ context.Context, job Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}

	p, err := New(Config{Workers: 4, QueueDepth: 100, MaxRetries: 3, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	for i := 0; i < 50; i++ {
		p.Enqueue(optIn("farmer@example.com"))
	}
	p.Stop()

	if atomic.LoadInt64(&processed) != 50 {
		t.Errorf("expected 50 processed, got %d", processed)
	}
}

func TestPoolDropOnFullBuffer(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	handler := func(ctx context.Context, _ Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	p, err := New(Config{Workers: 1, QueueDepth: 2, MaxRetries: 0, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	if !p.Enqueue(optIn("a@example.com")) {
		t.Fatal("first job should be accepted")
	}
	<-started // worker holds the first job; the buffer is empty again

	if !p.Enqueue(optIn("b@example.com")) || !p.Enqueue(optIn("c@example.com")) {
		t.Fatal("buffer should accept two jobs")
	}
	if p.Depth() != 2 {
		t.Errorf("Depth = %d, want 2", p.Depth())
	}
	if p.Enqueue(optIn("d@example.com")) {
		t.Error("job should be dropped when the buffer is full")
	}

	close(release)
	p.Stop()
}

func TestPoolStopDrains(t *testing.T) {
	var processed int64
	handler := func(_ context.Context, _ Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}
	p, err := New(Config{Workers: 2, QueueDepth: 100, MaxRetries: 0}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	for i := 0; i < 10; i++ {
		p.Enqueue(optIn("farmer@example.com"))
	}
	p.Stop()

	if atomic.LoadInt64(&processed) != 10 {
		t.Errorf("Stop() should drain all jobs, processed=%d", atomic.LoadInt64(&processed))
	}
}

func TestPoolHandlesJobsEnqueuedAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var processed, cancelled int64
	handler := func(ctx context.Context, _ Job) error {
		atomic.AddInt64(&processed, 1)
		if ctx.Err() != nil {
			atomic.AddInt64(&cancelled, 1)
		}
		return nil
	}
	p, err := New(Config{Workers: 2, QueueDepth: 8}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(ctx)
	cancel()

	// An in-flight request can still enqueue while the server shuts down.
	for range 3 {
		if !p.Enqueue(optIn("farmer@example.com")) {
			t.Fatal("enqueue during shutdown should be accepted until Stop")
		}
	}
	p.Stop()

	if got := atomic.LoadInt64(&processed); got != 3 {
		t.Errorf("processed = %d, want 3", got)
	}
	if got := atomic.LoadInt64(&cancelled); got != 0 {
		t.Errorf("%d attempts saw a cancelled context", got)
	}
}

func TestPoolEnqueueAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1}, nopHandler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Stop()
	if p.Enqueue(optIn("late@example.com")) {
		t.Error("Enqueue after Stop should report false")
	}
	p.Stop()
}

func TestPoolDrainTimeoutAbandonsRemaining(t *testing.T) {
	var calls int64
	started := make(chan struct{}, 1)
	handler := func(ctx context.Context, _ Job) error {
		atomic.AddInt64(&calls, 1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	p, err := New(Config{Workers: 1, QueueDepth: 4, DrainTimeout: 30 * time.Millisecond, AttemptTimeout: time.Minute}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	for range 3 {
		p.Enqueue(optIn("farmer@example.com"))
	}
	<-started

	begin := time.Now()
	p.Stop()
	if elapsed := time.Since(begin); elapsed > 5*time.Second {
		t.Errorf("Stop took %s", elapsed)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("handler calls = %d, want 1 (rest abandoned)", got)
	}
}

func TestPoolRetryLogic(t *testing.T) {
	var attempts int64
	var lastRetries int64
	handler := func(_ context.Context, job Job) error {
		atomic.StoreInt64(&lastRetries, int64(job.Retries))
		if atomic.AddInt64(&attempts, 1) < 3 {
			return &mockErr{"transient"}
		}
		return nil
	}

	p, err := New(Config{Workers: 1, QueueDepth: 100, MaxRetries: 5, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Enqueue(optIn("farmer@example.com"))
	p.Stop()

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if got := atomic.LoadInt64(&lastRetries); got != 2 {
		t.Errorf("job.Retries on final attempt = %d, want 2", got)
	}
}

func TestPoolMaxRetriesExceeded(t *testing.T) {
	var attempts int64
	handler := func(_ context.Context, _ Job) error {
		atomic.AddInt64(&attempts, 1)
		return &mockErr{"always fail"}
	}

	// MaxRetries=2 gives the initial attempt plus two retries.
	p, err := New(Config{Workers: 1, QueueDepth: 100, MaxRetries: 2, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Enqueue(optIn("farmer@example.com"))
	p.Stop()

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("expected 3 total attempts, got %d", got)
	}
}

func TestPoolInvalidConfig(t *testing.T) {
	if _, err := New(Config{Workers: 0}, nopHandler, zerolog.Nop()); err == nil {
		t.Error("expected error for 0 workers")
	}
	if _, err := New(Config{Workers: 65}, nopHandler, zerolog.Nop()); err == nil {
		t.Error("expected error for 65 workers")
	}
	if _, err := New(Config{Workers: 1}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for nil handler")
	}
	if _, err := New(Config{Workers: 1, MaxRetries: -1}, nopHandler, zerolog.Nop()); err == nil {
		t.Error("expected error for negative retries")
	}
}

func TestPoolContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int64
	handler := func(_ context.Context, _ Job) error {
		atomic.AddInt64(&calls, 1)
		cancel()
		return &mockErr{"trigger retry"}
	}

	p, err := New(Config{Workers: 1, QueueDepth: 10, MaxRetries: 5, RetryBase: 200 * time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(ctx)
	p.Enqueue(optIn("farmer@example.com"))

	time.Sleep(50 * time.Millisecond)
	p.Stop()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("context cancel during backoff: expected 1 handler call, got %d", got)
	}
}

func TestPoolPermanentErrorNotRetried(t *testing.T) {
	var attempts int64
	handler := func(_ context.Context, _ Job) error {
		atomic.AddInt64(&attempts, 1)
		return Permanent(&mockErr{"rejected"})
	}
	p, err := New(Config{Workers: 1, QueueDepth: 4, MaxRetries: 5, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Enqueue(optIn("farmer@example.com"))
	p.Stop()

	if got := atomic.LoadInt64(&attempts); got != 1 {
		t.Errorf("permanent error: expected 1 attempt, got %d", got)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	inner := &mockErr{"bad key"}
	err := fmt.Errorf("subscribe: %w", Permanent(inner))
	if !IsPermanent(err) {
		t.Error("wrapped permanent error not detected")
	}
	if !errors.Is(err, inner) {
		t.Error("Permanent should unwrap to the original error")
	}
	if IsPermanent(inner) {
		t.Error("plain error reported as permanent")
	}
}

func TestPoolAttemptTimeout(t *testing.T) {
	deadline := make(chan bool, 1)
	handler := func(ctx context.Context, _ Job) error {
		_, ok := ctx.Deadline()
		deadline <- ok
		<-ctx.Done()
		return Permanent(ctx.Err())
	}
	p, err := New(Config{Workers: 1, QueueDepth: 1, AttemptTimeout: 20 * time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Enqueue(optIn("farmer@example.com"))
	p.Stop()

	if !<-deadline {
		t.Error("handler context should carry the attempt deadline")
	}
}

func TestBackoffCapped(t *testing.T) {
	p, err := New(Config{Workers: 1, RetryBase: time.Second}, nopHandler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{200, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := p.backoff(tc.retry); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}

	p, err = New(Config{Workers: 1, RetryBase: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}, nopHandler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if got := p.backoff(2); got != 250*time.Millisecond {
		t.Errorf("backoff(2) with MaxBackoff = %s", got)
	}
}

type mockErr struct{ msg string }

func (e *mockErr) Error() string { return e.msg }
