package submission_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/pool"
	"github.com/fieldmind/fieldmind-web/internal/provider/mailchimp"
	"github.com/fieldmind/fieldmind-web/internal/provider/relay"
	"github.com/fieldmind/fieldmind-web/internal/storage"
	"github.com/fieldmind/fieldmind-web/internal/submission"
	"github.com/fieldmind/fieldmind-web/internal/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const callerIP = "203.0.113.7"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	pipe  *submission.Pipeline
	relay *testutil.MockRelay
	list  *testutil.MockSubscriber
	clock *clock
}

func newFixture(t *testing.T, queue submission.OptInQueue) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	cfg := submission.NewConfig()
	cfg.Recipient = "team@fieldmind.example"
	f := &fixture{
		relay: testutil.NewMockRelay(),
		list:  testutil.NewMockSubscriber(),
		clock: c,
	}
	f.pipe = submission.New(cfg, storage.NewMemoryRateStoreWithClock(c.Now), f.relay, f.list, queue, zerolog.Nop())
	return f
}

func validContact() submission.Contact {
	return submission.Contact{
		Name:    "Jo",
		Email:   "jo@example.com",
		Message: "Please contact me about pricing",
	}
}

func asError(t *testing.T, err error) *submission.Error {
	t.Helper()
	var se *submission.Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *submission.Error, got %T: %v", err, err)
	}
	return se
}

func TestContactScenarioSendsOnce(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.pipe.SubmitContact(context.Background(), callerIP, validContact())
	if err != nil {
		t.Fatalf("SubmitContact: %v", err)
	}
	if res.Message != submission.MsgContactSent || res.Dropped {
		t.Errorf("unexpected result %+v", res)
	}
	if f.relay.Calls() != 1 {
		t.Fatalf("relay calls = %d, want 1", f.relay.Calls())
	}
	msg := f.relay.Sent()[0]
	if msg.To != "team@fieldmind.example" || msg.ReplyTo != "jo@example.com" {
		t.Errorf("envelope: to=%q reply-to=%q", msg.To, msg.ReplyTo)
	}
	if msg.Subject != "New Contact Form Submission from Jo" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{"Name: Jo", "Company: Not provided", "Newsletter Signup: No"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("text body missing %q:\n%s", want, msg.Text)
		}
	}
	if f.list.Calls() != 0 {
		t.Errorf("no opt-in requested, subscriber calls = %d", f.list.Calls())
	}
}

func TestContactHTMLEscapedAndHeaderSafe(t *testing.T) {
	f := newFixture(t, nil)
	c := validContact()
	c.Name = "Jo\r\nBcc: victim@example.com"
	c.Message = "<script>alert(1)</script>\nsecond line"
	if _, err := f.pipe.SubmitContact(context.Background(), callerIP, c); err != nil {
		t.Fatal(err)
	}
	msg := f.relay.Sent()[0]
	if strings.ContainsAny(msg.Subject, "\r\n") {
		t.Errorf("subject carries CR/LF: %q", msg.Subject)
	}
	if strings.Contains(msg.HTML, "<script>") {
		t.Errorf("HTML body not escaped:\n%s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "&lt;script&gt;alert(1)&lt;/script&gt;<br>second line") {
		t.Errorf("newlines should become <br>:\n%s", msg.HTML)
	}
}

func TestHoneypotNeverForwards(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := validContact()
	c.Honeypot = "http://spam.example"
	c.Newsletter = true
	res, err := f.pipe.SubmitContact(ctx, callerIP, c)
	if err != nil || !res.Dropped || res.Message != submission.MsgContactSent {
		t.Fatalf("contact honeypot: res=%+v err=%v", res, err)
	}

	res, err = f.pipe.SubmitNewsletter(ctx, callerIP, submission.Newsletter{Email: "bot@example.com", Honeypot: "x"})
	if err != nil || !res.Dropped || res.Message != submission.MsgNewsletterHoneypot {
		t.Fatalf("newsletter honeypot: res=%+v err=%v", res, err)
	}

	if f.relay.Calls() != 0 || f.list.Calls() != 0 {
		t.Errorf("honeypot forwarded: relay=%d list=%d", f.relay.Calls(), f.list.Calls())
	}
}

func TestHoneypotRunsBeforeRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 10; i++ {
		c := validContact()
		c.Honeypot = "bot"
		if _, err := f.pipe.SubmitContact(context.Background(), callerIP, c); err != nil {
			t.Fatalf("honeypot submission %d: %v", i, err)
		}
	}
	// Bots did not consume the real caller's budget.
	if _, err := f.pipe.SubmitContact(context.Background(), callerIP, validContact()); err != nil {
		t.Fatalf("legitimate submission after honeypot hits: %v", err)
	}
}

func TestContactRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.pipe.SubmitContact(ctx, callerIP, validContact()); err != nil {
			t.Fatalf("submission %d: %v", i+1, err)
		}
	}

	_, err := f.pipe.SubmitContact(ctx, callerIP, validContact())
	se := asError(t, err)
	if !errors.Is(err, submission.ErrRateLimited) || se.Message != submission.MsgContactRateLimited {
		t.Fatalf("4th submission: %v", err)
	}
	if se.HTTPStatus() != http.StatusTooManyRequests || se.RetryAfter <= 0 {
		t.Errorf("status=%d retry_after=%s", se.HTTPStatus(), se.RetryAfter)
	}

	// Another caller is unaffected.
	if _, err := f.pipe.SubmitContact(ctx, "198.51.100.1", validContact()); err != nil {
		t.Errorf("other caller limited: %v", err)
	}

	f.clock.Advance(10*time.Minute + time.Second)
	if _, err := f.pipe.SubmitContact(ctx, callerIP, validContact()); err != nil {
		t.Fatalf("after window: %v", err)
	}
	if f.relay.Calls() != 5 {
		t.Errorf("relay calls = %d, want 5", f.relay.Calls())
	}
}

func TestNewsletterRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.pipe.SubmitNewsletter(ctx, callerIP, submission.Newsletter{Email: fmt.Sprintf("farmer%d@example.com", i)}); err != nil {
			t.Fatalf("submission %d: %v", i+1, err)
		}
	}
	_, err := f.pipe.SubmitNewsletter(ctx, callerIP, submission.Newsletter{Email: "farmer9@example.com"})
	if !errors.Is(err, submission.ErrRateLimited) || asError(t, err).Message != submission.MsgNewsletterRateLimited {
		t.Fatalf("3rd submission: %v", err)
	}
	f.clock.Advance(5*time.Minute + time.Second)
	if _, err := f.pipe.SubmitNewsletter(ctx, callerIP, submission.Newsletter{Email: "farmer9@example.com"}); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestConcurrentSubmissionsRespectLimit(t *testing.T) {
	f := newFixture(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.pipe.SubmitContact(context.Background(), callerIP, validContact())
		}()
	}
	wg.Wait()
	if f.relay.Calls() != 3 {
		t.Errorf("relay calls = %d, want exactly 3", f.relay.Calls())
	}
}

func TestContactValidation(t *testing.T) {
	long := strings.Repeat("word ", 1001)
	tests := []struct {
		name    string
		mutate  func(*submission.Contact)
		field   string
		message string
	}{
		{"missing name", func(c *submission.Contact) { c.Name = "  " }, "name", submission.MsgContactRequired},
		{"missing email", func(c *submission.Contact) { c.Email = "" }, "email", submission.MsgContactRequired},
		{"missing message", func(c *submission.Contact) { c.Message = "\n" }, "message", submission.MsgContactRequired},
		{"bad email", func(c *submission.Contact) { c.Email = "a@@b.com" }, "email", "Please enter a valid email address"},
		{"short message", func(c *submission.Contact) { c.Message = "  hi there " }, "message", submission.MsgMessageTooShort},
		{"long message", func(c *submission.Contact) { c.Message = long }, "message", submission.MsgMessageTooLong},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			c := validContact()
			tc.mutate(&c)
			_, err := f.pipe.SubmitContact(context.Background(), fmt.Sprintf("192.0.2.%d", i+1), c)
			se := asError(t, err)
			if !errors.Is(err, submission.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if se.Field != tc.field || se.Message != tc.message {
				t.Errorf("field=%q message=%q", se.Field, se.Message)
			}
			if se.HTTPStatus() != http.StatusBadRequest {
				t.Errorf("status = %d", se.HTTPStatus())
			}
			if f.relay.Calls() != 0 {
				t.Error("validation failure must not reach the relay")
			}
		})
	}
}

func TestUnknownCallerRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.pipe.SubmitContact(context.Background(), "", validContact())
	if se := asError(t, err); se.Kind != submission.KindValidation || se.Field != "caller" {
		t.Fatalf("got %+v", se)
	}
}

func TestRateStoreFailureFailsOpen(t *testing.T) {
	r := testutil.NewMockRelay()
	cfg := submission.NewConfig()
	cfg.Recipient = "team@fieldmind.example"
	rates := testutil.NewMockRateStore()
	rates.SetStickyError("Allow", errors.New("disk on fire"))
	pipe := submission.New(cfg, rates, r, testutil.NewMockSubscriber(), nil, zerolog.Nop())
	if _, err := pipe.SubmitContact(context.Background(), callerIP, validContact()); err != nil {
		t.Fatalf("expected admission when store fails, got %v", err)
	}
	if r.Calls() != 1 {
		t.Errorf("relay calls = %d", r.Calls())
	}
	if rates.Calls("Allow") != 1 {
		t.Errorf("Allow calls = %d", rates.Calls("Allow"))
	}
}

func TestRelayErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   submission.Kind
		status int
		msg    string
	}{
		{"config", &relay.ConfigError{Missing: []string{"SMTP_HOST"}}, submission.KindProviderConfig, 500, submission.MsgServerConfiguration},
		{"rejected", &relay.RejectError{Code: 550, Msg: "no"}, submission.KindProviderRejected, 502, submission.MsgContactFailed},
		{"transport", &relay.TransportError{Err: errors.New("dial tcp: refused")}, submission.KindTransport, 502, submission.MsgContactFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.relay.FailNext(tc.err)
			_, err := f.pipe.SubmitContact(context.Background(), callerIP, validContact())
			se := asError(t, err)
			if se.Kind != tc.kind || se.HTTPStatus() != tc.status || se.SafeMessage() != tc.msg {
				t.Errorf("kind=%s status=%d msg=%q", se.Kind, se.HTTPStatus(), se.SafeMessage())
			}
			if !errors.Is(err, tc.err) {
				t.Error("cause should be preserved for logs")
			}
		})
	}
}

func TestNewsletterSuccess(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.pipe.SubmitNewsletter(context.Background(), callerIP, submission.Newsletter{Email: " farmer@example.com "})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != submission.MsgNewsletterSubscribed {
		t.Errorf("Message = %q", res.Message)
	}
	m, ok := f.list.Member("farmer@example.com")
	if !ok {
		t.Fatal("member not added")
	}
	want := mailchimp.Member{Email: "farmer@example.com", Tags: []string{"website_signup"}, SignupSource: "Website Newsletter"}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("member (-want +got):\n%s", diff)
	}
}

func TestNewsletterAlreadySubscribed(t *testing.T) {
	f := newFixture(t, nil)
	f.list.Preload("already@subscribed.com")
	_, err := f.pipe.SubmitNewsletter(context.Background(), callerIP, submission.Newsletter{Email: "already@subscribed.com"})
	se := asError(t, err)
	if !errors.Is(err, submission.ErrAlreadySubscribed) {
		t.Fatalf("got %v", err)
	}
	if se.SafeMessage() != "This email is already subscribed to our newsletter!" || se.HTTPStatus() != 400 {
		t.Errorf("message=%q status=%d", se.SafeMessage(), se.HTTPStatus())
	}
}

func TestNewsletterValidation(t *testing.T) {
	tests := []struct {
		email   string
		message string
	}{
		{"   ", "Email is required"},
		{"no-at-sign.com", "Please enter a valid email address"},
		{"bot@mailinator.com", submission.MsgDisposableEmail},
	}
	for i, tc := range tests {
		f := newFixture(t, nil)
		_, err := f.pipe.SubmitNewsletter(context.Background(), fmt.Sprintf("192.0.2.%d", i+1), submission.Newsletter{Email: tc.email})
		se := asError(t, err)
		if se.Kind != submission.KindValidation || se.Field != "email" || se.Message != tc.message {
			t.Errorf("%q: kind=%s field=%q message=%q", tc.email, se.Kind, se.Field, se.Message)
		}
		if f.list.Calls() != 0 {
			t.Errorf("%q: validation failure reached the provider", tc.email)
		}
	}
}

func TestDisposableCheckConfigurable(t *testing.T) {
	c := &clock{t: time.Now()}
	cfg := submission.NewConfig()
	cfg.BlockDisposable = false
	list := testutil.NewMockSubscriber()
	pipe := submission.New(cfg, storage.NewMemoryRateStoreWithClock(c.Now), testutil.NewMockRelay(), list, nil, zerolog.Nop())
	if _, err := pipe.SubmitNewsletter(context.Background(), callerIP, submission.Newsletter{Email: "x@mailinator.com"}); err != nil {
		t.Fatalf("disposable check disabled: %v", err)
	}
}

func TestSubscribeErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   submission.Kind
		status int
		msg    string
	}{
		{"invalid resource", &mailchimp.APIError{Status: 400, Title: mailchimp.TitleInvalidResource, Detail: "fake looking"},
			submission.KindValidation, 400, "Please enter a valid email address"},
		{"api key invalid", &mailchimp.APIError{Status: 401, Title: mailchimp.TitleAPIKeyInvalid},
			submission.KindProviderConfig, 500, submission.MsgServerConfiguration},
		{"resource not found", &mailchimp.APIError{Status: 404, Title: mailchimp.TitleResourceNotFound},
			submission.KindProviderConfig, 500, submission.MsgServerConfiguration},
		{"missing credentials", &mailchimp.ConfigError{Missing: []string{"MAILCHIMP_API_KEY"}},
			submission.KindProviderConfig, 500, submission.MsgServerConfiguration},
		{"other with safe detail", &mailchimp.APIError{Status: 400, Title: "Forgotten Email Not Subscribed", Detail: "This address was permanently deleted."},
			submission.KindProviderRejected, 400, "This address was permanently deleted."},
		{"server error hides detail", &mailchimp.APIError{Status: 503, Title: "Service Unavailable", Detail: "backend shard 7 down"},
			submission.KindProviderRejected, 503, submission.MsgNewsletterFailed},
		{"markup detail hidden", &mailchimp.APIError{Status: 400, Title: "Bad Request", Detail: "<b>oops</b>"},
			submission.KindProviderRejected, 400, submission.MsgNewsletterFailed},
		{"transport", &mailchimp.TransportError{Err: errors.New("i/o timeout")},
			submission.KindTransport, 502, submission.MsgNewsletterUnreachable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.list.QueueErrors(tc.err)
			_, err := f.pipe.SubmitNewsletter(context.Background(), callerIP, submission.Newsletter{Email: "farmer@example.com"})
			se := asError(t, err)
			if se.Kind != tc.kind || se.HTTPStatus() != tc.status || se.SafeMessage() != tc.msg {
				t.Errorf("kind=%s status=%d msg=%q", se.Kind, se.HTTPStatus(), se.SafeMessage())
			}
		})
	}
}

func TestNilSubscriberIsConfigError(t *testing.T) {
	cfg := submission.NewConfig()
	pipe := submission.New(cfg, storage.NewMemoryRateStore(), testutil.NewMockRelay(), nil, nil, zerolog.Nop())
	_, err := pipe.SubmitNewsletter(context.Background(), callerIP, submission.Newsletter{Email: "farmer@example.com"})
	if !errors.Is(err, submission.ErrProviderConfig) {
		t.Fatalf("got %v", err)
	}
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []pool.Job
	full bool
}

func (q *recordingQueue) Enqueue(job pool.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.jobs = append(q.jobs, job)
	return true
}

func TestContactOptInQueued(t *testing.T) {
	q := &recordingQueue{}
	f := newFixture(t, q)
	c := validContact()
	c.Newsletter = true
	ctx := submission.WithRequestID(context.Background(), "req-42")
	res, err := f.pipe.SubmitContact(ctx, callerIP, c)
	if err != nil {
		t.Fatal(err)
	}
	if res.OptIn != "queued" {
		t.Errorf("OptIn = %q", res.OptIn)
	}
	want := []pool.Job{{Email: "jo@example.com", Source: "Contact Form", Caller: callerIP, RequestID: "req-42"}}
	if diff := cmp.Diff(want, q.jobs); diff != "" {
		t.Errorf("jobs (-want +got):\n%s", diff)
	}
	if f.list.Calls() != 0 {
		t.Error("queued opt-in must not call the provider inline")
	}
}

func TestContactOptInQueueFullStillSucceeds(t *testing.T) {
	f := newFixture(t, &recordingQueue{full: true})
	c := validContact()
	c.Newsletter = true
	res, err := f.pipe.SubmitContact(context.Background(), callerIP, c)
	if err != nil || res.OptIn != "dropped" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestContactOptInInline(t *testing.T) {
	f := newFixture(t, nil)
	c := validContact()
	c.Newsletter = true
	f.list.QueueErrors(&mailchimp.TransportError{Err: errors.New("down")})
	res, err := f.pipe.SubmitContact(context.Background(), callerIP, c)
	if err != nil {
		t.Fatalf("opt-in failure must not fail the contact submission: %v", err)
	}
	if res.OptIn != "failed" || res.Message != submission.MsgContactSent {
		t.Errorf("res = %+v", res)
	}
}

func TestContactOptInDisposableRejected(t *testing.T) {
	q := &recordingQueue{}
	f := newFixture(t, q)
	c := validContact()
	c.Email = "bot@mailinator.com"
	c.Newsletter = true
	res, err := f.pipe.SubmitContact(context.Background(), callerIP, c)
	if err != nil {
		t.Fatalf("a refused opt-in must not fail the contact submission: %v", err)
	}
	if res.OptIn != "rejected" || res.Message != submission.MsgContactSent {
		t.Errorf("res = %+v", res)
	}
	if len(q.jobs) != 0 || f.list.Calls() != 0 {
		t.Errorf("disposable opt-in reached the list: jobs=%d calls=%d", len(q.jobs), f.list.Calls())
	}
	if f.relay.Calls() != 1 {
		t.Errorf("contact notification should still be sent, got %d", f.relay.Calls())
	}
}

func TestContactOptInChargesNewsletterLimit(t *testing.T) {
	f := newFixture(t, nil)
	c := validContact()
	c.Newsletter = true

	var got []string
	for range 3 {
		res, err := f.pipe.SubmitContact(context.Background(), callerIP, c)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, res.OptIn)
	}
	if diff := cmp.Diff([]string{"subscribed", "subscribed", "rejected"}, got); diff != "" {
		t.Errorf("opt-in outcomes (-want +got):\n%s", diff)
	}
	if f.list.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", f.list.Calls())
	}

	// The newsletter form shares the same budget.
	_, err := f.pipe.SubmitNewsletter(context.Background(), callerIP, submission.Newsletter{Email: "jo@example.com"})
	if se := asError(t, err); se.Kind != submission.KindRateLimited {
		t.Errorf("newsletter after two opt-ins: kind = %v", se.Kind)
	}
}

func TestProcessOptInRetriesOnlyTransport(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantErr   bool
		wantRetry bool
	}{
		{"success", nil, false, false},
		{"transport", &mailchimp.TransportError{Err: errors.New("timeout")}, true, true},
		{"member exists", &mailchimp.APIError{Status: 400, Title: mailchimp.TitleMemberExists}, false, false},
		{"bad key", &mailchimp.APIError{Status: 401, Title: mailchimp.TitleAPIKeyInvalid}, true, false},
		{"rejected", &mailchimp.APIError{Status: 400, Title: "Invalid Resource"}, true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.list.QueueErrors(tc.err)
			err := f.pipe.ProcessOptIn(context.Background(), pool.Job{Email: "jo@example.com", Source: "Contact Form"})
			if (err != nil) != tc.wantErr {
				t.Fatalf("ProcessOptIn err=%v, wantErr=%v", err, tc.wantErr)
			}
			if retry := err != nil && !pool.IsPermanent(err); retry != tc.wantRetry {
				t.Errorf("ProcessOptIn err=%v retryable=%v, want %v", err, retry, tc.wantRetry)
			}
		})
	}
}

func TestProcessOptInWithPool(t *testing.T) {
	f := newFixture(t, nil)
	f.list.QueueErrors(&mailchimp.TransportError{Err: errors.New("blip")})
	p, err := pool.New(pool.Config{Workers: 1, QueueDepth: 4, MaxRetries: 2, RetryBase: time.Millisecond}, f.pipe.ProcessOptIn, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Enqueue(pool.Job{Email: "jo@example.com", Source: "Contact Form"})
	p.Stop()

	if f.list.Calls() != 2 {
		t.Errorf("expected one failed and one retried call, got %d", f.list.Calls())
	}
	if _, ok := f.list.Member("jo@example.com"); !ok {
		t.Error("member should be subscribed after retry")
	}
}

func TestProcessOptInWithPoolStopsOnRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.list.QueueErrors(&mailchimp.APIError{Status: 400, Title: "Invalid Resource"})
	p, err := pool.New(pool.Config{Workers: 1, QueueDepth: 4, MaxRetries: 3, RetryBase: time.Millisecond}, f.pipe.ProcessOptIn, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Enqueue(pool.Job{Email: "jo@example.com", Source: "Contact Form"})
	p.Stop()

	if f.list.Calls() != 1 {
		t.Errorf("a rejected opt-in should not be retried, got %d calls", f.list.Calls())
	}
}
