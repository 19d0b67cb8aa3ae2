// Package submission runs contact and newsletter form submissions through a
// staged check pipeline and forwards the survivors to the mail relay or the
// mailing-list provider.
package submission

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/caller"
	"github.com/fieldmind/fieldmind-web/internal/metrics"
	"github.com/fieldmind/fieldmind-web/internal/pool"
	"github.com/fieldmind/fieldmind-web/internal/provider/mailchimp"
	"github.com/fieldmind/fieldmind-web/internal/provider/relay"
	"github.com/fieldmind/fieldmind-web/internal/storage"
	"github.com/fieldmind/fieldmind-web/internal/validate"
	"github.com/rs/zerolog"
)

// Form names, used as rate-limit key prefixes and metric labels.
const (
	FormContact    = "contact"
	FormNewsletter = "newsletter"
)

// stage labels for metrics
const (
	stageHoneypot   = "1_honeypot"
	stageRateLimit  = "2_ratelimit"
	stageRequired   = "3_required"
	stageEmail      = "4_email"
	stageDisposable = "5_disposable"
	stageLength     = "6_length"
)

// Contact is a raw contact-form submission.
type Contact struct {
	Name       string
	Email      string
	Company    string
	Message    string
	Newsletter bool
	Honeypot   string
}

// Newsletter is a raw newsletter sign-up.
type Newsletter struct {
	Email    string
	Honeypot string
}

// Result is a successful outcome. Dropped is true when the honeypot caught
// the submission: the visitor is told it succeeded but nothing was sent.
type Result struct {
	Message string
	Dropped bool
	// OptIn reports what happened to a contact-form newsletter opt-in:
	// "", "queued", "subscribed", "failed", "dropped" or "rejected".
	OptIn string
}

// Relay delivers the contact notification.
type Relay interface {
	Send(ctx context.Context, msg relay.Message) error
}

// Subscriber adds a member to the mailing list.
type Subscriber interface {
	AddMember(ctx context.Context, m mailchimp.Member) error
}

// OptInQueue accepts deferred newsletter subscriptions. *pool.Pool satisfies it.
type OptInQueue interface {
	Enqueue(job pool.Job) bool
}

// Limit is a rolling-window attempt budget.
type Limit struct {
	Max    int
	Window time.Duration
}

// Config holds pipeline parameters.
type Config struct {
	Recipient        string
	ContactLimit     Limit
	NewsletterLimit  Limit
	MinMessageLength int
	MaxMessageLength int
	BlockDisposable  bool
	DenyList         *validate.DenyList
	Tags             []string
	SignupSource     string
	OptInSource      string
}

// NewConfig returns a Config with the site's standard limits.
func NewConfig() Config {
	return Config{
		ContactLimit:     Limit{Max: 3, Window: 10 * time.Minute},
		NewsletterLimit:  Limit{Max: 2, Window: 5 * time.Minute},
		MinMessageLength: 10,
		MaxMessageLength: 5000,
		BlockDisposable:  true,
		DenyList:         validate.NewDenyList(),
		Tags:             []string{"website_signup"},
		SignupSource:     "Website Newsletter",
		OptInSource:      "Contact Form",
	}
}

// Pipeline is safe for concurrent use. It holds no lock while a provider
// call is in flight; the only shared state is the RateStore.
type Pipeline struct {
	cfg   Config
	rates storage.RateStore
	relay Relay
	list  Subscriber
	optIn OptInQueue
	log   zerolog.Logger
}

// New builds a Pipeline. optIn may be nil, in which case contact-form opt-ins
// are subscribed inline after the notification is sent.
func New(cfg Config, rates storage.RateStore, r Relay, list Subscriber, optIn OptInQueue, log zerolog.Logger) *Pipeline {
	if cfg.OptInSource == "" {
		cfg.OptInSource = "Contact Form"
	}
	return &Pipeline{cfg: cfg, rates: rates, relay: r, list: list, optIn: optIn, log: log}
}

// logger prefers the request-scoped logger carried by ctx.
func (p *Pipeline) logger(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return p.log
}

// SubmitContact validates c and sends the operator notification. identity is
// the caller identity from caller.Identify.
func (p *Pipeline) SubmitContact(ctx context.Context, identity string, c Contact) (Result, error) {
	log := p.logger(ctx).With().Str("form", FormContact).Logger()

	// Stage 1: honeypot
	if validate.IsHoneypotFilled(c.Honeypot) {
		filtered(FormContact, stageHoneypot, "honeypot_filled")
		outcome(FormContact, "honeypot")
		log.Info().Str("caller", identity).Msg("bot submission detected and dropped")
		return Result{Message: MsgContactSent, Dropped: true}, nil
	}

	// Stage 2: rate limit
	if err := p.checkRate(FormContact, identity, p.cfg.ContactLimit, MsgContactRateLimited, log); err != nil {
		return Result{}, p.fail(FormContact, err, log)
	}

	// Stage 3: required fields
	if !validate.Required(c.Name, c.Email, c.Message) {
		filtered(FormContact, stageRequired, "missing_field")
		return Result{}, p.fail(FormContact, validationError(missingField(c), MsgContactRequired), log)
	}

	// Stage 4: email format
	if err := validate.ValidateEmail(c.Email); err != nil {
		filtered(FormContact, stageEmail, "invalid_email")
		return Result{}, p.fail(FormContact, validationError("email", err.Error()), log)
	}

	// Stage 6: message length
	tooShort, tooLong := validate.LengthBetween(c.Message, p.cfg.MinMessageLength, p.cfg.MaxMessageLength)
	if tooShort {
		filtered(FormContact, stageLength, "too_short")
		return Result{}, p.fail(FormContact, validationError("message", MsgMessageTooShort), log)
	}
	if tooLong {
		filtered(FormContact, stageLength, "too_long")
		return Result{}, p.fail(FormContact, validationError("message", MsgMessageTooLong), log)
	}

	msg, err := composeNotification(c, p.cfg.Recipient)
	if err != nil {
		return Result{}, p.fail(FormContact, &Error{Kind: KindProviderConfig, Message: MsgContactFailed, Err: err}, log)
	}
	if err := p.relay.Send(ctx, msg); err != nil {
		return Result{}, p.fail(FormContact, relayError(err), log)
	}

	res := Result{Message: MsgContactSent}
	if c.Newsletter {
		res.OptIn = p.handleOptIn(ctx, identity, c.Email, log)
	}
	outcome(FormContact, "sent")
	log.Info().Str("email_domain", validate.Domain(c.Email)).Bool("newsletter", c.Newsletter).
		Str("opt_in", res.OptIn).Msg("contact notification sent")
	return res, nil
}

// SubmitNewsletter validates n and adds it to the mailing list.
func (p *Pipeline) SubmitNewsletter(ctx context.Context, identity string, n Newsletter) (Result, error) {
	log := p.logger(ctx).With().Str("form", FormNewsletter).Logger()

	// Stage 1: honeypot
	if validate.IsHoneypotFilled(n.Honeypot) {
		filtered(FormNewsletter, stageHoneypot, "honeypot_filled")
		outcome(FormNewsletter, "honeypot")
		log.Info().Str("caller", identity).Msg("bot submission detected and dropped")
		return Result{Message: MsgNewsletterHoneypot, Dropped: true}, nil
	}

	// Stage 2: rate limit
	if err := p.checkRate(FormNewsletter, identity, p.cfg.NewsletterLimit, MsgNewsletterRateLimited, log); err != nil {
		return Result{}, p.fail(FormNewsletter, err, log)
	}

	// Stage 3: required
	if !validate.Required(n.Email) {
		filtered(FormNewsletter, stageRequired, "missing_field")
		return Result{}, p.fail(FormNewsletter, validationError("email", validate.ErrEmailRequired.Error()), log)
	}

	// Stage 4: email format
	if err := validate.ValidateEmail(n.Email); err != nil {
		filtered(FormNewsletter, stageEmail, "invalid_email")
		return Result{}, p.fail(FormNewsletter, validationError("email", err.Error()), log)
	}

	// Stage 5: disposable domain
	if p.cfg.BlockDisposable && p.cfg.DenyList.IsDisposable(n.Email) {
		filtered(FormNewsletter, stageDisposable, "disposable_domain")
		return Result{}, p.fail(FormNewsletter, validationError("email", MsgDisposableEmail), log)
	}

	if err := p.subscribe(ctx, n.Email, p.cfg.SignupSource); err != nil {
		return Result{}, p.fail(FormNewsletter, err, log)
	}
	outcome(FormNewsletter, "subscribed")
	log.Info().Str("email_domain", validate.Domain(n.Email)).Msg("newsletter subscription added")
	return Result{Message: MsgNewsletterSubscribed}, nil
}

// ProcessOptIn is the pool.Handler for deferred opt-ins. Transport failures
// are returned as-is so the pool retries them; other failures are permanent.
func (p *Pipeline) ProcessOptIn(ctx context.Context, job pool.Job) error {
	log := p.log.With().Str("form", FormContact).Str("request_id", job.RequestID).
		Int("attempt", job.Retries).Logger()

	se := p.subscribe(ctx, job.Email, job.Source)
	switch {
	case se == nil:
		log.Info().Str("email_domain", validate.Domain(job.Email)).Msg("opt-in subscription added")
		return nil
	case se.Kind == KindTransport:
		log.Warn().Err(se.Err).Msg("opt-in subscription: provider unreachable")
		return se
	case se.Kind == KindAlreadySubscribed:
		log.Debug().Msg("opt-in address already subscribed")
		return nil
	default:
		return pool.Permanent(se)
	}
}

// handleOptIn runs the newsletter stages a contact form has not already
// covered (rate limit and disposable domain) before subscribing email. A
// refusal only changes the returned label, never the contact result.
func (p *Pipeline) handleOptIn(ctx context.Context, identity, email string, log zerolog.Logger) string {
	email = strings.TrimSpace(email)
	if err := p.checkRate(FormNewsletter, identity, p.cfg.NewsletterLimit, MsgNewsletterRateLimited, log); err != nil {
		log.Info().Str("kind", err.Kind.String()).Msg("opt-in refused by newsletter rate limit")
		return "rejected"
	}
	if p.cfg.BlockDisposable && p.cfg.DenyList.IsDisposable(email) {
		filtered(FormNewsletter, stageDisposable, "disposable_domain")
		log.Info().Str("email_domain", validate.Domain(email)).Msg("opt-in refused: disposable domain")
		return "rejected"
	}
	if p.optIn != nil {
		reqID, _ := ctx.Value(requestIDKey{}).(string)
		if p.optIn.Enqueue(pool.Job{Email: email, Source: p.cfg.OptInSource, Caller: identity, RequestID: reqID}) {
			return "queued"
		}
		return "dropped"
	}
	if err := p.subscribe(ctx, email, p.cfg.OptInSource); err != nil {
		if err.Kind == KindAlreadySubscribed {
			return "subscribed"
		}
		log.Warn().Err(err).Msg("inline opt-in subscription failed")
		return "failed"
	}
	return "subscribed"
}

// checkRate runs stage 2. An empty identity cannot be limited and is refused.
func (p *Pipeline) checkRate(form, identity string, limit Limit, limitedMsg string, log zerolog.Logger) *Error {
	if identity == "" {
		filtered(form, stageRateLimit, "unknown_caller")
		return validationError("caller", MsgUnknownCaller)
	}
	d, err := p.rates.Allow(caller.Key(form, identity), limit.Window, limit.Max)
	if err != nil {
		// fail open on store errors
		log.Error().Err(err).Msg("rate store unavailable; admitting submission")
		return nil
	}
	if !d.Allowed {
		filtered(form, stageRateLimit, "rate_limited")
		return &Error{Kind: KindRateLimited, Message: limitedMsg, RetryAfter: d.RetryAfter}
	}
	return nil
}

func (p *Pipeline) subscribe(ctx context.Context, email, source string) *Error {
	if p.list == nil {
		return &Error{Kind: KindProviderConfig, Message: MsgServerConfiguration,
			Err: &mailchimp.ConfigError{Missing: []string{"MAILCHIMP_API_KEY"}}}
	}
	err := p.list.AddMember(ctx, mailchimp.Member{
		Email:        strings.TrimSpace(email),
		Tags:         p.cfg.Tags,
		SignupSource: source,
	})
	if err != nil {
		return subscribeError(err)
	}
	return nil
}

// fail records the outcome and logs server-side detail for provider errors.
func (p *Pipeline) fail(form string, e *Error, log zerolog.Logger) *Error {
	outcome(form, e.Kind.String())
	ev := log.Debug()
	switch e.Kind {
	case KindProviderConfig:
		ev = log.Error()
	case KindProviderRejected, KindTransport:
		ev = log.Warn()
	}
	ev = ev.Str("kind", e.Kind.String()).Str("field", e.Field)
	var apiErr *mailchimp.APIError
	if errors.As(e.Err, &apiErr) {
		ev = ev.Int("status", apiErr.Status).Str("provider_title", apiErr.Title).Str("provider_body", apiErr.Body)
	}
	ev.Err(e.Err).Msg("submission rejected")
	return e
}

// subscribeError maps mailing-list failures onto the error taxonomy.
func subscribeError(err error) *Error {
	var (
		cfgErr *mailchimp.ConfigError
		apiErr *mailchimp.APIError
	)
	switch {
	case errors.As(err, &cfgErr):
		return &Error{Kind: KindProviderConfig, Message: MsgServerConfiguration, Err: err}
	case errors.As(err, &apiErr):
		switch apiErr.Title {
		case mailchimp.TitleMemberExists:
			return &Error{Kind: KindAlreadySubscribed, Message: MsgAlreadySubscribed, Err: err}
		case mailchimp.TitleInvalidResource:
			return &Error{Kind: KindValidation, Field: "email", Message: validate.ErrEmailInvalid.Error(), Err: err}
		case mailchimp.TitleAPIKeyInvalid, mailchimp.TitleResourceNotFound:
			return &Error{Kind: KindProviderConfig, Message: MsgServerConfiguration, Err: err}
		}
		msg := MsgNewsletterFailed
		if safeDetail(apiErr) {
			msg = apiErr.Detail
		}
		return &Error{Kind: KindProviderRejected, Message: msg, Status: apiErr.Status, Err: err}
	}
	return &Error{Kind: KindTransport, Message: MsgNewsletterUnreachable, Err: err}
}

// safeDetail reports whether the provider's detail text may be shown to the
// visitor: client-side (4xx) problems with a short plain-text explanation.
func safeDetail(e *mailchimp.APIError) bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Detail != "" && len(e.Detail) <= 200 &&
		!strings.ContainsAny(e.Detail, "<>{}")
}

// relayError maps mail relay failures onto the error taxonomy.
func relayError(err error) *Error {
	var (
		cfgErr *relay.ConfigError
		rejErr *relay.RejectError
	)
	switch {
	case errors.As(err, &cfgErr):
		return &Error{Kind: KindProviderConfig, Message: MsgServerConfiguration, Err: err}
	case errors.As(err, &rejErr):
		return &Error{Kind: KindProviderRejected, Message: MsgContactFailed, Err: err}
	}
	return &Error{Kind: KindTransport, Message: MsgContactFailed, Err: err}
}

func missingField(c Contact) string {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return "name"
	case strings.TrimSpace(c.Email) == "":
		return "email"
	}
	return "message"
}

func filtered(form, stage, reason string) {
	metrics.SubmissionsFiltered.WithLabelValues(form, stage, reason).Inc()
}

func outcome(form, result string) {
	metrics.Submissions.WithLabelValues(form, result).Inc()
}

type requestIDKey struct{}

// WithRequestID attaches the request id carried into deferred opt-in jobs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}
