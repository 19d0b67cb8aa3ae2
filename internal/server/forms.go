package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/fieldmind/fieldmind-web/internal/analytics"
	"github.com/fieldmind/fieldmind-web/internal/caller"
	"github.com/fieldmind/fieldmind-web/internal/submission"
	"github.com/fieldmind/fieldmind-web/internal/validate"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type contactRequest struct {
	Name       string `json:"name" form:"name"`
	Email      string `json:"email" form:"email"`
	Company    string `json:"company" form:"company"`
	Message    string `json:"message" form:"message"`
	Newsletter bool   `json:"newsletter" form:"newsletter"`
	Honeypot   string `json:"honeypot" form:"honeypot"`
}

type newsletterRequest struct {
	Email    string `json:"email" form:"email"`
	Honeypot string `json:"honeypot" form:"honeypot"`
}

type formResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func failure(msg string) formResponse {
	return formResponse{Message: msg}
}

// formEvents names the outcome events a form reports through the gate.
type formEvents struct {
	category    string
	success     string
	failure     string
	rateLimited string
	validation  string
}

var (
	contactEvents = formEvents{
		category:    "Contact",
		success:     "form_submission_success",
		failure:     "form_submission_error",
		rateLimited: "form_rate_limited",
		validation:  "form_validation_error",
	}
	newsletterEvents = formEvents{
		category:    "Newsletter",
		success:     "newsletter_subscription_success",
		failure:     "newsletter_subscription_error",
		rateLimited: "newsletter_rate_limited",
		validation:  "newsletter_validation_error",
	}
)

func (s *Server) handleContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure(submission.MsgContactRequired))
		return
	}

	identity := caller.Identify(c.Request, s.cfg.TrustedProxyCount)
	res, err := s.pipe.SubmitContact(c.Request.Context(), identity, submission.Contact{
		Name:       req.Name,
		Email:      req.Email,
		Company:    req.Company,
		Message:    req.Message,
		Newsletter: req.Newsletter,
		Honeypot:   req.Honeypot,
	})

	v := s.visitor(c)
	if err != nil {
		s.writeFormError(c, v.gate, contactEvents, err)
		return
	}
	if !res.Dropped {
		label := "without_newsletter"
		if req.Newsletter {
			label = "with_newsletter"
		}
		s.track(c, v.gate, analytics.Event{Action: contactEvents.success, Category: contactEvents.category, Label: label})
	}
	c.JSON(http.StatusOK, formResponse{Success: true, Message: res.Message})
}

func (s *Server) handleNewsletter(c *gin.Context) {
	var req newsletterRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure(validate.ErrEmailRequired.Error()))
		return
	}

	identity := caller.Identify(c.Request, s.cfg.TrustedProxyCount)
	res, err := s.pipe.SubmitNewsletter(c.Request.Context(), identity, submission.Newsletter{
		Email:    req.Email,
		Honeypot: req.Honeypot,
	})

	v := s.visitor(c)
	if err != nil {
		s.writeFormError(c, v.gate, newsletterEvents, err)
		return
	}
	if !res.Dropped {
		s.track(c, v.gate, analytics.Event{Action: newsletterEvents.success, Category: newsletterEvents.category})
	}
	c.JSON(http.StatusOK, formResponse{Success: true, Message: res.Message})
}

// writeFormError maps a pipeline failure to its response and outcome event.
func (s *Server) writeFormError(c *gin.Context, gate *analytics.Gate, events formEvents, err error) {
	var se *submission.Error
	if !errors.As(err, &se) {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("unexpected submission error")
		c.JSON(http.StatusInternalServerError, failure(submission.MsgServerConfiguration))
		return
	}

	ev := analytics.Event{Category: events.category}
	switch se.Kind {
	case submission.KindValidation:
		ev.Action, ev.Label = events.validation, se.Field
	case submission.KindRateLimited:
		ev.Action = events.rateLimited
		if se.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(se.RetryAfter.Seconds()))))
		}
	default:
		ev.Action, ev.Label = events.failure, se.SafeMessage()
	}
	s.track(c, gate, ev)

	c.JSON(se.HTTPStatus(), formResponse{Message: se.SafeMessage(), Field: se.Field})
}

func (s *Server) track(c *gin.Context, gate *analytics.Gate, ev analytics.Event) {
	if _, err := gate.RecordEvent(ev); err != nil {
		zerolog.Ctx(c.Request.Context()).Debug().Err(err).Str("action", ev.Action).Msg("outcome event not recorded")
	}
}
