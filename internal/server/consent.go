package server

import (
	"net/http"

	"github.com/fieldmind/fieldmind-web/internal/consent"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const msgConsentSaveFailed = "Unable to save your cookie preferences. Please try again."

type consentResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Consent consent.Record `json:"consent"`
	State   string         `json:"state"`
	Prompt  bool           `json:"prompt"`
	Banner  policyResponse `json:"banner"`
	Head    headResponse   `json:"head"`
}

type preferencesRequest struct {
	Analytics   bool `json:"analytics"`
	Marketing   bool `json:"marketing"`
	Preferences bool `json:"preferences"`
}

func (s *Server) writeConsent(c *gin.Context, v *visitor, status int, msg string) {
	rec, prompt := v.consent.Get()
	head, err := v.headResponse()
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("render analytics head")
		c.JSON(http.StatusInternalServerError, failure("Internal server error"))
		return
	}
	c.JSON(status, consentResponse{
		Success: status < 400,
		Message: msg,
		Consent: rec,
		State:   v.consent.State().String(),
		Prompt:  prompt,
		Banner:  policy(consent.CookieBanner),
		Head:    head,
	})
}

func (s *Server) handleGetConsent(c *gin.Context) {
	s.writeConsent(c, s.visitor(c), http.StatusOK, "")
}

func (s *Server) handleAcceptAll(c *gin.Context) {
	v := s.visitor(c)
	if _, err := v.consent.AcceptAll(); err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("accept all cookies")
		s.writeConsent(c, v, http.StatusInternalServerError, msgConsentSaveFailed)
		return
	}
	s.writeConsent(c, v, http.StatusOK, "")
}

func (s *Server) handleSaveConsent(c *gin.Context) {
	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure("Invalid cookie preferences"))
		return
	}
	v := s.visitor(c)
	_, err := v.consent.SavePreferences(consent.Record{
		Analytics:   req.Analytics,
		Marketing:   req.Marketing,
		Preferences: req.Preferences,
	})
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("save cookie preferences")
		s.writeConsent(c, v, http.StatusInternalServerError, msgConsentSaveFailed)
		return
	}
	s.writeConsent(c, v, http.StatusOK, "")
}

func (s *Server) handleResetConsent(c *gin.Context) {
	v := s.visitor(c)
	if err := v.consent.Reset(); err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("reset cookie consent")
	}
	if err := v.banner.Clear(); err != nil {
		zerolog.Ctx(c.Request.Context()).Warn().Err(err).Msg("clear banner flag")
	}
	s.writeConsent(c, v, http.StatusOK, "")
}

// handleDismissBanner records that the banner was shown and closed without a
// choice, so it stays hidden for the rest of the session.
func (s *Server) handleDismissBanner(c *gin.Context) {
	v := s.visitor(c)
	if err := v.banner.Save("true"); err != nil {
		zerolog.Ctx(c.Request.Context()).Warn().Err(err).Msg("set banner flag")
	}
	v.consent.MarkPrompted()
	s.writeConsent(c, v, http.StatusOK, "")
}
