package server

import (
	"net/http"

	"github.com/fieldmind/fieldmind-web/internal/consent"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type popupResponse struct {
	Show       bool           `json:"show"`
	Interacted bool           `json:"interacted"`
	Policy     policyResponse `json:"policy"`
}

func (s *Server) popupSession(c *gin.Context) *consent.PopupSession {
	return consent.NewPopupSession(consent.NewPopupCookieStore(
		c.Request, c.Writer, s.cfg.PopupCookieName, s.cfg.CookieDomain, s.cfg.CookieSecure))
}

// handlePopupStatus reports whether the newsletter popup should show, given
// the page's elapsed_ms and scroll_y.
func (s *Server) handlePopupStatus(c *gin.Context) {
	session := s.popupSession(c)
	c.JSON(http.StatusOK, popupResponse{
		Show:       session.ShouldShow(queryElapsed(c), queryInt(c, "scroll_y")),
		Interacted: session.Interacted(),
		Policy:     policy(consent.NewsletterPopup),
	})
}

// handlePopupInteracted marks the popup as dismissed or submitted.
func (s *Server) handlePopupInteracted(c *gin.Context) {
	session := s.popupSession(c)
	if err := session.MarkInteracted(); err != nil {
		zerolog.Ctx(c.Request.Context()).Warn().Err(err).Msg("set popup flag")
		c.JSON(http.StatusInternalServerError, failure("Internal server error"))
		return
	}
	c.JSON(http.StatusOK, popupResponse{
		Interacted: true,
		Policy:     policy(consent.NewsletterPopup),
	})
}
