package server

import (
	"errors"
	"net/http"

	"github.com/fieldmind/fieldmind-web/internal/analytics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type pageViewRequest struct {
	Path string `json:"path"`
}

type recordResponse struct {
	Recorded bool `json:"recorded"`
}

func (s *Server) handleAnalyticsHead(c *gin.Context) {
	head, err := s.visitor(c).headResponse()
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("render analytics head")
		c.JSON(http.StatusInternalServerError, failure("Internal server error"))
		return
	}
	c.JSON(http.StatusOK, head)
}

func (s *Server) handlePageView(c *gin.Context) {
	var req pageViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure("Invalid page view"))
		return
	}
	recorded := s.visitor(c).gate.RecordPageView(req.Path)
	c.JSON(http.StatusAccepted, recordResponse{Recorded: recorded})
}

func (s *Server) handleEvent(c *gin.Context) {
	var ev analytics.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, failure("Invalid event"))
		return
	}
	recorded, err := s.visitor(c).gate.RecordEvent(ev)
	if errors.Is(err, analytics.ErrInvalidEvent) {
		c.JSON(http.StatusBadRequest, failure("Invalid event name"))
		return
	}
	c.JSON(http.StatusAccepted, recordResponse{Recorded: recorded})
}
