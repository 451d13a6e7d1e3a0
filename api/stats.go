package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) getStats(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	snapshot, err := s.deps.Stats.Snapshot(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) validateProjections(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	report, err := s.deps.Stats.ValidateProjections(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
