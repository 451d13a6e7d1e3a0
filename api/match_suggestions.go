package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/handlers"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
	"github.com/THEMKM/seraaj-eventsourced-sub001/readmodel"
)

type suggestionQuery struct {
	VolunteerID   string `form:"volunteerId"`
	OpportunityID string `form:"opportunityId"`
	Status        string `form:"status"`
	Top           bool   `form:"top"`
	readmodel.Page
}

func (s *Server) generateSuggestion(c *gin.Context) {
	var cmd handlers.GenerateMatchSuggestionCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		respondError(c, bindError(err))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.deps.Suggestions.Generate(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) acceptSuggestion(c *gin.Context) {
	s.changeSuggestion(c, func(ctx context.Context, id string) (handlers.Result, error) {
		return s.deps.Suggestions.Accept(ctx, handlers.AcceptMatchSuggestionCommand{SuggestionID: id})
	})
}

func (s *Server) declineSuggestion(c *gin.Context) {
	var cmd handlers.DeclineMatchSuggestionCommand
	if err := bindOptionalJSON(c, &cmd); err != nil {
		respondError(c, err)
		return
	}
	s.changeSuggestion(c, func(ctx context.Context, id string) (handlers.Result, error) {
		cmd.SuggestionID = id
		return s.deps.Suggestions.Decline(ctx, cmd)
	})
}

func (s *Server) expireSuggestion(c *gin.Context) {
	s.changeSuggestion(c, func(ctx context.Context, id string) (handlers.Result, error) {
		return s.deps.Suggestions.Expire(ctx, handlers.ExpireMatchSuggestionCommand{SuggestionID: id})
	})
}

func (s *Server) changeSuggestion(c *gin.Context, change func(ctx context.Context, id string) (handlers.Result, error)) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := change(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getSuggestion(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	suggestion, err := s.deps.Reads.GetMatchSuggestion(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, suggestion)
}

func (s *Server) listSuggestions(c *gin.Context) {
	var q suggestionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, bindError(err))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	var (
		suggestions []models.MatchSuggestion
		err         error
	)
	switch {
	case q.VolunteerID != "":
		suggestions, err = s.deps.Reads.SuggestionsByVolunteer(ctx, q.VolunteerID, q.Page)
	case q.OpportunityID != "":
		suggestions, err = s.deps.Reads.SuggestionsByOpportunity(ctx, q.OpportunityID, q.Page)
	case q.Status != "":
		suggestions, err = s.deps.Reads.SuggestionsByStatus(ctx, q.Status, q.Page)
	case q.Top:
		suggestions, err = s.deps.Reads.TopSuggestions(ctx, q.Page)
	default:
		err = domain.Validation("api.listSuggestions", nil, "one of volunteerId, opportunityId, status or top is required")
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(suggestions, q.Page))
}
