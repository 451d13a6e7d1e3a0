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

type applicationQuery struct {
	VolunteerID   string `form:"volunteerId"`
	OpportunityID string `form:"opportunityId"`
	Status        string `form:"status"`
	readmodel.Page
}

// ListResponse wraps a page of read model rows
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func newListResponse[T any](items []T, page readmodel.Page) ListResponse[T] {
	page = page.Normalize()
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Limit: page.Limit, Offset: page.Offset}
}

// bindOptionalJSON binds a body when one was sent
func bindOptionalJSON(c *gin.Context, v interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil {
		return bindError(err)
	}
	return nil
}

func (s *Server) submitApplication(c *gin.Context) {
	var cmd handlers.SubmitApplicationCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		respondError(c, bindError(err))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.deps.Applications.Submit(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) updateApplication(c *gin.Context) {
	var cmd handlers.UpdateApplicationCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		respondError(c, bindError(err))
		return
	}
	cmd.ApplicationID = c.Param("id")

	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.deps.Applications.Update(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) approveApplication(c *gin.Context) {
	s.reviewApplication(c, s.deps.Applications.Approve)
}

func (s *Server) rejectApplication(c *gin.Context) {
	s.reviewApplication(c, s.deps.Applications.Reject)
}

func (s *Server) reviewApplication(c *gin.Context, review func(ctx context.Context, cmd handlers.ReviewApplicationCommand) (handlers.Result, error)) {
	var cmd handlers.ReviewApplicationCommand
	if err := bindOptionalJSON(c, &cmd); err != nil {
		respondError(c, err)
		return
	}
	cmd.ApplicationID = c.Param("id")

	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := review(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) withdrawApplication(c *gin.Context) {
	var cmd handlers.WithdrawApplicationCommand
	if err := bindOptionalJSON(c, &cmd); err != nil {
		respondError(c, err)
		return
	}
	cmd.ApplicationID = c.Param("id")

	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.deps.Applications.Withdraw(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getApplication(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	app, err := s.deps.Reads.GetApplication(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

// listApplications filters by exactly one of volunteer, opportunity or status
func (s *Server) listApplications(c *gin.Context) {
	var q applicationQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, bindError(err))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	var (
		apps []models.Application
		err  error
	)
	switch {
	case q.VolunteerID != "":
		apps, err = s.deps.Reads.ApplicationsByVolunteer(ctx, q.VolunteerID, q.Page)
	case q.OpportunityID != "":
		apps, err = s.deps.Reads.ApplicationsByOpportunity(ctx, q.OpportunityID, q.Page)
	case q.Status != "":
		apps, err = s.deps.Reads.ApplicationsByStatus(ctx, q.Status, q.Page)
	default:
		err = domain.Validation("api.listApplications", nil, "one of volunteerId, opportunityId or status is required")
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(apps, q.Page))
}
