package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
)

type eventQuery struct {
	Type          string    `form:"type"`
	AggregateType string    `form:"aggregateType"`
	Since         time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Cursor        string    `form:"cursor"`
	Limit         int       `form:"limit"`
}

type rangeQuery struct {
	From int `form:"from"`
	To   int `form:"to"`
}

// appendEvent is the raw, state-machine guarded append
func (s *Server) appendEvent(c *gin.Context) {
	var req eventstore.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	event, err := s.deps.Repository.Append(ctx, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// listEvents pages one event type, or the whole log when no type is given
func (s *Server) listEvents(c *gin.Context) {
	var q eventQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, bindError(err))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	var (
		page eventstore.EventPage
		err  error
	)
	if q.Type != "" && q.AggregateType == "" {
		page, err = s.deps.Events.LoadEventsByType(ctx, q.Type, q.Since, q.Cursor, q.Limit)
	} else {
		page, err = s.deps.Events.Query(ctx, eventstore.EventFilter{
			AggregateType: q.AggregateType,
			EventType:     q.Type,
			Since:         q.Since,
			Cursor:        q.Cursor,
			Limit:         q.Limit,
		})
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if page.Events == nil {
		page.Events = []domain.Event{}
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) aggregateEvents(c *gin.Context) {
	aggregateType, id := c.Param("type"), c.Param("id")
	if !domain.IsKnownAggregateType(aggregateType) {
		respondError(c, domain.Validation("api.aggregateEvents", nil, "unknown aggregate type %q", aggregateType))
		return
	}

	var q rangeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, bindError(err))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	var (
		events []domain.Event
		err    error
	)
	if q.To > 0 {
		events, err = s.deps.Events.LoadEventRange(ctx, id, q.From, q.To)
	} else {
		events, err = s.deps.Events.LoadEvents(ctx, id, q.From)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	if len(events) == 0 {
		head, err := s.deps.Events.CurrentVersion(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		if head == 0 {
			respondError(c, domain.NotFound("api.aggregateEvents", "aggregate %s not found", id))
			return
		}
		events = []domain.Event{}
	} else if events[0].AggregateType != aggregateType {
		respondError(c, domain.NotFound("api.aggregateEvents", "%s %s not found", aggregateType, id))
		return
	}

	c.JSON(http.StatusOK, events)
}
