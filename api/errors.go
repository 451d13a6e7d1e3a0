package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/projections"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Retry   bool   `json:"retry,omitempty"`
}

// respondError maps domain error codes onto HTTP statuses
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := ErrorResponse{Error: "internal_error", Message: err.Error()}

	switch domain.CodeOf(err) {
	case domain.CodeVersionConflict:
		status = http.StatusConflict
		body = ErrorResponse{Error: string(domain.CodeVersionConflict), Message: err.Error(), Retry: true}
	case domain.CodeValidation:
		status = http.StatusUnprocessableEntity
		body.Error = string(domain.CodeValidation)
	case domain.CodeUniquenessViolation:
		status = http.StatusConflict
		body = ErrorResponse{Error: string(domain.CodeUniquenessViolation), Message: projections.DuplicateApplicationMessage}
	case domain.CodeNotFound:
		status = http.StatusNotFound
		body.Error = string(domain.CodeNotFound)
	case domain.CodeStorageUnavailable:
		status = http.StatusServiceUnavailable
		body = ErrorResponse{Error: string(domain.CodeStorageUnavailable), Message: "storage unavailable", Retry: true}
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			body.Error = "timeout"
		}
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", c.GetString(requestIDKey)).Int("status", status).Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func bindError(err error) error {
	return domain.Validation("api.bind", err, "malformed request")
}
