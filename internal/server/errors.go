package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/worksite/internal/apperr"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	project "github.com/smallbiznis/worksite/internal/project/domain"
	"github.com/smallbiznis/worksite/internal/project/liveupdates"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	timeline "github.com/smallbiznis/worksite/internal/timeline/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return apperr.Validation("request", ErrInvalidRequest.Error(), "invalid request")
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationError(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: vErr.Field, Code: vErr.Code, Message: vErr.Message},
			},
		}
	}

	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: apperr.Message(err),
		}
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: apperr.Message(err),
		}
	case errors.Is(err, apperr.ErrNetwork):
		return http.StatusBadGateway, errorPayload{
			Type:    "network_error",
			Message: apperr.Message(err),
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, liveupdates.ErrHubUnavailable),
		errors.Is(err, project.ErrEngineClosed):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// asValidationError returns the field-level form of err when it is a
// rejected input, including the bare sentinels of the domain packages.
func asValidationError(err error) *apperr.ValidationError {
	var vErr *apperr.ValidationError
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}

	field := ""
	switch {
	case errors.Is(err, ErrInvalidRequest):
		field = "request"
	case errors.Is(err, project.ErrInvalidAction):
		field = "action"
	case errors.Is(err, project.ErrMissingProject):
		field = "project_id"
	case errors.Is(err, timeline.ErrInvalidFilter):
		field = "filter"
	case errors.Is(err, recordstore.ErrInvalidKind):
		field = "kind"
	case errors.Is(err, recordstore.ErrInvalidParent),
		errors.Is(err, recordstore.ErrInvalidRecordID):
		field = "id"
	case errors.Is(err, liveupdates.ErrInvalidProjectID):
		field = "project_id"
	case errors.Is(err, finance.ErrInvalidAmount):
		field = "amount"
	default:
		return nil
	}
	return &apperr.ValidationError{
		Field:   field,
		Code:    err.Error(),
		Message: "invalid value",
	}
}

// classifyErrorForLog reports the taxonomy kind of err for request logs.
func classifyErrorForLog(err error) string {
	if asValidationError(err) != nil {
		return "validation_error"
	}
	return apperr.Kind(err)
}
