package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/realtime"
	"github.com/stemsi/exstem-examsync/internal/response"
	"github.com/stemsi/exstem-examsync/internal/service"
)

// failFromError maps a service error onto a status and error code.
// Unknown errors are logged and reported as internal.
func failFromError(c *gin.Context, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
	case errors.Is(err, service.ErrSessionEnded):
		response.Fail(c, http.StatusGone, response.ErrSessionEnded)
	case errors.Is(err, service.ErrSessionFull):
		response.Fail(c, http.StatusConflict, response.ErrSessionFull)
	case errors.Is(err, service.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
	case errors.Is(err, service.ErrAttemptForbidden):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
	case errors.Is(err, service.ErrAttemptClosed):
		response.Fail(c, http.StatusConflict, response.ErrAttemptClosed)
	case errors.Is(err, service.ErrInvalidHighlight):
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{"end_offset": err.Error()})
	default:
		log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", response.RequestID(c)).
			Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// closeCodeFor maps an admission error onto the channel's close code.
func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidToken):
		return realtime.CloseUnauthorized
	case errors.Is(err, service.ErrSessionNotFound):
		return realtime.CloseSessionNotFound
	case errors.Is(err, service.ErrSessionEnded):
		return realtime.CloseSessionEnded
	case errors.Is(err, service.ErrSessionFull):
		return realtime.CloseSessionFull
	case errors.Is(err, service.ErrAttemptForbidden):
		return realtime.CloseUnauthorized
	}
	return realtime.CloseInternalError
}
