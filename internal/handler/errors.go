package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

type errMapping struct {
	err    error
	status int
	code   response.ErrCode
}

// serviceErrors maps service sentinels onto the API envelope. Order matters
// only where one error wraps another.
var serviceErrors = []errMapping{
	{service.ErrFinalizeFailed, http.StatusConflict, response.ErrFinalizeFailed},

	{service.ErrSessionNotFound, http.StatusNotFound, response.ErrSessionNotFound},
	{service.ErrInvalidEntryCode, http.StatusForbidden, response.ErrInvalidEntryCode},
	{service.ErrClassMismatch, http.StatusForbidden, response.ErrClassMismatch},
	{service.ErrExamMismatch, http.StatusBadRequest, response.ErrExamMismatch},
	{service.ErrOutsideWindow, http.StatusForbidden, response.ErrOutsideWindow},
	{service.ErrSessionFull, http.StatusConflict, response.ErrSessionFull},
	{service.ErrQuestionNotInExam, http.StatusBadRequest, response.ErrQuestionNotInExam},
	{service.ErrInvalidAnswer, http.StatusBadRequest, response.ErrInvalidAnswer},
	{service.ErrInvalidTransition, http.StatusConflict, response.ErrInvalidTransition},

	{service.ErrAttemptClosed, http.StatusConflict, response.ErrAttemptClosed},
	{service.ErrAttemptExpired, http.StatusConflict, response.ErrAttemptExpired},
	{service.ErrAttemptNotStarted, http.StatusConflict, response.ErrAttemptNotStarted},
	{service.ErrAttemptNotFinal, http.StatusConflict, response.ErrAttemptNotFinal},
	{service.ErrAttemptSuperseded, http.StatusConflict, response.ErrAttemptSuperseded},

	{service.ErrNotAttemptOwner, http.StatusForbidden, response.ErrNotAttemptOwner},
	{service.ErrNotSessionOwner, http.StatusForbidden, response.ErrForbidden},
	{service.ErrAttemptNotFound, http.StatusNotFound, response.ErrAttemptNotFound},

	{service.ErrResultDeferred, http.StatusForbidden, response.ErrResultDeferred},
	{service.ErrResultPending, http.StatusAccepted, response.ErrResultPending},
}

// classify returns the status and code for a service error. Anything
// unrecognised is an infrastructure failure the client may retry.
func classify(err error) (int, response.ErrCode) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusServiceUnavailable, response.ErrStoreUnavailable
}

// failService writes the envelope for err and logs infrastructure failures.
func failService(c *gin.Context, log zerolog.Logger, err error) {
	status, code := classify(err)
	if code == response.ErrStoreUnavailable {
		log.Error().Err(err).
			Str("request_id", response.RequestID(c)).
			Str("path", c.FullPath()).
			Msg("Request failed")
	}
	response.Fail(c, status, code)
}
