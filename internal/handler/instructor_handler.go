package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

// SessionAPI is the instructor-facing session administration.
type SessionAPI interface {
	Authorize(ctx context.Context, instructorID int, sessionID uuid.UUID) (*model.ExamSession, error)
	UpdateStatus(ctx context.Context, instructorID int, sessionID uuid.UUID, next model.SessionStatus) (*model.ExamSession, error)
	ListAttempts(ctx context.Context, instructorID int, sessionID uuid.UUID) ([]service.AttemptSummary, error)
	Reopen(ctx context.Context, instructorID int, attemptID uuid.UUID, reason string) (*model.Attempt, error)
	Rescore(ctx context.Context, instructorID int, attemptID uuid.UUID) (*service.FinalizeResult, error)
}

// InstructorHandler handles session administration endpoints.
type InstructorHandler struct {
	sessions SessionAPI
	log      zerolog.Logger
}

// NewInstructorHandler creates a new InstructorHandler.
func NewInstructorHandler(sessions SessionAPI, log zerolog.Logger) *InstructorHandler {
	return &InstructorHandler{
		sessions: sessions,
		log:      logger.Component(log, "instructor_handler"),
	}
}

// UpdateSessionStatus godoc
// PATCH /api/v1/instructor/sessions/:session_id/status
// Moves a session forward: scheduled, active, ended.
func (h *InstructorHandler) UpdateSessionStatus(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.UpdateSessionStatusRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	session, err := h.sessions.UpdateStatus(c.Request.Context(), claims.UserID, sessionID, req.Status)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": session})
}

// ListAttempts godoc
// GET /api/v1/instructor/sessions/:session_id/attempts
// Lists every attempt with its clock. Attempts stuck on a scoring defect
// carry finalize_error and can be rescored.
func (h *InstructorHandler) ListAttempts(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	rows, err := h.sessions.ListAttempts(c.Request.Context(), claims.UserID, sessionID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	if rows == nil {
		rows = []service.AttemptSummary{}
	}

	response.Success(c, http.StatusOK, gin.H{"attempts": rows})
}

// RescoreAttempt godoc
// POST /api/v1/instructor/attempts/:attempt_id/rescore
func (h *InstructorHandler) RescoreAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	out, err := h.sessions.Rescore(c.Request.Context(), claims.UserID, attemptID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	h.log.Info().
		Str("attempt_id", attemptID.String()).
		Int("instructor_id", claims.UserID).
		Msg("Attempt rescored")

	response.Success(c, http.StatusOK, gin.H{"attempt": out.Attempt, "result": out.Result})
}

// ReopenAttempt godoc
// POST /api/v1/instructor/attempts/:attempt_id/reopen
// Creates a fresh attempt for the student; the closed one is kept and marked
// superseded.
func (h *InstructorHandler) ReopenAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.ReopenAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	replacement, err := h.sessions.Reopen(c.Request.Context(), claims.UserID, attemptID, req.Reason)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"attempt": replacement})
}
