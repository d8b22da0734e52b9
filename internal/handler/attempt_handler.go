package handler

import (
	"context"
	"encoding/json"
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

// AttemptAPI is the student-facing attempt lifecycle.
type AttemptAPI interface {
	Start(ctx context.Context, student service.Student, sessionID uuid.UUID, req model.StartAttemptRequest) (*service.StartResult, error)
	Get(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.Attempt, error)
	Clock(ctx context.Context, studentID int, attemptID uuid.UUID) (*service.ClockResult, error)
	SaveAnswer(ctx context.Context, studentID int, attemptID, questionID uuid.UUID, value json.RawMessage) error
	UpdatePosition(ctx context.Context, studentID int, attemptID uuid.UUID, index int) error
	SetCamera(ctx context.Context, studentID int, attemptID uuid.UUID, enabled bool) (*model.Attempt, error)
	Submit(ctx context.Context, studentID int, attemptID uuid.UUID) (*service.SubmitResult, error)
	Result(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.Result, error)
}

// AttemptHandler handles student attempt endpoints.
type AttemptHandler struct {
	attempts AttemptAPI
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptAPI, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		log:      logger.Component(log, "attempt_handler"),
	}
}

// StartAttempt godoc
// POST /api/v1/student/sessions/:session_id/attempts
// Creates and starts the attempt, or resumes it with its original anchor.
// A closed attempt answers 409 ATTEMPT_CLOSED carrying the attempt so the
// client can go to the result view.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
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

	var req model.StartAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	out, err := h.attempts.Start(c.Request.Context(), claims.Student(), sessionID, req)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	if out.Closed {
		response.FailWithData(c, http.StatusConflict, response.ErrAttemptClosed, out)
		return
	}

	response.Success(c, http.StatusOK, out)
}

// GetAttempt godoc
// GET /api/v1/student/attempts/:attempt_id
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	studentID, attemptID, ok := h.studentAttempt(c)
	if !ok {
		return
	}

	a, err := h.attempts.Get(c.Request.Context(), studentID, attemptID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": a})
}

// GetClock godoc
// GET /api/v1/student/attempts/:attempt_id/clock
// Authoritative time query. Running out of time is reported as a normal
// reading with status expired, never as an error.
func (h *AttemptHandler) GetClock(c *gin.Context) {
	studentID, attemptID, ok := h.studentAttempt(c)
	if !ok {
		return
	}

	out, err := h.attempts.Clock(c.Request.Context(), studentID, attemptID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, out)
}

// SaveAnswer godoc
// PUT /api/v1/student/attempts/:attempt_id/answers/:question_id
// Idempotent upsert; the last write for a question wins.
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	studentID, attemptID, ok := h.studentAttempt(c)
	if !ok {
		return
	}

	questionID, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.SaveAnswer(c.Request.Context(), studentID, attemptID, questionID, req.Value); err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// UpdatePosition godoc
// PUT /api/v1/student/attempts/:attempt_id/position
func (h *AttemptHandler) UpdatePosition(c *gin.Context) {
	studentID, attemptID, ok := h.studentAttempt(c)
	if !ok {
		return
	}

	var req model.UpdatePositionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.UpdatePosition(c.Request.Context(), studentID, attemptID, *req.Index); err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"current_question_index": *req.Index})
}

// SetCamera godoc
// PUT /api/v1/student/attempts/:attempt_id/camera
func (h *AttemptHandler) SetCamera(c *gin.Context) {
	studentID, attemptID, ok := h.studentAttempt(c)
	if !ok {
		return
	}

	var req model.SetCameraRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	a, err := h.attempts.SetCamera(c.Request.Context(), studentID, attemptID, *req.Enabled)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"camera_enabled": a.CameraEnabled})
}

// SubmitAttempt godoc
// POST /api/v1/student/attempts/:attempt_id/submit
// Safe to retry: a closed attempt returns its existing outcome.
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	studentID, attemptID, ok := h.studentAttempt(c)
	if !ok {
		return
	}

	out, err := h.attempts.Submit(c.Request.Context(), studentID, attemptID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, out)
}

// GetResult godoc
// GET /api/v1/student/attempts/:attempt_id/result
func (h *AttemptHandler) GetResult(c *gin.Context) {
	studentID, attemptID, ok := h.studentAttempt(c)
	if !ok {
		return
	}

	res, err := h.attempts.Result(c.Request.Context(), studentID, attemptID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"result": res})
}

func (h *AttemptHandler) studentAttempt(c *gin.Context) (int, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return 0, uuid.Nil, false
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, uuid.Nil, false
	}
	return claims.UserID, attemptID, true
}
