package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states.
type AttemptStatus string

const (
	AttemptStatusNotStarted AttemptStatus = "not_started"
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusExpired    AttemptStatus = "expired"
	AttemptStatusCompleted  AttemptStatus = "completed"
)

// Terminal reports whether answers are frozen.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptStatusSubmitted, AttemptStatusExpired, AttemptStatusCompleted:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle. No valid transition lowers it,
// so a writer holding an older view can be detected by its lower rank.
func (s AttemptStatus) Rank() int {
	switch s {
	case AttemptStatusInProgress:
		return 1
	case AttemptStatusSubmitted, AttemptStatusExpired:
		return 2
	case AttemptStatusCompleted:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status.
func (s AttemptStatus) Valid() bool {
	switch s {
	case AttemptStatusNotStarted, AttemptStatusInProgress,
		AttemptStatusSubmitted, AttemptStatusExpired, AttemptStatusCompleted:
		return true
	}
	return false
}

// CloseReason records how an attempt left in_progress.
type CloseReason string

const (
	CloseReasonSubmitted CloseReason = "submitted"
	CloseReasonExpired   CloseReason = "expired"
)

// Attempt is one student's single pass at one exam within one session.
type Attempt struct {
	ID                      uuid.UUID     `json:"id"`
	SessionID               uuid.UUID     `json:"session_id"`
	StudentID               int           `json:"student_id"`
	ExamID                  uuid.UUID     `json:"exam_id"`
	Status                  AttemptStatus `json:"status"`
	AnchorStartAt           *time.Time    `json:"anchor_start_at,omitempty"`
	AllottedDurationSeconds int           `json:"allotted_duration_seconds"`
	CurrentQuestionIndex    int           `json:"current_question_index"`
	CameraEnabled           bool          `json:"camera_enabled"`
	// CloseReason survives promotion to completed so audits can tell a manual
	// submit from a timeout.
	CloseReason   *CloseReason `json:"close_reason,omitempty"`
	SubmittedAt   *time.Time   `json:"submitted_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	SideEffectsAt *time.Time   `json:"-"`
	FinalizeError *string      `json:"finalize_error,omitempty"`
	SupersededBy  *uuid.UUID   `json:"superseded_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Allotted returns the allotted duration.
func (a *Attempt) Allotted() time.Duration {
	return time.Duration(a.AllottedDurationSeconds) * time.Second
}

// StartAttemptRequest is the payload for starting or resuming an attempt.
type StartAttemptRequest struct {
	ExamID    string `json:"exam_id" binding:"required,uuid"`
	EntryCode string `json:"entry_code" binding:"omitempty,min=4,max=20"`
}

// SaveAnswerRequest is the payload for saving one answer.
type SaveAnswerRequest struct {
	Value Raw `json:"value" binding:"required,answer"`
}

// UpdatePositionRequest records the last-viewed question.
type UpdatePositionRequest struct {
	Index *int `json:"index" binding:"required,min=0,max=10000"`
}

// SetCameraRequest mirrors the client's monitoring resource state.
type SetCameraRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ReopenAttemptRequest is the instructor payload for reopening an attempt.
type ReopenAttemptRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=500"`
}

// AttemptOverride is the audit row written when an instructor reopens an attempt.
type AttemptOverride struct {
	ID                   int64     `json:"id"`
	AttemptID            uuid.UUID `json:"attempt_id"`
	ReplacementAttemptID uuid.UUID `json:"replacement_attempt_id"`
	InstructorID         int       `json:"instructor_id"`
	Reason               string    `json:"reason"`
	CreatedAt            time.Time `json:"created_at"`
}
