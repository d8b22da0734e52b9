package model

import (
	"github.com/google/uuid"
)

// Result is the scored outcome of one attempt. It is a pure function of the
// question set and the answers, so re-running the finalizer overwrites it with
// identical values.
type Result struct {
	AttemptID     uuid.UUID `json:"attempt_id"`
	QuestionCount int       `json:"question_count"`
	AnsweredCount int       `json:"answered_count"`
	CorrectCount  int       `json:"correct_count"`
	PointsEarned  float64   `json:"points_earned"`
	TotalPoints   float64   `json:"total_points"`
	Percentage    float64   `json:"percentage"`
	Passed        bool      `json:"passed"`
	PendingReview bool      `json:"pending_review"`
}
