package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam is the slice of an exam definition the attempt core reads.
type Exam struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	DurationSeconds int       `json:"duration_seconds"`
	PassPercentage  float64   `json:"pass_percentage"`
}

// Duration is the allotted time a new attempt receives.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}
