package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxAnswerBytes bounds one saved answer.
const MaxAnswerBytes = 16 << 10

// Answer is a student's latest response to one question within one attempt.
type Answer struct {
	AttemptID  uuid.UUID `json:"attempt_id"`
	QuestionID uuid.UUID `json:"question_id"`
	Value      Raw       `json:"value"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ValidAnswerValue accepts any well-formed JSON value except null, up to
// MaxAnswerBytes. Scoring decides later whether the shape fits the question.
func ValidAnswerValue(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 &&
		len(raw) <= MaxAnswerBytes &&
		!bytes.Equal(raw, []byte("null")) &&
		json.Valid(raw)
}
