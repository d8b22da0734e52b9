package model

import (
	"github.com/google/uuid"
)

// QuestionKind tags the scoring rule a question uses.
type QuestionKind string

const (
	QuestionKindMultipleChoice QuestionKind = "multiple_choice"
	QuestionKindTrueFalse      QuestionKind = "true_false"
	QuestionKindShortAnswer    QuestionKind = "short_answer"
	QuestionKindFillInGap      QuestionKind = "fill_in_gap"
	QuestionKindSubjective     QuestionKind = "subjective"
)

// Question is the question bank's read-only view: identity, kind, weight and
// the canonical key. Authoring fields live elsewhere.
type Question struct {
	ID       uuid.UUID    `json:"id"`
	ExamID   uuid.UUID    `json:"exam_id"`
	Kind     QuestionKind `json:"kind"`
	Points   float64      `json:"points"`
	Key      Raw          `json:"-"`
	OrderNum int          `json:"order_num"`
}
