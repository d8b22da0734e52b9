package scoring

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Score grades answers against the full question set. Totals come from the
// questions, so unanswered questions count as zero instead of shrinking the
// denominator. Answers to questions outside the set are ignored.
func Score(attemptID uuid.UUID, questions []Question, answers map[uuid.UUID]json.RawMessage, passPercentage float64) model.Result {
	res := model.Result{
		AttemptID:     attemptID,
		QuestionCount: len(questions),
	}

	for _, q := range questions {
		res.TotalPoints += q.Points()

		answer, ok := answers[q.QuestionID()]
		if !ok || blank(answer) {
			continue
		}
		res.AnsweredCount++

		switch q.Grade(answer) {
		case Correct:
			res.CorrectCount++
			res.PointsEarned += q.Points()
		case NeedsReview:
			res.PendingReview = true
		}
	}

	if res.TotalPoints > 0 {
		res.Percentage = round2(res.PointsEarned / res.TotalPoints * 100)
		res.Passed = res.Percentage >= passPercentage
	}
	return res
}

// DecodeAll decodes a question set, failing on the first malformed key.
func DecodeAll(rows []model.Question) ([]Question, error) {
	out := make([]Question, 0, len(rows))
	for _, r := range rows {
		q, err := Decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func blank(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", `""`, "[]":
		return true
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
