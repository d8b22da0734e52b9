// Package scoring grades answers against canonical keys.
//
// Each question kind is its own type carrying only what its rule needs; the
// finalizer dispatches on the type, never on a kind string.
package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ErrMalformedKey means the question bank holds a key the rule cannot use.
var ErrMalformedKey = errors.New("malformed answer key")

// Verdict is the outcome of grading one answer.
type Verdict int

const (
	Incorrect Verdict = iota
	Correct
	NeedsReview
)

// Question is the tagged variant: MultipleChoice | TrueFalse | ShortAnswer | FillInGap | Subjective.
type Question interface {
	QuestionID() uuid.UUID
	Points() float64
	Grade(answer json.RawMessage) Verdict
}

type base struct {
	id     uuid.UUID
	points float64
}

func (b base) QuestionID() uuid.UUID { return b.id }
func (b base) Points() float64       { return b.points }

// MultipleChoice is correct when the chosen option keys equal the correct set.
type MultipleChoice struct {
	base
	Correct []string
}

// TrueFalse is correct when the boolean matches.
type TrueFalse struct {
	base
	Correct bool
}

// ShortAnswer is correct when the response matches any accepted form.
type ShortAnswer struct {
	base
	Accepted      []string
	CaseSensitive bool
}

// FillInGap is correct only when every gap matches one of its accepted forms.
type FillInGap struct {
	base
	Gaps          [][]string
	CaseSensitive bool
}

// Subjective cannot be machine graded.
type Subjective struct {
	base
}

// Decode turns a question bank row into its scoring variant.
func Decode(q model.Question) (Question, error) {
	if q.Points < 0 {
		return nil, fmt.Errorf("question %s: negative points: %w", q.ID, ErrMalformedKey)
	}
	b := base{id: q.ID, points: q.Points}

	switch q.Kind {
	case model.QuestionKindMultipleChoice:
		var key struct {
			Correct []string `json:"correct"`
		}
		if err := json.Unmarshal(q.Key, &key); err != nil {
			return nil, fmt.Errorf("question %s: %w: %v", q.ID, ErrMalformedKey, err)
		}
		correct := normalizeAll(key.Correct, false)
		if len(correct) == 0 {
			return nil, fmt.Errorf("question %s: no correct option: %w", q.ID, ErrMalformedKey)
		}
		return MultipleChoice{base: b, Correct: correct}, nil

	case model.QuestionKindTrueFalse:
		var key struct {
			Correct *bool `json:"correct"`
		}
		if err := json.Unmarshal(q.Key, &key); err != nil || key.Correct == nil {
			return nil, fmt.Errorf("question %s: missing boolean key: %w", q.ID, ErrMalformedKey)
		}
		return TrueFalse{base: b, Correct: *key.Correct}, nil

	case model.QuestionKindShortAnswer:
		var key struct {
			Accepted      []string `json:"accepted"`
			CaseSensitive bool     `json:"case_sensitive"`
		}
		if err := json.Unmarshal(q.Key, &key); err != nil {
			return nil, fmt.Errorf("question %s: %w: %v", q.ID, ErrMalformedKey, err)
		}
		accepted := normalizeAll(key.Accepted, key.CaseSensitive)
		if len(accepted) == 0 {
			return nil, fmt.Errorf("question %s: no accepted answer: %w", q.ID, ErrMalformedKey)
		}
		return ShortAnswer{base: b, Accepted: accepted, CaseSensitive: key.CaseSensitive}, nil

	case model.QuestionKindFillInGap:
		var key struct {
			Gaps          [][]string `json:"gaps"`
			CaseSensitive bool       `json:"case_sensitive"`
		}
		if err := json.Unmarshal(q.Key, &key); err != nil {
			return nil, fmt.Errorf("question %s: %w: %v", q.ID, ErrMalformedKey, err)
		}
		if len(key.Gaps) == 0 {
			return nil, fmt.Errorf("question %s: no gaps: %w", q.ID, ErrMalformedKey)
		}
		gaps := make([][]string, len(key.Gaps))
		for i, g := range key.Gaps {
			gaps[i] = normalizeAll(g, key.CaseSensitive)
			if len(gaps[i]) == 0 {
				return nil, fmt.Errorf("question %s: gap %d has no accepted answer: %w", q.ID, i, ErrMalformedKey)
			}
		}
		return FillInGap{base: b, Gaps: gaps, CaseSensitive: key.CaseSensitive}, nil

	case model.QuestionKindSubjective:
		return Subjective{base: b}, nil
	}

	return nil, fmt.Errorf("question %s: unknown kind %q: %w", q.ID, q.Kind, ErrMalformedKey)
}

// Grade accepts a single key ("B") or a list (["A","C"]).
func (q MultipleChoice) Grade(answer json.RawMessage) Verdict {
	chosen, ok := decodeStrings(answer)
	if !ok {
		return Incorrect
	}
	if sameSet(normalizeAll(chosen, false), q.Correct) {
		return Correct
	}
	return Incorrect
}

// Grade accepts true/false or the strings "true"/"false".
func (q TrueFalse) Grade(answer json.RawMessage) Verdict {
	var b bool
	if err := json.Unmarshal(answer, &b); err != nil {
		var s string
		if err := json.Unmarshal(answer, &s); err != nil {
			return Incorrect
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			b = true
		case "false":
			b = false
		default:
			return Incorrect
		}
	}
	if b == q.Correct {
		return Correct
	}
	return Incorrect
}

func (q ShortAnswer) Grade(answer json.RawMessage) Verdict {
	var s string
	if err := json.Unmarshal(answer, &s); err != nil {
		return Incorrect
	}
	got := normalize(s, q.CaseSensitive)
	for _, a := range q.Accepted {
		if got == a {
			return Correct
		}
	}
	return Incorrect
}

func (q FillInGap) Grade(answer json.RawMessage) Verdict {
	var filled []string
	if err := json.Unmarshal(answer, &filled); err != nil || len(filled) != len(q.Gaps) {
		return Incorrect
	}
	for i, accepted := range q.Gaps {
		got := normalize(filled[i], q.CaseSensitive)
		match := false
		for _, a := range accepted {
			if got == a {
				match = true
				break
			}
		}
		if !match {
			return Incorrect
		}
	}
	return Correct
}

func (q Subjective) Grade(json.RawMessage) Verdict {
	return NeedsReview
}

func decodeStrings(raw json.RawMessage) ([]string, bool) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, true
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, true
	}
	return nil, false
}

func normalize(s string, caseSensitive bool) string {
	s = strings.Join(strings.Fields(s), " ")
	if !caseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

// normalizeAll drops blanks and duplicates.
func normalizeAll(in []string, caseSensitive bool) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		n := normalize(s, caseSensitive)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			return false
		}
	}
	return true
}
