package repository

import (
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

func TestDecodeClock(t *testing.T) {
	id := uuid.New()
	sessionID := uuid.New()
	examID := uuid.New()
	anchor := time.Date(2026, 3, 1, 8, 0, 0, 123, time.UTC)

	valid := func() map[string]string {
		return map[string]string{
			"session_id": sessionID.String(),
			"exam_id":    examID.String(),
			"student_id": "42",
			"status":     "in_progress",
			"anchor":     strconv.FormatInt(anchor.UnixNano(), 10),
			"allotted":   "1800",
		}
	}

	a, err := decodeClock(id, valid())
	if err != nil || a == nil {
		t.Fatalf("decode valid entry: %v, %v", a, err)
	}
	if a.StudentID != 42 || a.AllottedDurationSeconds != 1800 || a.Status != model.AttemptStatusInProgress {
		t.Fatalf("decoded %+v", a)
	}
	if !a.AnchorStartAt.Equal(anchor) {
		t.Fatalf("anchor = %s, want %s (nanosecond precision)", a.AnchorStartAt, anchor)
	}

	corrupt := map[string]func(map[string]string){
		"bad session":            func(f map[string]string) { f["session_id"] = "x" },
		"bad student":            func(f map[string]string) { f["student_id"] = "" },
		"unknown status":         func(f map[string]string) { f["status"] = "paused" },
		"bad anchor":             func(f map[string]string) { f["anchor"] = "yesterday" },
		"started without anchor": func(f map[string]string) { f["anchor"] = "" },
	}
	for name, mutate := range corrupt {
		t.Run(name, func(t *testing.T) {
			f := valid()
			mutate(f)
			got, err := decodeClock(id, f)
			if err != nil || got != nil {
				t.Fatalf("corrupt entry must read as a miss, got %+v, %v", got, err)
			}
		})
	}

	notStarted := valid()
	notStarted["status"] = "not_started"
	notStarted["anchor"] = ""
	a, _ = decodeClock(id, notStarted)
	if a == nil || a.AnchorStartAt != nil {
		t.Fatalf("not_started entry without anchor should decode, got %+v", a)
	}
}

func TestClockArgs_RankLeads(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := &model.Attempt{
		ID:                      uuid.New(),
		SessionID:               uuid.New(),
		StudentID:               7,
		ExamID:                  uuid.New(),
		Status:                  model.AttemptStatusSubmitted,
		AnchorStartAt:           &anchor,
		AllottedDurationSeconds: 600,
	}

	args := clockArgs(a, 2*time.Hour)
	if len(args) != 8 {
		t.Fatalf("got %d args, want 8", len(args))
	}
	if args[0] != model.AttemptStatusSubmitted.Rank() {
		t.Errorf("rank = %v, want %d", args[0], model.AttemptStatusSubmitted.Rank())
	}
	if args[4] != "submitted" {
		t.Errorf("status = %v", args[4])
	}
	if args[5] != strconv.FormatInt(anchor.UnixNano(), 10) {
		t.Errorf("anchor = %v", args[5])
	}
	if args[7] != int64(2*time.Hour/time.Millisecond) {
		t.Errorf("ttl = %v", args[7])
	}

	a.Status = model.AttemptStatusNotStarted
	a.AnchorStartAt = nil
	if args := clockArgs(a, time.Minute); args[5] != "" || args[0] != 0 {
		t.Errorf("unstarted attempt args = %v", args)
	}
}
