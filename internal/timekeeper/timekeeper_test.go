package timekeeper

import (
	"encoding/json"
	"testing"
	"time"
)

var anchor = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestEvaluate_ScenarioThirtyMinuteExam(t *testing.T) {
	allotted := 1800 * time.Second

	r := DefaultPolicy.Evaluate(anchor, allotted, anchor.Add(1790*time.Second))
	if r.RemainingSeconds() != 10 {
		t.Fatalf("remaining = %d, want 10", r.RemainingSeconds())
	}
	if r.Tag != TagWarning {
		t.Fatalf("tag = %s, want %s", r.Tag, TagWarning)
	}

	r = DefaultPolicy.Evaluate(anchor, allotted, anchor.Add(1805*time.Second))
	if r.RemainingSeconds() != 0 {
		t.Fatalf("remaining = %d, want 0", r.RemainingSeconds())
	}
	if !r.Expired() || r.Tag != TagExpired {
		t.Fatalf("expected expired reading, got %+v", r)
	}
}

func TestEvaluate_Tags(t *testing.T) {
	allotted := time.Hour
	tests := []struct {
		name    string
		elapsed time.Duration
		want    Tag
	}{
		{"fresh", 0, TagNormal},
		{"just above caution", 45*time.Minute - time.Second, TagNormal},
		{"caution boundary", 45 * time.Minute, TagCaution},
		{"warning boundary", 55 * time.Minute, TagWarning},
		{"last second", time.Hour - time.Second, TagWarning},
		{"exactly out", time.Hour, TagExpired},
		{"long gone", 30 * time.Hour, TagExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultPolicy.Evaluate(anchor, allotted, anchor.Add(tt.elapsed)).Tag
			if got != tt.want {
				t.Fatalf("tag = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRemaining_ClampedToAllotment(t *testing.T) {
	allotted := 10 * time.Minute

	// A server clock behind the anchor must not hand out extra time.
	if got := Remaining(anchor, allotted, anchor.Add(-time.Hour)); got != allotted {
		t.Fatalf("remaining before anchor = %s, want %s", got, allotted)
	}
	for _, elapsed := range []time.Duration{11 * time.Minute, 24 * time.Hour, 1 << 62} {
		if got := Remaining(anchor, allotted, anchor.Add(elapsed)); got != 0 {
			t.Fatalf("remaining after %s = %s, want 0", elapsed, got)
		}
	}
	if got := Remaining(anchor, 0, anchor); got != 0 {
		t.Fatalf("zero allotment remaining = %s, want 0", got)
	}
}

func TestRemaining_NeverIncreases(t *testing.T) {
	allotted := 90 * time.Second
	prev := Remaining(anchor, allotted, anchor)
	for step := 0; step < 200; step++ {
		now := anchor.Add(time.Duration(step) * 700 * time.Millisecond)
		got := Remaining(anchor, allotted, now)
		if got > prev {
			t.Fatalf("remaining increased at step %d: %s > %s", step, got, prev)
		}
		prev = got
	}
}

func TestRemainingSeconds_RoundsUp(t *testing.T) {
	r := DefaultPolicy.Evaluate(anchor, time.Minute, anchor.Add(59*time.Second+500*time.Millisecond))
	if r.RemainingSeconds() != 1 {
		t.Fatalf("remaining = %d, want 1", r.RemainingSeconds())
	}
	if r.Expired() {
		t.Fatal("half a second left must not read as expired")
	}
}

func TestUnstartedAndClosed(t *testing.T) {
	now := anchor
	u := DefaultPolicy.Unstarted(20*time.Minute, now)
	if u.RemainingSeconds() != 1200 || u.Tag != TagNormal {
		t.Fatalf("unstarted = %+v", u)
	}
	c := DefaultPolicy.Closed(20*time.Minute, now)
	if !c.Expired() || c.Tag != TagExpired {
		t.Fatalf("closed = %+v", c)
	}
}

func TestCustomPolicy(t *testing.T) {
	p := Policy{Warning: time.Minute, Caution: 2 * time.Minute}
	got := p.Evaluate(anchor, 10*time.Minute, anchor.Add(8*time.Minute+30*time.Second)).Tag
	if got != TagCaution {
		t.Fatalf("tag = %s, want %s", got, TagCaution)
	}
}

func TestReadingJSON(t *testing.T) {
	start := time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)
	r := DefaultPolicy.Evaluate(start, 1800*time.Second, start.Add(1790*time.Second+300*time.Millisecond))

	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		RemainingSeconds int64  `json:"remaining_seconds"`
		AllottedSeconds  int64  `json:"allotted_seconds"`
		Tag              Tag    `json:"tag"`
		ServerTime       string `json:"server_time"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RemainingSeconds != 10 || got.AllottedSeconds != 1800 || got.Tag != TagWarning {
		t.Fatalf("reading JSON = %s", raw)
	}
	if got.ServerTime != "2026-05-04T07:29:50.3Z" {
		t.Fatalf("server_time = %s", got.ServerTime)
	}
}
