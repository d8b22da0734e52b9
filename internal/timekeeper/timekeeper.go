// Package timekeeper is the single authority on how much time an attempt has left.
//
// Remaining time is derived from two write-once facts, the anchor start instant and
// the allotted duration, and the current instant. Nothing a client reports is ever
// an input.
package timekeeper

import (
	"encoding/json"
	"time"
)

// Tag is the display urgency derived from remaining time.
type Tag string

const (
	TagNormal  Tag = "normal"
	TagCaution Tag = "caution"
	TagWarning Tag = "warning"
	TagExpired Tag = "expired"
)

// Policy holds the tag thresholds. Both are inclusive upper bounds.
type Policy struct {
	Warning time.Duration
	Caution time.Duration
}

// DefaultPolicy warns at five minutes and cautions at fifteen.
var DefaultPolicy = Policy{
	Warning: 5 * time.Minute,
	Caution: 15 * time.Minute,
}

// Reading is one evaluation of an attempt's clock.
type Reading struct {
	Remaining time.Duration
	Allotted  time.Duration
	Tag       Tag
	At        time.Time
}

// Expired reports whether no time remains.
func (r Reading) Expired() bool {
	return r.Remaining <= 0
}

// RemainingSeconds rounds up so a clock showing 0 always means expired.
func (r Reading) RemainingSeconds() int64 {
	if r.Remaining <= 0 {
		return 0
	}
	secs := int64(r.Remaining / time.Second)
	if r.Remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// MarshalJSON renders the reading in whole seconds with the server instant, the
// shape clients poll for.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RemainingSeconds int64     `json:"remaining_seconds"`
		AllottedSeconds  int64     `json:"allotted_seconds"`
		Tag              Tag       `json:"tag"`
		ServerTime       time.Time `json:"server_time"`
	}{
		RemainingSeconds: r.RemainingSeconds(),
		AllottedSeconds:  int64(r.Allotted / time.Second),
		Tag:              r.Tag,
		ServerTime:       r.At.UTC(),
	})
}

// Remaining returns allotted − (now − anchor) clamped to [0, allotted].
func Remaining(anchor time.Time, allotted time.Duration, now time.Time) time.Duration {
	return clamp(allotted, anchor, now)
}

// Evaluate computes the reading for an attempt anchored at anchor with the given allotment.
func (p Policy) Evaluate(anchor time.Time, allotted time.Duration, now time.Time) Reading {
	remaining := clamp(allotted, anchor, now)
	return Reading{
		Remaining: remaining,
		Allotted:  allotted,
		Tag:       p.tag(remaining),
		At:        now,
	}
}

// Unstarted reports a full clock for an attempt that has no anchor yet.
func (p Policy) Unstarted(allotted time.Duration, now time.Time) Reading {
	if allotted < 0 {
		allotted = 0
	}
	return Reading{Remaining: allotted, Allotted: allotted, Tag: p.tag(allotted), At: now}
}

// Closed reports the clock of an attempt that has left in_progress.
func (p Policy) Closed(allotted time.Duration, now time.Time) Reading {
	return Reading{Remaining: 0, Allotted: allotted, Tag: TagExpired, At: now}
}

func (p Policy) tag(remaining time.Duration) Tag {
	switch {
	case remaining <= 0:
		return TagExpired
	case remaining <= p.Warning:
		return TagWarning
	case remaining <= p.Caution:
		return TagCaution
	default:
		return TagNormal
	}
}

func clamp(allotted time.Duration, anchor, now time.Time) time.Duration {
	if allotted <= 0 {
		return 0
	}
	remaining := allotted - now.Sub(anchor)
	if remaining < 0 {
		return 0
	}
	if remaining > allotted {
		return allotted
	}
	return remaining
}
