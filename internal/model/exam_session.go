package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusEnded     SessionStatus = "ended"
)

// sessionStatusRank orders statuses; administrative changes only move forward.
var sessionStatusRank = map[SessionStatus]int{
	SessionStatusScheduled: 0,
	SessionStatusActive:    1,
	SessionStatusEnded:     2,
}

// CanAdvanceTo reports whether an administrative change from s to next is allowed.
func (s SessionStatus) CanAdvanceTo(next SessionStatus) bool {
	from, ok := sessionStatusRank[s]
	if !ok {
		return false
	}
	to, ok := sessionStatusRank[next]
	return ok && to > from
}

// ExamSession is a scheduled offering of one exam to one class.
type ExamSession struct {
	ID                       uuid.UUID     `json:"id"`
	ExamID                   uuid.UUID     `json:"exam_id"`
	ClassID                  *int          `json:"class_id,omitempty"`
	StartsAt                 time.Time     `json:"starts_at"`
	EndsAt                   time.Time     `json:"ends_at"`
	Status                   SessionStatus `json:"status"`
	EntryCodeHash            string        `json:"-"`
	Capacity                 int           `json:"capacity"`
	CameraMonitoringRequired bool          `json:"camera_monitoring_required"`
	RevealResultsImmediately bool          `json:"reveal_results_immediately"`
	CreatedBy                int           `json:"created_by"`
	CreatedAt                time.Time     `json:"created_at"`
}

// OpenAt reports whether new attempts may begin at now.
func (s *ExamSession) OpenAt(now time.Time) bool {
	if s.Status == SessionStatusEnded {
		return false
	}
	return !now.Before(s.StartsAt) && now.Before(s.EndsAt)
}

// ResultsReleasedAt reports whether students may view results at now.
func (s *ExamSession) ResultsReleasedAt(now time.Time) bool {
	return s.RevealResultsImmediately || s.Status == SessionStatusEnded || !now.Before(s.EndsAt)
}

// UpdateSessionStatusRequest is the instructor payload for an administrative status change.
type UpdateSessionStatusRequest struct {
	Status SessionStatus `json:"status" binding:"required,oneof=active ended"`
}
