package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/monitor"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

// AttemptStore is the durable attempt record. Lookups of a missing row return
// pgx.ErrNoRows.
type AttemptStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	FindByKey(ctx context.Context, sessionID uuid.UUID, studentID int, examID uuid.UUID) (*model.Attempt, error)
	CreateOrGet(ctx context.Context, a *model.Attempt, capacity int) (*model.Attempt, bool, error)
	WithLock(ctx context.Context, id uuid.UUID, fn repository.LockedFunc) error
	MarkSideEffects(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	GetResult(ctx context.Context, attemptID uuid.UUID) (*model.Result, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Attempt, error)
	Reopen(ctx context.Context, id uuid.UUID, o *model.AttemptOverride, check func(*model.Attempt) error) (*model.Attempt, error)
}

// SessionStore reads and administers exam sessions.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.SessionStatus) (bool, error)
}

// ExamStore reads exam definitions.
type ExamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// QuestionBank is read-only: question id, key and points per exam.
type QuestionBank interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
	Contains(ctx context.Context, examID, questionID uuid.UUID) (bool, error)
}

// ClockCache holds an attempt's write-once timing facts. Get returns nil on a miss.
type ClockCache interface {
	Get(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error)
	Put(ctx context.Context, a *model.Attempt) error
	Invalidate(ctx context.Context, attemptID uuid.UUID) error
}

// ResourceMonitor revokes the monitoring resource and announces lifecycle events.
type ResourceMonitor interface {
	Revoke(ctx context.Context, a *model.Attempt) error
	Announce(ctx context.Context, a *model.Attempt, t monitor.EventType) error
}

// Notifier schedules a result notification. Repeats for one attempt are dropped.
type Notifier interface {
	ScheduleResultNotification(ctx context.Context, attemptID uuid.UUID, delay time.Duration) error
}

// RetryQueue hands a failed finalization to the reconciler.
type RetryQueue interface {
	EnqueueFinalize(ctx context.Context, attemptID uuid.UUID) error
}

// Student is the caller identity the attempt core needs.
type Student struct {
	ID      int
	ClassID *int
}
