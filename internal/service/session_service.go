package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/monitor"
	"github.com/stemsi/exstem-attempt/internal/timekeeper"
)

// AttemptSummary is one row of the instructor's session view.
type AttemptSummary struct {
	model.Attempt
	Clock timekeeper.Reading `json:"clock"`
}

// SessionService holds the instructor-facing operations on a session and its
// attempts.
type SessionService struct {
	sessions  SessionStore
	attempts  AttemptStore
	cache     ClockCache
	monitor   ResourceMonitor
	finalizer *Finalizer
	policy    timekeeper.Policy
	now       func() time.Time
	log       zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	sessions SessionStore,
	attempts AttemptStore,
	cache ClockCache,
	monitor ResourceMonitor,
	finalizer *Finalizer,
	policy timekeeper.Policy,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		sessions:  sessions,
		attempts:  attempts,
		cache:     cache,
		monitor:   monitor,
		finalizer: finalizer,
		policy:    policy,
		now:       time.Now,
		log:       logger.Component(log, "session_service"),
	}
}

// Authorize returns the session if the instructor owns it.
func (s *SessionService) Authorize(ctx context.Context, instructorID int, sessionID uuid.UUID) (*model.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session.CreatedBy != instructorID {
		return nil, ErrNotSessionOwner
	}
	return session, nil
}

// UpdateStatus applies an administrative status change. Status only moves
// forward: scheduled, active, ended.
func (s *SessionService) UpdateStatus(ctx context.Context, instructorID int, sessionID uuid.UUID, next model.SessionStatus) (*model.ExamSession, error) {
	session, err := s.Authorize(ctx, instructorID, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.CanAdvanceTo(next) {
		return nil, ErrInvalidTransition
	}

	ok, err := s.sessions.UpdateStatus(ctx, sessionID, session.Status, next)
	if err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}
	if !ok {
		// Someone else moved it first; the caller's view is stale.
		return nil, ErrInvalidTransition
	}

	s.log.Info().
		Str("session_id", sessionID.String()).
		Str("from", string(session.Status)).
		Str("to", string(next)).
		Int("instructor_id", instructorID).
		Msg("Session status changed")

	session.Status = next
	return session, nil
}

// ListAttempts returns every attempt of a session with its current clock.
// Attempts stuck with a finalize error carry it in FinalizeError.
func (s *SessionService) ListAttempts(ctx context.Context, instructorID int, sessionID uuid.UUID) ([]AttemptSummary, error) {
	if _, err := s.Authorize(ctx, instructorID, sessionID); err != nil {
		return nil, err
	}

	attempts, err := s.attempts.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	now := s.now()
	out := make([]AttemptSummary, 0, len(attempts))
	for i := range attempts {
		out = append(out, AttemptSummary{
			Attempt: attempts[i],
			Clock:   readingFor(s.policy, &attempts[i], now),
		})
	}
	return out, nil
}

// Reopen gives the student a fresh not_started attempt. The closed original is
// kept, marked superseded, and an override audit row records who and why.
func (s *SessionService) Reopen(ctx context.Context, instructorID int, attemptID uuid.UUID, reason string) (*model.Attempt, error) {
	if _, err := s.authorizeAttempt(ctx, instructorID, attemptID); err != nil {
		return nil, err
	}

	override := &model.AttemptOverride{InstructorID: instructorID, Reason: reason}
	replacement, err := s.attempts.Reopen(ctx, attemptID, override, func(a *model.Attempt) error {
		if a.SupersededBy != nil {
			return ErrAttemptSuperseded
		}
		if !a.Status.Terminal() {
			return ErrAttemptNotFinal
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		if errors.Is(err, ErrAttemptSuperseded) || errors.Is(err, ErrAttemptNotFinal) {
			return nil, err
		}
		return nil, fmt.Errorf("reopen attempt: %w", err)
	}

	s.log.Warn().
		Str("attempt_id", attemptID.String()).
		Str("replacement_id", replacement.ID.String()).
		Int("instructor_id", instructorID).
		Str("reason", reason).
		Msg("Attempt reopened")

	if err := s.cache.Invalidate(ctx, attemptID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Clock cache invalidation failed")
	}
	if err := s.cache.Put(ctx, replacement); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", replacement.ID.String()).Msg("Clock cache write failed")
	}
	if err := s.monitor.Announce(ctx, replacement, monitor.EventReopened); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", replacement.ID.String()).Msg("Failed to announce reopen")
	}
	return replacement, nil
}

// Rescore re-runs the Finalizer on a terminal attempt, clearing a recorded
// finalize error when scoring now succeeds.
func (s *SessionService) Rescore(ctx context.Context, instructorID int, attemptID uuid.UUID) (*FinalizeResult, error) {
	if _, err := s.authorizeAttempt(ctx, instructorID, attemptID); err != nil {
		return nil, err
	}
	return s.finalizer.Rescore(ctx, attemptID)
}

func (s *SessionService) authorizeAttempt(ctx context.Context, instructorID int, attemptID uuid.UUID) (*model.Attempt, error) {
	a, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if _, err := s.Authorize(ctx, instructorID, a.SessionID); err != nil {
		return nil, err
	}
	return a, nil
}
