package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/monitor"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/telemetry"
	"github.com/stemsi/exstem-attempt/internal/timekeeper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
)

// systemActor skips the ownership check for server-initiated operations.
const systemActor = 0

// StartResult is returned by Start. Closed means the attempt is already
// terminal and the client belongs on the result view.
type StartResult struct {
	Attempt *model.Attempt     `json:"attempt"`
	Clock   timekeeper.Reading `json:"clock"`
	Resumed bool               `json:"resumed"`
	Closed  bool               `json:"-"`
}

// ClockResult is the authoritative time query answer.
type ClockResult struct {
	AttemptID uuid.UUID           `json:"attempt_id"`
	Status    model.AttemptStatus `json:"status"`
	Clock     timekeeper.Reading  `json:"clock"`
}

// SubmitResult is returned by Submit. Result is only set when ResultAvailable.
type SubmitResult struct {
	Attempt         *model.Attempt `json:"attempt"`
	AlreadyClosed   bool           `json:"already_closed"`
	ResultAvailable bool           `json:"result_available"`
	Pending         bool           `json:"pending"`
	Result          *model.Result  `json:"result,omitempty"`
}

// lockedOp runs under the attempt's row lock after the expiry check passed.
type lockedOp func(ctx context.Context, w repository.AttemptWriter, a *model.Attempt, now time.Time) error

// AttemptService owns the attempt state machine. Every write goes through
// guard, which consults the Time Authority under the row lock before the
// requested operation runs.
type AttemptService struct {
	attempts  AttemptStore
	sessions  SessionStore
	exams     ExamStore
	questions QuestionBank
	cache     ClockCache
	monitor   ResourceMonitor
	finalizer *Finalizer
	policy    timekeeper.Policy
	now       func() time.Time
	tracer    trace.Tracer
	log       zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	attempts AttemptStore,
	sessions SessionStore,
	exams ExamStore,
	questions QuestionBank,
	cache ClockCache,
	monitor ResourceMonitor,
	finalizer *Finalizer,
	policy timekeeper.Policy,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attempts:  attempts,
		sessions:  sessions,
		exams:     exams,
		questions: questions,
		cache:     cache,
		monitor:   monitor,
		finalizer: finalizer,
		policy:    policy,
		now:       time.Now,
		tracer:    telemetry.Tracer(),
		log:       logger.Component(log, "attempt_service"),
	}
}

// Start creates the attempt on first join and moves it to in_progress, or
// resumes it with its original anchor.
func (s *AttemptService) Start(ctx context.Context, student Student, sessionID uuid.UUID, req model.StartAttemptRequest) (out *StartResult, err error) {
	ctx, span := s.tracer.Start(ctx, "attempt.start", trace.WithAttributes(
		attribute.String("session_id", sessionID.String()),
		attribute.Int("student_id", student.ID),
	))
	defer func() { telemetry.RecordError(span, err); span.End() }()

	examID, err := uuid.Parse(req.ExamID)
	if err != nil {
		return nil, ErrExamMismatch
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session.ExamID != examID {
		return nil, ErrExamMismatch
	}
	if session.ClassID != nil && (student.ClassID == nil || *student.ClassID != *session.ClassID) {
		return nil, ErrClassMismatch
	}
	if session.EntryCodeHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(session.EntryCodeHash), []byte(req.EntryCode)) != nil {
			return nil, ErrInvalidEntryCode
		}
	}

	existing, err := s.attempts.FindByKey(ctx, sessionID, student.ID, examID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		existing, err = s.create(ctx, session, student.ID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("find attempt: %w", err)
	}

	var resumed, started bool
	a, forced, err := s.guard(ctx, existing.ID, student.ID, func(ctx context.Context, w repository.AttemptWriter, a *model.Attempt, now time.Time) error {
		switch a.Status {
		case model.AttemptStatusInProgress:
			resumed = true
			return nil
		case model.AttemptStatusNotStarted:
			if !session.OpenAt(now) {
				return ErrOutsideWindow
			}
			anchor := now
			a.AnchorStartAt = &anchor
			a.Status = model.AttemptStatusInProgress
			a.CameraEnabled = false
			started = true
			return w.UpdateAttempt(ctx, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if forced {
		a = s.finalizeQuietly(ctx, a)
	}

	out = &StartResult{Attempt: a, Clock: s.reading(a, s.now()), Resumed: resumed}
	if a.Status.Terminal() {
		out.Closed = true
		return out, nil
	}

	if started {
		s.log.Info().
			Str("attempt_id", a.ID.String()).
			Int("student_id", a.StudentID).
			Time("anchor_start_at", *a.AnchorStartAt).
			Msg("Attempt started")
		if err := s.monitor.Announce(ctx, a, monitor.EventStarted); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to announce start")
		}
	}
	return out, nil
}

// create admits a new attempt. Window and capacity only guard creation; a
// resume never counts against either.
func (s *AttemptService) create(ctx context.Context, session *model.ExamSession, studentID int) (*model.Attempt, error) {
	if !session.OpenAt(s.now()) {
		return nil, ErrOutsideWindow
	}

	exam, err := s.exams.GetByID(ctx, session.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	a, created, err := s.attempts.CreateOrGet(ctx, &model.Attempt{
		SessionID:               session.ID,
		StudentID:               studentID,
		ExamID:                  session.ExamID,
		Status:                  model.AttemptStatusNotStarted,
		AllottedDurationSeconds: exam.DurationSeconds,
	}, session.Capacity)
	if err != nil {
		if errors.Is(err, repository.ErrCapacityReached) {
			return nil, ErrSessionFull
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	if created {
		s.log.Debug().Str("attempt_id", a.ID.String()).Int("student_id", studentID).Msg("Attempt created")
	}
	return a, nil
}

// Get returns an attempt the student owns. An overdue attempt is expired
// before it is returned, so the status shown is never stale.
func (s *AttemptService) Get(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.Attempt, error) {
	a, forced, err := s.guard(ctx, attemptID, studentID, nil)
	if err != nil {
		return nil, err
	}
	if forced {
		a = s.finalizeQuietly(ctx, a)
	}
	return a, nil
}

// Clock answers the authoritative time query. The cached facts serve the
// common case; once time has run out the store is consulted so the expiry is
// committed.
func (s *AttemptService) Clock(ctx context.Context, studentID int, attemptID uuid.UUID) (*ClockResult, error) {
	ctx, span := s.tracer.Start(ctx, "attempt.clock")
	defer span.End()

	if cached := s.cached(ctx, attemptID); cached != nil {
		if cached.StudentID != studentID {
			return nil, ErrNotAttemptOwner
		}
		r := s.reading(cached, s.now())
		if cached.Status != model.AttemptStatusInProgress || !r.Expired() {
			return &ClockResult{AttemptID: attemptID, Status: cached.Status, Clock: r}, nil
		}
	}

	a, forced, err := s.guard(ctx, attemptID, studentID, nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if forced {
		s.finalizeQuietly(ctx, a)
	}
	return &ClockResult{AttemptID: a.ID, Status: a.Status, Clock: s.reading(a, s.now())}, nil
}

// SaveAnswer upserts one answer. After expiry it commits the expiry and
// reports ErrAttemptExpired without touching the answer.
func (s *AttemptService) SaveAnswer(ctx context.Context, studentID int, attemptID, questionID uuid.UUID, value json.RawMessage) error {
	value = bytes.TrimSpace(value)
	if !model.ValidAnswerValue(value) {
		return ErrInvalidAnswer
	}

	a, forced, err := s.guard(ctx, attemptID, studentID, func(ctx context.Context, w repository.AttemptWriter, a *model.Attempt, now time.Time) error {
		if err := requireLive(a); err != nil {
			return err
		}
		ok, err := s.questions.Contains(ctx, a.ExamID, questionID)
		if err != nil {
			return fmt.Errorf("check question: %w", err)
		}
		if !ok {
			return ErrQuestionNotInExam
		}
		return w.UpsertAnswer(ctx, &model.Answer{
			AttemptID:  a.ID,
			QuestionID: questionID,
			Value:      value,
			UpdatedAt:  now,
		})
	})
	if err != nil {
		return err
	}
	if forced {
		s.finalizeQuietly(ctx, a)
		return ErrAttemptExpired
	}
	return nil
}

// UpdatePosition records the last-viewed question for resume.
func (s *AttemptService) UpdatePosition(ctx context.Context, studentID int, attemptID uuid.UUID, index int) error {
	a, forced, err := s.guard(ctx, attemptID, studentID, func(ctx context.Context, w repository.AttemptWriter, a *model.Attempt, _ time.Time) error {
		if err := requireLive(a); err != nil {
			return err
		}
		if a.CurrentQuestionIndex == index {
			return nil
		}
		a.CurrentQuestionIndex = index
		return w.UpdateAttempt(ctx, a)
	})
	if err != nil {
		return err
	}
	if forced {
		s.finalizeQuietly(ctx, a)
		return ErrAttemptExpired
	}
	return nil
}

// SetCamera mirrors the client's monitoring resource. It can only be granted
// while in_progress; releasing it is always accepted.
func (s *AttemptService) SetCamera(ctx context.Context, studentID int, attemptID uuid.UUID, enabled bool) (*model.Attempt, error) {
	a, forced, err := s.guard(ctx, attemptID, studentID, func(ctx context.Context, w repository.AttemptWriter, a *model.Attempt, _ time.Time) error {
		if enabled {
			if err := requireLive(a); err != nil {
				return err
			}
		}
		if a.CameraEnabled == enabled {
			return nil
		}
		a.CameraEnabled = enabled
		return w.UpdateAttempt(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	if forced {
		s.finalizeQuietly(ctx, a)
		if enabled {
			return a, ErrAttemptExpired
		}
	}
	return a, nil
}

// Submit closes the attempt and runs the Finalizer. If time has already run
// out the attempt is expired instead, which the caller sees as the same
// successful outcome. Submitting a closed attempt is a no-op that returns the
// existing outcome.
func (s *AttemptService) Submit(ctx context.Context, studentID int, attemptID uuid.UUID) (out *SubmitResult, err error) {
	ctx, span := s.tracer.Start(ctx, "attempt.submit", trace.WithAttributes(
		attribute.String("attempt_id", attemptID.String()),
	))
	defer func() { telemetry.RecordError(span, err); span.End() }()

	var alreadyClosed bool
	a, forced, err := s.guard(ctx, attemptID, studentID, func(ctx context.Context, w repository.AttemptWriter, a *model.Attempt, now time.Time) error {
		switch {
		case a.Status.Terminal():
			alreadyClosed = true
			return nil
		case a.Status == model.AttemptStatusNotStarted:
			return ErrAttemptNotStarted
		}
		closeAttempt(a, model.CloseReasonSubmitted, now)
		return w.UpdateAttempt(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("forced_expiry", forced), attribute.Bool("already_closed", alreadyClosed))

	out = &SubmitResult{Attempt: a, AlreadyClosed: alreadyClosed}

	fin, err := s.finalizer.Finalize(ctx, a.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Finalization deferred")
		out.Pending = true
		return out, nil
	}
	out.Attempt = fin.Attempt

	session, err := s.sessions.GetByID(ctx, a.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session.ResultsReleasedAt(s.now()) {
		out.ResultAvailable = true
		out.Result = fin.Result
	}
	return out, nil
}

// Result returns the scored result once it is both computed and released.
func (s *AttemptService) Result(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.Result, error) {
	a, err := s.Get(ctx, studentID, attemptID)
	if err != nil {
		return nil, err
	}

	switch a.Status {
	case model.AttemptStatusCompleted:
	case model.AttemptStatusSubmitted, model.AttemptStatusExpired:
		return nil, ErrResultPending
	default:
		return nil, ErrAttemptNotFinal
	}

	session, err := s.sessions.GetByID(ctx, a.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !session.ResultsReleasedAt(s.now()) {
		return nil, ErrResultDeferred
	}

	res, err := s.attempts.GetResult(ctx, a.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResultPending
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	return res, nil
}

// Expire runs the expiry check on behalf of the server. It reports whether it
// closed the attempt.
func (s *AttemptService) Expire(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	a, forced, err := s.guard(ctx, attemptID, systemActor, nil)
	if err != nil {
		return false, err
	}
	if forced {
		s.finalizeQuietly(ctx, a)
	}
	return forced, nil
}

// guard is the Expiry Enforcer. Under the row lock it checks ownership, then
// asks the Time Authority whether an in_progress attempt has run out. If so it
// commits the expiry and skips op, reporting forced. Otherwise op runs. Any
// exit from in_progress is followed by revocation and announcement.
func (s *AttemptService) guard(ctx context.Context, attemptID uuid.UUID, studentID int, op lockedOp) (*model.Attempt, bool, error) {
	var (
		out     *model.Attempt
		wasLive bool
		forced  bool
	)

	err := s.attempts.WithLock(ctx, attemptID, func(ctx context.Context, w repository.AttemptWriter, a *model.Attempt) error {
		if studentID != systemActor && a.StudentID != studentID {
			return ErrNotAttemptOwner
		}
		out = a
		wasLive = a.Status == model.AttemptStatusInProgress

		now := s.now()
		if wasLive && s.reading(a, now).Expired() {
			closeAttempt(a, model.CloseReasonExpired, now)
			forced = true
			return w.UpdateAttempt(ctx, a)
		}
		if op == nil {
			return nil
		}
		return op(ctx, w, a, now)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrAttemptNotFound
		}
		return nil, false, err
	}

	s.store(ctx, out)
	if wasLive && out.Status.Terminal() {
		s.closed(ctx, out, forced)
	}
	return out, forced, nil
}

// closed releases the monitoring resource and tells the session monitor.
// Failures are logged; the Finalizer revokes again.
func (s *AttemptService) closed(ctx context.Context, a *model.Attempt, forced bool) {
	log := logger.WithTrace(ctx, s.log)
	ev := log.Info()
	if forced {
		ev = log.Warn()
	}
	ev.Str("attempt_id", a.ID.String()).
		Int("student_id", a.StudentID).
		Str("status", string(a.Status)).
		Bool("forced", forced).
		Msg("Attempt closed")

	if err := s.monitor.Revoke(ctx, a); err != nil {
		log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to revoke monitoring resource")
	}
	if err := s.monitor.Announce(ctx, a, monitor.TerminalEvent(a.Status)); err != nil {
		log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to announce close")
	}
}

// finalizeQuietly returns the completed attempt, or a unchanged when
// finalization has to wait for the reconciler.
func (s *AttemptService) finalizeQuietly(ctx context.Context, a *model.Attempt) *model.Attempt {
	fin, err := s.finalizer.Finalize(ctx, a.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Finalization deferred")
		return a
	}
	return fin.Attempt
}

func (s *AttemptService) cached(ctx context.Context, attemptID uuid.UUID) *model.Attempt {
	a, err := s.cache.Get(ctx, attemptID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Clock cache read failed")
		return nil
	}
	return a
}

func (s *AttemptService) store(ctx context.Context, a *model.Attempt) {
	if err := s.cache.Put(ctx, a); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Clock cache write failed")
	}
}

func (s *AttemptService) reading(a *model.Attempt, now time.Time) timekeeper.Reading {
	return readingFor(s.policy, a, now)
}

func readingFor(p timekeeper.Policy, a *model.Attempt, now time.Time) timekeeper.Reading {
	switch {
	case a.Status.Terminal():
		return p.Closed(a.Allotted(), now)
	case a.AnchorStartAt == nil:
		return p.Unstarted(a.Allotted(), now)
	}
	return p.Evaluate(*a.AnchorStartAt, a.Allotted(), now)
}

func requireLive(a *model.Attempt) error {
	switch {
	case a.Status == model.AttemptStatusNotStarted:
		return ErrAttemptNotStarted
	case a.Status.Terminal():
		return ErrAttemptClosed
	}
	return nil
}

// closeAttempt moves an in_progress attempt to its terminal state and drops
// the monitoring flag with it.
func closeAttempt(a *model.Attempt, reason model.CloseReason, now time.Time) {
	if reason == model.CloseReasonExpired {
		a.Status = model.AttemptStatusExpired
	} else {
		a.Status = model.AttemptStatusSubmitted
	}
	a.CloseReason = &reason
	at := now
	a.SubmittedAt = &at
	a.CameraEnabled = false
}
