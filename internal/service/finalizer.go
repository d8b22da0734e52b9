package service

import (
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
	"github.com/stemsi/exstem-attempt/internal/scoring"
	"github.com/stemsi/exstem-attempt/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	finalizeTimeout   = 30 * time.Second
	sideEffectTimeout = 5 * time.Second
)

// FinalizeResult is the outcome of one finalizer run.
type FinalizeResult struct {
	Attempt          *model.Attempt
	Result           *model.Result
	AlreadyCompleted bool
}

// Finalizer scores a terminal attempt, upserts its Result, promotes it to
// completed and emits side effects. Every step is safe to repeat: the score is
// a pure function of questions and answers, the Result is keyed by attempt,
// completed_at is written once, and side effects run until side_effects_at is
// stamped. Concurrent calls for one attempt in this process share a run; across
// processes the row lock serializes them.
type Finalizer struct {
	attempts    AttemptStore
	exams       ExamStore
	questions   QuestionBank
	cache       ClockCache
	monitor     ResourceMonitor
	notifier    Notifier
	retries     RetryQueue
	notifyDelay time.Duration
	now         func() time.Time
	group       singleflight.Group
	tracer      trace.Tracer
	log         zerolog.Logger
}

// NewFinalizer creates a new Finalizer.
func NewFinalizer(
	attempts AttemptStore,
	exams ExamStore,
	questions QuestionBank,
	cache ClockCache,
	monitor ResourceMonitor,
	notifier Notifier,
	retries RetryQueue,
	notifyDelay time.Duration,
	log zerolog.Logger,
) *Finalizer {
	return &Finalizer{
		attempts:    attempts,
		exams:       exams,
		questions:   questions,
		cache:       cache,
		monitor:     monitor,
		notifier:    notifier,
		retries:     retries,
		notifyDelay: notifyDelay,
		now:         time.Now,
		tracer:      telemetry.Tracer(),
		log:         logger.Component(log, "finalizer"),
	}
}

// Finalize completes a submitted or expired attempt. On an attempt that is
// already completed it returns the stored Result without re-scoring.
func (f *Finalizer) Finalize(ctx context.Context, attemptID uuid.UUID) (*FinalizeResult, error) {
	return f.do(ctx, attemptID, false)
}

// Rescore re-runs scoring on a terminal attempt even if it is completed. The
// recomputed Result overwrites the stored one.
func (f *Finalizer) Rescore(ctx context.Context, attemptID uuid.UUID) (*FinalizeResult, error) {
	return f.do(ctx, attemptID, true)
}

func (f *Finalizer) do(ctx context.Context, attemptID uuid.UUID, force bool) (*FinalizeResult, error) {
	key := attemptID.String()
	if force {
		key += ":rescore"
	}
	// Callers share one run, so it must not die with the first caller's request.
	v, err, _ := f.group.Do(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		return f.run(shared, attemptID, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*FinalizeResult), nil
}

func (f *Finalizer) run(ctx context.Context, attemptID uuid.UUID, force bool) (out *FinalizeResult, err error) {
	ctx, span := f.tracer.Start(ctx, "attempt.finalize", trace.WithAttributes(
		attribute.String("attempt_id", attemptID.String()),
		attribute.Bool("rescore", force),
	))
	defer func() { telemetry.RecordError(span, err); span.End() }()
	log := logger.WithTrace(ctx, f.log).With().Str("attempt_id", attemptID.String()).Logger()

	current, err := f.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, f.retry(ctx, log, attemptID, fmt.Errorf("get attempt: %w", err))
	}
	if !current.Status.Terminal() {
		return nil, ErrAttemptNotFinal
	}

	// Read the bank outside the row lock; an attempt's exam never changes.
	exam, err := f.exams.GetByID(ctx, current.ExamID)
	if err != nil {
		return nil, f.retry(ctx, log, attemptID, fmt.Errorf("get exam: %w", err))
	}
	rows, err := f.questions.ListByExam(ctx, current.ExamID)
	if err != nil {
		return nil, f.retry(ctx, log, attemptID, fmt.Errorf("list questions: %w", err))
	}
	questions, decodeErr := scoring.DecodeAll(rows)

	out = &FinalizeResult{}
	var scoreErr error

	err = f.attempts.WithLock(ctx, attemptID, func(ctx context.Context, w repository.AttemptWriter, a *model.Attempt) error {
		out.Attempt = a

		if a.Status == model.AttemptStatusCompleted && !force {
			res, err := w.GetResult(ctx, a.ID)
			if err != nil {
				return fmt.Errorf("get result: %w", err)
			}
			out.Result = res
			out.AlreadyCompleted = true
			return nil
		}

		if decodeErr != nil {
			msg := decodeErr.Error()
			a.FinalizeError = &msg
			scoreErr = decodeErr
			return w.UpdateAttempt(ctx, a)
		}

		answers, err := w.ListAnswers(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("list answers: %w", err)
		}
		byQuestion := make(map[uuid.UUID]json.RawMessage, len(answers))
		for _, ans := range answers {
			byQuestion[ans.QuestionID] = json.RawMessage(ans.Value)
		}

		res := scoring.Score(a.ID, questions, byQuestion, exam.PassPercentage)
		if err := w.UpsertResult(ctx, &res); err != nil {
			return fmt.Errorf("upsert result: %w", err)
		}
		out.Result = &res

		if a.Status != model.AttemptStatusCompleted {
			completedAt := f.now()
			a.Status = model.AttemptStatusCompleted
			a.CompletedAt = &completedAt
		}
		a.FinalizeError = nil
		a.CameraEnabled = false
		return w.UpdateAttempt(ctx, a)
	})
	if err != nil {
		return nil, f.retry(ctx, log, attemptID, fmt.Errorf("finalize: %w", err))
	}

	if scoreErr != nil {
		log.Error().Err(scoreErr).Msg("Scoring failed, attempt left for review")
		if err := f.monitor.Announce(ctx, out.Attempt, monitor.EventFinalizeFailed); err != nil {
			log.Warn().Err(err).Msg("Failed to announce finalize failure")
		}
		return nil, fmt.Errorf("%w: %w", ErrFinalizeFailed, scoreErr)
	}

	if !out.AlreadyCompleted {
		log.Info().
			Float64("percentage", out.Result.Percentage).
			Bool("passed", out.Result.Passed).
			Bool("rescore", force).
			Msg("Attempt finalized")
	}

	if err := f.cache.Put(ctx, out.Attempt); err != nil {
		log.Warn().Err(err).Msg("Clock cache write failed")
	}
	if out.Attempt.SideEffectsAt == nil {
		f.emitSideEffects(ctx, log, out.Attempt)
	}
	return out, nil
}

// emitSideEffects revokes the monitoring resource and schedules the result
// notification, then stamps side_effects_at. Both requests tolerate repeats,
// so a crash before the stamp only causes a harmless re-emit. Failures never
// undo the Result; the attempt is queued and retried.
func (f *Finalizer) emitSideEffects(ctx context.Context, log zerolog.Logger, a *model.Attempt) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	failed := false
	if err := f.monitor.Revoke(ctx, a); err != nil {
		log.Warn().Err(err).Msg("Failed to revoke monitoring resource")
		failed = true
	}
	if err := f.notifier.ScheduleResultNotification(ctx, a.ID, f.notifyDelay); err != nil {
		log.Warn().Err(err).Msg("Failed to schedule result notification")
		failed = true
	}
	if err := f.monitor.Announce(ctx, a, monitor.EventCompleted); err != nil {
		log.Warn().Err(err).Msg("Failed to announce completion")
	}
	if failed {
		f.enqueue(ctx, log, a.ID)
		return
	}

	at := f.now()
	if _, err := f.attempts.MarkSideEffects(ctx, a.ID, at); err != nil {
		log.Warn().Err(err).Msg("Failed to record side effects")
		return
	}
	a.SideEffectsAt = &at
}

// retry queues the attempt for the reconciler and returns err unchanged.
func (f *Finalizer) retry(ctx context.Context, log zerolog.Logger, attemptID uuid.UUID, err error) error {
	log.Warn().Err(err).Msg("Finalization failed, queued for retry")
	f.enqueue(context.WithoutCancel(ctx), log, attemptID)
	return err
}

func (f *Finalizer) enqueue(ctx context.Context, log zerolog.Logger, attemptID uuid.UUID) {
	if err := f.retries.EnqueueFinalize(ctx, attemptID); err != nil {
		log.Error().Err(err).Msg("Failed to queue finalize retry")
	}
}
