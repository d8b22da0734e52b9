package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ErrCapacityReached is returned when a session has no room for another attempt.
var ErrCapacityReached = errors.New("session capacity reached")

// AttemptWriter is what a caller may do while it holds an attempt's row lock.
type AttemptWriter interface {
	UpdateAttempt(ctx context.Context, a *model.Attempt) error
	UpsertAnswer(ctx context.Context, ans *model.Answer) error
	ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.Answer, error)
	UpsertResult(ctx context.Context, res *model.Result) error
	GetResult(ctx context.Context, attemptID uuid.UUID) (*model.Result, error)
}

// LockedFunc runs inside the attempt's transaction. Returning an error rolls
// back everything it wrote; returning nil commits.
type LockedFunc func(ctx context.Context, w AttemptWriter, a *model.Attempt) error

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const attemptColumns = `id, session_id, student_id, exam_id, status, anchor_start_at, allotted_duration_seconds,
	current_question_index, camera_enabled, close_reason, submitted_at, completed_at, side_effects_at,
	finalize_error, superseded_by, created_at, updated_at`

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(
		&a.ID, &a.SessionID, &a.StudentID, &a.ExamID, &a.Status, &a.AnchorStartAt, &a.AllottedDurationSeconds,
		&a.CurrentQuestionIndex, &a.CameraEnabled, &a.CloseReason, &a.SubmittedAt, &a.CompletedAt, &a.SideEffectsAt,
		&a.FinalizeError, &a.SupersededBy, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// AttemptRepository handles attempt, answer and result data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// GetByID retrieves an attempt without locking it.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// FindByKey retrieves the live attempt for a (session, student, exam) triple.
func (r *AttemptRepository) FindByKey(ctx context.Context, sessionID uuid.UUID, studentID int, examID uuid.UUID) (*model.Attempt, error) {
	return findByKey(ctx, r.pool, sessionID, studentID, examID)
}

func findByKey(ctx context.Context, q querier, sessionID uuid.UUID, studentID int, examID uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(q.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE session_id = $1 AND student_id = $2 AND exam_id = $3 AND superseded_by IS NULL`,
		sessionID, studentID, examID))
}

// CreateOrGet inserts a not_started attempt, or returns the live one that
// already exists for the same key. created reports which happened. With a
// positive capacity the session row is locked so concurrent admissions cannot
// overshoot it; an existing attempt never counts against capacity.
func (r *AttemptRepository) CreateOrGet(ctx context.Context, a *model.Attempt, capacity int) (*model.Attempt, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if capacity > 0 {
		var locked uuid.UUID
		if err := tx.QueryRow(ctx,
			`SELECT id FROM exam_sessions WHERE id = $1 FOR UPDATE`, a.SessionID,
		).Scan(&locked); err != nil {
			return nil, false, err
		}
	}

	existing, err := findByKey(ctx, tx, a.SessionID, a.StudentID, a.ExamID)
	if err == nil {
		return existing, false, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	if capacity > 0 {
		var live int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM attempts WHERE session_id = $1 AND superseded_by IS NULL`, a.SessionID,
		).Scan(&live); err != nil {
			return nil, false, err
		}
		if live >= capacity {
			return nil, false, ErrCapacityReached
		}
	}

	created, err := scanAttempt(tx.QueryRow(ctx,
		`INSERT INTO attempts (session_id, student_id, exam_id, status, allotted_duration_seconds)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, student_id, exam_id) WHERE superseded_by IS NULL DO NOTHING
		 RETURNING `+attemptColumns,
		a.SessionID, a.StudentID, a.ExamID, model.AttemptStatusNotStarted, a.AllottedDurationSeconds,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race to a concurrent insert: return the winner.
		existing, err := findByKey(ctx, tx, a.SessionID, a.StudentID, a.ExamID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, tx.Commit(ctx)
	}
	if err != nil {
		return nil, false, err
	}

	return created, true, tx.Commit(ctx)
}

// WithLock runs fn while holding the attempt's row lock (SELECT ... FOR UPDATE).
func (r *AttemptRepository) WithLock(ctx context.Context, id uuid.UUID, fn LockedFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}

	if err := fn(ctx, &attemptTx{q: tx}, a); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkSideEffects stamps side_effects_at once. It reports false when another
// run got there first.
func (r *AttemptRepository) MarkSideEffects(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts SET side_effects_at = $2 WHERE id = $1 AND side_effects_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetResult retrieves the stored result for an attempt.
func (r *AttemptRepository) GetResult(ctx context.Context, attemptID uuid.UUID) (*model.Result, error) {
	return getResult(ctx, r.pool, attemptID)
}

// ListOverdue returns in_progress attempts whose allotted time ran out at or before now.
func (r *AttemptRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx,
		`SELECT id FROM attempts
		 WHERE status = 'in_progress'
		   AND anchor_start_at + make_interval(secs => allotted_duration_seconds) <= $1
		 ORDER BY anchor_start_at
		 LIMIT $2`, now, limit)
}

// ListUnsettled returns terminal attempts the finalizer has not completed, and
// completed attempts whose side effects were never recorded. Attempts holding
// a finalize error wait for an instructor rescore instead.
func (r *AttemptRepository) ListUnsettled(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx,
		`SELECT id FROM attempts
		 WHERE (status IN ('submitted', 'expired') AND finalize_error IS NULL)
		    OR (status = 'completed' AND side_effects_at IS NULL)
		 ORDER BY updated_at
		 LIMIT $1`, limit)
}

func (r *AttemptRepository) listIDs(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListBySession retrieves every attempt of a session, superseded ones included.
func (r *AttemptRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE session_id = $1 ORDER BY student_id, created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// Reopen supersedes an attempt with a fresh not_started one and writes the
// override audit row, all in one transaction. check runs against the locked
// original and can veto the reopen.
func (r *AttemptRepository) Reopen(ctx context.Context, id uuid.UUID, o *model.AttemptOverride, check func(*model.Attempt) error) (*model.Attempt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	old, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := check(old); err != nil {
		return nil, err
	}

	replacementID := uuid.New()
	if _, err := tx.Exec(ctx,
		`UPDATE attempts SET superseded_by = $2 WHERE id = $1`, old.ID, replacementID); err != nil {
		return nil, fmt.Errorf("supersede: %w", err)
	}

	replacement, err := scanAttempt(tx.QueryRow(ctx,
		`INSERT INTO attempts (id, session_id, student_id, exam_id, status, allotted_duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+attemptColumns,
		replacementID, old.SessionID, old.StudentID, old.ExamID, model.AttemptStatusNotStarted, old.AllottedDurationSeconds,
	))
	if err != nil {
		return nil, fmt.Errorf("insert replacement: %w", err)
	}

	o.AttemptID = old.ID
	o.ReplacementAttemptID = replacement.ID
	if err := tx.QueryRow(ctx,
		`INSERT INTO attempt_overrides (attempt_id, replacement_attempt_id, instructor_id, reason)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		o.AttemptID, o.ReplacementAttemptID, o.InstructorID, o.Reason,
	).Scan(&o.ID, &o.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert override: %w", err)
	}

	return replacement, tx.Commit(ctx)
}

// attemptTx implements AttemptWriter on top of the locking transaction.
type attemptTx struct {
	q querier
}

// UpdateAttempt persists the mutable columns. The store rejects any change to
// a write-once column or a backward status move.
func (t *attemptTx) UpdateAttempt(ctx context.Context, a *model.Attempt) error {
	return t.q.QueryRow(ctx,
		`UPDATE attempts
		 SET status = $2, anchor_start_at = $3, current_question_index = $4, camera_enabled = $5,
		     close_reason = $6, submitted_at = $7, completed_at = $8, finalize_error = $9
		 WHERE id = $1
		 RETURNING updated_at`,
		a.ID, a.Status, a.AnchorStartAt, a.CurrentQuestionIndex, a.CameraEnabled,
		a.CloseReason, a.SubmittedAt, a.CompletedAt, a.FinalizeError,
	).Scan(&a.UpdatedAt)
}

// UpsertAnswer overwrites the answer for (attempt, question).
func (t *attemptTx) UpsertAnswer(ctx context.Context, ans *model.Answer) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO answers (attempt_id, question_id, value, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (attempt_id, question_id)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		ans.AttemptID, ans.QuestionID, ans.Value, ans.UpdatedAt)
	return err
}

func (t *attemptTx) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.Answer, error) {
	rows, err := t.q.Query(ctx,
		`SELECT attempt_id, question_id, value, updated_at FROM answers WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.Answer
	for rows.Next() {
		var ans model.Answer
		if err := rows.Scan(&ans.AttemptID, &ans.QuestionID, &ans.Value, &ans.UpdatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, ans)
	}
	return answers, rows.Err()
}

// UpsertResult overwrites the attempt's result row.
func (t *attemptTx) UpsertResult(ctx context.Context, res *model.Result) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO results (attempt_id, question_count, answered_count, correct_count, points_earned,
		                      total_points, percentage, passed, pending_review, scored_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		 ON CONFLICT (attempt_id) DO UPDATE SET
		     question_count = EXCLUDED.question_count,
		     answered_count = EXCLUDED.answered_count,
		     correct_count  = EXCLUDED.correct_count,
		     points_earned  = EXCLUDED.points_earned,
		     total_points   = EXCLUDED.total_points,
		     percentage     = EXCLUDED.percentage,
		     passed         = EXCLUDED.passed,
		     pending_review = EXCLUDED.pending_review,
		     scored_at      = EXCLUDED.scored_at`,
		res.AttemptID, res.QuestionCount, res.AnsweredCount, res.CorrectCount, res.PointsEarned,
		res.TotalPoints, res.Percentage, res.Passed, res.PendingReview)
	return err
}

func (t *attemptTx) GetResult(ctx context.Context, attemptID uuid.UUID) (*model.Result, error) {
	return getResult(ctx, t.q, attemptID)
}

func getResult(ctx context.Context, q querier, attemptID uuid.UUID) (*model.Result, error) {
	res := &model.Result{}
	err := q.QueryRow(ctx,
		`SELECT attempt_id, question_count, answered_count, correct_count, points_earned,
		        total_points, percentage, passed, pending_review
		 FROM results WHERE attempt_id = $1`, attemptID,
	).Scan(&res.AttemptID, &res.QuestionCount, &res.AnsweredCount, &res.CorrectCount, &res.PointsEarned,
		&res.TotalPoints, &res.Percentage, &res.Passed, &res.PendingReview)
	if err != nil {
		return nil, err
	}
	return res, nil
}
