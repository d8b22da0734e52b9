package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

// GetByID retrieves a session by ID.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, exam_id, class_id, starts_at, ends_at, status, entry_code_hash, capacity,
		        camera_monitoring_required, reveal_results_immediately, created_by, created_at
		 FROM exam_sessions
		 WHERE id = $1`, id,
	).Scan(&s.ID, &s.ExamID, &s.ClassID, &s.StartsAt, &s.EndsAt, &s.Status, &s.EntryCodeHash, &s.Capacity,
		&s.CameraMonitoringRequired, &s.RevealResultsImmediately, &s.CreatedBy, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a new exam session.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	if s.Status == "" {
		s.Status = model.SessionStatusScheduled
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, class_id, starts_at, ends_at, status, entry_code_hash, capacity,
		                            camera_monitoring_required, reveal_results_immediately, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at`,
		s.ExamID, s.ClassID, s.StartsAt, s.EndsAt, s.Status, s.EntryCodeHash, s.Capacity,
		s.CameraMonitoringRequired, s.RevealResultsImmediately, s.CreatedBy,
	).Scan(&s.ID, &s.CreatedAt)
}

// UpdateStatus moves a session from one status to another. It reports false if
// the session was no longer in the expected status.
func (r *ExamSessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.SessionStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
