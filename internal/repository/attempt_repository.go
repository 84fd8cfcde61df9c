package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-examsync/internal/model"
)

// AttemptRepository handles the durable copy of attempts.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// GetOrCreate returns the student's attempt in a session, creating it on first join.
func (r *AttemptRepository) GetOrCreate(ctx context.Context, sessionID uuid.UUID, studentID, studentName string) (*model.Attempt, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempts (id, session_id, student_id, student_name, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, student_id) DO NOTHING`,
		uuid.New(), sessionID, studentID, studentName, model.AttemptStatusInProgress,
	)
	if err != nil {
		return nil, err
	}

	var id uuid.UUID
	if err := r.pool.QueryRow(ctx,
		`SELECT id FROM attempts WHERE session_id = $1 AND student_id = $2`,
		sessionID, studentID,
	).Scan(&id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// GetByID loads an attempt with its answers, highlights and violations.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a := &model.Attempt{
		ID:         id.String(),
		Answers:    make(map[string]string),
		Highlights: []model.Highlight{},
		Violations: []time.Time{},
	}
	var sessionID uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT a.session_id, s.test_id, a.student_id, a.student_name, a.status,
		        a.passage_index, a.question_index, a.violation_count
		 FROM attempts a
		 JOIN sessions s ON s.id = a.session_id
		 WHERE a.id = $1`, id,
	).Scan(&sessionID, &a.TestID, &a.StudentID, &a.StudentName, &a.Status,
		&a.Progress.PassageIndex, &a.Progress.QuestionIndex, &a.ViolationCount)
	if err != nil {
		return nil, err
	}
	a.SessionID = sessionID.String()

	if err := r.loadAnswers(ctx, id, a); err != nil {
		return nil, err
	}
	if err := r.loadHighlights(ctx, id, a); err != nil {
		return nil, err
	}
	if err := r.loadViolations(ctx, id, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AttemptRepository) loadAnswers(ctx context.Context, id uuid.UUID, a *model.Attempt) error {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer FROM attempt_answers WHERE attempt_id = $1`, id)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var qid, ans string
		if err := rows.Scan(&qid, &ans); err != nil {
			return err
		}
		a.Answers[qid] = ans
	}
	return rows.Err()
}

func (r *AttemptRepository) loadHighlights(ctx context.Context, id uuid.UUID, a *model.Attempt) error {
	rows, err := r.pool.Query(ctx,
		`SELECT passage_id, start_offset, end_offset, text, created_at
		 FROM attempt_highlights WHERE attempt_id = $1 ORDER BY id`, id)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var h model.Highlight
		if err := rows.Scan(&h.PassageID, &h.StartOffset, &h.EndOffset, &h.Text, &h.CreatedAt); err != nil {
			return err
		}
		a.Highlights = append(a.Highlights, h)
	}
	return rows.Err()
}

func (r *AttemptRepository) loadViolations(ctx context.Context, id uuid.UUID, a *model.Attempt) error {
	rows, err := r.pool.Query(ctx,
		`SELECT occurred_at FROM attempt_violations WHERE attempt_id = $1 ORDER BY occurred_at`, id)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return err
		}
		a.Violations = append(a.Violations, at)
	}
	return rows.Err()
}
