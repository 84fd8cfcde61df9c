package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-examsync/internal/model"
)

// SessionRepository handles supervised session data access.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create inserts a new session in the SCHEDULED state.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	id := uuid.New()
	s.ID = id.String()
	s.State = model.SessionStateScheduled
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, test_id, title, state, duration_minutes)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, s.TestID, s.Title, s.State, s.DurationMinutes,
	)
	return err
}

// GetByID retrieves a session by ID.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	s := &model.Session{}
	var sid uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT id, test_id, title, state, duration_minutes, started_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sid, &s.TestID, &s.Title, &s.State, &s.DurationMinutes, &s.StartedAt)
	if err != nil {
		return nil, err
	}
	s.ID = sid.String()
	return s, nil
}

// UpdateState moves a session to a new state. startedAt is written only when non-nil.
func (r *SessionRepository) UpdateState(ctx context.Context, id uuid.UUID, state model.SessionState, startedAt *time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET state = $1, started_at = COALESCE($2, started_at), updated_at = NOW()
		 WHERE id = $3`,
		state, startedAt, id,
	)
	return err
}
