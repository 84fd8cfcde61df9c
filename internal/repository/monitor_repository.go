package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/model"
)

// RosterEntry is one attempt as seen by the supervisor's live monitor.
type RosterEntry struct {
	AttemptID      string              `json:"attempt_id"`
	StudentID      string              `json:"student_id"`
	StudentName    string              `json:"student_name"`
	Status         model.AttemptStatus `json:"status"`
	ViolationCount int                 `json:"violation_count"`
	AnsweredCount  int64               `json:"answered_count"`
	Connected      bool                `json:"connected"`
}

// MonitorRepository provides data access for the live session monitor.
// It combines PostgreSQL (durable attempts) and Redis (presence).
type MonitorRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool, rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{pool: pool, rdb: rdb}
}

// ListRoster returns every attempt in the session.
func (r *MonitorRepository) ListRoster(ctx context.Context, sessionID uuid.UUID) ([]RosterEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, student_id, student_name, status, violation_count
		 FROM attempts
		 WHERE session_id = $1
		 ORDER BY student_name`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster []RosterEntry
	for rows.Next() {
		var e RosterEntry
		var id uuid.UUID
		if err := rows.Scan(&id, &e.StudentID, &e.StudentName, &e.Status, &e.ViolationCount); err != nil {
			return nil, err
		}
		e.AttemptID = id.String()
		roster = append(roster, e)
	}
	return roster, rows.Err()
}

// GetAnsweredCounts returns the number of durably saved answers per attempt.
func (r *MonitorRepository) GetAnsweredCounts(ctx context.Context, sessionID uuid.UUID) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, COUNT(aa.question_id)
		 FROM attempts a
		 JOIN attempt_answers aa ON aa.attempt_id = a.id
		 WHERE a.session_id = $1
		 GROUP BY a.id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var id uuid.UUID
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		result[id.String()] = count
	}
	return result, rows.Err()
}

// GetConnected returns the attempt IDs currently holding a channel to the session.
func (r *MonitorRepository) GetConnected(ctx context.Context, sessionID string) (map[string]bool, error) {
	ids, err := r.rdb.SMembers(ctx, config.CacheKey.SessionPresenceKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
