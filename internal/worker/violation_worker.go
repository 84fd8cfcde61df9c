package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/model"
)

// ViolationWorker bulk-copies integrity violations into PostgreSQL.
type ViolationWorker struct {
	pool *pgxpool.Pool
	loop *batchLoop[model.ViolationJob]
}

func NewViolationWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	w := &ViolationWorker{pool: pool}
	w.loop = &batchLoop[model.ViolationJob]{
		rdb:    rdb,
		queue:  config.WorkerKey.PersistViolationsQueue,
		log:    log.With().Str("component", "violation_worker").Logger(),
		bulk:   w.bulkInsert,
		single: w.insert,
	}
	return w
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.loop.run(ctx)
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []model.ViolationJob) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, j := range batch {
		id, err := uuid.Parse(j.AttemptID)
		if err != nil {
			// Fallback handles the bad UUID individually.
			return err
		}
		rows = append(rows, []interface{}{id, string(j.ViolationType), j.OccurredAt})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"attempt_violations"},
		[]string{"attempt_id", "violation_type", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *ViolationWorker) insert(ctx context.Context, j model.ViolationJob) error {
	id, err := uuid.Parse(j.AttemptID)
	if err != nil {
		return fmt.Errorf("%w: attempt %q", errDropItem, j.AttemptID)
	}
	_, err = w.pool.Exec(ctx,
		`INSERT INTO attempt_violations (attempt_id, violation_type, occurred_at)
		 VALUES ($1, $2, $3)`,
		id, string(j.ViolationType), j.OccurredAt,
	)
	return err
}
