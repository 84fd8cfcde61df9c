package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/model"
)

// SubmittedTTL is how long a submitted attempt's hot state stays in Redis
// once its final snapshot has been persisted.
const SubmittedTTL = time.Hour

// AttemptWorker applies attempt snapshots (status, progress, violation count)
// to PostgreSQL with one UNNEST update per batch.
type AttemptWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
	loop *batchLoop[model.AttemptJob]
}

func NewAttemptWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AttemptWorker {
	w := &AttemptWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "attempt_worker").Logger(),
	}
	w.loop = &batchLoop[model.AttemptJob]{
		rdb:    rdb,
		queue:  config.WorkerKey.PersistAttemptsQueue,
		log:    w.log,
		bulk:   w.bulkUpdate,
		single: w.update,
		after:  w.expireSubmitted,
	}
	return w
}

func (w *AttemptWorker) Start(ctx context.Context) {
	w.loop.run(ctx)
}

// latestSnapshots keeps the last snapshot per attempt, preserving first-seen order.
func latestSnapshots(batch []model.AttemptJob) []model.AttemptJob {
	index := make(map[string]int, len(batch))
	out := make([]model.AttemptJob, 0, len(batch))
	for _, j := range batch {
		if i, ok := index[j.AttemptID]; ok {
			out[i] = j
			continue
		}
		index[j.AttemptID] = len(out)
		out = append(out, j)
	}
	return out
}

func (w *AttemptWorker) bulkUpdate(ctx context.Context, batch []model.AttemptJob) error {
	batch = latestSnapshots(batch)
	n := len(batch)

	ids := make([]uuid.UUID, 0, n)
	statuses := make([]string, 0, n)
	passages := make([]int32, 0, n)
	questions := make([]int32, 0, n)
	violations := make([]int32, 0, n)
	submittedAts := make([]*time.Time, 0, n)

	for _, j := range batch {
		id, err := uuid.Parse(j.AttemptID)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		statuses = append(statuses, string(j.Status))
		passages = append(passages, int32(j.PassageIndex))
		questions = append(questions, int32(j.QuestionIndex))
		violations = append(violations, int32(j.ViolationCount))
		submittedAts = append(submittedAts, j.SubmittedAt)
	}

	query := `
		UPDATE attempts AS a
		SET status          = t.status,
		    passage_index   = t.passage_index,
		    question_index  = t.question_index,
		    violation_count = GREATEST(a.violation_count, t.violation_count),
		    submitted_at    = COALESCE(t.submitted_at, a.submitted_at),
		    updated_at      = NOW()
		FROM (
			SELECT *
			FROM UNNEST(
				$1::uuid[],
				$2::text[],
				$3::int[],
				$4::int[],
				$5::int[],
				$6::timestamptz[]
			) AS u (id, status, passage_index, question_index, violation_count, submitted_at)
		) AS t
		WHERE a.id = t.id
	`

	_, err := w.pool.Exec(ctx, query, ids, statuses, passages, questions, violations, submittedAts)
	return err
}

func (w *AttemptWorker) update(ctx context.Context, j model.AttemptJob) error {
	id, err := uuid.Parse(j.AttemptID)
	if err != nil {
		return fmt.Errorf("%w: attempt %q", errDropItem, j.AttemptID)
	}
	_, err = w.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $2, passage_index = $3, question_index = $4,
		     violation_count = GREATEST(violation_count, $5),
		     submitted_at = COALESCE($6, submitted_at), updated_at = NOW()
		 WHERE id = $1`,
		id, string(j.Status), j.PassageIndex, j.QuestionIndex, j.ViolationCount, j.SubmittedAt,
	)
	return err
}

// expireSubmitted lets Redis forget submitted attempts once they are durable.
func (w *AttemptWorker) expireSubmitted(ctx context.Context, batch []model.AttemptJob) {
	pipe := w.rdb.Pipeline()
	queued := 0
	for _, j := range batch {
		if j.Status != model.AttemptStatusSubmitted {
			continue
		}
		pipe.Expire(ctx, config.CacheKey.AttemptKey(j.AttemptID), SubmittedTTL)
		pipe.Expire(ctx, config.CacheKey.AttemptAnswersKey(j.AttemptID), SubmittedTTL)
		pipe.Expire(ctx, config.CacheKey.AttemptHighlightsKey(j.AttemptID), SubmittedTTL)
		pipe.Expire(ctx, config.CacheKey.AttemptViolationsKey(j.AttemptID), SubmittedTTL)
		queued++
	}
	if queued == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Failed to expire submitted attempts")
	}
}
