package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/model"
)

// AutosaveWorker consumes the answers queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	pool *pgxpool.Pool
	loop *batchLoop[model.AnswerJob]
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	w := &AutosaveWorker{pool: pool}
	w.loop = &batchLoop[model.AnswerJob]{
		rdb:    rdb,
		queue:  config.WorkerKey.PersistAnswersQueue,
		log:    log.With().Str("component", "autosave_worker").Logger(),
		bulk:   w.bulkUpsert,
		single: w.upsert,
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.loop.run(ctx)
}

// latestAnswers keeps the newest answer per (attempt, question), since one
// UPSERT statement cannot touch the same row twice.
func latestAnswers(batch []model.AnswerJob) []model.AnswerJob {
	type key struct{ attempt, question string }
	index := make(map[key]int, len(batch))
	out := make([]model.AnswerJob, 0, len(batch))
	for _, j := range batch {
		k := key{j.AttemptID, j.QuestionID}
		if i, ok := index[k]; ok {
			out[i] = j
			continue
		}
		index[k] = len(out)
		out = append(out, j)
	}
	return out
}

func (w *AutosaveWorker) bulkUpsert(ctx context.Context, batch []model.AnswerJob) error {
	batch = latestAnswers(batch)

	attemptIDs := make([]uuid.UUID, 0, len(batch))
	questionIDs := make([]string, 0, len(batch))
	answers := make([]string, 0, len(batch))
	for _, j := range batch {
		id, err := uuid.Parse(j.AttemptID)
		if err != nil {
			return err
		}
		attemptIDs = append(attemptIDs, id)
		questionIDs = append(questionIDs, j.QuestionID)
		answers = append(answers, j.Answer)
	}

	_, err := w.pool.Exec(ctx, `
		INSERT INTO attempt_answers (attempt_id, question_id, answer)
		SELECT u.attempt_id, u.question_id, u.answer
		FROM UNNEST($1::uuid[], $2::text[], $3::text[]) AS u (attempt_id, question_id, answer)
		ON CONFLICT (attempt_id, question_id) DO UPDATE
		SET answer = EXCLUDED.answer, updated_at = NOW()`,
		attemptIDs, questionIDs, answers,
	)
	return err
}

func (w *AutosaveWorker) upsert(ctx context.Context, j model.AnswerJob) error {
	id, err := uuid.Parse(j.AttemptID)
	if err != nil {
		return fmt.Errorf("%w: attempt %q", errDropItem, j.AttemptID)
	}
	_, err = w.pool.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, answer)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET answer = EXCLUDED.answer, updated_at = NOW()`,
		id, j.QuestionID, j.Answer,
	)
	return err
}
