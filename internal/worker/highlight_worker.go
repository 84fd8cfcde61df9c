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

// HighlightWorker persists passage highlights with a single UNNEST insert per batch.
type HighlightWorker struct {
	pool *pgxpool.Pool
	loop *batchLoop[model.HighlightJob]
}

func NewHighlightWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *HighlightWorker {
	w := &HighlightWorker{pool: pool}
	w.loop = &batchLoop[model.HighlightJob]{
		rdb:    rdb,
		queue:  config.WorkerKey.PersistHighlightsQueue,
		log:    log.With().Str("component", "highlight_worker").Logger(),
		bulk:   w.bulkInsert,
		single: w.insert,
	}
	return w
}

func (w *HighlightWorker) Start(ctx context.Context) {
	w.loop.run(ctx)
}

func (w *HighlightWorker) bulkInsert(ctx context.Context, batch []model.HighlightJob) error {
	n := len(batch)
	attemptIDs := make([]uuid.UUID, 0, n)
	passages := make([]string, 0, n)
	starts := make([]int32, 0, n)
	ends := make([]int32, 0, n)
	texts := make([]string, 0, n)
	createdAts := make([]time.Time, 0, n)

	for _, j := range batch {
		id, err := uuid.Parse(j.AttemptID)
		if err != nil {
			return err
		}
		attemptIDs = append(attemptIDs, id)
		passages = append(passages, j.Highlight.PassageID)
		starts = append(starts, int32(j.Highlight.StartOffset))
		ends = append(ends, int32(j.Highlight.EndOffset))
		texts = append(texts, j.Highlight.Text)
		createdAts = append(createdAts, j.Highlight.CreatedAt)
	}

	_, err := w.pool.Exec(ctx, `
		INSERT INTO attempt_highlights (attempt_id, passage_id, start_offset, end_offset, text, created_at)
		SELECT u.attempt_id, u.passage_id, u.start_offset, u.end_offset, u.text, u.created_at
		FROM UNNEST(
			$1::uuid[],
			$2::text[],
			$3::int[],
			$4::int[],
			$5::text[],
			$6::timestamptz[]
		) AS u (attempt_id, passage_id, start_offset, end_offset, text, created_at)`,
		attemptIDs, passages, starts, ends, texts, createdAts,
	)
	return err
}

func (w *HighlightWorker) insert(ctx context.Context, j model.HighlightJob) error {
	id, err := uuid.Parse(j.AttemptID)
	if err != nil {
		return fmt.Errorf("%w: attempt %q", errDropItem, j.AttemptID)
	}
	h := j.Highlight
	_, err = w.pool.Exec(ctx,
		`INSERT INTO attempt_highlights (attempt_id, passage_id, start_offset, end_offset, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, h.PassageID, h.StartOffset, h.EndOffset, h.Text, h.CreatedAt,
	)
	return err
}
