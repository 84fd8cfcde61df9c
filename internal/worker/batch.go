package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	ShutdownWait = 5 * time.Second
)

// batchLoop drains one Redis list in batches. Each batch is written with
// bulk; if that fails every item is retried with single, and items that
// still fail are pushed back onto the queue.
type batchLoop[T any] struct {
	rdb    *redis.Client
	queue  string
	log    zerolog.Logger
	bulk   func(ctx context.Context, batch []T) error
	single func(ctx context.Context, item T) error
	// after runs once a batch has been written, whichever path wrote it.
	after func(ctx context.Context, batch []T)
}

func (l *batchLoop[T]) run(ctx context.Context) {
	l.log.Info().Str("queue", l.queue).Msg("Worker started")

	buffer := make([]T, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			l.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			l.shutdown(buffer)
			return
		default:
		}

		result, err := l.rdb.BLPop(ctx, PollTimeout, l.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			l.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			l.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, item)
	}
}

func (l *batchLoop[T]) flushSafe(ctx context.Context, batch []T) {
	if err := l.bulk(ctx, batch); err != nil {
		l.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")
		l.fallback(ctx, batch)
	}
	if l.after != nil {
		l.after(ctx, batch)
	}
}

func (l *batchLoop[T]) fallback(ctx context.Context, batch []T) {
	var failed []T
	for _, item := range batch {
		if err := l.single(ctx, item); err != nil {
			if errors.Is(err, errDropItem) {
				l.log.Error().Err(err).Msg("Dropping unwritable item")
				continue
			}
			l.log.Error().Err(err).Msg("Write failed, requeueing")
			failed = append(failed, item)
		}
	}
	if len(failed) > 0 {
		l.requeue(ctx, failed)
	}
}

// requeue pushes items back to the head so they keep their order ahead of newer writes.
func (l *batchLoop[T]) requeue(ctx context.Context, items []T) {
	pipe := l.rdb.Pipeline()
	for i := len(items) - 1; i >= 0; i-- {
		data, _ := json.Marshal(items[i])
		pipe.LPush(ctx, l.queue, data)
	}
	if _, err := pipe.Exec(context.WithoutCancel(ctx)); err != nil {
		l.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	l.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	sleep(ctx, 2*time.Second)
}

func (l *batchLoop[T]) shutdown(buffer []T) {
	l.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownWait)
	defer cancel()

	if len(buffer) > 0 {
		l.flushSafe(ctx, buffer)
	}
	l.log.Info().Msg("Worker stopped")
}

// errDropItem marks an item that can never be written, such as one with a malformed ID.
var errDropItem = errors.New("item cannot be persisted")

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
