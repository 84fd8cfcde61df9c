package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-examsync/internal/protocol"
)

// Entry is one pending durable write.
type Entry struct {
	ID        string                `json:"id"`
	Kind      protocol.OutboundType `json:"kind"`
	AttemptID string                `json:"attempt_id"`
	Payload   json.RawMessage       `json:"payload"`
	At        time.Time             `json:"at"`
	Tries     int                   `json:"tries"`
}

// Queue is a FIFO of entries. PushFront puts a failed entry back at the head
// so that later writes for the same key never overtake it.
type Queue interface {
	Push(ctx context.Context, e Entry) error
	PushFront(ctx context.Context, e Entry) error
	// Pop returns ok=false when the queue is empty.
	Pop(ctx context.Context) (e Entry, ok bool, err error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// MemoryQueue keeps entries for the lifetime of the process.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, e Entry) error {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) PushFront(_ context.Context, e Entry) error {
	q.mu.Lock()
	q.entries = append([]Entry{e}, q.entries...)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false, nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func (q *MemoryQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
	return nil
}

// RedisQueue keeps entries in a Redis list so they survive a client restart.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisQueue creates a queue backed by the list at key.
func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	return q.rdb.RPush(ctx, q.key, data).Err()
}

func (q *RedisQueue) PushFront(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	return q.rdb.LPush(ctx, q.key, data).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (Entry, bool, error) {
	raw, err := q.rdb.LPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal outbox entry: %w", err)
	}
	return e, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	return int(n), err
}

func (q *RedisQueue) Clear(ctx context.Context) error {
	return q.rdb.Del(ctx, q.key).Err()
}
