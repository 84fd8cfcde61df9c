package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/repository"
)

// Attempt errors.
var (
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrAttemptForbidden = errors.New("attempt belongs to another student")
	ErrAttemptClosed    = errors.New("attempt is no longer in progress")
	ErrInvalidHighlight = errors.New("highlight end offset must follow start offset")
)

// Fields of the attempt hash in Redis.
const (
	fieldSessionID      = "session_id"
	fieldTestID         = "test_id"
	fieldStudentID      = "student_id"
	fieldStudentName    = "student_name"
	fieldStatus         = "status"
	fieldPassageIndex   = "passage_index"
	fieldQuestionIndex  = "question_index"
	fieldViolationCount = "violation_count"
	fieldSubmittedAt    = "submitted_at"
)

// attemptTTL bounds how long a finished attempt's hot state lingers in Redis.
const attemptTTL = 24 * time.Hour

// AttemptService owns the hot copy of attempts in Redis. Every write lands in
// Redis synchronously and is queued for the persistence workers.
type AttemptService struct {
	repo     *repository.AttemptRepository
	sessions *SessionService
	rdb      *redis.Client
	log      zerolog.Logger
	now      func() time.Time
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(repo *repository.AttemptRepository, sessions *SessionService, rdb *redis.Client, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		repo:     repo,
		sessions: sessions,
		rdb:      rdb,
		log:      log.With().Str("component", "attempt_service").Logger(),
		now:      time.Now,
	}
}

// Join returns the student's attempt in a session, creating it on first entry.
// Rejoining an attempt is idempotent.
func (s *AttemptService) Join(ctx context.Context, sessionID, studentID, studentName string) (*model.Attempt, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	lookup := config.CacheKey.StudentAttemptKey(sessionID, studentID)
	attemptID, err := s.rdb.Get(ctx, lookup).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("lookup attempt: %w", err)
	}

	if attemptID == "" {
		if sess.State.Terminal() {
			return nil, ErrSessionEnded
		}
		sid, _ := uuid.Parse(sessionID)
		a, err := s.repo.GetOrCreate(ctx, sid, studentID, studentName)
		if err != nil {
			return nil, fmt.Errorf("get or create attempt: %w", err)
		}
		attemptID = a.ID
		if err := s.rdb.Set(ctx, lookup, attemptID, attemptTTL).Err(); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Attempt lookup cache write failed")
		}
		if err := s.hydrate(ctx, a); err != nil {
			return nil, err
		}
		s.log.Info().Str("attempt_id", attemptID).Str("session_id", sessionID).Str("student_id", studentID).Msg("Student joined session")
	}

	a, err := s.load(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	a.RemainingSeconds = s.sessions.RemainingSeconds(sess)
	return a, nil
}

// Get returns the authoritative attempt for its owner.
func (s *AttemptService) Get(ctx context.Context, attemptID, studentID string) (*model.Attempt, error) {
	a, err := s.load(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.StudentID != studentID {
		return nil, ErrAttemptForbidden
	}
	sess, err := s.sessions.Get(ctx, a.SessionID)
	if err != nil {
		return nil, err
	}
	a.RemainingSeconds = s.sessions.RemainingSeconds(sess)
	return a, nil
}

// SaveAnswer records an answer, replacing any previous one for the question.
func (s *AttemptService) SaveAnswer(ctx context.Context, attemptID, studentID, questionID, answer string) error {
	if err := s.requireOpen(ctx, attemptID, studentID); err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, config.CacheKey.AttemptAnswersKey(attemptID), questionID, answer).Err(); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return s.enqueue(ctx, config.WorkerKey.PersistAnswersQueue, model.AnswerJob{
		AttemptID:  attemptID,
		QuestionID: questionID,
		Answer:     answer,
		SavedAt:    s.now().UTC(),
	})
}

// RecordHighlight appends a highlight to the attempt.
func (s *AttemptService) RecordHighlight(ctx context.Context, attemptID, studentID string, h model.Highlight) error {
	if h.EndOffset <= h.StartOffset {
		return ErrInvalidHighlight
	}
	if err := s.requireOpen(ctx, attemptID, studentID); err != nil {
		return err
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, config.CacheKey.AttemptHighlightsKey(attemptID), data).Err(); err != nil {
		return fmt.Errorf("record highlight: %w", err)
	}
	return s.enqueue(ctx, config.WorkerKey.PersistHighlightsQueue, model.HighlightJob{AttemptID: attemptID, Highlight: h})
}

// RecordViolation increments the attempt's violation count and returns the new value.
func (s *AttemptService) RecordViolation(ctx context.Context, attemptID, studentID string, vt model.ViolationType, at time.Time) (int, error) {
	if err := s.requireOpen(ctx, attemptID, studentID); err != nil {
		return 0, err
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	pipe := s.rdb.TxPipeline()
	count := pipe.HIncrBy(ctx, config.CacheKey.AttemptKey(attemptID), fieldViolationCount, 1)
	pipe.RPush(ctx, config.CacheKey.AttemptViolationsKey(attemptID), at.Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record violation: %w", err)
	}

	if err := s.enqueue(ctx, config.WorkerKey.PersistViolationsQueue, model.ViolationJob{
		AttemptID:     attemptID,
		ViolationType: vt,
		OccurredAt:    at,
	}); err != nil {
		return 0, err
	}
	if err := s.enqueueSnapshot(ctx, attemptID); err != nil {
		return 0, err
	}

	n := int(count.Val())
	s.log.Warn().Str("attempt_id", attemptID).Str("violation_type", string(vt)).Int("count", n).Msg("Integrity violation recorded")
	return n, nil
}

// UpdateProgress moves the attempt's progress cursor.
func (s *AttemptService) UpdateProgress(ctx context.Context, attemptID, studentID string, p model.Progress) error {
	if err := s.requireOpen(ctx, attemptID, studentID); err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, config.CacheKey.AttemptKey(attemptID),
		fieldPassageIndex, p.PassageIndex,
		fieldQuestionIndex, p.QuestionIndex,
	).Err(); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return s.enqueueSnapshot(ctx, attemptID)
}

// Submit finalizes the attempt. Further writes are rejected with ErrAttemptClosed.
func (s *AttemptService) Submit(ctx context.Context, attemptID, studentID string) (*model.Attempt, error) {
	if err := s.requireOpen(ctx, attemptID, studentID); err != nil {
		return nil, err
	}
	if err := s.rdb.HSet(ctx, config.CacheKey.AttemptKey(attemptID),
		fieldStatus, string(model.AttemptStatusSubmitted),
		fieldSubmittedAt, s.now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return nil, fmt.Errorf("submit attempt: %w", err)
	}
	if err := s.enqueueSnapshot(ctx, attemptID); err != nil {
		return nil, err
	}
	s.log.Info().Str("attempt_id", attemptID).Msg("Attempt submitted")
	return s.Get(ctx, attemptID, studentID)
}

// requireOpen checks ownership and that the attempt still accepts writes.
func (s *AttemptService) requireOpen(ctx context.Context, attemptID, studentID string) error {
	if err := s.ensureHot(ctx, attemptID); err != nil {
		return err
	}
	vals, err := s.rdb.HMGet(ctx, config.CacheKey.AttemptKey(attemptID), fieldStudentID, fieldStatus).Result()
	if err != nil {
		return fmt.Errorf("read attempt: %w", err)
	}
	if str(vals[0]) != studentID {
		return ErrAttemptForbidden
	}
	if model.AttemptStatus(str(vals[1])) != model.AttemptStatusInProgress {
		return ErrAttemptClosed
	}
	return nil
}

// ensureHot reloads an attempt from PostgreSQL when Redis has lost it.
func (s *AttemptService) ensureHot(ctx context.Context, attemptID string) error {
	n, err := s.rdb.Exists(ctx, config.CacheKey.AttemptKey(attemptID)).Result()
	if err != nil {
		return fmt.Errorf("check attempt: %w", err)
	}
	if n > 0 {
		return nil
	}
	id, err := uuid.Parse(attemptID)
	if err != nil {
		return ErrAttemptNotFound
	}
	a, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAttemptNotFound
	}
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}
	return s.hydrate(ctx, a)
}

// hydrate copies a durable attempt into Redis. It is a no-op when the hot
// copy already exists, so concurrent joins cannot clobber live writes.
func (s *AttemptService) hydrate(ctx context.Context, a *model.Attempt) error {
	key := config.CacheKey.AttemptKey(a.ID)
	created, err := s.rdb.HSetNX(ctx, key, fieldStudentID, a.StudentID).Result()
	if err != nil {
		return fmt.Errorf("hydrate attempt: %w", err)
	}
	if !created {
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		fieldSessionID, a.SessionID,
		fieldTestID, a.TestID,
		fieldStudentName, a.StudentName,
		fieldStatus, string(a.Status),
		fieldPassageIndex, a.Progress.PassageIndex,
		fieldQuestionIndex, a.Progress.QuestionIndex,
		fieldViolationCount, a.ViolationCount,
	)
	if len(a.Answers) > 0 {
		answers := make(map[string]interface{}, len(a.Answers))
		for q, v := range a.Answers {
			answers[q] = v
		}
		pipe.HSet(ctx, config.CacheKey.AttemptAnswersKey(a.ID), answers)
	}
	for _, h := range a.Highlights {
		data, _ := json.Marshal(h)
		pipe.RPush(ctx, config.CacheKey.AttemptHighlightsKey(a.ID), data)
	}
	for _, at := range a.Violations {
		pipe.RPush(ctx, config.CacheKey.AttemptViolationsKey(a.ID), at.UTC().Format(time.RFC3339Nano))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hydrate attempt: %w", err)
	}
	return nil
}

// load assembles an attempt from its Redis keys.
func (s *AttemptService) load(ctx context.Context, attemptID string) (*model.Attempt, error) {
	if err := s.ensureHot(ctx, attemptID); err != nil {
		return nil, err
	}

	pipe := s.rdb.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, config.CacheKey.AttemptKey(attemptID))
	answersCmd := pipe.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID))
	highlightsCmd := pipe.LRange(ctx, config.CacheKey.AttemptHighlightsKey(attemptID), 0, -1)
	violationsCmd := pipe.LRange(ctx, config.CacheKey.AttemptViolationsKey(attemptID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load attempt: %w", err)
	}

	f := fieldsCmd.Val()
	a := &model.Attempt{
		ID:          attemptID,
		SessionID:   f[fieldSessionID],
		TestID:      f[fieldTestID],
		StudentID:   f[fieldStudentID],
		StudentName: f[fieldStudentName],
		Status:      model.AttemptStatus(f[fieldStatus]),
		Answers:     answersCmd.Val(),
		Highlights:  []model.Highlight{},
		Violations:  []time.Time{},
	}
	a.Progress.PassageIndex, _ = strconv.Atoi(f[fieldPassageIndex])
	a.Progress.QuestionIndex, _ = strconv.Atoi(f[fieldQuestionIndex])
	a.ViolationCount, _ = strconv.Atoi(f[fieldViolationCount])

	for _, raw := range highlightsCmd.Val() {
		var h model.Highlight
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Skipping corrupt highlight")
			continue
		}
		a.Highlights = append(a.Highlights, h)
	}
	for _, raw := range violationsCmd.Val() {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		a.Violations = append(a.Violations, at)
	}
	return a, nil
}

// enqueueSnapshot queues the attempt's current scalar fields for persistence.
func (s *AttemptService) enqueueSnapshot(ctx context.Context, attemptID string) error {
	f, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptKey(attemptID)).Result()
	if err != nil {
		return fmt.Errorf("snapshot attempt: %w", err)
	}
	job := model.AttemptJob{
		AttemptID: attemptID,
		Status:    model.AttemptStatus(f[fieldStatus]),
	}
	job.PassageIndex, _ = strconv.Atoi(f[fieldPassageIndex])
	job.QuestionIndex, _ = strconv.Atoi(f[fieldQuestionIndex])
	job.ViolationCount, _ = strconv.Atoi(f[fieldViolationCount])
	if raw := f[fieldSubmittedAt]; raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			job.SubmittedAt = &at
		}
	}
	return s.enqueue(ctx, config.WorkerKey.PersistAttemptsQueue, job)
}

func (s *AttemptService) enqueue(ctx context.Context, queue string, job interface{}) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
