package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/protocol"
	"github.com/stemsi/exstem-examsync/internal/repository"
)

// Session errors.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionEnded      = errors.New("session has ended")
	ErrSessionFull       = errors.New("session is full")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

const sessionCacheTTL = 12 * time.Hour

// SessionService handles supervised session lifecycle, presence and fan-out.
type SessionService struct {
	repo     *repository.SessionRepository
	rdb      *redis.Client
	capacity int
	log      zerolog.Logger
	now      func() time.Time
}

// NewSessionService creates a new SessionService.
func NewSessionService(repo *repository.SessionRepository, rdb *redis.Client, capacity int, log zerolog.Logger) *SessionService {
	return &SessionService{
		repo:     repo,
		rdb:      rdb,
		capacity: capacity,
		log:      log.With().Str("component", "session_service").Logger(),
		now:      time.Now,
	}
}

// Create schedules a new session.
func (s *SessionService) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	sess := &model.Session{
		TestID:          req.TestID,
		Title:           req.Title,
		DurationMinutes: req.DurationMinutes,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.cache(ctx, sess)
	return sess, nil
}

// Get returns a session with its live connected count. Redis is tried first.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	var sess *model.Session
	raw, err := s.rdb.Get(ctx, config.CacheKey.SessionKey(sessionID)).Bytes()
	if err == nil {
		sess = &model.Session{}
		if jsonErr := json.Unmarshal(raw, sess); jsonErr != nil {
			sess = nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("Session cache read failed")
	}

	if sess == nil {
		sess, err = s.repo.GetByID(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}
		s.cache(ctx, sess)
	}

	count, err := s.rdb.SCard(ctx, config.CacheKey.SessionPresenceKey(sessionID)).Result()
	if err == nil {
		sess.ConnectedCount = int(count)
	}
	return sess, nil
}

// Transition moves a session along its state machine and broadcasts the change.
func (s *SessionService) Transition(ctx context.Context, sessionID string, to model.SessionState) (*model.Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(sess.State, to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, sess.State, to)
	}

	id, _ := uuid.Parse(sessionID)
	var startedAt *time.Time
	if to == model.SessionStateInProgress {
		now := s.now().UTC()
		startedAt = &now
		sess.StartedAt = &now
	}
	if err := s.repo.UpdateState(ctx, id, to, startedAt); err != nil {
		return nil, fmt.Errorf("update session state: %w", err)
	}
	from := sess.State
	sess.State = to
	s.cache(ctx, sess)

	for _, ev := range transitionEvents(to) {
		if err := s.Publish(ctx, sessionID, ev.msgType, ev.payload); err != nil {
			s.log.Error().Err(err).Str("session_id", sessionID).Str("type", string(ev.msgType)).Msg("Publish failed")
		}
	}

	s.log.Info().Str("session_id", sessionID).Str("from", string(from)).Str("to", string(to)).Msg("Session transitioned")
	return sess, nil
}

type sessionEvent struct {
	msgType protocol.MessageType
	payload interface{}
}

// transitionEvents lists the frames broadcast when a session enters a state.
func transitionEvents(to model.SessionState) []sessionEvent {
	events := []sessionEvent{{protocol.TypeSessionStatusChanged, map[string]string{"status": string(to)}}}
	switch to {
	case model.SessionStateWaitingForStudents:
		events = append(events, sessionEvent{protocol.TypeWaitingRoomOpened, nil})
	case model.SessionStateInProgress:
		events = append(events, sessionEvent{protocol.TypeSessionStarted, nil})
	case model.SessionStateCompleted:
		events = append(events, sessionEvent{protocol.TypeSessionCompleted, nil})
	}
	return events
}

// RemainingSeconds derives an attempt's remaining time from the server clock.
func (s *SessionService) RemainingSeconds(sess *model.Session) int {
	return remainingSeconds(sess, s.now())
}

func remainingSeconds(sess *model.Session, now time.Time) int {
	total := time.Duration(sess.DurationMinutes) * time.Minute
	switch {
	case sess.State.Terminal():
		return 0
	case sess.StartedAt == nil:
		return int(total.Seconds())
	}
	left := sess.StartedAt.Add(total).Sub(now)
	if left < 0 {
		return 0
	}
	return int(left.Seconds())
}

// Publish broadcasts a server frame to every channel of the session and to the monitor.
func (s *SessionService) Publish(ctx context.Context, sessionID string, msgType protocol.MessageType, payload interface{}) error {
	data, err := protocol.Encode(string(msgType), payload, s.now())
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, config.CacheKey.SessionEventsChannel(sessionID), data).Err()
}

// Subscribe opens a Pub/Sub subscription to a session's broadcast frames.
func (s *SessionService) Subscribe(ctx context.Context, sessionID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, config.CacheKey.SessionEventsChannel(sessionID))
}

// Attach registers an attempt as connected. A reconnecting attempt is always
// admitted; a new one is rejected once the session is at capacity.
func (s *SessionService) Attach(ctx context.Context, sessionID, attemptID string) (int, error) {
	key := config.CacheKey.SessionPresenceKey(sessionID)
	member, err := s.rdb.SIsMember(ctx, key, attemptID).Result()
	if err != nil {
		return 0, fmt.Errorf("check presence: %w", err)
	}
	if !member && s.capacity > 0 {
		n, err := s.rdb.SCard(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("count presence: %w", err)
		}
		if int(n) >= s.capacity {
			return int(n), ErrSessionFull
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, attemptID)
	pipe.Expire(ctx, key, sessionCacheTTL)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("attach presence: %w", err)
	}
	return int(card.Val()), nil
}

// Detach removes an attempt from the presence set and returns the new count.
func (s *SessionService) Detach(ctx context.Context, sessionID, attemptID string) (int, error) {
	key := config.CacheKey.SessionPresenceKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, key, attemptID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("detach presence: %w", err)
	}
	return int(card.Val()), nil
}

func (s *SessionService) cache(ctx context.Context, sess *model.Session) {
	cached := *sess
	cached.ConnectedCount = 0
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, config.CacheKey.SessionKey(sess.ID), data, sessionCacheTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Session cache write failed")
	}
}
