package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/protocol"
	"github.com/stemsi/exstem-examsync/internal/realtime"
	"github.com/stemsi/exstem-examsync/internal/service"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler serves the per-session real-time channel.
type WSHandler struct {
	authService    *service.AuthService
	sessionService *service.SessionService
	attemptService *service.AttemptService
	timeSync       time.Duration
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	authService *service.AuthService,
	sessionService *service.SessionService,
	attemptService *service.AttemptService,
	timeSync time.Duration,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		authService:    authService,
		sessionService: sessionService,
		attemptService: attemptService,
		timeSync:       timeSync,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// sessionConn serializes writes to one socket; gorilla allows a single writer.
type sessionConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *sessionConn) frame(t protocol.MessageType, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.WriteFrame(s.conn, t, payload)
}

func (s *sessionConn) raw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *sessionConn) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = protocol.WriteError(s.conn, msg)
}

func (s *sessionConn) close(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = protocol.WriteClose(s.conn, code, realtime.CloseReason(code))
	_ = s.conn.Close()
}

// SessionStream godoc
// WS /ws/v1/sessions/:id?token=...
// The socket is upgraded before admission checks so that rejections arrive as
// close codes: 4003 bad token, 4001 unknown session, 4002 ended, 4004 full.
func (h *WSHandler) SessionStream(c *gin.Context) {
	sessionID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	sc := &sessionConn{conn: conn}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	claims, sess, attempt, err := h.admit(ctx, c.Query("token"), sessionID)
	if err != nil {
		code := closeCodeFor(err)
		if code == realtime.CloseInternalError {
			h.log.Error().Err(err).Str("session_id", sessionID).Msg("Channel admission failed")
		}
		sc.close(code)
		return
	}

	count, err := h.sessionService.Attach(ctx, sessionID, attempt.ID)
	if err != nil {
		sc.close(closeCodeFor(err))
		return
	}

	wsLog := h.log.With().
		Str("session_id", sessionID).
		Str("attempt_id", attempt.ID).
		Str("student_id", claims.Subject).
		Logger()
	wsLog.Info().Int("connected_count", count).Msg("Student connected")

	pubsub := h.sessionService.Subscribe(ctx, sessionID)
	defer pubsub.Close()

	defer func() {
		left, err := h.sessionService.Detach(context.Background(), sessionID, attempt.ID)
		if err != nil {
			wsLog.Warn().Err(err).Msg("Presence detach failed")
			return
		}
		_ = h.sessionService.Publish(context.Background(), sessionID, protocol.TypeParticipantDisconnected,
			map[string]interface{}{"connected_count": left, "student_name": claims.Name})
		wsLog.Info().Int("connected_count", left).Msg("Student disconnected")
	}()

	if err := sc.frame(protocol.TypeConnected, map[string]string{
		"session_id": sessionID,
		"attempt_id": attempt.ID,
	}); err != nil {
		return
	}
	_ = h.sessionService.Publish(ctx, sessionID, protocol.TypeParticipantJoined,
		map[string]interface{}{"connected_count": count, "student_name": claims.Name})

	go h.forward(ctx, sc, pubsub.Channel(), wsLog)
	go h.syncTime(ctx, sc, sessionID, sess.State)

	h.readLoop(ctx, sc, attempt.ID, claims.Subject, wsLog)
}

// admit validates the token, the session and the student's attempt.
func (h *WSHandler) admit(ctx context.Context, token, sessionID string) (*service.Claims, *model.Session, *model.Attempt, error) {
	if token == "" {
		return nil, nil, nil, service.ErrInvalidToken
	}
	claims, err := h.authService.ValidateToken(token)
	if err != nil {
		return nil, nil, nil, err
	}
	if claims.TokenType != service.TokenTypeStudent {
		return nil, nil, nil, service.ErrInvalidToken
	}

	sess, err := h.sessionService.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if sess.State.Terminal() {
		return nil, nil, nil, service.ErrSessionEnded
	}

	attempt, err := h.attemptService.Join(ctx, sessionID, claims.Subject, claims.Name)
	if err != nil {
		return nil, nil, nil, err
	}
	return claims, sess, attempt, nil
}

func (h *WSHandler) readLoop(ctx context.Context, sc *sessionConn, attemptID, studentID string, wsLog zerolog.Logger) {
	for {
		var f protocol.ClientFrame
		if err := protocol.ReadClientFrame(sc.conn, &f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				sc.fail("malformed frame")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if err := h.handleFrame(ctx, sc, attemptID, studentID, &f); err != nil {
			wsLog.Warn().Err(err).Str("type", string(f.Type)).Msg("Frame rejected")
			sc.fail(err.Error())
		}
	}
}

// handleFrame applies one client frame. Answers and progress overwrite, so they
// go through the same service as the REST path and both copies converge.
func (h *WSHandler) handleFrame(ctx context.Context, sc *sessionConn, attemptID, studentID string, f *protocol.ClientFrame) error {
	switch f.Type {
	case protocol.OutHeartbeat:
		return sc.frame(protocol.TypePong, nil)

	case protocol.OutAnswerUpdate:
		if f.QuestionID == "" {
			return errors.New("question_id is required")
		}
		return h.attemptService.SaveAnswer(ctx, attemptID, studentID, f.QuestionID, f.Answer)

	case protocol.OutProgressUpdate:
		return h.attemptService.UpdateProgress(ctx, attemptID, studentID, model.Progress{
			PassageIndex:  f.PassageIndex,
			QuestionIndex: f.QuestionIndex,
		})

	// Highlights and violations are append-only. They are recorded once,
	// from the durable REST path; the channel copy is validated and logged.
	case protocol.OutHighlightAdded:
		if f.PassageID == "" || f.EndOffset <= f.StartOffset {
			return service.ErrInvalidHighlight
		}
		h.log.Debug().Str("attempt_id", attemptID).Str("passage_id", f.PassageID).Msg("Highlight reported")
		return nil

	case protocol.OutViolation:
		if !f.ViolationType.Valid() {
			return errors.New("unknown violation_type")
		}
		at := time.Now()
		if f.Timestamp > 0 {
			at = time.UnixMilli(f.Timestamp)
		}
		h.log.Info().
			Str("attempt_id", attemptID).
			Str("student_id", studentID).
			Str("violation_type", string(f.ViolationType)).
			Time("occurred_at", at).
			Msg("Violation reported")
		return nil
	}
	return errors.New("unknown message type: " + string(f.Type))
}

// forward relays session broadcasts and ends the channel with 4002 once the
// session reaches a terminal state.
func (h *WSHandler) forward(ctx context.Context, sc *sessionConn, ch <-chan *redis.Message, wsLog zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := sc.raw([]byte(msg.Payload)); err != nil {
				return
			}
			if endsSession([]byte(msg.Payload)) {
				wsLog.Info().Msg("Session ended, closing channel")
				sc.close(realtime.CloseSessionEnded)
				return
			}
		}
	}
}

// endsSession reports whether a broadcast frame moves the session to a terminal state.
func endsSession(frame []byte) bool {
	var f struct {
		Type   protocol.MessageType `json:"type"`
		Status model.SessionState   `json:"status"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	switch f.Type {
	case protocol.TypeSessionCompleted:
		return true
	case protocol.TypeSessionStatusChanged:
		return f.Status == model.SessionStateCancelled
	}
	return false
}

// syncTime pushes the server's remaining time while the exam runs.
func (h *WSHandler) syncTime(ctx context.Context, sc *sessionConn, sessionID string, state model.SessionState) {
	if h.timeSync <= 0 {
		return
	}
	ticker := time.NewTicker(h.timeSync)
	defer ticker.Stop()

	for {
		if state == model.SessionStateInProgress {
			sess, err := h.sessionService.Get(ctx, sessionID)
			if err == nil {
				state = sess.State
				if err := sc.frame(protocol.TypeTimeSync, map[string]int{
					"remaining_seconds": h.sessionService.RemainingSeconds(sess),
				}); err != nil {
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state != model.SessionStateInProgress {
				if sess, err := h.sessionService.Get(ctx, sessionID); err == nil {
					state = sess.State
				}
			}
		}
	}
}
