package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/response"
	"github.com/stemsi/exstem-examsync/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	sessionService *service.SessionService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	sessionService *service.SessionService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		sessionService: sessionService,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorSessionSSE godoc
// GET /api/v1/admin/sessions/:id/monitor
// Streams a roster snapshot, every session event, and periodic roster refreshes.
func (h *MonitorHandler) MonitorSessionSSE(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()
	sess, err := h.sessionService.Get(reqCtx, sessionID.String())
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendRoster(c, reqCtx, "snapshot", sess)

	pubsub := h.sessionService.Subscribe(reqCtx, sessionID.String())
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	log := h.log.With().Str("session_id", sessionID.String()).Logger()
	log.Info().Msg("Supervisor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Supervisor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Session frames are already JSON; forward them untouched.
			writeSSE(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			h.sendRoster(c, reqCtx, "refresh", nil)

		case <-keepAliveTicker.C:
			writeSSE(c, pingPayload)
		}
	}
}

// sendRoster writes a roster event. sess is included only in the first snapshot.
func (h *MonitorHandler) sendRoster(c *gin.Context, parent context.Context, kind string, sess *model.Session) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	sessionID, _ := uuid.Parse(c.Param("id"))
	roster, err := h.monitorService.GetRoster(ctx, sessionID)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to fetch roster")
		return
	}

	event := map[string]interface{}{
		"type":   kind,
		"roster": roster,
	}
	if sess != nil {
		event["session"] = sess
	}
	c.SSEvent("message", event)
	c.Writer.Flush()
}

func writeSSE(c *gin.Context, data []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
