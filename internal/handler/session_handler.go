package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/middleware"
	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/response"
	"github.com/stemsi/exstem-examsync/internal/service"
	"github.com/stemsi/exstem-examsync/internal/validator"
)

// SessionHandler handles supervisor endpoints for scheduling and driving sessions.
type SessionHandler struct {
	sessionService *service.SessionService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.SessionService, monitorService *service.MonitorService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		monitorService: monitorService,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// Create godoc
// POST /api/v1/admin/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	var req model.CreateSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, err := h.sessionService.Create(c.Request.Context(), &req)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	claims := middleware.GetClaims(c)
	if claims != nil {
		h.log.Info().Str("session_id", sess.ID).Str("supervisor", claims.Subject).Msg("Session scheduled")
	}
	response.Success(c, http.StatusCreated, sess)
}

// Get godoc
// GET /api/v1/admin/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.sessionService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// Transition godoc
// POST /api/v1/admin/sessions/:id/transition
// Moves the session along its state machine and broadcasts the change to every channel.
func (h *SessionHandler) Transition(c *gin.Context) {
	var req model.TransitionSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, err := h.sessionService.Transition(c.Request.Context(), c.Param("id"), req.State)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// Roster godoc
// GET /api/v1/admin/sessions/:id/roster
func (h *SessionHandler) Roster(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	roster, err := h.monitorService.GetRoster(c.Request.Context(), sessionID)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, roster)
}
