package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/middleware"
	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/response"
	"github.com/stemsi/exstem-examsync/internal/service"
	"github.com/stemsi/exstem-examsync/internal/validator"
)

// StudentPortalHandler handles student-facing endpoints: joining a session
// and the durable write path for an attempt.
type StudentPortalHandler struct {
	sessionService *service.SessionService
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(
	sessionService *service.SessionService,
	attemptService *service.AttemptService,
	log zerolog.Logger,
) *StudentPortalHandler {
	return &StudentPortalHandler{
		sessionService: sessionService,
		attemptService: attemptService,
		log:            log.With().Str("component", "student_portal_handler").Logger(),
	}
}

// JoinSession godoc
// POST /api/v1/sessions/:id/join
// Returns the student's attempt, creating it on first join (idempotent).
func (h *StudentPortalHandler) JoinSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempt, err := h.attemptService.Join(c.Request.Context(), c.Param("id"), claims.Subject, claims.Name)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// GetSession godoc
// GET /api/v1/sessions/:id
func (h *StudentPortalHandler) GetSession(c *gin.Context) {
	sess, err := h.sessionService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// GetAttempt godoc
// GET /api/v1/attempts/:id
// Returns the authoritative attempt, used for reconciliation after a reconnect.
func (h *StudentPortalHandler) GetAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempt, err := h.attemptService.Get(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// SaveAnswer godoc
// PUT /api/v1/attempts/:id/answers/:qid
func (h *StudentPortalHandler) SaveAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	qid := c.Param("qid")
	if qid == "" || len(qid) > 64 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.attemptService.SaveAnswer(c.Request.Context(), c.Param("id"), claims.Subject, qid, req.Answer); err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// RecordHighlight godoc
// POST /api/v1/attempts/:id/highlights
func (h *StudentPortalHandler) RecordHighlight(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.RecordHighlightRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	hl := model.Highlight{
		PassageID:   req.PassageID,
		StartOffset: req.StartOffset,
		EndOffset:   req.EndOffset,
		Text:        req.Text,
		CreatedAt:   req.CreatedAt,
	}
	if err := h.attemptService.RecordHighlight(c.Request.Context(), c.Param("id"), claims.Subject, hl); err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"status": "recorded"})
}

// RecordViolation godoc
// POST /api/v1/attempts/:id/violations
func (h *StudentPortalHandler) RecordViolation(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.RecordViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	count, err := h.attemptService.RecordViolation(c.Request.Context(), c.Param("id"), claims.Subject, req.ViolationType, req.OccurredAt)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"violation_count": count})
}

// UpdateProgress godoc
// PUT /api/v1/attempts/:id/progress
func (h *StudentPortalHandler) UpdateProgress(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.UpdateProgressRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	p := model.Progress{PassageIndex: req.PassageIndex, QuestionIndex: req.QuestionIndex}
	if err := h.attemptService.UpdateProgress(c.Request.Context(), c.Param("id"), claims.Subject, p); err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, p)
}

// SubmitAttempt godoc
// POST /api/v1/attempts/:id/submit
func (h *StudentPortalHandler) SubmitAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempt, err := h.attemptService.Submit(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, attempt)
}
