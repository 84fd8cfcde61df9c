// Package response writes the exam server's JSON envelope. Every REST reply,
// success or failure, carries the same three members so the exam client can
// decode errors without knowing the route:
//
//	{"data": ..., "error": {"code", "message", "fields"}, "metadata": {"request_id", "timestamp"}}
//
// The request ID is echoed in the X-Request-ID header and in server logs, so a
// student's failed answer write can be traced from client log to server log.
package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextKeyRequestID is the Gin context key for the request ID.
const ContextKeyRequestID = "request_id"

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLength = 64

// Response is the envelope. Data is null on failure.
type Response struct {
	Data     interface{} `json:"data"`
	Error    *ErrorBody  `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorBody is the failure member. Fields maps request fields to
// translated validation messages.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Metadata ties a reply to its request.
type Metadata struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// Success writes data.
func Success(c *gin.Context, statusCode int, data interface{}) {
	send(c, statusCode, data, nil, false)
}

// Fail writes the error code with its default message.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	send(c, statusCode, nil, &ErrorBody{Code: code, Message: GetMessage(code)}, false)
}

// FailWithFields writes a validation failure with per-field messages.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	send(c, statusCode, nil, &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields}, false)
}

// AbortFail is Fail for middleware: later handlers do not run.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	send(c, statusCode, nil, &ErrorBody{Code: code, Message: GetMessage(code)}, true)
}

func send(c *gin.Context, statusCode int, data interface{}, errBody *ErrorBody, abort bool) {
	body := Response{
		Data:  data,
		Error: errBody,
		Metadata: Metadata{
			RequestID: ensureRequestID(c),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if abort {
		c.AbortWithStatusJSON(statusCode, body)
		return
	}
	c.JSON(statusCode, body)
}

// RequestIDMiddleware assigns the request ID before any handler runs. A
// caller-supplied X-Request-ID is kept when it is short and printable;
// anything else is replaced with a fresh UUID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ensureRequestID(c)
		c.Next()
	}
}

// RequestID returns the request's ID, or "" before one is assigned.
func RequestID(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// ensureRequestID also covers routes mounted without the middleware.
func ensureRequestID(c *gin.Context) string {
	if id := RequestID(c); id != "" {
		return id
	}
	id := c.GetHeader(HeaderRequestID)
	if !validRequestID(id) {
		id = uuid.New().String()
	}
	c.Set(ContextKeyRequestID, id)
	c.Header(HeaderRequestID, id)
	return id
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}
