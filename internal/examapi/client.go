package examapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/stemsi/exstem-examsync/internal/model"
)

// ErrMissingToken is returned before any request when no bearer token is set.
var ErrMissingToken = errors.New("bearer token is required")

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: status %d", e.Status)
	}
	return fmt.Sprintf("API error: %d %s - %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
}

// Client is the exam server's REST API, the durable persistence path.
// Answer, progress and submit calls are idempotent on the server side.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// JoinSession creates or returns the caller's attempt in a session.
func (c *Client) JoinSession(ctx context.Context, sessionID string) (*model.Attempt, error) {
	var a model.Attempt
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/join", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetSession fetches a session with its confirmed state.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var s model.Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetAttempt fetches the server's durable copy of an attempt.
func (c *Client) GetAttempt(ctx context.Context, attemptID string) (*model.Attempt, error) {
	var a model.Attempt
	if err := c.do(ctx, http.MethodGet, attemptPath(attemptID), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAnswer stores one answer by question id.
func (c *Client) SaveAnswer(ctx context.Context, attemptID, questionID, answer string) error {
	path := attemptPath(attemptID) + "/answers/" + url.PathEscape(questionID)
	return c.do(ctx, http.MethodPut, path, model.SaveAnswerRequest{Answer: answer}, nil)
}

// RecordHighlight stores a highlight.
func (c *Client) RecordHighlight(ctx context.Context, attemptID string, h model.Highlight) error {
	req := model.RecordHighlightRequest{
		PassageID:   h.PassageID,
		StartOffset: h.StartOffset,
		EndOffset:   h.EndOffset,
		Text:        h.Text,
		CreatedAt:   h.CreatedAt,
	}
	return c.do(ctx, http.MethodPost, attemptPath(attemptID)+"/highlights", req, nil)
}

// RecordViolation stores an integrity violation.
func (c *Client) RecordViolation(ctx context.Context, attemptID string, vt model.ViolationType, at time.Time) error {
	req := model.RecordViolationRequest{ViolationType: vt, OccurredAt: at}
	return c.do(ctx, http.MethodPost, attemptPath(attemptID)+"/violations", req, nil)
}

// UpdateProgress stores the progress cursor.
func (c *Client) UpdateProgress(ctx context.Context, attemptID string, p model.Progress) error {
	req := model.UpdateProgressRequest{PassageIndex: p.PassageIndex, QuestionIndex: p.QuestionIndex}
	return c.do(ctx, http.MethodPut, attemptPath(attemptID)+"/progress", req, nil)
}

// SubmitAttempt finalizes an attempt.
func (c *Client) SubmitAttempt(ctx context.Context, attemptID string) (*model.Attempt, error) {
	var a model.Attempt
	if err := c.do(ctx, http.MethodPost, attemptPath(attemptID)+"/submit", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func attemptPath(attemptID string) string {
	return "/api/v1/attempts/" + url.PathEscape(attemptID)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	token := c.Token()
	if token == "" {
		return ErrMissingToken
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		reader = brotli.NewReader(resp.Body)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Fields = env.Error.Fields
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to unmarshal response: %w", decodeErr)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}
