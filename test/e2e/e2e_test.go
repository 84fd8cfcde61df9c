//go:build e2e

// Package e2e drives a running examsim instance with the real exam client.
// Start the server (and run migrations) first:
//
//	go run ./cmd/migrate up && go run ./cmd/examsim
//	go test -tags e2e ./test/e2e/...
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/examapi"
	"github.com/stemsi/exstem-examsync/internal/examclient"
	"github.com/stemsi/exstem-examsync/internal/integrity"
	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/realtime"
	"github.com/stemsi/exstem-examsync/internal/service"
)

const (
	defaultBaseURL = "http://localhost:8080"
	studentID      = "e2e_student"
	studentName    = "E2E Student"
	waitFor        = 10 * time.Second
	tick           = 100 * time.Millisecond
)

var (
	baseURL         string
	dbURL           string
	supervisorToken string
	studentToken    string
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	cfg := config.Load()
	baseURL = os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	dbURL = cfg.DatabaseURL

	auth := service.NewAuthService(cfg)
	var err error
	if supervisorToken, err = auth.GenerateToken(service.TokenTypeSupervisor, "e2e_supervisor", "E2E Supervisor", time.Hour); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}
	if studentToken, err = auth.GenerateToken(service.TokenTypeStudent, studentID, studentName, time.Hour); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestE2EFlow(t *testing.T) {
	ctx := context.Background()

	// Step 1: Supervisor schedules a session and opens the waiting room
	var sess model.Session
	resp := do(t, http.MethodPost, "/api/v1/admin/sessions", model.CreateSessionRequest{
		TestID:          "e2e-test",
		Title:           "E2E Reading Test",
		DurationMinutes: 30,
	}, supervisorToken)
	requireStatus(t, resp, http.StatusCreated)
	decodeData(t, resp, &sess)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, model.SessionStateScheduled, sess.State)

	transition(t, sess.ID, model.SessionStateWaitingForStudents)

	// Step 2: Student joins and lands in the waiting room
	client := examclient.New(examapi.NewClient(baseURL, studentToken), studentToken, examclient.Options{
		Channel:  realtime.Options{ServerURL: baseURL},
		Debounce: 200 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(client.Close)
	terminal := make(chan realtime.CloseEvent, 1)
	client.OnTerminal(func(ev realtime.CloseEvent) { terminal <- ev })

	require.NoError(t, client.Join(ctx, sess.ID))
	assert.Equal(t, examclient.ViewWaiting, client.View())
	require.Eventually(t, func() bool {
		return client.Channel().Status() == realtime.StatusConnected
	}, waitFor, tick)

	// Step 3: Starting the session switches the student into the exam
	transition(t, sess.ID, model.SessionStateInProgress)
	require.Eventually(t, func() bool { return client.View() == examclient.ViewExam }, waitFor, tick)

	// Step 4: Answers, progress and a violation flow to the server
	require.NoError(t, client.Answer("Q1", "B"))
	require.NoError(t, client.Progress(model.Progress{PassageIndex: 0, QuestionIndex: 1}))
	assert.True(t, client.Signal(integrity.SignalWindowBlur))
	assert.Equal(t, 1, client.Snapshot().Attempt.ViolationCount)

	// Step 5: Roster reflects the connected student
	require.Eventually(t, func() bool {
		roster, err := fetchRoster(sess.ID)
		return err == nil && roster.TotalJoined == 1 && roster.TotalConnected == 1 && roster.TotalViolations == 1
	}, waitFor, tick)

	// Step 6: Submit and complete; the finished view survives the session end
	require.NoError(t, client.Submit(ctx))
	assert.Equal(t, examclient.ViewFinished, client.View())

	transition(t, sess.ID, model.SessionStateCompleted)
	select {
	case ev := <-terminal:
		assert.Equal(t, realtime.CloseSessionEnded, ev.Code)
	case <-time.After(waitFor):
		t.Fatal("session end close not observed")
	}
	assert.Equal(t, examclient.ViewFinished, client.View())

	// Step 7: Workers persist the attempt to PostgreSQL
	conn, err := pgx.Connect(ctx, dbURL)
	require.NoError(t, err)
	defer conn.Close(ctx)

	attemptID := client.Snapshot().Attempt.ID
	require.Eventually(t, func() bool {
		var answer, status string
		var violations int
		err := conn.QueryRow(ctx, `
			SELECT aa.answer, a.status, a.violation_count
			FROM attempts a
			JOIN attempt_answers aa ON aa.attempt_id = a.id AND aa.question_id = 'Q1'
			WHERE a.id = $1`, attemptID).Scan(&answer, &status, &violations)
		return err == nil && answer == "B" && status == string(model.AttemptStatusSubmitted) && violations == 1
	}, waitFor, tick)
}

func TestE2EJoinEndedSession(t *testing.T) {
	var sess model.Session
	resp := do(t, http.MethodPost, "/api/v1/admin/sessions", model.CreateSessionRequest{
		TestID:          "e2e-test",
		Title:           "E2E Cancelled Test",
		DurationMinutes: 30,
	}, supervisorToken)
	requireStatus(t, resp, http.StatusCreated)
	decodeData(t, resp, &sess)

	transition(t, sess.ID, model.SessionStateCancelled)

	api := examapi.NewClient(baseURL, studentToken)
	_, err := api.JoinSession(context.Background(), sess.ID)
	var apiErr *examapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGone, apiErr.Status)
}

// Helpers

func transition(t *testing.T, sessionID string, to model.SessionState) {
	t.Helper()
	resp := do(t, http.MethodPost, "/api/v1/admin/sessions/"+sessionID+"/transition",
		model.TransitionSessionRequest{State: to}, supervisorToken)
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusOK)
}

func do(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest(method, baseURL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// fetchRoster avoids require so it can run inside Eventually.
func fetchRoster(sessionID string) (*service.RosterSnapshot, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/v1/admin/sessions/"+sessionID+"/roster", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+supervisorToken)
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roster status %d", resp.StatusCode)
	}
	var body struct {
		Data service.RosterSnapshot `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &body.Data, nil
}

// requireStatus reads the body only on mismatch so callers can still decode it.
func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status %d, want %d: %s", resp.StatusCode, want, string(b))
	}
}

func decodeData(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	body := struct {
		Data interface{} `json:"data"`
	}{Data: v}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
}
