// Command examsync is a headless exam client. It joins one session, mirrors
// the attempt over the session channel and reads student actions from stdin,
// one per line:
//
//	answer <question_id> <value>
//	progress <passage_index> <question_index>
//	highlight <passage_id> <start> <end> <text>
//	signal <visibility_hidden|visibility_visible|window_blur|window_focus|navigation>
//	status
//	submit                          (exits once the attempt is submitted)
//	quit
//
// Events are written to stdout as JSON lines; diagnostics go to stderr.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/stemsi/exstem-examsync/internal/attempt"
	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/database"
	"github.com/stemsi/exstem-examsync/internal/examapi"
	"github.com/stemsi/exstem-examsync/internal/examclient"
	"github.com/stemsi/exstem-examsync/internal/integrity"
	"github.com/stemsi/exstem-examsync/internal/logger"
	"github.com/stemsi/exstem-examsync/internal/model"
	"github.com/stemsi/exstem-examsync/internal/outbox"
	"github.com/stemsi/exstem-examsync/internal/realtime"
)

var errQuit = errors.New("quit")

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Exam server base URL")
	flag.StringVar(&cfg.SessionID, "session", cfg.SessionID, "Session ID to join")
	flag.StringVar(&cfg.AttemptID, "attempt", cfg.AttemptID, "Existing attempt ID to resume")
	flag.Parse()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.SetupTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	events := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if cfg.SessionID == "" {
		log.Fatal().Msg("EXAM_SESSION_ID or -session is required")
	}
	if cfg.Token == "" {
		cfg.Token = readToken()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Outbox Queue ──────────────────────────────────────────────────
	var queue outbox.Queue
	if cfg.OutboxRedisURL != "" {
		rdb, err := database.NewRedisClient(ctx, cfg.OutboxRedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to outbox Redis")
		}
		defer rdb.Close()
		queue = outbox.NewRedisQueue(rdb, config.CacheKey.OutboxKey(cfg.SessionID))
	}

	// ─── Initialize Client ─────────────────────────────────────────────
	api := examapi.NewClient(cfg.ServerURL, cfg.Token, examapi.WithTimeout(cfg.HTTPTimeout))
	client := examclient.New(api, cfg.Token, examclient.Options{
		Channel: realtime.Options{
			ServerURL:         cfg.ServerURL,
			HeartbeatInterval: cfg.HeartbeatInterval,
			PingTimeout:       cfg.PingTimeout,
			Backoff: realtime.Backoff{
				Base:        cfg.ReconnectBaseDelay,
				Max:         cfg.ReconnectMaxDelay,
				MaxAttempts: cfg.ReconnectMaxTries,
			},
		},
		Debounce:    cfg.ActivityDebounce,
		OutboxQueue: queue,
		OutboxRetry: cfg.OutboxRetry,
	}, log)
	defer client.Close()

	done := make(chan struct{})
	var endOnce sync.Once
	client.OnView(func(v examclient.View) {
		events.Info().Str("event", "view").Str("view", string(v)).Send()
	})
	client.OnWarning(func(w integrity.Warning) {
		events.Warn().Str("event", "integrity_warning").Str("violation_type", string(w.Violation)).
			Int("violation_count", w.Count).Send()
	})
	client.OnSessionError(func(msg string) {
		events.Error().Str("event", "session_error").Str("error", msg).Send()
	})
	client.OnTerminal(func(ev realtime.CloseEvent) {
		events.Warn().Str("event", "terminal").Int("code", ev.Code).Str("reason", ev.Reason).Send()
		endOnce.Do(func() { close(done) })
	})
	client.Channel().OnStatus(func(s realtime.Status) {
		events.Info().Str("event", "connectivity").Str("status", string(s)).Send()
	})

	// ─── Join or Resume ────────────────────────────────────────────────
	var err error
	if cfg.AttemptID != "" {
		err = client.Resume(ctx, cfg.SessionID, cfg.AttemptID)
	} else {
		err = client.Join(ctx, cfg.SessionID)
	}
	if err != nil {
		log.Fatal().Err(err).Str("session_id", cfg.SessionID).Msg("Failed to enter session")
	}
	emitStatus(events, client.Snapshot())

	// ─── Command Loop ──────────────────────────────────────────────────
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Interrupted, closing")
			return
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := run(ctx, client, events, line); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				events.Error().Str("event", "command_failed").Str("command", line).Err(err).Send()
			}
		}
	}
}

func run(ctx context.Context, client *examclient.Client, events zerolog.Logger, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "answer":
		if len(fields) < 3 {
			return errors.New("usage: answer <question_id> <value>")
		}
		return client.Answer(fields[1], strings.Join(fields[2:], " "))

	case "progress":
		if len(fields) != 3 {
			return errors.New("usage: progress <passage_index> <question_index>")
		}
		passage, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("passage index: %w", err)
		}
		question, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("question index: %w", err)
		}
		return client.Progress(model.Progress{PassageIndex: passage, QuestionIndex: question})

	case "highlight":
		if len(fields) < 5 {
			return errors.New("usage: highlight <passage_id> <start> <end> <text>")
		}
		start, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("start offset: %w", err)
		}
		end, err := strconv.Atoi(fields[3])
		if err != nil {
			return fmt.Errorf("end offset: %w", err)
		}
		return client.Highlight(model.Highlight{
			PassageID:   fields[1],
			StartOffset: start,
			EndOffset:   end,
			Text:        strings.Join(fields[4:], " "),
		})

	case "signal":
		if len(fields) != 2 {
			return errors.New("usage: signal <name>")
		}
		counted := client.Signal(integrity.Signal(fields[1]))
		events.Info().Str("event", "signal").Str("signal", fields[1]).Bool("counted", counted).Send()
		return nil

	case "status":
		emitStatus(events, client.Snapshot())
		return nil

	case "submit":
		if err := client.Submit(ctx); err != nil {
			return err
		}
		emitStatus(events, client.Snapshot())
		// The submitted attempt is read-only and the channel is closed.
		return errQuit

	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q", fields[0])
}

func emitStatus(events zerolog.Logger, st attempt.State) {
	events.Info().
		Str("event", "status").
		Str("attempt_id", st.Attempt.ID).
		Str("session_state", string(st.SessionState)).
		Str("attempt_status", string(st.Attempt.Status)).
		Str("connectivity", string(st.Connectivity)).
		Int("connected_count", st.ConnectedCount).
		Int("answers", len(st.Attempt.Answers)).
		Int("violation_count", st.Attempt.ViolationCount).
		Int("remaining_seconds", st.Attempt.RemainingSeconds).
		Send()
}

// readToken prompts for the bearer token without echo. A non-interactive
// stdin yields an empty token so the join fails with a clear error.
func readToken() string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprint(os.Stderr, "Enter Token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
