package integrity

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/model"
)

// Signal is an environment event reported by the host shell.
type Signal string

const (
	SignalVisibilityHidden  Signal = "visibility_hidden"
	SignalVisibilityVisible Signal = "visibility_visible"
	SignalWindowBlur        Signal = "window_blur"
	SignalWindowFocus       Signal = "window_focus"
	SignalNavigation        Signal = "navigation"
)

// Classify maps a signal to the violation it represents, if any.
func Classify(s Signal) (model.ViolationType, bool) {
	switch s {
	case SignalVisibilityHidden:
		return model.ViolationTabSwitch, true
	case SignalWindowBlur:
		return model.ViolationWindowBlur, true
	case SignalNavigation:
		return model.ViolationNavigationAttempt, true
	}
	return "", false
}

// Recorder stores a violation and returns the new count.
type Recorder interface {
	RecordViolation(at time.Time) (int, error)
}

// Reporter forwards a violation to the server.
type Reporter interface {
	ReportViolation(vt model.ViolationType, at time.Time)
}

// Warning is delivered to the student the first time a violation is recorded.
type Warning struct {
	Violation model.ViolationType
	Count     int
}

// Monitor turns environment signals into recorded violations.
// Every qualifying signal counts once, with no deduplication across types.
// The warning is shown once per attempt; Reset re-arms it.
type Monitor struct {
	recorder Recorder
	reporter Reporter
	now      func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	enabled bool
	warned  bool
	onWarn  []func(Warning)
}

// NewMonitor creates a disabled monitor.
func NewMonitor(recorder Recorder, reporter Reporter, now func() time.Time, log zerolog.Logger) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		recorder: recorder,
		reporter: reporter,
		now:      now,
		log:      log.With().Str("component", "integrity_monitor").Logger(),
	}
}

// Enable starts counting signals.
func (m *Monitor) Enable() {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
}

// Disable stops counting signals. The warning state is kept.
func (m *Monitor) Disable() {
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
}

// Reset disables the monitor and re-arms the one-time warning for a new attempt.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.enabled = false
	m.warned = false
	m.mu.Unlock()
}

// Enabled reports whether signals are being counted.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// OnWarning registers fn for the one-time warning.
func (m *Monitor) OnWarning(fn func(Warning)) {
	m.mu.Lock()
	m.onWarn = append(m.onWarn, fn)
	m.mu.Unlock()
}

// Observe handles one signal. It returns true when a violation was recorded.
func (m *Monitor) Observe(s Signal) bool {
	vt, ok := Classify(s)
	if !ok {
		return false
	}

	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	at := m.now()
	count, err := m.recorder.RecordViolation(at)
	if err != nil {
		m.log.Warn().Err(err).Str("signal", string(s)).Msg("Failed to record violation")
		return false
	}
	if m.reporter != nil {
		m.reporter.ReportViolation(vt, at)
	}
	m.log.Info().Str("violation_type", string(vt)).Int("count", count).Msg("Violation recorded")

	m.mu.Lock()
	first := !m.warned
	m.warned = true
	observers := append([]func(Warning){}, m.onWarn...)
	m.mu.Unlock()

	if first {
		w := Warning{Violation: vt, Count: count}
		for _, fn := range observers {
			fn(w)
		}
	}
	return true
}
