package realtime

import (
	"sync"
	"time"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultPingTimeout is the heartbeat interval plus a 15s grace.
	DefaultPingTimeout = 45 * time.Second
)

// Heartbeat probes the channel periodically and reports silent death.
//
// The first unanswered probe arms the timeout; a pong clears it and records
// the round trip. If the timeout fires, onTimeout is called once and the
// monitor stops until the next Start.
type Heartbeat struct {
	interval  time.Duration
	timeout   time.Duration
	afterFunc AfterFunc
	now       func() time.Time
	probe     func() bool
	onTimeout func()

	mu           sync.Mutex
	running      bool
	gen          uint64
	probeTimer   Timer
	timeoutTimer Timer
	lastProbe    time.Time
	latency      time.Duration
}

// NewHeartbeat creates a stopped Heartbeat. probe sends one liveness request.
func NewHeartbeat(interval, timeout time.Duration, afterFunc AfterFunc, now func() time.Time, probe func() bool, onTimeout func()) *Heartbeat {
	if afterFunc == nil {
		afterFunc = systemAfterFunc
	}
	if now == nil {
		now = time.Now
	}
	return &Heartbeat{
		interval:  interval,
		timeout:   timeout,
		afterFunc: afterFunc,
		now:       now,
		probe:     probe,
		onTimeout: onTimeout,
	}
}

// Start (re)arms the probe loop.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopTimersLocked()
	h.running = true
	h.gen++
	h.lastProbe = time.Time{}
	h.scheduleProbeLocked(h.gen)
}

// Stop disarms all timers.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.running = false
	h.gen++
	h.stopTimersLocked()
}

// HandlePong records the round trip of the outstanding probe and clears the timeout.
func (h *Heartbeat) HandlePong() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	if !h.lastProbe.IsZero() {
		h.latency = h.now().Sub(h.lastProbe)
	}
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
}

// Latency returns the last measured round-trip time.
func (h *Heartbeat) Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latency
}

func (h *Heartbeat) scheduleProbeLocked(gen uint64) {
	h.probeTimer = h.afterFunc(h.interval, func() { h.fireProbe(gen) })
}

func (h *Heartbeat) fireProbe(gen uint64) {
	h.mu.Lock()
	if !h.running || h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.lastProbe = h.now()
	if h.timeoutTimer == nil {
		h.timeoutTimer = h.afterFunc(h.timeout, func() { h.fireTimeout(gen) })
	}
	h.scheduleProbeLocked(gen)
	h.mu.Unlock()

	h.probe()
}

func (h *Heartbeat) fireTimeout(gen uint64) {
	h.mu.Lock()
	if !h.running || h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.gen++
	h.timeoutTimer = nil
	h.stopTimersLocked()
	h.mu.Unlock()

	h.onTimeout()
}

func (h *Heartbeat) stopTimersLocked() {
	if h.probeTimer != nil {
		h.probeTimer.Stop()
		h.probeTimer = nil
	}
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
}
