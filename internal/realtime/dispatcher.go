package realtime

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-examsync/internal/protocol"
)

// Dispatcher decodes inbound frames and fans them out to observers.
type Dispatcher struct {
	log       zerolog.Logger
	now       func() time.Time
	onPong    func()
	observers observerList[protocol.Message]
}

// NewDispatcher creates a Dispatcher. onPong receives liveness responses,
// which are never forwarded to observers.
func NewDispatcher(log zerolog.Logger, now func() time.Time, onPong func()) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		log:    log,
		now:    now,
		onPong: onPong,
	}
}

// Subscribe registers fn and returns a function that removes it.
// Observers are called in registration order.
func (d *Dispatcher) Subscribe(fn func(protocol.Message)) func() {
	return d.observers.add(fn)
}

// Dispatch handles one raw frame. Malformed frames are logged and dropped.
func (d *Dispatcher) Dispatch(data []byte) {
	msg, err := protocol.Decode(data, d.now())
	if err != nil {
		d.log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping inbound frame")
		return
	}

	switch m := msg.(type) {
	case *protocol.Pong:
		if d.onPong != nil {
			d.onPong()
		}
		return
	case *protocol.Unrecognized:
		d.log.Debug().Str("type", string(m.Type())).Msg("Unrecognized message type")
	}

	d.observers.notify(msg, d.log)
}
