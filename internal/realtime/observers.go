package realtime

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

type observerEntry[T any] struct {
	id int
	fn func(T)
}

// observerList is an ordered set of callbacks. A panicking callback is
// logged and does not prevent delivery to the rest.
type observerList[T any] struct {
	mu     sync.RWMutex
	nextID int
	items  []observerEntry[T]
}

func (l *observerList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.items = append(l.items, observerEntry[T]{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.items {
			if e.id == id {
				l.items = append(l.items[:i:i], l.items[i+1:]...)
				return
			}
		}
	}
}

func (l *observerList[T]) notify(v T, log zerolog.Logger) {
	l.mu.RLock()
	items := make([]observerEntry[T], len(l.items))
	copy(items, l.items)
	l.mu.RUnlock()

	for _, e := range items {
		call(e.fn, v, log)
	}
}

func call[T any](fn func(T), v T, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("Observer panicked")
		}
	}()
	fn(v)
}
