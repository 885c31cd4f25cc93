package supervisor

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler receives supervisor events. It runs on the goroutine that
// produced the event and must not block.
type Handler func(Event)

type bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	log      logrus.FieldLogger
}

// Subscribe registers h for every event and returns a function that
// removes it. The returned function is safe to call more than once.
func (s *Supervisor) Subscribe(h Handler) (unsubscribe func()) {
	b := &s.bus
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *bus) emit(ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(h, ev)
	}
}

func (b *bus) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"bot":   ev.BotID,
				"event": ev.Kind,
				"panic": r,
			}).Error("event handler panicked")
		}
	}()
	h(ev)
}
