// Package eventsink is the fire-and-forget plugin event emitter described
// in spec §5: handlers are isolated from each other, so one failing or
// panicking handler cannot prevent its peers from running.
package eventsink

import (
	"log/slog"
	"sync"
)

// Event is a single notification, e.g. "certificateDeployed" or
// "secretDeployed".
type Event struct {
	Topic string
	Data  map[string]any
}

// Handler receives events published on a topic it subscribed to.
type Handler func(Event)

// Emitter fans an event out to every handler subscribed to its topic.
type Emitter struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates an Emitter. logger defaults to slog.Default() if nil.
func New(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger, handlers: make(map[string][]Handler)}
}

// Subscribe registers handler for topic.
func (e *Emitter) Subscribe(topic string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[topic] = append(e.handlers[topic], handler)
}

// Emit calls every handler subscribed to ev.Topic. A handler that panics
// or whose execution would otherwise abort is recovered and logged so it
// never prevents its peers from running.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := append([]Handler(nil), e.handlers[ev.Topic]...)
	e.mu.RUnlock()

	for _, h := range handlers {
		e.runHandler(h, ev)
	}
}

func (e *Emitter) runHandler(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "topic", ev.Topic, "panic", r)
		}
	}()
	h(ev)
}
