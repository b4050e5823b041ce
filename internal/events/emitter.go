package events

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/logger"
)

// Handler is called for every event a subscriber is subscribed to receive.
// A returned error is logged but never prevents later subscribers from running.
type Handler func(Event) error

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

type subscriber struct {
	handler Handler
	active  bool
}

// Emitter is a synchronous multicast: Emit invokes every live subscriber, in
// subscription order, on the caller's goroutine. There is no buffering and no
// delivery-ordering guarantee beyond "emission order equals delivery order".
//
// Grounded on internal/events/bus/memory.go's per-subscriber dispatch loop,
// stripped of subject/wildcard routing and queue groups — this engine has a
// single in-process consumer, not a distributed bus.
type Emitter struct {
	subscribers []*subscriber
	log         *logger.Logger
}

// NewEmitter builds an Emitter that logs isolated subscriber errors with log.
func NewEmitter(log *logger.Logger) *Emitter {
	return &Emitter{log: log}
}

// Subscribe registers handler and returns a func to remove it.
func (e *Emitter) Subscribe(handler Handler) Unsubscribe {
	sub := &subscriber{handler: handler, active: true}
	e.subscribers = append(e.subscribers, sub)
	return func() {
		sub.active = false
	}
}

// Emit synchronously invokes every live subscriber, in subscription order. A
// subscriber that panics or returns an error is isolated and logged; later
// subscribers still run.
func (e *Emitter) Emit(evt Event) {
	for _, sub := range e.subscribers {
		if !sub.active {
			continue
		}
		e.invoke(sub, evt)
	}
}

func (e *Emitter) invoke(sub *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event subscriber panicked",
				zap.String("event_type", string(evt.Type)),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handler(evt); err != nil {
		e.log.Error("event subscriber error",
			zap.String("event_type", string(evt.Type)),
			zap.Error(fmt.Errorf("subscriber: %w", err)))
	}
}
