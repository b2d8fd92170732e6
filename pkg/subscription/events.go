package subscription

import (
	"fmt"

	"github.com/gofrs/uuid"
)

type EventType int

const (
	EventDocumentAdded EventType = iota + 1
	EventDocumentUpdated
	EventDocumentDeleted
	EventSynchronized
	EventWarning
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventDocumentAdded:
		return "documentAdded"
	case EventDocumentUpdated:
		return "documentUpdated"
	case EventDocumentDeleted:
		return "documentDeleted"
	case EventSynchronized:
		return "synchronized"
	case EventWarning:
		return "warning"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

func (e EventType) valid() bool {
	return e >= EventDocumentAdded && e <= EventError
}

// Event is delivered to handlers registered with On.
//
//   - EventDocumentAdded: ID and Data.
//   - EventDocumentUpdated: ID, Before and Data (the new value).
//   - EventDocumentDeleted: ID and Before (the last emitted value).
//   - EventSynchronized: nothing.
//   - EventWarning, EventError: Err.
type Event[T any] struct {
	Type   EventType
	ID     string
	Data   T
	Before T
	Err    error
}

// Handler is invoked on the collection's dispatch goroutine. Handlers run
// one at a time in message order and must not block for long.
type Handler[T any] func(Event[T])

type listener[T any] struct {
	event   EventType
	handler Handler[T]
}

// listeners is guarded by the collection's listenersMu.
type listeners[T any] struct {
	byID  map[uuid.UUID]listener[T]
	order []uuid.UUID
}

func newListeners[T any]() *listeners[T] {
	return &listeners[T]{byID: make(map[uuid.UUID]listener[T])}
}

func (l *listeners[T]) add(id uuid.UUID, event EventType, h Handler[T]) {
	l.byID[id] = listener[T]{event: event, handler: h}
	l.order = append(l.order, id)
}

func (l *listeners[T]) remove(id uuid.UUID) bool {
	if _, ok := l.byID[id]; !ok {
		return false
	}
	delete(l.byID, id)
	for i, other := range l.order {
		if other == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

func (l *listeners[T]) count() int {
	return len(l.byID)
}

// handlers returns the handlers for event in registration order.
func (l *listeners[T]) handlers(event EventType) []Handler[T] {
	var out []Handler[T]
	for _, id := range l.order {
		if ln := l.byID[id]; ln.event == event {
			out = append(out, ln.handler)
		}
	}
	return out
}
