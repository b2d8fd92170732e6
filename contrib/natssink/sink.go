// Package natssink publishes the events of a collection to NATS subjects.
//
// Each event goes to "<prefix>.<event>", for example
// "firesync.books.documentAdded". Document events carry the document id in
// the Document-Id header; the payload is the JSON encoded Payload.
package natssink

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/firesync/firesync.go/internal/codec"
	"github.com/firesync/firesync.go/pkg/logger"
	"github.com/firesync/firesync.go/pkg/subscription"
	"github.com/gofrs/uuid"
	"github.com/nats-io/nats.go"
)

const (
	HeaderDocumentID = "Document-Id"
	HeaderEvent      = "Event"
)

var (
	ErrNoConnection = errors.New("nats connection is nil")
	ErrNoPrefix     = errors.New("subject prefix is empty")
	ErrStopped      = errors.New("sink stopped")
)

// Source is the part of a collection the sink subscribes to.
type Source[T any] interface {
	On(event subscription.EventType, h subscription.Handler[T]) (uuid.UUID, error)
	Off(id uuid.UUID) bool
}

// Payload is the message body.
type Payload[T any] struct {
	ID     string    `json:"id,omitempty"`
	Data   *T        `json:"data,omitempty"`
	Before *T        `json:"before,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

type Sink[T any] struct {
	conn      *nats.Conn
	prefix    string
	logger    logger.Logger
	marshaler codec.Marshaler
	events    []subscription.EventType

	mu            sync.Mutex
	source        Source[T]
	subscriptions []uuid.UUID
	published     uint64
	failed        uint64
}

type Option func(*options)

type options struct {
	logger logger.Logger
	events []subscription.EventType
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEvents restricts the published event types. All are published by
// default.
func WithEvents(events ...subscription.EventType) Option {
	return func(o *options) { o.events = events }
}

func New[T any](conn *nats.Conn, prefix string, opts ...Option) (*Sink[T], error) {
	if conn == nil {
		return nil, ErrNoConnection
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return nil, ErrNoPrefix
	}

	o := options{
		logger: logger.NewNop(),
		events: []subscription.EventType{
			subscription.EventDocumentAdded,
			subscription.EventDocumentUpdated,
			subscription.EventDocumentDeleted,
			subscription.EventSynchronized,
			subscription.EventWarning,
			subscription.EventError,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Sink[T]{
		conn:      conn,
		prefix:    prefix,
		logger:    o.logger,
		marshaler: codec.JSONMarshaler{},
		events:    o.events,
	}, nil
}

// Subject returns the subject events of type event are published to.
func (s *Sink[T]) Subject(event subscription.EventType) string {
	return s.prefix + "." + event.String()
}

// Start subscribes to source. Registering the handlers activates the
// collection.
func (s *Sink[T]) Start(source Source[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source != nil {
		return errors.New("sink already started")
	}

	for _, event := range s.events {
		id, err := source.On(event, s.publish)
		if err != nil {
			for _, registered := range s.subscriptions {
				source.Off(registered)
			}
			s.subscriptions = nil
			return fmt.Errorf("subscribe to %v: %w", event, err)
		}
		s.subscriptions = append(s.subscriptions, id)
	}
	s.source = source
	return nil
}

// Stop unsubscribes from the source and flushes pending messages.
func (s *Sink[T]) Stop() error {
	s.mu.Lock()
	source := s.source
	subscriptions := s.subscriptions
	s.source = nil
	s.subscriptions = nil
	s.mu.Unlock()

	if source == nil {
		return ErrStopped
	}
	for _, id := range subscriptions {
		source.Off(id)
	}
	return s.conn.Flush()
}

// Stats returns the number of published and failed messages.
func (s *Sink[T]) Stats() (published, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.failed
}

func (s *Sink[T]) publish(ev subscription.Event[T]) {
	payload := Payload[T]{ID: ev.ID, Time: time.Now().UTC()}
	switch ev.Type {
	case subscription.EventDocumentAdded:
		data := ev.Data
		payload.Data = &data
	case subscription.EventDocumentUpdated:
		data, before := ev.Data, ev.Before
		payload.Data, payload.Before = &data, &before
	case subscription.EventDocumentDeleted:
		before := ev.Before
		payload.Before = &before
	case subscription.EventWarning, subscription.EventError:
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
		}
	}

	err := s.send(ev, payload)

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.published++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Failed to publish event", "subject", s.Subject(ev.Type), "id", ev.ID, "error", err)
	}
}

func (s *Sink[T]) send(ev subscription.Event[T], payload Payload[T]) error {
	body, err := s.marshaler.Marshal(payload)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(s.Subject(ev.Type))
	msg.Data = body
	msg.Header.Set(HeaderEvent, ev.Type.String())
	if ev.ID != "" {
		msg.Header.Set(HeaderDocumentID, ev.ID)
	}
	return s.conn.PublishMsg(msg)
}
