// Package wsrelay fans the events of a collection out to WebSocket clients.
//
// Every client first receives a snapshot frame holding the documents the
// collection currently reports, then one frame per event. Frames are JSON
// text messages, or CBOR binary messages when the client negotiates the
// "cbor" subprotocol. A document event may repeat what the snapshot already
// holds, so clients should apply frames as upserts.
//
// The relay keeps the collection active only while at least one client is
// connected.
package wsrelay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/firesync/firesync.go/internal/codec"
	"github.com/firesync/firesync.go/pkg/logger"
	"github.com/firesync/firesync.go/pkg/models"
	"github.com/firesync/firesync.go/pkg/subscription"
	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
)

const (
	SubprotocolJSON = "json"
	SubprotocolCBOR = "cbor"

	FrameSnapshot = "snapshot"

	// CloseMessageCode is sent to clients when the relay shuts down.
	CloseMessageCode = websocket.CloseGoingAway

	DefaultWriteTimeout = 10 * time.Second
	DefaultBufferSize   = 256
)

var ErrClosed = errors.New("relay closed")

// Source is the part of a collection the relay needs.
// *subscription.Collection[T] satisfies it.
type Source[T any] interface {
	On(event subscription.EventType, h subscription.Handler[T]) (uuid.UUID, error)
	Off(id uuid.UUID) bool
	Data() map[string]T
}

// Frame is one message sent to clients. Type is the event name, or
// "snapshot" for the first frame.
type Frame[T any] struct {
	Type      string       `json:"type" cbor:"type"`
	ID        string       `json:"id,omitempty" cbor:"id,omitempty"`
	Data      *T           `json:"data,omitempty" cbor:"data,omitempty"`
	Documents map[string]T `json:"documents,omitempty" cbor:"documents,omitempty"`
	Error     string       `json:"error,omitempty" cbor:"error,omitempty"`
}

// Relay is an http.Handler upgrading requests to WebSocket connections.
type Relay[T any] struct {
	source       Source[T]
	logger       logger.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	bufferSize   int

	mu            sync.Mutex
	clients       map[uuid.UUID]*client
	subscriptions []uuid.UUID
	closed        bool
}

type client struct {
	id          uuid.UUID
	conn        *websocket.Conn
	messageType int
	cbor        bool
	send        chan []byte
}

type Option func(*options)

type options struct {
	logger       logger.Logger
	writeTimeout time.Duration
	bufferSize   int
	checkOrigin  func(r *http.Request) bool
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithBufferSize bounds the frames queued per client. A client that falls
// further behind is disconnected.
func WithBufferSize(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(o *options) { o.checkOrigin = fn }
}

func New[T any](source Source[T], opts ...Option) *Relay[T] {
	o := options{
		logger:       logger.NewNop(),
		writeTimeout: DefaultWriteTimeout,
		bufferSize:   DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bufferSize < 1 {
		o.bufferSize = 1
	}

	return &Relay[T]{
		source: source,
		logger: o.logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{SubprotocolCBOR, SubprotocolJSON},
			CheckOrigin:  o.checkOrigin,
		},
		writeTimeout: o.writeTimeout,
		bufferSize:   o.bufferSize,
		clients:      make(map[uuid.UUID]*client),
	}
}

// Clients returns the number of connected clients.
func (r *Relay[T]) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Relay[T]) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("Failed to upgrade connection", "remote", req.RemoteAddr, "error", err)
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		_ = conn.Close()
		return
	}
	c := &client{
		id:          id,
		conn:        conn,
		messageType: websocket.TextMessage,
		send:        make(chan []byte, r.bufferSize),
	}
	if conn.Subprotocol() == SubprotocolCBOR {
		c.cbor = true
		c.messageType = websocket.BinaryMessage
	}

	if err := r.join(c); err != nil {
		r.logger.Warn("Failed to register client", "client", c.id, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		_ = conn.Close()
		return
	}
	r.logger.Debug("Client connected", "client", c.id, "cbor", c.cbor)

	go r.writePump(c)
	r.readPump(c)
}

// join registers c, queues its snapshot and subscribes to the source when
// c is the first client.
func (r *Relay[T]) join(c *client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	snapshot, err := encode(Frame[T]{Type: FrameSnapshot, Documents: r.source.Data()}, c.cbor)
	if err != nil {
		return err
	}
	c.send <- snapshot

	if len(r.clients) == 0 {
		if err := r.subscribeLocked(); err != nil {
			return err
		}
	}
	r.clients[c.id] = c
	return nil
}

func (r *Relay[T]) subscribeLocked() error {
	for _, event := range []subscription.EventType{
		subscription.EventDocumentAdded,
		subscription.EventDocumentUpdated,
		subscription.EventDocumentDeleted,
		subscription.EventSynchronized,
		subscription.EventWarning,
		subscription.EventError,
	} {
		id, err := r.source.On(event, r.broadcast)
		if err != nil {
			r.unsubscribeLocked()
			return err
		}
		r.subscriptions = append(r.subscriptions, id)
	}
	return nil
}

func (r *Relay[T]) unsubscribeLocked() {
	for _, id := range r.subscriptions {
		r.source.Off(id)
	}
	r.subscriptions = nil
}

func (r *Relay[T]) leave(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.id]; !ok {
		return
	}
	delete(r.clients, c.id)
	close(c.send)

	if len(r.clients) == 0 {
		r.unsubscribeLocked()
	}
	r.logger.Debug("Client disconnected", "client", c.id)
}

func (r *Relay[T]) broadcast(ev subscription.Event[T]) {
	frame := Frame[T]{Type: ev.Type.String(), ID: ev.ID}
	switch ev.Type {
	case subscription.EventDocumentAdded, subscription.EventDocumentUpdated:
		data := ev.Data
		frame.Data = &data
	case subscription.EventWarning, subscription.EventError:
		if ev.Err != nil {
			frame.Error = ev.Err.Error()
		}
	}

	var encoded [2][]byte
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		i := 0
		if c.cbor {
			i = 1
		}
		if encoded[i] == nil {
			msg, err := encode(frame, c.cbor)
			if err != nil {
				r.logger.Error("Failed to encode frame", "event", frame.Type, "cbor", c.cbor, "error", err)
				return
			}
			encoded[i] = msg
		}

		select {
		case c.send <- encoded[i]:
		default:
			r.logger.Warn("Client too slow, disconnecting", "client", c.id)
			_ = c.conn.Close()
		}
	}
}

func encode[T any](frame Frame[T], cbor bool) ([]byte, error) {
	var m codec.Marshaler = codec.JSONMarshaler{}
	if cbor {
		m = models.CborMarshaler{}
	}
	return m.Marshal(frame)
}

func (r *Relay[T]) writePump(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
		if err := c.conn.WriteMessage(c.messageType, msg); err != nil {
			r.logger.Debug("Failed to write frame", "client", c.id, "error", err)
			_ = c.conn.Close()
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseMessageCode, ""))
	_ = c.conn.Close()
}

// readPump discards client messages until the connection fails.
func (r *Relay[T]) readPump(c *client) {
	defer r.leave(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client and releases the source.
func (r *Relay[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.closed = true

	for id, c := range r.clients {
		delete(r.clients, id)
		close(c.send)
	}
	r.unsubscribeLocked()
	return nil
}
