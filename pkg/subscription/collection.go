package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/firesync/firesync.go/pkg/backoff"
	"github.com/firesync/firesync.go/pkg/checkpoint"
	"github.com/firesync/firesync.go/pkg/constants"
	"github.com/firesync/firesync.go/pkg/logger"
	"github.com/firesync/firesync.go/pkg/metrics"
	"github.com/firesync/firesync.go/pkg/models"
	"github.com/gofrs/uuid"
	"google.golang.org/grpc/metadata"
)

// Collection keeps a local view of the documents matching a query in sync
// with the server.
//
// A Collection is active while at least one handler is registered with On.
// Activation runs a bulk fetch the first time, then a resumable listen;
// removing the last handler pauses the stream and keeps the view and the
// cursor, so the next activation only transfers what changed.
//
// All stream processing happens on one goroutine per Collection. Handlers
// are invoked on that goroutine in message order and must not call
// Synchronize. Close called from a handler cannot wait for that goroutine
// and blocks until its ctx is done.
type Collection[T any] struct {
	client   Client
	database string
	target   QueryTarget
	name     string

	backoff  *backoff.Backoff
	logger   logger.Logger
	metrics  metrics.Collector
	store    checkpoint.Store
	storeKey string

	// mu guards st. It is never held while handlers run.
	mu sync.Mutex
	st *state[T]

	listenersMu sync.Mutex
	listeners   *listeners[T]

	queue  *queue
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the run goroutine
	streamCtx    context.Context
	streamCancel context.CancelFunc
	closeSend    func() error
}

type options struct {
	logger   logger.Logger
	metrics  metrics.Collector
	backoff  *backoff.Backoff
	equal    any
	name     string
	store    checkpoint.Store
	storeKey string
}

type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

func WithBackoff(b *backoff.Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithEqual replaces the comparison deciding whether a changed document
// produces EventDocumentUpdated. fn must be a func(a, b T) bool for the
// collection's T. The default uses proto.Equal for protobuf messages and
// reflect.DeepEqual otherwise.
func WithEqual[T any](fn func(a, b T) bool) Option {
	return func(o *options) { o.equal = fn }
}

// WithName labels logs and metrics. It defaults to the queried collection id.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithCheckpoint persists the cursor and the confirmed documents under key
// at every completeness checkpoint, and restores them on first activation.
// An empty key defaults to CheckpointKey of the collection's name and
// target. Collections sharing a key must stream the same documents through
// the same converter.
func WithCheckpoint(store checkpoint.Store, key string) Option {
	return func(o *options) {
		o.store = store
		o.storeKey = key
	}
}

// New creates a paused Collection. database is the full database resource
// name, projects/<project>/databases/<database>.
func New[T any](client Client, database string, target QueryTarget, convert models.Converter[T], opts ...Option) (*Collection[T], error) {
	if client == nil {
		return nil, errors.New("subscription requires a client")
	}
	if target.StructuredQuery == nil {
		return nil, constants.ErrNoQuery
	}
	if convert == nil {
		return nil, constants.ErrNoConverter
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	equal := defaultEqual[T]
	if o.equal != nil {
		fn, ok := o.equal.(func(a, b T) bool)
		if !ok {
			return nil, fmt.Errorf("subscription equal function has type %T, want func(a, b %T) bool", o.equal, *new(T))
		}
		equal = fn
	}
	if o.logger == nil {
		o.logger = logger.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNop()
	}
	if o.backoff == nil {
		o.backoff = backoff.New()
	}
	if o.name == "" {
		o.name = collectionName(target)
	}
	if o.store != nil && o.storeKey == "" {
		key, err := CheckpointKey(o.name, target)
		if err != nil {
			return nil, fmt.Errorf("derive checkpoint key: %w", err)
		}
		o.storeKey = key
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collection[T]{
		client:    client,
		database:  database,
		target:    target,
		name:      o.name,
		backoff:   o.backoff,
		logger:    o.logger,
		metrics:   o.metrics,
		store:     o.store,
		storeKey:  o.storeKey,
		st:        newState(convert, equal, o.store != nil),
		listeners: newListeners[T](),
		queue:     newQueue(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go c.run()

	return c, nil
}

func collectionName(target QueryTarget) string {
	if from := target.StructuredQuery.GetFrom(); len(from) > 0 && from[0].GetCollectionId() != "" {
		return from[0].GetCollectionId()
	}
	return models.DocumentID(target.Parent)
}

// CheckpointKey returns the key the collection persists its checkpoint
// under, or "" without a checkpoint store.
func (c *Collection[T]) CheckpointKey() string {
	if c.store == nil {
		return ""
	}
	return c.storeKey
}

// Closed reports whether Close has been called.
func (c *Collection[T]) Closed() bool {
	return c.ctx.Err() != nil
}

func (c *Collection[T]) Name() string {
	return c.name
}

// On registers h for event and activates the collection if it was paused.
func (c *Collection[T]) On(event EventType, h Handler[T]) (uuid.UUID, error) {
	if !event.valid() {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrUnknownEvent, event)
	}
	if h == nil {
		return uuid.Nil, errors.New("subscription handler is nil")
	}

	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}

	c.listenersMu.Lock()
	c.listeners.add(id, event, h)
	c.listenersMu.Unlock()

	c.queue.push(listenersChanged{})

	return id, nil
}

// Off unregisters a handler. Removing the last handler pauses the
// collection. It reports whether id was registered.
func (c *Collection[T]) Off(id uuid.UUID) bool {
	c.listenersMu.Lock()
	removed := c.listeners.remove(id)
	c.listenersMu.Unlock()

	if removed {
		c.queue.push(listenersChanged{})
	}
	return removed
}

// IsActive reports whether any handler is registered.
func (c *Collection[T]) IsActive() bool {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return c.listeners.count() > 0
}

// IsSynchronized reports whether the view matched the server at the last
// checkpoint and no stream restart happened since.
func (c *Collection[T]) IsSynchronized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.synchronized
}

// LastSynchronized returns the read time of the last checkpoint, or the
// zero time.
func (c *Collection[T]) LastSynchronized() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.lastSynchronized
}

// Data returns a copy of the documents emitted to listeners, by id.
func (c *Collection[T]) Data() map[string]T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.st.emittedData)
}

// Metrics returns the usage counters accumulated since the previous call
// and zeroes them.
func (c *Collection[T]) Metrics() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.usage.take()
}

// Statistics returns cumulative response counters.
func (c *Collection[T]) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.stats
}

// Err returns the terminal error that stopped the collection, if any. It is
// cleared once every handler is removed, or by Reset.
func (c *Collection[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.failed
}

// Reset forgets the local view and the cursor. The next activation
// resynchronizes from a full result set. Reset does not stop a running
// stream; call it while the collection is paused.
func (c *Collection[T]) Reset() {
	c.mu.Lock()
	c.st.reset()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Delete(context.Background(), c.storeKey); err != nil {
			c.logger.Warn("Failed to delete checkpoint", "collection", c.name, "error", err)
		}
	}
}

// Synchronize waits until the view matches the server. It returns at once
// when the collection is synchronized, and otherwise keeps the collection
// active until the next checkpoint, a terminal error, or ctx is done.
func (c *Collection[T]) Synchronize(ctx context.Context) error {
	if c.IsSynchronized() {
		return nil
	}
	if err := c.Err(); err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	result := make(chan error, 1)
	notify := func(ev Event[T]) {
		var err error
		if ev.Type == EventError {
			err = ev.Err
		}
		select {
		case result <- err:
		default:
		}
	}

	syncID, err := c.On(EventSynchronized, notify)
	if err != nil {
		return err
	}
	defer c.Off(syncID)

	errID, err := c.On(EventError, notify)
	if err != nil {
		return err
	}
	defer c.Off(errID)

	if c.IsSynchronized() {
		return nil
	}
	if err := c.Err(); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the collection for good. Handlers stay registered but are no
// longer invoked. Called from a handler, Close returns only once ctx is
// done, since the handler runs on the goroutine it waits for.
func (c *Collection[T]) Close(ctx context.Context) error {
	c.cancel()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collection[T]) run() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			c.stop(true)
			return
		case <-c.queue.notify:
		}

		for c.ctx.Err() == nil {
			cmd, ok := c.queue.pop()
			if !ok {
				break
			}
			c.handle(cmd)
		}
	}
}

func (c *Collection[T]) handle(cmd command) {
	switch cmd := cmd.(type) {
	case listenersChanged:
		c.onListenersChanged()
	case startStream:
		c.start()
	case backoffDone:
		c.onBackoffDone(cmd)
	case listenReceived:
		c.onListenResponse(cmd)
	case queryReceived:
		c.onQueryResponse(cmd)
	case queryEnded:
		c.onQueryEnd(cmd)
	case streamFailed:
		c.onStreamFailure(cmd.generation, cmd.err)
	default:
		panic(fmt.Sprintf("BUG: unknown command %T", cmd))
	}
}

func (c *Collection[T]) onListenersChanged() {
	active := c.IsActive()

	c.mu.Lock()
	running := c.st.stream != streamIdle
	if !active {
		c.st.failed = nil
	}
	c.mu.Unlock()

	switch {
	case active && !running:
		c.start()
	case !active && running:
		c.logger.Debug("Pausing subscription", "collection", c.name)
		c.stop(true)
	}
}

func (c *Collection[T]) start() {
	if !c.IsActive() {
		return
	}

	c.restore()

	c.mu.Lock()
	if c.st.stream != streamIdle || c.st.failed != nil {
		c.mu.Unlock()
		return
	}
	generation := c.st.begin()
	c.mu.Unlock()

	c.logger.Debug("Stream state transitioned", "collection", c.name, "to", streamPending)

	c.streamCtx, c.streamCancel = context.WithCancel(c.ctx)
	go func(ctx context.Context) {
		began := time.Now()
		err := c.backoff.Wait(ctx)
		c.metrics.ObserveBackoff(c.name, time.Since(began))
		c.queue.push(backoffDone{generation: generation, err: err})
	}(c.streamCtx)
}

func (c *Collection[T]) onBackoffDone(cmd backoffDone) {
	c.mu.Lock()
	if !c.st.live(cmd.generation) || c.st.stream != streamPending {
		c.mu.Unlock()
		return
	}
	initialized := c.st.initialized
	c.mu.Unlock()

	if cmd.err != nil {
		if errors.Is(cmd.err, context.Canceled) {
			return
		}
		c.fail(fmt.Errorf("subscription %s failed to start a stream: %w", c.name, cmd.err))
		return
	}

	if initialized {
		c.openListen(cmd.generation)
	} else {
		c.openBulk(cmd.generation)
	}
}

func (c *Collection[T]) outgoing() context.Context {
	return metadata.AppendToOutgoingContext(c.streamCtx, constants.ResourcePrefixHeader, c.database)
}

func (c *Collection[T]) openBulk(generation uint64) {
	req := &firestorepb.RunQueryRequest{
		Parent:    c.target.Parent,
		QueryType: &firestorepb.RunQueryRequest_StructuredQuery{StructuredQuery: c.target.StructuredQuery},
	}

	stream, err := c.client.RunQuery(c.outgoing(), req)
	if err != nil {
		c.onStreamFailure(generation, err)
		return
	}

	c.mu.Lock()
	c.st.transitionTo(streamBulk)
	c.mu.Unlock()
	c.logger.Debug("Stream state transitioned", "collection", c.name, "to", streamBulk)

	go c.receiveQuery(generation, stream)
}

func (c *Collection[T]) openListen(generation uint64) {
	c.mu.Lock()
	target := c.st.listenTarget(c.target)
	c.mu.Unlock()

	stream, err := c.client.Listen(c.outgoing())
	if err != nil {
		c.onStreamFailure(generation, err)
		return
	}

	req := &firestorepb.ListenRequest{
		Database:     c.database,
		TargetChange: &firestorepb.ListenRequest_AddTarget{AddTarget: target},
	}
	if err := stream.Send(req); err != nil {
		c.onStreamFailure(generation, err)
		return
	}

	c.closeSend = stream.CloseSend
	c.mu.Lock()
	c.st.transitionTo(streamListen)
	c.mu.Unlock()
	c.logger.Debug("Stream state transitioned", "collection", c.name, "to", streamListen,
		"resume_token", len(target.GetResumeToken()) > 0, "read_time", target.GetReadTime() != nil)

	go c.receiveListen(generation, stream)
}

func (c *Collection[T]) receiveQuery(generation uint64, stream firestorepb.Firestore_RunQueryClient) {
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			c.queue.push(queryEnded{generation: generation})
			return
		}
		if err != nil {
			c.queue.push(streamFailed{generation: generation, err: err})
			return
		}
		c.queue.push(queryReceived{generation: generation, response: resp})
	}
}

func (c *Collection[T]) receiveListen(generation uint64, stream firestorepb.Firestore_ListenClient) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			c.queue.push(streamFailed{generation: generation, err: err})
			return
		}
		c.queue.push(listenReceived{generation: generation, response: resp})
	}
}

func (c *Collection[T]) onListenResponse(cmd listenReceived) {
	c.mu.Lock()
	if !c.st.live(cmd.generation) || c.st.stream != streamListen {
		c.mu.Unlock()
		return
	}
	tr := c.st.listenResponse(cmd.response)
	c.mu.Unlock()

	c.backoff.Reset()
	c.metrics.ObserveResponse(c.name, responseKind(cmd.response))
	if tc := cmd.response.GetTargetChange(); tc != nil {
		c.metrics.ObserveTargetChange(c.name, tc.GetTargetChangeType().String())
	}

	c.apply(tr)
}

func (c *Collection[T]) onQueryResponse(cmd queryReceived) {
	c.mu.Lock()
	if !c.st.live(cmd.generation) || c.st.stream != streamBulk {
		c.mu.Unlock()
		return
	}
	tr := c.st.queryResponse(cmd.response)
	c.mu.Unlock()

	c.backoff.Reset()
	c.metrics.ObserveResponse(c.name, "run_query")

	c.apply(tr)
}

func (c *Collection[T]) onQueryEnd(cmd queryEnded) {
	c.mu.Lock()
	if !c.st.live(cmd.generation) || c.st.stream != streamBulk {
		c.mu.Unlock()
		return
	}
	tr := c.st.queryEnd()
	c.mu.Unlock()

	c.apply(tr)
}

// onStreamFailure restarts after a transport fault. The backoff keeps its
// progression so repeated faults slow down and eventually exhaust it.
func (c *Collection[T]) onStreamFailure(generation uint64, err error) {
	c.mu.Lock()
	live := c.st.live(generation)
	c.mu.Unlock()
	if !live {
		return
	}

	warning := fmt.Errorf("subscription %s stream failed: %w", c.name, err)
	c.logger.Warn("Stream failed", "collection", c.name, "error", err)
	c.dispatch(Event[T]{Type: EventWarning, Err: warning})

	c.metrics.ObserveRestart(c.name, restartStreamError)
	c.stop(false)
	c.queue.push(startStream{})
}

func (c *Collection[T]) apply(tr transition[T]) {
	if tr.checkpoint {
		c.saveCheckpoint()
		c.metrics.SetSynchronized(c.name, true)
	}

	c.dispatch(tr.events...)

	switch {
	case tr.fatal != nil:
		c.fail(tr.fatal)
	case tr.restart != "":
		c.restart(tr.restart)
	}
}

// restart tears the stream down on purpose and starts again on the next
// turn of the run loop.
func (c *Collection[T]) restart(reason string) {
	c.logger.Debug("Restarting stream", "collection", c.name, "reason", reason)
	c.metrics.ObserveRestart(c.name, reason)
	c.stop(true)
	c.queue.push(startStream{})
}

func (c *Collection[T]) stop(resetBackoff bool) {
	if c.closeSend != nil {
		_ = c.closeSend()
		c.closeSend = nil
	}
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}

	c.mu.Lock()
	c.st.stop()
	c.mu.Unlock()

	if resetBackoff {
		c.backoff.Reset()
	}
	c.metrics.SetSynchronized(c.name, false)
}

func (c *Collection[T]) fail(err error) {
	c.logger.Error("Subscription failed", "collection", c.name, "error", err)
	c.stop(true)

	c.mu.Lock()
	c.st.failed = err
	c.mu.Unlock()

	c.dispatch(Event[T]{Type: EventError, Err: err})
}

func (c *Collection[T]) dispatch(events ...Event[T]) {
	for _, ev := range events {
		c.metrics.ObserveEvent(c.name, ev.Type.String())

		c.listenersMu.Lock()
		handlers := c.listeners.handlers(ev.Type)
		c.listenersMu.Unlock()

		for _, h := range handlers {
			h(ev)
		}
	}
}

func (c *Collection[T]) restore() {
	if c.store == nil {
		return
	}

	c.mu.Lock()
	skip := c.st.restored || c.st.initialized
	c.st.restored = true
	c.mu.Unlock()
	if skip {
		return
	}

	cp, err := c.store.Load(c.ctx, c.storeKey)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Warn("Failed to load checkpoint", "collection", c.name, "error", err)
		c.dispatch(Event[T]{Type: EventWarning, Err: fmt.Errorf("subscription %s failed to load checkpoint: %w", c.name, err)})
		return
	}

	c.mu.Lock()
	tr := c.st.restore(cp)
	c.mu.Unlock()

	c.logger.Info("Restored checkpoint", "collection", c.name, "documents", len(cp.Documents))
	c.apply(tr)
}

func (c *Collection[T]) saveCheckpoint() {
	c.mu.Lock()
	documents := len(c.st.emittedData)
	var cp *checkpoint.Checkpoint
	if c.store != nil {
		cp = c.st.snapshot()
	}
	c.mu.Unlock()

	c.metrics.SetDocuments(c.name, documents)
	if cp == nil {
		return
	}

	if err := c.store.Save(c.ctx, c.storeKey, cp); err != nil {
		c.logger.Warn("Failed to save checkpoint", "collection", c.name, "error", err)
		c.dispatch(Event[T]{Type: EventWarning, Err: fmt.Errorf("subscription %s failed to save checkpoint: %w", c.name, err)})
	}
}

func responseKind(resp *firestorepb.ListenResponse) string {
	switch resp.GetResponseType().(type) {
	case *firestorepb.ListenResponse_DocumentChange:
		return "document_change"
	case *firestorepb.ListenResponse_DocumentDelete:
		return "document_delete"
	case *firestorepb.ListenResponse_DocumentRemove:
		return "document_remove"
	case *firestorepb.ListenResponse_Filter:
		return "filter"
	case *firestorepb.ListenResponse_TargetChange:
		return "target_change"
	default:
		return "unknown"
	}
}
