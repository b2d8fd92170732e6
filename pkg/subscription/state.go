package subscription

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/firesync/firesync.go/pkg/checkpoint"
	"github.com/firesync/firesync.go/pkg/constants"
	"github.com/firesync/firesync.go/pkg/models"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type streamState int

const (
	streamIdle streamState = iota
	// streamPending waits for the backoff before a stream is opened.
	streamPending
	streamBulk
	streamListen
)

func (s streamState) String() string {
	switch s {
	case streamIdle:
		return "Idle"
	case streamPending:
		return "Pending"
	case streamBulk:
		return "Bulk"
	case streamListen:
		return "Listen"
	default:
		return "InvalidState"
	}
}

func (s streamState) validateTransitionTo(next streamState) error {
	switch s {
	case streamIdle:
		if next == streamPending {
			return nil
		}
	case streamPending:
		switch next {
		case streamBulk, streamListen, streamIdle:
			return nil
		}
	case streamBulk, streamListen:
		if next == streamIdle {
			return nil
		}
	}

	return fmt.Errorf("invalid stream state transition from %v to %v", s, next)
}

// Restart reasons, also used as metric labels.
const (
	restartBulkComplete   = "bulk_complete"
	restartFilterMismatch = "filter_mismatch"
	restartTargetRemoved  = "target_removed"
	restartStreamError    = "stream_error"
)

// transition is what applying one message to the state asks of the
// controller. Events are dispatched first, then a checkpoint is persisted,
// then fatal or restart is acted upon.
type transition[T any] struct {
	events     []Event[T]
	checkpoint bool
	restart    string
	fatal      error
}

func fatal[T any](err error) transition[T] {
	return transition[T]{fatal: err}
}

func (t *transition[T]) merge(other transition[T]) {
	t.events = append(t.events, other.events...)
	t.checkpoint = t.checkpoint || other.checkpoint
	if other.restart != "" {
		t.restart = other.restart
	}
	if other.fatal != nil {
		t.fatal = other.fatal
	}
}

// state is the record a Collection mutates. Every method must be called
// with the collection's mu held.
type state[T any] struct {
	convert models.Converter[T]
	equal   func(a, b T) bool

	stream     streamState
	generation uint64

	initialized  bool
	restored     bool
	synchronized bool
	failed       error

	resumeToken      []byte
	readTime         *timestamppb.Timestamp
	lastSynchronized time.Time

	// targetData is what the server reported as matching since the stream
	// (re)started; emittedData is what listeners were told.
	targetData  map[string]T
	emittedData map[string]T
	// raw mirrors emittedData with the wire documents, kept only when
	// checkpoints are persisted.
	raw map[string]*firestorepb.Document

	usage usage
	stats Statistics
}

func newState[T any](convert models.Converter[T], equal func(a, b T) bool, keepRaw bool) *state[T] {
	s := &state[T]{
		convert:     convert,
		equal:       equal,
		targetData:  make(map[string]T),
		emittedData: make(map[string]T),
		usage:       newUsage(),
	}
	if keepRaw {
		s.raw = make(map[string]*firestorepb.Document)
	}
	return s
}

func (s *state[T]) transitionTo(next streamState) {
	if err := s.stream.validateTransitionTo(next); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
	s.stream = next
}

// begin moves an idle stream to pending and returns the new generation.
func (s *state[T]) begin() uint64 {
	s.transitionTo(streamPending)
	s.generation++
	return s.generation
}

func (s *state[T]) live(generation uint64) bool {
	return s.generation == generation && s.stream != streamIdle
}

// stop invalidates the running stream. Responses still in flight for the
// old generation are dropped by the controller.
func (s *state[T]) stop() {
	if s.stream != streamIdle {
		s.transitionTo(streamIdle)
	}
	s.generation++
	s.synchronized = false
	s.usage.clearTouched()
}

func (s *state[T]) reset() {
	s.targetData = make(map[string]T)
	s.emittedData = make(map[string]T)
	if s.raw != nil {
		s.raw = make(map[string]*firestorepb.Document)
	}
	s.synchronized = false
	s.failed = nil
	s.resumeToken = nil
	s.readTime = nil
}

// listenTarget builds the listen target for the next stream. Projections
// only apply to the bulk fetch. Without a cursor the server resends the
// full result set, so targetData starts over.
func (s *state[T]) listenTarget(target QueryTarget) *firestorepb.Target {
	query, _ := proto.Clone(target.StructuredQuery).(*firestorepb.StructuredQuery)
	query.Select = nil

	t := &firestorepb.Target{
		TargetType: &firestorepb.Target_Query{Query: &firestorepb.Target_QueryTarget{
			Parent:    target.Parent,
			QueryType: &firestorepb.Target_QueryTarget_StructuredQuery{StructuredQuery: query},
		}},
		TargetId: constants.TargetID,
	}

	switch {
	case len(s.resumeToken) > 0:
		t.ResumeType = &firestorepb.Target_ResumeToken{ResumeToken: s.resumeToken}
	case s.readTime != nil:
		t.ResumeType = &firestorepb.Target_ReadTime{ReadTime: s.readTime}
	default:
		s.targetData = make(map[string]T)
	}

	return t
}

func (s *state[T]) listenResponse(resp *firestorepb.ListenResponse) transition[T] {
	switch r := resp.GetResponseType().(type) {
	case *firestorepb.ListenResponse_DocumentChange:
		s.stats.Listen.Responses.DocumentChange++
		change := r.DocumentChange
		if !slices.Contains(change.GetTargetIds(), constants.TargetID) &&
			slices.Contains(change.GetRemovedTargetIds(), constants.TargetID) {
			return s.removeDocument(change.GetDocument().GetName())
		}
		return s.changeDocument(change.GetDocument())
	case *firestorepb.ListenResponse_DocumentDelete:
		s.stats.Listen.Responses.DocumentDelete++
		return s.removeDocument(r.DocumentDelete.GetDocument())
	case *firestorepb.ListenResponse_DocumentRemove:
		s.stats.Listen.Responses.DocumentRemove++
		return s.removeDocument(r.DocumentRemove.GetDocument())
	case *firestorepb.ListenResponse_Filter:
		s.stats.Listen.Responses.Filter++
		return s.filter(r.Filter)
	case *firestorepb.ListenResponse_TargetChange:
		s.stats.Listen.Responses.TargetChange++
		return s.targetChange(r.TargetChange)
	default:
		return fatal[T](fmt.Errorf("%w: %T", ErrUnknownResponse, r))
	}
}

func (s *state[T]) queryResponse(resp *firestorepb.RunQueryResponse) transition[T] {
	if rt := resp.GetReadTime(); rt != nil {
		s.readTime = rt
	}
	if resp.GetDocument() == nil {
		return transition[T]{}
	}
	s.stats.RunQuery.Responses++
	return s.changeDocument(resp.GetDocument())
}

// queryEnd completes the bulk fetch: it is a completeness checkpoint and
// hands over to a listen.
func (s *state[T]) queryEnd() transition[T] {
	s.initialized = true
	return transition[T]{events: s.checkpointReached(), checkpoint: true, restart: restartBulkComplete}
}

func (s *state[T]) changeDocument(doc *firestorepb.Document) transition[T] {
	if doc.GetName() == "" {
		return fatal[T](fmt.Errorf("%w: document change without document name", ErrMalformedResponse))
	}

	value, ok, err := s.convert(doc)
	if err != nil {
		return fatal[T](fmt.Errorf("failed to convert %s: %w", doc.GetName(), err))
	}
	if !ok {
		return s.removeDocument(doc.GetName())
	}

	id := models.DocumentID(doc.GetName())
	s.usage.touch(id)
	s.usage.Changed++

	s.targetData[id] = value
	previous, existed := s.emittedData[id]
	s.emittedData[id] = value
	if s.raw != nil {
		s.raw[id] = doc
	}

	switch {
	case !existed:
		return transition[T]{events: []Event[T]{{Type: EventDocumentAdded, ID: id, Data: value}}}
	case !s.equal(previous, value):
		return transition[T]{events: []Event[T]{{Type: EventDocumentUpdated, ID: id, Before: previous, Data: value}}}
	default:
		return transition[T]{}
	}
}

// removeDocument handles deletions, removals and documents the converter
// rejects alike.
func (s *state[T]) removeDocument(name string) transition[T] {
	if name == "" {
		return fatal[T](fmt.Errorf("%w: document removal without document name", ErrMalformedResponse))
	}

	id := models.DocumentID(name)
	s.usage.touch(id)
	s.usage.Removed++
	delete(s.targetData, id)

	previous, existed := s.emittedData[id]
	if !existed {
		return transition[T]{}
	}
	delete(s.emittedData, id)
	if s.raw != nil {
		delete(s.raw, id)
	}
	return transition[T]{events: []Event[T]{{Type: EventDocumentDeleted, ID: id, Before: previous}}}
}

func (s *state[T]) filter(f *firestorepb.ExistenceFilter) transition[T] {
	count := int(f.GetCount())
	s.usage.Filtered += count - len(s.usage.touched)
	s.usage.clearTouched()

	if count == len(s.targetData) {
		return transition[T]{}
	}

	// The cursor can no longer be trusted: start over from a full result set.
	s.resumeToken = nil
	s.readTime = nil
	s.targetData = make(map[string]T)
	return transition[T]{restart: restartFilterMismatch}
}

func (s *state[T]) targetChange(tc *firestorepb.TargetChange) transition[T] {
	if len(tc.GetResumeToken()) > 0 {
		s.resumeToken = tc.GetResumeToken()
	}
	if tc.GetReadTime() != nil {
		s.readTime = tc.GetReadTime()
	}

	switch tc.GetTargetChangeType() {
	case firestorepb.TargetChange_NO_CHANGE:
		s.stats.Listen.TargetChanges.NoChange++
		return transition[T]{}
	case firestorepb.TargetChange_ADD:
		s.stats.Listen.TargetChanges.Add++
		return transition[T]{}
	case firestorepb.TargetChange_CURRENT:
		s.stats.Listen.TargetChanges.Current++
		return transition[T]{events: s.checkpointReached(), checkpoint: true}
	case firestorepb.TargetChange_REMOVE:
		s.stats.Listen.TargetChanges.Remove++
		err := ErrTargetRemoved
		if cause := tc.GetCause(); cause != nil {
			err = fmt.Errorf("%w: %s (code %d)", ErrTargetRemoved, cause.GetMessage(), cause.GetCode())
		}
		return transition[T]{events: []Event[T]{{Type: EventWarning, Err: err}}, restart: restartTargetRemoved}
	case firestorepb.TargetChange_RESET:
		s.stats.Listen.TargetChanges.Reset++
		s.targetData = make(map[string]T)
		return transition[T]{}
	default:
		return fatal[T](fmt.Errorf("%w: %v", ErrUnsupportedTargetChange, tc.GetTargetChangeType()))
	}
}

// checkpointReached drops every emitted document the server no longer
// reports and marks the view synchronized.
func (s *state[T]) checkpointReached() []Event[T] {
	var stale []string
	for id := range s.emittedData {
		if _, ok := s.targetData[id]; !ok {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)

	events := make([]Event[T], 0, len(stale)+1)
	for _, id := range stale {
		previous := s.emittedData[id]
		delete(s.emittedData, id)
		if s.raw != nil {
			delete(s.raw, id)
		}
		events = append(events, Event[T]{Type: EventDocumentDeleted, ID: id, Before: previous})
	}

	s.synchronized = true
	if s.readTime != nil {
		s.lastSynchronized = s.readTime.AsTime()
	} else {
		s.lastSynchronized = time.Now()
	}

	return append(events, Event[T]{Type: EventSynchronized})
}

// snapshot returns the persisted form of the last checkpoint.
func (s *state[T]) snapshot() *checkpoint.Checkpoint {
	ids := make([]string, 0, len(s.raw))
	for id := range s.raw {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	cp := &checkpoint.Checkpoint{
		ResumeToken: slices.Clone(s.resumeToken),
		Documents:   make([]*firestorepb.Document, 0, len(ids)),
	}
	if s.readTime != nil {
		cp.ReadTime = s.readTime.AsTime()
	}
	for _, id := range ids {
		cp.Documents = append(cp.Documents, s.raw[id])
	}
	return cp
}

// restore seeds the state from a persisted checkpoint. Restored documents
// are announced as additions; they do not count as received traffic.
func (s *state[T]) restore(cp *checkpoint.Checkpoint) transition[T] {
	s.restored = true
	s.initialized = true
	s.resumeToken = slices.Clone(cp.ResumeToken)
	if !cp.ReadTime.IsZero() {
		s.readTime = timestamppb.New(cp.ReadTime)
	}

	var tr transition[T]
	for _, doc := range cp.Documents {
		tr.merge(s.changeDocument(doc))
		if tr.fatal != nil {
			return tr
		}
	}

	s.usage.Usage = Usage{}
	s.usage.clearTouched()
	return tr
}

func defaultEqual[T any](a, b T) bool {
	if am, ok := any(a).(proto.Message); ok {
		if bm, ok := any(b).(proto.Message); ok {
			return proto.Equal(am, bm)
		}
	}
	return reflect.DeepEqual(a, b)
}
