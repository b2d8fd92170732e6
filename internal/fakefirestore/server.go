// Package fakefirestore provides a fake document database for testing
// purposes. It serves the RunQuery and Listen RPCs over an in-memory gRPC
// listener and keeps documents, versions and deletions in memory, so
// resumed listens only receive what changed after their cursor.
//
// To flexibly inject failures, you can configure failures for the next
// calls of a method, break every open listen stream, send existence
// filters with a skewed count, or push arbitrary listen responses.
package fakefirestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	firestoreapi "cloud.google.com/go/firestore/apiv1"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/firesync/firesync.go/pkg/constants"
	"github.com/firesync/firesync.go/pkg/models"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const bufSize = 1 << 20

// Methods that accept failures.
const (
	MethodListen   = "Listen"
	MethodRunQuery = "RunQuery"
)

// FailureConfig makes the next Count calls of Method fail with Code.
type FailureConfig struct {
	Method  string
	Code    codes.Code
	Message string
	Count   int
}

type entry struct {
	doc     *firestorepb.Document
	version int64
}

type session struct {
	parent     string
	collection string
	wake       chan struct{}
	inject     chan injection
}

type injection struct {
	response *firestorepb.ListenResponse
	err      error
}

// Server is a fake document database speaking the gRPC protocol.
type Server struct {
	firestorepb.UnimplementedFirestoreServer

	projectID string
	epoch     time.Time

	mu       sync.Mutex
	version  int64
	docs     map[string]*entry
	deleted  map[string]int64
	sessions map[*session]struct{}
	failures []*FailureConfig

	existenceFilter bool
	filterSkew      int

	listenRequests []*firestorepb.ListenRequest
	queryRequests  []*firestorepb.RunQueryRequest
	prefixes       []string

	listener *bufconn.Listener
	server   *grpc.Server
}

func NewServer(projectID string) *Server {
	return &Server{
		projectID: projectID,
		epoch:     time.Now().Truncate(time.Millisecond),
		docs:      make(map[string]*entry),
		deleted:   make(map[string]int64),
		sessions:  make(map[*session]struct{}),
	}
}

func (s *Server) Start() error {
	s.listener = bufconn.Listen(bufSize)
	s.server = grpc.NewServer()
	firestorepb.RegisterFirestoreServer(s.server, s)

	go func() {
		_ = s.server.Serve(s.listener)
	}()

	return nil
}

func (s *Server) Stop() error {
	if s.server != nil {
		s.server.Stop()
	}
	return nil
}

// Dial opens a client connection to the server.
func (s *Server) Dial() (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

// NewClient returns a generated client talking to the server.
func (s *Server) NewClient(ctx context.Context) (*firestoreapi.Client, error) {
	conn, err := s.Dial()
	if err != nil {
		return nil, err
	}
	return firestoreapi.NewClient(ctx, option.WithGRPCConn(conn))
}

func (s *Server) ProjectID() string {
	return s.projectID
}

func (s *Server) Database() string {
	return fmt.Sprintf("projects/%s/databases/%s", s.projectID, constants.DefaultDatabaseID)
}

func (s *Server) Parent() string {
	return s.Database() + "/" + constants.DocumentsSuffix
}

func (s *Server) DocumentName(collection, id string) string {
	return s.Parent() + "/" + collection + "/" + id
}

// Query returns a structured query over every document of collection.
func Query(collection string) *firestorepb.StructuredQuery {
	return &firestorepb.StructuredQuery{
		From: []*firestorepb.StructuredQuery_CollectionSelector{{CollectionId: collection}},
	}
}

// Set creates or replaces a document.
func (s *Server) Set(collection, id string, record map[string]any) error {
	fields, err := models.FieldsToNative(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	name := s.DocumentName(collection, id)
	now := s.timestamp(s.version)

	doc := &firestorepb.Document{Name: name, Fields: fields, CreateTime: now, UpdateTime: now}
	if existing, ok := s.docs[name]; ok {
		doc.CreateTime = existing.doc.GetCreateTime()
	}
	s.docs[name] = &entry{doc: doc, version: s.version}
	delete(s.deleted, name)
	s.wakeLocked()

	return nil
}

// Delete removes a document. Deleting a missing document is a no-op.
func (s *Server) Delete(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.DocumentName(collection, id)
	if _, ok := s.docs[name]; !ok {
		return
	}
	s.version++
	delete(s.docs, name)
	s.deleted[name] = s.version
	s.wakeLocked()
}

// AddFailure registers a failure for upcoming calls.
func (s *Server) AddFailure(failure FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure)
}

// SetExistenceFilter makes resumed listens send an existence filter whose
// count is off by skew from the true number of matching documents.
func (s *Server) SetExistenceFilter(enabled bool, skew int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existenceFilter = enabled
	s.filterSkew = skew
}

// Inject sends resp on every open listen stream.
func (s *Server) Inject(resp *firestorepb.ListenResponse) {
	s.broadcast(injection{response: resp})
}

// Break terminates every open listen stream with code.
func (s *Server) Break(code codes.Code) {
	s.broadcast(injection{err: status.Error(code, "stream broken by test")})
}

func (s *Server) broadcast(inj injection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		select {
		case sess.inject <- inj:
		default:
		}
	}
}

// Listeners returns the number of open listen streams.
func (s *Server) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// WaitForListeners blocks until at least n listen streams are open.
func (s *Server) WaitForListeners(ctx context.Context, n int) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for s.Listeners() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Server) ListenRequests() []*firestorepb.ListenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.listenRequests)
}

func (s *Server) RunQueryRequests() []*firestorepb.RunQueryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queryRequests)
}

// ResourcePrefixes returns the routing header of every call received.
func (s *Server) ResourcePrefixes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.prefixes)
}

func (s *Server) RunQuery(req *firestorepb.RunQueryRequest, stream firestorepb.Firestore_RunQueryServer) error {
	s.mu.Lock()
	s.queryRequests = append(s.queryRequests, proto.Clone(req).(*firestorepb.RunQueryRequest))
	s.recordPrefixLocked(stream.Context())
	if err := s.takeFailureLocked(MethodRunQuery); err != nil {
		s.mu.Unlock()
		return err
	}
	query := req.GetStructuredQuery()
	docs := s.matchingLocked(req.GetParent(), collectionID(query))
	readTime := s.timestamp(s.version)
	s.mu.Unlock()

	if len(docs) == 0 {
		return stream.Send(&firestorepb.RunQueryResponse{ReadTime: readTime})
	}

	for _, e := range docs {
		doc := project(e.doc, query.GetSelect())
		if err := stream.Send(&firestorepb.RunQueryResponse{Document: doc, ReadTime: readTime}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) Listen(stream firestorepb.Firestore_ListenServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}

	target := req.GetAddTarget()
	if target == nil || target.GetQuery() == nil {
		return status.Error(codes.InvalidArgument, "first listen request must add a query target")
	}
	parent := target.GetQuery().GetParent()
	collection := collectionID(target.GetQuery().GetStructuredQuery())

	s.mu.Lock()
	s.listenRequests = append(s.listenRequests, proto.Clone(req).(*firestorepb.ListenRequest))
	s.recordPrefixLocked(stream.Context())
	if err := s.takeFailureLocked(MethodListen); err != nil {
		s.mu.Unlock()
		return err
	}

	cursor := int64(-1)
	switch resume := target.GetResumeType().(type) {
	case *firestorepb.Target_ResumeToken:
		cursor = decodeToken(resume.ResumeToken)
	case *firestorepb.Target_ReadTime:
		cursor = s.versionAt(resume.ReadTime)
	}

	sess := &session{
		parent:     parent,
		collection: collection,
		wake:       make(chan struct{}, 1),
		inject:     make(chan injection, 16),
	}
	s.sessions[sess] = struct{}{}
	initial := s.changesLocked(parent, collection, cursor)
	version := s.version
	count := len(s.matchingLocked(parent, collection)) + s.filterSkew
	sendFilter := s.existenceFilter && cursor >= 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	go func() {
		// the client half-closes when it stops listening
		for {
			if _, err := stream.Recv(); err != nil {
				cancel()
				return
			}
		}
	}()

	ids := []int32{target.GetTargetId()}
	responses := []*firestorepb.ListenResponse{targetChange(firestorepb.TargetChange_ADD, ids, nil, nil)}
	responses = append(responses, initial...)
	if sendFilter {
		responses = append(responses, &firestorepb.ListenResponse{ResponseType: &firestorepb.ListenResponse_Filter{
			Filter: &firestorepb.ExistenceFilter{TargetId: target.GetTargetId(), Count: int32(count)},
		}})
	}
	responses = append(responses,
		targetChange(firestorepb.TargetChange_CURRENT, ids, encodeToken(version), s.timestamp(version)),
		targetChange(firestorepb.TargetChange_NO_CHANGE, nil, encodeToken(version), s.timestamp(version)),
	)
	for _, resp := range responses {
		if err := stream.Send(resp); err != nil {
			return err
		}
	}

	sent := version
	for {
		select {
		case <-ctx.Done():
			return nil
		case inj := <-sess.inject:
			if inj.err != nil {
				return inj.err
			}
			if err := stream.Send(inj.response); err != nil {
				return err
			}
		case <-sess.wake:
			s.mu.Lock()
			changes := s.changesLocked(parent, collection, sent)
			version := s.version
			s.mu.Unlock()

			if len(changes) == 0 {
				continue
			}
			changes = append(changes, targetChange(firestorepb.TargetChange_NO_CHANGE, nil, encodeToken(version), s.timestamp(version)))
			for _, resp := range changes {
				if err := stream.Send(resp); err != nil {
					return err
				}
			}
			sent = version
		}
	}
}

func (s *Server) wakeLocked() {
	for sess := range s.sessions {
		select {
		case sess.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Server) takeFailureLocked(method string) error {
	for _, f := range s.failures {
		if f.Method == method && f.Count > 0 {
			f.Count--
			msg := f.Message
			if msg == "" {
				msg = "injected failure"
			}
			return status.Error(f.Code, msg)
		}
	}
	return nil
}

func (s *Server) recordPrefixLocked(ctx context.Context) {
	md, _ := metadata.FromIncomingContext(ctx)
	s.prefixes = append(s.prefixes, strings.Join(md.Get(constants.ResourcePrefixHeader), ","))
}

func (s *Server) matchingLocked(parent, collection string) []*entry {
	var out []*entry
	for name, e := range s.docs {
		if inCollection(name, parent, collection) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].doc.GetName() < out[j].doc.GetName() })
	return out
}

// changesLocked lists what a listener with cursor must receive. A negative
// cursor means the listener knows nothing: only live documents are sent.
func (s *Server) changesLocked(parent, collection string, cursor int64) []*firestorepb.ListenResponse {
	type change struct {
		version  int64
		response *firestorepb.ListenResponse
	}

	var changes []change
	for name, e := range s.docs {
		if e.version > cursor && inCollection(name, parent, collection) {
			changes = append(changes, change{e.version, &firestorepb.ListenResponse{
				ResponseType: &firestorepb.ListenResponse_DocumentChange{DocumentChange: &firestorepb.DocumentChange{
					Document:  proto.Clone(e.doc).(*firestorepb.Document),
					TargetIds: []int32{constants.TargetID},
				}},
			}})
		}
	}
	if cursor >= 0 {
		for name, version := range s.deleted {
			if version > cursor && inCollection(name, parent, collection) {
				changes = append(changes, change{version, &firestorepb.ListenResponse{
					ResponseType: &firestorepb.ListenResponse_DocumentDelete{DocumentDelete: &firestorepb.DocumentDelete{
						Document:         name,
						RemovedTargetIds: []int32{constants.TargetID},
						ReadTime:         s.timestamp(version),
					}},
				}})
			}
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].version < changes[j].version })
	out := make([]*firestorepb.ListenResponse, len(changes))
	for i, c := range changes {
		out[i] = c.response
	}
	return out
}

func (s *Server) timestamp(version int64) *timestamppb.Timestamp {
	return timestamppb.New(s.epoch.Add(time.Duration(version) * time.Millisecond))
}

func (s *Server) versionAt(ts *timestamppb.Timestamp) int64 {
	return int64(ts.AsTime().Sub(s.epoch) / time.Millisecond)
}

func targetChange(kind firestorepb.TargetChange_TargetChangeType, ids []int32, token []byte, readTime *timestamppb.Timestamp) *firestorepb.ListenResponse {
	return &firestorepb.ListenResponse{ResponseType: &firestorepb.ListenResponse_TargetChange{TargetChange: &firestorepb.TargetChange{
		TargetChangeType: kind,
		TargetIds:        ids,
		ResumeToken:      token,
		ReadTime:         readTime,
	}}}
}

func encodeToken(version int64) []byte {
	token := make([]byte, 8)
	binary.BigEndian.PutUint64(token, uint64(version))
	return token
}

func decodeToken(token []byte) int64 {
	if len(token) != 8 {
		return -1
	}
	return int64(binary.BigEndian.Uint64(token))
}

func collectionID(query *firestorepb.StructuredQuery) string {
	if from := query.GetFrom(); len(from) > 0 {
		return from[0].GetCollectionId()
	}
	return ""
}

func inCollection(name, parent, collection string) bool {
	prefix := parent + "/" + collection + "/"
	return strings.HasPrefix(name, prefix) && !strings.Contains(name[len(prefix):], "/")
}

// project keeps only the selected field paths. Paths use dots to reach into
// maps.
func project(doc *firestorepb.Document, sel *firestorepb.StructuredQuery_Projection) *firestorepb.Document {
	out := proto.Clone(doc).(*firestorepb.Document)
	if sel == nil || len(sel.GetFields()) == 0 {
		return out
	}

	out.Fields = make(map[string]*firestorepb.Value)
	for _, ref := range sel.GetFields() {
		copyPath(out.Fields, doc.GetFields(), strings.Split(ref.GetFieldPath(), "."))
	}
	return out
}

func copyPath(dst, src map[string]*firestorepb.Value, path []string) {
	value, ok := src[path[0]]
	if !ok {
		return
	}
	if len(path) == 1 {
		dst[path[0]] = proto.Clone(value).(*firestorepb.Value)
		return
	}

	nested := value.GetMapValue()
	if nested == nil {
		return
	}
	target := dst[path[0]].GetMapValue()
	if target == nil {
		target = &firestorepb.MapValue{Fields: make(map[string]*firestorepb.Value)}
		dst[path[0]] = &firestorepb.Value{ValueType: &firestorepb.Value_MapValue{MapValue: target}}
	}
	copyPath(target.Fields, nested.GetFields(), path[1:])
}
