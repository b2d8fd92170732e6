package fakefirestore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	firestoreapi "cloud.google.com/go/firestore/apiv1"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T) (*Server, *firestoreapi.Client) {
	t.Helper()

	s := NewServer("test-project")
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	client, err := s.NewClient(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return s, client
}

func runQuery(t *testing.T, client *firestoreapi.Client, req *firestorepb.RunQueryRequest) ([]*firestorepb.RunQueryResponse, error) {
	t.Helper()

	stream, err := client.RunQuery(context.Background(), req)
	require.NoError(t, err)

	var out []*firestorepb.RunQueryResponse
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
}

func listen(t *testing.T, ctx context.Context, client *firestoreapi.Client, s *Server, target *firestorepb.Target) firestorepb.Firestore_ListenClient {
	t.Helper()

	stream, err := client.Listen(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&firestorepb.ListenRequest{
		Database:     s.Database(),
		TargetChange: &firestorepb.ListenRequest_AddTarget{AddTarget: target},
	}))
	return stream
}

func queryTarget(s *Server, collection string) *firestorepb.Target {
	return &firestorepb.Target{
		TargetId: 1,
		TargetType: &firestorepb.Target_Query{Query: &firestorepb.Target_QueryTarget{
			Parent:    s.Parent(),
			QueryType: &firestorepb.Target_QueryTarget_StructuredQuery{StructuredQuery: Query(collection)},
		}},
	}
}

// recvUntil collects responses up to and including the first NO_CHANGE.
func recvUntil(t *testing.T, stream firestorepb.Firestore_ListenClient) []*firestorepb.ListenResponse {
	t.Helper()

	var out []*firestorepb.ListenResponse
	for {
		resp, err := stream.Recv()
		require.NoError(t, err)
		out = append(out, resp)
		if resp.GetTargetChange() != nil && resp.GetTargetChange().GetTargetChangeType() == firestorepb.TargetChange_NO_CHANGE {
			return out
		}
	}
}

func TestRunQuery(t *testing.T) {
	s, client := startServer(t)

	require.NoError(t, s.Set("books", "b", map[string]any{"title": "B", "meta": map[string]any{"pages": 10, "lang": "en"}}))
	require.NoError(t, s.Set("books", "a", map[string]any{"title": "A"}))
	require.NoError(t, s.Set("films", "f", map[string]any{"title": "F"}))

	responses, err := runQuery(t, client, &firestorepb.RunQueryRequest{
		Parent:    s.Parent(),
		QueryType: &firestorepb.RunQueryRequest_StructuredQuery{StructuredQuery: Query("books")},
	})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, s.DocumentName("books", "a"), responses[0].GetDocument().GetName())
	assert.Equal(t, s.DocumentName("books", "b"), responses[1].GetDocument().GetName())
	assert.NotNil(t, responses[0].GetReadTime())

	query := Query("books")
	query.Select = &firestorepb.StructuredQuery_Projection{Fields: []*firestorepb.StructuredQuery_FieldReference{
		{FieldPath: "meta.pages"},
	}}
	responses, err = runQuery(t, client, &firestorepb.RunQueryRequest{
		Parent:    s.Parent(),
		QueryType: &firestorepb.RunQueryRequest_StructuredQuery{StructuredQuery: query},
	})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Empty(t, responses[0].GetDocument().GetFields())
	fields := responses[1].GetDocument().GetFields()
	require.Contains(t, fields, "meta")
	assert.Len(t, fields["meta"].GetMapValue().GetFields(), 1)
	assert.Equal(t, int64(10), fields["meta"].GetMapValue().GetFields()["pages"].GetIntegerValue())

	assert.Len(t, s.RunQueryRequests(), 2)
}

func TestRunQueryEmpty(t *testing.T) {
	s, client := startServer(t)

	responses, err := runQuery(t, client, &firestorepb.RunQueryRequest{
		Parent:    s.Parent(),
		QueryType: &firestorepb.RunQueryRequest_StructuredQuery{StructuredQuery: Query("books")},
	})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Nil(t, responses[0].GetDocument())
	assert.NotNil(t, responses[0].GetReadTime())
}

func TestRunQueryFailure(t *testing.T) {
	s, client := startServer(t)
	s.AddFailure(FailureConfig{Method: MethodRunQuery, Code: codes.PermissionDenied, Count: 1})

	req := &firestorepb.RunQueryRequest{
		Parent:    s.Parent(),
		QueryType: &firestorepb.RunQueryRequest_StructuredQuery{StructuredQuery: Query("books")},
	}
	_, err := runQuery(t, client, req)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = runQuery(t, client, req)
	assert.NoError(t, err)
}

func TestListenInitialAndLive(t *testing.T) {
	s, client := startServer(t)
	require.NoError(t, s.Set("books", "a", map[string]any{"title": "A"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := listen(t, ctx, client, s, queryTarget(s, "books"))
	initial := recvUntil(t, stream)
	require.Len(t, initial, 4)
	assert.Equal(t, firestorepb.TargetChange_ADD, initial[0].GetTargetChange().GetTargetChangeType())
	assert.Equal(t, s.DocumentName("books", "a"), initial[1].GetDocumentChange().GetDocument().GetName())
	assert.Equal(t, firestorepb.TargetChange_CURRENT, initial[2].GetTargetChange().GetTargetChangeType())
	assert.NotEmpty(t, initial[2].GetTargetChange().GetResumeToken())

	require.NoError(t, s.Set("books", "b", map[string]any{"title": "B"}))
	live := recvUntil(t, stream)
	require.Len(t, live, 2)
	assert.Equal(t, s.DocumentName("books", "b"), live[0].GetDocumentChange().GetDocument().GetName())

	s.Delete("books", "a")
	live = recvUntil(t, stream)
	require.Len(t, live, 2)
	assert.Equal(t, s.DocumentName("books", "a"), live[0].GetDocumentDelete().GetDocument())

	require.NoError(t, s.WaitForListeners(ctx, 1))
	assert.Len(t, s.ResourcePrefixes(), 1)
}

func TestListenResume(t *testing.T) {
	s, client := startServer(t)
	require.NoError(t, s.Set("books", "a", map[string]any{"title": "A"}))
	require.NoError(t, s.Set("books", "b", map[string]any{"title": "B"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := listen(t, ctx, client, s, queryTarget(s, "books"))
	initial := recvUntil(t, first)
	token := initial[len(initial)-1].GetTargetChange().GetResumeToken()
	require.NoError(t, first.CloseSend())

	require.NoError(t, s.Set("books", "c", map[string]any{"title": "C"}))
	s.Delete("books", "a")

	target := queryTarget(s, "books")
	target.ResumeType = &firestorepb.Target_ResumeToken{ResumeToken: token}
	resumed := recvUntil(t, listen(t, ctx, client, s, target))

	require.Len(t, resumed, 5)
	assert.Equal(t, s.DocumentName("books", "c"), resumed[1].GetDocumentChange().GetDocument().GetName())
	assert.Equal(t, s.DocumentName("books", "a"), resumed[2].GetDocumentDelete().GetDocument())
	assert.Equal(t, firestorepb.TargetChange_CURRENT, resumed[3].GetTargetChange().GetTargetChangeType())
}

func TestListenExistenceFilter(t *testing.T) {
	s, client := startServer(t)
	require.NoError(t, s.Set("books", "a", map[string]any{"title": "A"}))
	s.SetExistenceFilter(true, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// no filter without a cursor
	initial := recvUntil(t, listen(t, ctx, client, s, queryTarget(s, "books")))
	for _, resp := range initial {
		assert.Nil(t, resp.GetFilter())
	}

	target := queryTarget(s, "books")
	target.ResumeType = &firestorepb.Target_ResumeToken{ResumeToken: encodeToken(0)}
	resumed := recvUntil(t, listen(t, ctx, client, s, target))
	var filter *firestorepb.ExistenceFilter
	for _, resp := range resumed {
		if resp.GetFilter() != nil {
			filter = resp.GetFilter()
		}
	}
	require.NotNil(t, filter)
	assert.Equal(t, int32(3), filter.GetCount())
}

func TestListenInjectAndBreak(t *testing.T) {
	s, client := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := listen(t, ctx, client, s, queryTarget(s, "books"))
	recvUntil(t, stream)
	require.NoError(t, s.WaitForListeners(ctx, 1))

	s.Inject(&firestorepb.ListenResponse{ResponseType: &firestorepb.ListenResponse_TargetChange{
		TargetChange: &firestorepb.TargetChange{TargetChangeType: firestorepb.TargetChange_RESET},
	}})
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, firestorepb.TargetChange_RESET, resp.GetTargetChange().GetTargetChangeType())

	s.Break(codes.Unavailable)
	_, err = stream.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestListenFailure(t *testing.T) {
	s, client := startServer(t)
	s.AddFailure(FailureConfig{Method: MethodListen, Code: codes.Unavailable, Count: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := listen(t, ctx, client, s, queryTarget(s, "books")).Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))

	recvUntil(t, listen(t, ctx, client, s, queryTarget(s, "books")))
	assert.Len(t, s.ListenRequests(), 2)
}
