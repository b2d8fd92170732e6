package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/proto"
)

// Client is the transport a Collection streams from. *firestore.Client of
// cloud.google.com/go/firestore/apiv1 satisfies it.
type Client interface {
	Listen(ctx context.Context, opts ...gax.CallOption) (firestorepb.Firestore_ListenClient, error)
	RunQuery(ctx context.Context, req *firestorepb.RunQueryRequest, opts ...gax.CallOption) (firestorepb.Firestore_RunQueryClient, error)
}

// QueryTarget selects the documents of a subscription. Parent is the
// resource the query runs under, usually
// projects/<project>/databases/<database>/documents. A Select projection on
// StructuredQuery only applies to the initial bulk fetch; listens always
// receive full documents.
type QueryTarget struct {
	Parent          string
	StructuredQuery *firestorepb.StructuredQuery
}

// CheckpointKey derives the default checkpoint key of a target: name
// followed by a digest of the parent and the query. The Select projection
// is left out since it only shapes the bulk fetch, so targets that stream
// the same documents share a key.
func CheckpointKey(name string, target QueryTarget) (string, error) {
	query, _ := proto.Clone(target.StructuredQuery).(*firestorepb.StructuredQuery)
	if query != nil {
		query.Select = nil
	}

	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(&firestorepb.Target_QueryTarget{
		Parent:    target.Parent,
		QueryType: &firestorepb.Target_QueryTarget_StructuredQuery{StructuredQuery: query},
	})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(raw)
	return name + "/" + hex.EncodeToString(sum[:]), nil
}
