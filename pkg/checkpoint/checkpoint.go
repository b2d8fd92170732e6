// Package checkpoint persists the resumption state of a subscription: the
// listen cursor and the documents confirmed at the last completeness
// checkpoint. A subscription restored from a checkpoint resumes with a
// listen instead of a bulk fetch.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/firesync/firesync.go/internal/codec"
	"github.com/firesync/firesync.go/pkg/models"
	"google.golang.org/protobuf/proto"
)

var ErrNotFound = errors.New("checkpoint not found")

type Checkpoint struct {
	ResumeToken []byte
	ReadTime    time.Time
	Documents   []*firestorepb.Document
}

// Store loads and saves checkpoints by key. Load returns ErrNotFound when
// nothing was saved under key.
type Store interface {
	Load(ctx context.Context, key string) (*Checkpoint, error)
	Save(ctx context.Context, key string, cp *Checkpoint) error
	Delete(ctx context.Context, key string) error
}

// envelope is the persisted form. Documents keep their protobuf encoding so
// every wire value type survives unchanged.
type envelope struct {
	Version     int       `cbor:"1,keyasint"`
	ResumeToken []byte    `cbor:"2,keyasint,omitempty"`
	ReadTime    time.Time `cbor:"3,keyasint,omitempty"`
	Documents   [][]byte  `cbor:"4,keyasint"`
}

const envelopeVersion = 1

// Encoding converts checkpoints to bytes and back.
type Encoding struct {
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
}

func DefaultEncoding() Encoding {
	return Encoding{Marshaler: models.CborMarshaler{}, Unmarshaler: models.CborUnmarshaler{}}
}

func (e Encoding) Encode(cp *Checkpoint) ([]byte, error) {
	env := envelope{
		Version:     envelopeVersion,
		ResumeToken: cp.ResumeToken,
		ReadTime:    cp.ReadTime,
		Documents:   make([][]byte, 0, len(cp.Documents)),
	}
	for _, doc := range cp.Documents {
		raw, err := proto.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("checkpoint failed to encode document %s: %w", doc.GetName(), err)
		}
		env.Documents = append(env.Documents, raw)
	}
	return e.Marshaler.Marshal(env)
}

func (e Encoding) Decode(data []byte) (*Checkpoint, error) {
	var env envelope
	if err := e.Unmarshaler.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("checkpoint failed to decode: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("checkpoint has unsupported version %d", env.Version)
	}

	cp := &Checkpoint{
		ResumeToken: env.ResumeToken,
		ReadTime:    env.ReadTime,
		Documents:   make([]*firestorepb.Document, 0, len(env.Documents)),
	}
	for i, raw := range env.Documents {
		doc := &firestorepb.Document{}
		if err := proto.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("checkpoint failed to decode document %d: %w", i, err)
		}
		cp.Documents = append(cp.Documents, doc)
	}
	return cp, nil
}
