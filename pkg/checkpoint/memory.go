package checkpoint

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore keeps encoded checkpoints in process memory.
type MemoryStore struct {
	data     *xsync.Map[string, []byte]
	encoding Encoding
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: xsync.NewMap[string, []byte](), encoding: DefaultEncoding()}
}

func (m *MemoryStore) Load(_ context.Context, key string) (*Checkpoint, error) {
	raw, ok := m.data.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return m.encoding.Decode(raw)
}

func (m *MemoryStore) Save(_ context.Context, key string, cp *Checkpoint) error {
	raw, err := m.encoding.Encode(cp)
	if err != nil {
		return err
	}
	m.data.Store(key, raw)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.data.Delete(key)
	return nil
}
