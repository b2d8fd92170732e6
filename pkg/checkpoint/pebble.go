package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for checkpoint writes.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every save.
	FsyncModeAlways
	// FsyncModeInterval syncs every save but lets Pebble group the WAL syncs
	// of saves arriving within FsyncInterval. Unspecified behaves the same.
	FsyncModeInterval
	// FsyncModeNever does not wait for the WAL to reach disk; a crash may
	// lose the latest saves.
	FsyncModeNever
)

const keyPrefix = "checkpoint/"

type PebbleOptions struct {
	// DataDir is the path to the Pebble database directory.
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// Pebble allows advanced tuning. If nil, defaults are used.
	Pebble   *pebble.Options
	Encoding *Encoding
}

// PebbleStore persists checkpoints in an embedded Pebble database.
type PebbleStore struct {
	db        *pebble.DB
	writeSync bool
	encoding  Encoding
}

var _ Store = (*PebbleStore)(nil)

func OpenPebble(opts PebbleOptions) (*PebbleStore, error) {
	if opts.DataDir == "" {
		return nil, errors.New("checkpoint: PebbleOptions.DataDir is required")
	}

	po := opts.Pebble
	if po == nil {
		po = &pebble.Options{}
	}

	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("checkpoint failed to open %s: %w", opts.DataDir, err)
	}

	encoding := DefaultEncoding()
	if opts.Encoding != nil {
		encoding = *opts.Encoding
	}

	return &PebbleStore{db: db, writeSync: opts.Fsync != FsyncModeNever, encoding: encoding}, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleStore) Load(_ context.Context, key string) (*Checkpoint, error) {
	val, closer, err := s.db.Get([]byte(keyPrefix + key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	return s.encoding.Decode(val)
}

func (s *PebbleStore) Save(_ context.Context, key string, cp *Checkpoint) error {
	raw, err := s.encoding.Encode(cp)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(keyPrefix+key), raw, s.writeOptions())
}

func (s *PebbleStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(keyPrefix+key), s.writeOptions())
}

// Keys lists every key holding a checkpoint.
func (s *PebbleStore) Keys() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: prefixEnd([]byte(keyPrefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()[len(keyPrefix):]))
	}
	return keys, iter.Error()
}

// writeOptions syncs unless syncing is off. WALMinSyncInterval only delays
// synced writes, so interval mode needs pebble.Sync as well.
func (s *PebbleStore) writeOptions() *pebble.WriteOptions {
	if s.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
