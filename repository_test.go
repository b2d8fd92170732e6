package firesync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/firesync/firesync.go/internal/fakefirestore"
	"github.com/firesync/firesync.go/pkg/backoff"
	"github.com/firesync/firesync.go/pkg/checkpoint"
	"github.com/firesync/firesync.go/pkg/constants"
	"github.com/firesync/firesync.go/pkg/models"
	"github.com/firesync/firesync.go/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T, opts ...Option) (*Repository, *fakefirestore.Server) {
	t.Helper()

	srv := fakefirestore.NewServer("test-project")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	client, err := srv.NewClient(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]Option{WithBackoffOptions(backoff.WithInitialDelay(time.Millisecond), backoff.WithMaxDelay(time.Millisecond))}, opts...)
	r, err := FromClient(client, srv.ProjectID(), opts...)
	require.NoError(t, err)
	return r, srv
}

func TestFromClientValidation(t *testing.T) {
	_, err := FromClient(nil, "p")
	assert.Error(t, err)

	r, _ := newTestRepository(t)
	_, err = FromClient(r.client, "")
	assert.ErrorIs(t, err, constants.ErrNoProjectID)
}

func TestResourceNames(t *testing.T) {
	r, srv := newTestRepository(t)

	assert.Equal(t, "test-project", r.ProjectID())
	assert.Equal(t, srv.Database(), r.Database())
	assert.Equal(t, srv.Parent(), r.DefaultParent())
	assert.Equal(t, srv.Parent()+"/shelves/s1", r.DefaultParent("shelves", "s1"))

	target := r.Target("books")
	assert.Equal(t, srv.Parent(), target.Parent)
	assert.Equal(t, "books", target.StructuredQuery.GetFrom()[0].GetCollectionId())

	other, _ := newTestRepository(t, WithDatabaseID("archive"))
	assert.Equal(t, "projects/test-project/databases/archive", other.Database())
}

func TestNewCollection(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	r, srv := newTestRepository(t, WithCheckpointStore(store))
	require.NoError(t, srv.Set("books", "a", map[string]any{"title": "A"}))

	target := r.Target("books")
	target.Parent = ""
	books, err := NewCollection(r, target, models.Canonical)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Collections())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = books.On(subscription.EventDocumentAdded, func(subscription.Event[models.Document]) {})
	require.NoError(t, err)
	require.NoError(t, books.Synchronize(ctx))
	assert.Contains(t, books.Data(), "a")

	assert.Contains(t, books.CheckpointKey(), "books/")
	cp, err := store.Load(ctx, books.CheckpointKey())
	require.NoError(t, err)
	assert.Len(t, cp.Documents, 1)

	for _, prefix := range srv.ResourcePrefixes() {
		assert.Contains(t, prefix, r.Database())
	}

	require.NoError(t, r.Close(ctx))
	assert.ErrorIs(t, books.Synchronize(ctx), subscription.ErrClosed)
	assert.ErrorIs(t, r.Close(ctx), constants.ErrClosed)

	_, err = NewCollection(r, r.Target("books"), models.Canonical)
	assert.ErrorIs(t, err, constants.ErrClosed)
}

func TestNewCollectionCheckpointKeys(t *testing.T) {
	r, _ := newTestRepository(t, WithCheckpointStore(checkpoint.NewMemoryStore()))
	ctx := context.Background()

	first, err := NewCollection(r, r.Target("books"), models.Canonical)
	require.NoError(t, err)

	_, err = NewCollection(r, r.Target("books"), models.Canonical)
	assert.ErrorIs(t, err, constants.ErrDuplicateCheckpoint)
	assert.Equal(t, 1, r.Collections())

	explicit, err := NewCollection(r, r.Target("books"), models.Canonical,
		subscription.WithCheckpoint(r.store, "books-by-title"))
	require.NoError(t, err)
	assert.Equal(t, "books-by-title", explicit.CheckpointKey())

	filtered := r.Target("books")
	filtered.StructuredQuery.Where = &firestorepb.StructuredQuery_Filter{FilterType: &firestorepb.StructuredQuery_Filter_UnaryFilter{
		UnaryFilter: &firestorepb.StructuredQuery_UnaryFilter{
			Op:          firestorepb.StructuredQuery_UnaryFilter_IS_NOT_NULL,
			OperandType: &firestorepb.StructuredQuery_UnaryFilter_Field{Field: &firestorepb.StructuredQuery_FieldReference{FieldPath: "title"}},
		},
	}}
	other, err := NewCollection(r, filtered, models.Canonical)
	require.NoError(t, err)
	assert.NotEqual(t, first.CheckpointKey(), other.CheckpointKey())

	require.NoError(t, first.Close(ctx))
	replacement, err := NewCollection(r, r.Target("books"), models.Canonical)
	require.NoError(t, err)
	assert.Equal(t, first.CheckpointKey(), replacement.CheckpointKey())

	require.NoError(t, r.Close(ctx))
}

func TestNewCollectionOptionsOverride(t *testing.T) {
	r, _ := newTestRepository(t)

	c, err := NewCollection(r, r.Target("books"), models.Identity, subscription.WithName("library"))
	require.NoError(t, err)
	assert.Equal(t, "library", c.Name())

	_, err = NewCollection(r, subscription.QueryTarget{}, models.Identity)
	assert.ErrorIs(t, err, constants.ErrNoQuery)
	assert.Equal(t, 1, r.Collections())

	require.NoError(t, r.Close(context.Background()))
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "firesync.log")

	cfg := DefaultConfig()
	cfg.ProjectID = "demo"
	cfg.EmulatorHost = "127.0.0.1:1"
	cfg.Log.Path = logPath
	cfg.Checkpoint.Dir = filepath.Join(dir, "checkpoints")
	cfg.Backoff.MaxRetries = 2

	ctx := context.Background()
	r, err := New(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "projects/demo/databases/(default)", r.Database())
	require.NotNil(t, r.store)

	require.NoError(t, r.store.Save(ctx, "k", &checkpoint.Checkpoint{ResumeToken: []byte("t")}))
	require.NoError(t, r.Close(ctx))

	logs, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "Repository ready")
	assert.Contains(t, string(logs), `"project":"demo"`)

	reopened, err := checkpoint.OpenPebble(checkpoint.PebbleOptions{DataDir: cfg.Checkpoint.Dir})
	require.NoError(t, err)
	defer reopened.Close()
	cp, err := reopened.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("t"), cp.ResumeToken)
}

func TestNewTextLogs(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "firesync.log")

	cfg := DefaultConfig()
	cfg.ProjectID = "demo"
	cfg.EmulatorHost = "127.0.0.1:1"
	cfg.Log = LogConfig{Level: "debug", Format: "text", Path: logPath}

	ctx := context.Background()
	r, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))

	logs, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "level=INFO")
	assert.Contains(t, string(logs), `msg="Repository ready"`)
	assert.Contains(t, string(logs), "project=demo")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig())
	assert.ErrorIs(t, err, constants.ErrNoProjectID)
}
