package firesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	firestoreapi "cloud.google.com/go/firestore/apiv1"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/firesync/firesync.go/pkg/backoff"
	"github.com/firesync/firesync.go/pkg/checkpoint"
	"github.com/firesync/firesync.go/pkg/constants"
	"github.com/firesync/firesync.go/pkg/logger"
	"github.com/firesync/firesync.go/pkg/metrics"
	"github.com/firesync/firesync.go/pkg/models"
	"github.com/firesync/firesync.go/pkg/subscription"
	"github.com/gofrs/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Repository creates collections that share one client, logger, metrics
// collector and checkpoint store.
type Repository struct {
	client     subscription.Client
	projectID  string
	databaseID string

	logger      logger.Logger
	metrics     metrics.Collector
	store       checkpoint.Store
	backoffOpts []backoff.Option

	collections *xsync.Map[uuid.UUID, closer]
	closers     []io.Closer
	closed      atomic.Bool

	// checkpointKeys maps keys to the live collections persisting under them.
	keysMu         sync.Mutex
	checkpointKeys map[string]keyed
}

type closer interface {
	Close(ctx context.Context) error
}

type keyed interface {
	Closed() bool
}

type Option func(*Repository)

func WithLogger(l logger.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(r *Repository) { r.metrics = m }
}

// WithCheckpointStore persists every collection's checkpoints in store,
// keyed by collection name.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(r *Repository) { r.store = store }
}

func WithDatabaseID(id string) Option {
	return func(r *Repository) { r.databaseID = id }
}

// WithBackoffOptions configures the backoff each collection gets.
func WithBackoffOptions(opts ...backoff.Option) Option {
	return func(r *Repository) { r.backoffOpts = append(r.backoffOpts, opts...) }
}

// New dials the database described by cfg. The repository owns the client
// and every resource cfg asks for, and releases them on Close.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	switch {
	case cfg.EmulatorHost != "":
		conn, err := grpc.NewClient(cfg.EmulatorHost,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithPerRPCCredentials(emulatorCreds{}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to dial emulator %s: %w", cfg.EmulatorHost, err)
		}
		clientOpts = append(clientOpts, option.WithGRPCConn(conn))
	case cfg.Endpoint != "":
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" && cfg.EmulatorHost == "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestoreapi.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	r := newRepository(client, cfg.ProjectID)
	r.databaseID = cfg.DatabaseID
	r.backoffOpts = cfg.backoffOptions()
	r.closers = append(r.closers, client)

	l, logFile, err := cfg.Log.build()
	if err != nil {
		_ = r.closeResources()
		return nil, err
	}
	r.logger = l
	if logFile != nil {
		r.closers = append(r.closers, logFile)
	}

	if cfg.Metrics.Enabled {
		m, err := metrics.NewPrometheus(nil, cfg.Metrics.Namespace)
		if err != nil {
			_ = r.closeResources()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		r.metrics = m
	}

	if cfg.Checkpoint.Dir != "" {
		fsync := checkpoint.FsyncModeInterval
		if cfg.Checkpoint.Fsync {
			fsync = checkpoint.FsyncModeAlways
		}
		store, err := checkpoint.OpenPebble(checkpoint.PebbleOptions{DataDir: cfg.Checkpoint.Dir, Fsync: fsync})
		if err != nil {
			_ = r.closeResources()
			return nil, err
		}
		r.store = store
		r.closers = append(r.closers, store)
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger.Info("Repository ready", "project", r.projectID, "database", r.databaseID,
		"emulator", cfg.EmulatorHost != "", "checkpoints", r.store != nil)

	return r, nil
}

// FromClient wraps an existing client. Closing the repository closes its
// collections but not client.
func FromClient(client subscription.Client, projectID string, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, errors.New("repository requires a client")
	}
	if projectID == "" {
		return nil, constants.ErrNoProjectID
	}

	r := newRepository(client, projectID)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func newRepository(client subscription.Client, projectID string) *Repository {
	return &Repository{
		client:      client,
		projectID:   projectID,
		databaseID:  constants.DefaultDatabaseID,
		logger:      logger.NewNop(),
		metrics:     metrics.NewNop(),
		collections: xsync.NewMap[uuid.UUID, closer](),

		checkpointKeys: make(map[string]keyed),
	}
}

// emulatorCreds authenticates as the emulator's owner.
type emulatorCreds struct{}

func (emulatorCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer owner"}, nil
}

func (emulatorCreds) RequireTransportSecurity() bool {
	return false
}

func (r *Repository) ProjectID() string {
	return r.projectID
}

// Database returns projects/<project>/databases/<database>.
func (r *Repository) Database() string {
	return fmt.Sprintf("projects/%s/databases/%s", r.projectID, r.databaseID)
}

// DefaultParent returns the documents root of the database, extended by
// the given path segments.
func (r *Repository) DefaultParent(suffix ...string) string {
	parent := r.Database() + "/" + constants.DocumentsSuffix
	if len(suffix) == 0 {
		return parent
	}
	return parent + "/" + strings.Join(suffix, "/")
}

// Target selects every document of collectionID under the default parent.
func (r *Repository) Target(collectionID string) subscription.QueryTarget {
	return subscription.QueryTarget{
		Parent: r.DefaultParent(),
		StructuredQuery: &firestorepb.StructuredQuery{
			From: []*firestorepb.StructuredQuery_CollectionSelector{{CollectionId: collectionID}},
		},
	}
}

// Collections returns the number of collections created so far.
func (r *Repository) Collections() int {
	return r.collections.Size()
}

// NewCollection creates a paused collection bound to the repository. An
// empty target parent defaults to DefaultParent. opts override the
// repository defaults.
//
// Two live collections may not persist under the same checkpoint key. The
// default key is derived from the target, so collections over the same
// query with different converters need an explicit key each, passed with
// subscription.WithCheckpoint.
func NewCollection[T any](r *Repository, target subscription.QueryTarget, convert models.Converter[T], opts ...subscription.Option) (*subscription.Collection[T], error) {
	if r.closed.Load() {
		return nil, constants.ErrClosed
	}
	if target.Parent == "" {
		target.Parent = r.DefaultParent()
	}

	base := []subscription.Option{
		subscription.WithLogger(r.logger),
		subscription.WithMetrics(r.metrics),
		subscription.WithBackoff(backoff.New(r.backoffOpts...)),
	}
	if r.store != nil {
		base = append(base, subscription.WithCheckpoint(r.store, ""))
	}

	c, err := subscription.New(r.client, r.Database(), target, convert, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := r.claimCheckpointKey(c.CheckpointKey(), c); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	r.collections.Store(id, c)
	r.logger.Debug("Collection created", "collection", c.Name())

	return c, nil
}

// claimCheckpointKey registers c under key. A key held by a closed
// collection is taken over.
func (r *Repository) claimCheckpointKey(key string, c keyed) error {
	if key == "" {
		return nil
	}

	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	if owner, ok := r.checkpointKeys[key]; ok && !owner.Closed() {
		return fmt.Errorf("%w: %s", constants.ErrDuplicateCheckpoint, key)
	}
	r.checkpointKeys[key] = c
	return nil
}

// Close closes every collection concurrently, then the resources the
// repository owns.
func (r *Repository) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return constants.ErrClosed
	}

	g, gctx := errgroup.WithContext(ctx)
	r.collections.Range(func(_ uuid.UUID, c closer) bool {
		g.Go(func() error { return c.Close(gctx) })
		return true
	})
	err := g.Wait()

	return errors.Join(err, r.closeResources())
}

func (r *Repository) closeResources() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
