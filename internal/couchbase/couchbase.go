// Package couchbase is a thin typed layer over the Couchbase Go SDK: one
// Collection[T] per document type, sequences, N1QL queries and distributed
// transactions.
package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Config holds the cluster connection settings.
type Config struct {
	ConnectionString   string        `env:"COUCHBASE_CONNECTION_STRING" envDefault:"couchbase://localhost"`
	Username           string        `env:"COUCHBASE_USERNAME" envDefault:"Administrator"`
	Password           string        `env:"COUCHBASE_PASSWORD" envDefault:"password"`
	Bucket             string        `env:"COUCHBASE_BUCKET_NAME" envDefault:"broker"`
	Scope              string        `env:"COUCHBASE_SCOPE_NAME" envDefault:"_default"`
	TransactionTimeout time.Duration `env:"COUCHBASE_TRANSACTION_TIMEOUT" envDefault:"10s"`
	CreateIndexes      bool          `env:"COUCHBASE_CREATE_INDEXES" envDefault:"true"`
}

// Connect opens the cluster and waits for the bucket.
func Connect(cfg Config) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(cfg.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(cfg.Bucket)
	if err := bucket.WaitUntilReady(5*time.Second, nil); err != nil {
		_ = cluster.Close(nil)
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}

// Collection provides typed CRUD over one Couchbase collection. Documents
// embedding Cas get their CAS filled on reads and honoured on replaces.
type Collection[T any] struct {
	cluster    *gocb.Cluster
	bucket     *gocb.Bucket
	collection *gocb.Collection
}

// NewCollection wraps the named collection of scope.
func NewCollection[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, scope, name string) (*Collection[T], error) {
	if cluster == nil || bucket == nil {
		return nil, errors.New("invalid couchbase parameters: cluster and bucket must not be nil")
	}
	if scope == "" || name == "" {
		return nil, errors.New("invalid couchbase parameters: scope and collection names must not be empty")
	}

	return &Collection[T]{
		cluster:    cluster,
		bucket:     bucket,
		collection: bucket.Scope(scope).Collection(name),
	}, nil
}

// Insert creates a document. It fails with gocb.ErrDocumentExists when the
// key is taken.
func (c *Collection[T]) Insert(ctx context.Context, key string, value T, opts *gocb.InsertOptions) error {
	if opts == nil {
		opts = new(gocb.InsertOptions)
	}
	opts.Context = ctx

	if _, err := c.collection.Insert(key, value, opts); err != nil {
		return fmt.Errorf("failed to insert document with key %s: %w", key, err)
	}

	return nil
}

// Get reads a document.
func (c *Collection[T]) Get(ctx context.Context, key string, opts *gocb.GetOptions) (*T, error) {
	if opts == nil {
		opts = new(gocb.GetOptions)
	}
	opts.Context = ctx

	res, err := c.collection.Get(key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get document with key %s: %w", key, err)
	}

	var v T
	if err := res.Content(&v); err != nil {
		return nil, fmt.Errorf("failed to parse document content for key %s: %w", key, err)
	}

	if s, ok := any(&v).(CasSetter); ok {
		s.SetCas(uint64(res.Cas()))
	}

	return &v, nil
}

// Replace overwrites a document. When v carries a CAS and opts does not,
// the replace only succeeds if the document is unchanged since it was read;
// otherwise it fails with gocb.ErrCasMismatch.
func (c *Collection[T]) Replace(ctx context.Context, key string, v *T, opts *gocb.ReplaceOptions) error {
	if opts == nil {
		opts = new(gocb.ReplaceOptions)
	}
	opts.Context = ctx

	if g, ok := any(v).(CasGetter); ok && opts.Cas == 0 {
		opts.Cas = gocb.Cas(g.GetCas())
	}

	res, err := c.collection.Replace(key, v, opts)
	if err != nil {
		return fmt.Errorf("failed to replace document with key %s: %w", key, err)
	}

	if s, ok := any(v).(CasSetter); ok {
		s.SetCas(uint64(res.Cas()))
	}

	return nil
}

// Remove deletes a document. Missing documents are not an error.
func (c *Collection[T]) Remove(ctx context.Context, key string, opts *gocb.RemoveOptions) error {
	if opts == nil {
		opts = new(gocb.RemoveOptions)
	}
	opts.Context = ctx

	_, err := c.collection.Remove(key, opts)
	if err != nil && !errors.Is(err, gocb.ErrDocumentNotFound) {
		return fmt.Errorf("failed to remove document with key %s: %w", key, err)
	}

	return nil
}

// Increment bumps the counter document key and returns the new value. The
// first call returns 1.
func (c *Collection[T]) Increment(ctx context.Context, key string) (uint64, error) {
	res, err := c.collection.Binary().Increment(key, &gocb.IncrementOptions{
		Initial: 1,
		Delta:   1,
		Context: ctx,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}

	return res.Content(), nil
}

// Query executes a N1QL query and decodes every row into T.
func (c *Collection[T]) Query(ctx context.Context, query string, opts *gocb.QueryOptions) ([]T, error) {
	if opts == nil {
		opts = new(gocb.QueryOptions)
	}
	opts.Context = ctx

	result, err := c.cluster.Query(query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer result.Close()

	items := make([]T, 0)
	for result.Next() {
		var item T
		if err := result.Row(&item); err != nil {
			return nil, fmt.Errorf("failed to parse query row: %w", err)
		}
		items = append(items, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query results: %w", err)
	}

	return items, nil
}

// EnsureIndex creates a secondary index on fields unless it exists.
func (c *Collection[T]) EnsureIndex(ctx context.Context, name string, fields ...string) error {
	err := c.collection.QueryIndexes().CreateIndex(name, fields, &gocb.CreateQueryIndexOptions{
		IgnoreIfExists: true,
		Context:        ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to create index %s on %s: %w", name, c.collection.Name(), err)
	}

	return nil
}

// Keyspace is the fully qualified, escaped name for N1QL statements.
func (c *Collection[T]) Keyspace() string {
	return fmt.Sprintf("`%s`.`%s`.`%s`", c.bucket.Name(), c.collection.ScopeName(), c.collection.Name())
}

// Collection returns the underlying collection, e.g. for transactions.
func (c *Collection[T]) Collection() *gocb.Collection {
	return c.collection
}

// Name is the collection name inside its scope.
func (c *Collection[T]) Name() string {
	return c.collection.Name()
}
