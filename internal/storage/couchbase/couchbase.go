// Package couchbase implements broker.Storage on Couchbase. Every
// multi-document change runs in a distributed transaction; acknowledgements
// and failures are single-document CAS replaces.
package couchbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"broker/internal/broker"
	cb "broker/internal/couchbase"
	"broker/internal/validator"
)

// Collection names inside the configured scope.
const (
	topicsCollection        = "topics"
	subscriptionsCollection = "subscriptions"
	eventsCollection        = "events"
	deliveriesCollection    = "deliveries"
	namesCollection         = "names"
	sequencesCollection     = "sequences"
)

type topicDoc struct {
	broker.Topic
}

type subscriptionDoc struct {
	broker.Subscription
}

type eventDoc struct {
	broker.Event
}

type deliveryDoc struct {
	broker.Delivery

	cb.Cas `json:"-"`
}

// nameDoc reserves a unique topic or subscription name.
type nameDoc struct {
	ID int64 `json:"id"`
}

func topicKey(id int64) string        { return fmt.Sprintf("topic::%d", id) }
func subscriptionKey(id int64) string { return fmt.Sprintf("subscription::%d", id) }
func eventKey(id int64) string        { return fmt.Sprintf("event::%d", id) }
func deliveryKey(id int64) string     { return fmt.Sprintf("delivery::%d", id) }

func topicNameKey(name string) string        { return "topic-name::" + name }
func subscriptionNameKey(name string) string { return "subscription-name::" + name }

func sequenceKey(kind string) string { return "seq::" + kind }

// collection is the part of cb.Collection the store uses.
type collection[T any] interface {
	cb.TransactionCollection
	Insert(ctx context.Context, key string, value T, opts *gocb.InsertOptions) error
	Get(ctx context.Context, key string, opts *gocb.GetOptions) (*T, error)
	Replace(ctx context.Context, key string, v *T, opts *gocb.ReplaceOptions) error
	Remove(ctx context.Context, key string, opts *gocb.RemoveOptions) error
	Increment(ctx context.Context, key string) (uint64, error)
	Query(ctx context.Context, query string, opts *gocb.QueryOptions) ([]T, error)
	EnsureIndex(ctx context.Context, name string, fields ...string) error
	Keyspace() string
}

var _ collection[topicDoc] = (*cb.Collection[topicDoc])(nil)

// Store is a Couchbase backed broker.Storage.
type Store struct {
	cluster       *gocb.Cluster
	topics        collection[topicDoc]
	subscriptions collection[subscriptionDoc]
	events        collection[eventDoc]
	deliveries    collection[deliveryDoc]
	names         collection[nameDoc]
	sequences     collection[uint64]
	transactions  cb.Transactor
	logger        *zap.Logger
	newKey        func() string
}

var _ broker.Storage = (*Store)(nil)

// New builds a store over the collections of scope.
func New(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string, transactions cb.Transactor, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := Store{
		cluster:      cluster,
		transactions: transactions,
		logger:       logger.Named("couchbase"),
		newKey:       uuid.NewString,
	}

	var err error
	if s.topics, err = cb.NewCollection[topicDoc](cluster, bucket, scope, topicsCollection); err != nil {
		return nil, err
	}
	if s.subscriptions, err = cb.NewCollection[subscriptionDoc](cluster, bucket, scope, subscriptionsCollection); err != nil {
		return nil, err
	}
	if s.events, err = cb.NewCollection[eventDoc](cluster, bucket, scope, eventsCollection); err != nil {
		return nil, err
	}
	if s.deliveries, err = cb.NewCollection[deliveryDoc](cluster, bucket, scope, deliveriesCollection); err != nil {
		return nil, err
	}
	if s.names, err = cb.NewCollection[nameDoc](cluster, bucket, scope, namesCollection); err != nil {
		return nil, err
	}
	if s.sequences, err = cb.NewCollection[uint64](cluster, bucket, scope, sequencesCollection); err != nil {
		return nil, err
	}

	if err := validator.Validate("couchbase store", s.cluster, s.transactions); err != nil {
		return nil, fmt.Errorf("failed to validate couchbase store deps: %w", err)
	}

	return &s, nil
}

// Open connects with cfg and optionally creates the secondary indexes the
// store queries rely on.
func Open(ctx context.Context, cfg cb.Config, logger *zap.Logger) (*Store, error) {
	cluster, bucket, err := cb.Connect(cfg)
	if err != nil {
		return nil, err
	}

	transactions, err := cb.NewTransactions(cluster, cfg.TransactionTimeout)
	if err != nil {
		_ = cluster.Close(nil)
		return nil, err
	}

	s, err := New(cluster, bucket, cfg.Scope, transactions, logger)
	if err != nil {
		_ = cluster.Close(nil)
		return nil, err
	}

	if cfg.CreateIndexes {
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = cluster.Close(nil)
			return nil, err
		}
	}

	return s, nil
}

// EnsureIndexes creates the secondary indexes used by list, lease and
// cascade queries.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		create func(ctx context.Context, name string, fields ...string) error
		name   string
		fields []string
	}{
		{s.topics.EnsureIndex, "ix_topics_name", []string{"name"}},
		{s.subscriptions.EnsureIndex, "ix_subscriptions_topics", []string{"DISTINCT ARRAY b.topicId FOR b IN topicSubscriptions END"}},
		{s.events.EnsureIndex, "ix_events_topic", []string{"topicId"}},
		{s.deliveries.EnsureIndex, "ix_deliveries_subscription", []string{"subscriptionId", "consumed"}},
		{s.deliveries.EnsureIndex, "ix_deliveries_topic", []string{"topicId"}},
	}

	for _, ix := range indexes {
		if err := ix.create(ctx, ix.name, ix.fields...); err != nil {
			return translate(err)
		}
	}

	s.logger.Info("indexes ensured")
	return nil
}

// Ping checks that the cluster answers.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.cluster.Ping(&gocb.PingOptions{Context: ctx})
	return err
}

func (s *Store) Close() error {
	return s.cluster.Close(nil)
}

func (s *Store) nextID(ctx context.Context, kind string) (int64, error) {
	n, err := s.sequences.Increment(ctx, sequenceKey(kind))
	if err != nil {
		return 0, translate(err)
	}

	return int64(n), nil
}

func queryOptions(params map[string]any) *gocb.QueryOptions {
	return &gocb.QueryOptions{
		NamedParameters: params,
		ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
	}
}

// translate maps SDK errors onto the broker error taxonomy. Errors returned
// from inside a transaction are unwrapped by errors.Is.
func translate(err error) error {
	var expired *gocb.TransactionExpiredError

	switch {
	case err == nil:
		return nil
	case errors.Is(err, broker.ErrNotFound),
		errors.Is(err, broker.ErrConflict),
		errors.Is(err, broker.ErrValidation),
		errors.Is(err, broker.ErrContention),
		errors.Is(err, broker.ErrStorageFatal):
		return err
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return fmt.Errorf("%w: %w", broker.ErrNotFound, err)
	case errors.Is(err, gocb.ErrDocumentExists):
		return fmt.Errorf("%w: %w", broker.ErrConflict, err)
	case errors.Is(err, gocb.ErrCasMismatch),
		errors.Is(err, gocb.ErrDocumentLocked),
		errors.Is(err, gocb.ErrTemporaryFailure),
		errors.As(err, &expired):
		return fmt.Errorf("%w: %w", broker.ErrContention, err)
	default:
		return fmt.Errorf("%w: %w", broker.ErrStorageFatal, err)
	}
}

// getDoc reads a document inside a transaction and decodes it into v.
func getDoc(r cb.TransactionRunner, tc cb.TransactionCollection, key string, v any) (cb.TransactionDoc, error) {
	res, err := r.Get(tc, key)
	if err != nil {
		return nil, err
	}
	if err := res.Content(v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return res, nil
}

// removeDoc removes a document inside a transaction if it exists.
func removeDoc(r cb.TransactionRunner, tc cb.TransactionCollection, key string) error {
	res, err := r.Get(tc, key)
	switch {
	case err == nil:
		return r.Remove(res)
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return nil
	default:
		return err
	}
}

// reserveName claims a unique name document for id.
func reserveName(r cb.TransactionRunner, names cb.TransactionCollection, key string, id int64) error {
	if _, err := r.Insert(names, key, nameDoc{ID: id}); err != nil {
		if errors.Is(err, gocb.ErrDocumentExists) {
			return fmt.Errorf("%w: name %s is taken", broker.ErrConflict, key)
		}
		return err
	}

	return nil
}

// exec runs a DML statement inside a transaction. Transaction query rows
// are buffered, so a failed statement surfaces from Query itself.
func exec(r cb.TransactionRunner, statement string, params map[string]any) error {
	res, err := r.Query(statement, params)
	if err != nil {
		return err
	}
	for res.Next() {
	}

	return nil
}
