// Package storage holds the broker.Storage implementations and the
// decorators shared by all of them.
package storage

import (
	"context"
	"time"

	"broker/internal/broker"
	"broker/internal/broker/metrics"
)

// MetricsStorage wraps a broker.Storage and records the hot path operations.
// Topic and subscription management is passed through untouched.
type MetricsStorage struct {
	broker.Storage
	registry *metrics.Registry
}

// NewMetricsStorage creates a new instrumented storage
func NewMetricsStorage(storage broker.Storage, registry *metrics.Registry) broker.Storage {
	return &MetricsStorage{
		Storage:  storage,
		registry: registry,
	}
}

func (s *MetricsStorage) InsertEvent(ctx context.Context, event broker.Event, plans []broker.DeliveryPlan) (broker.Event, error) {
	start := time.Now()

	event, err := s.Storage.InsertEvent(ctx, event, plans)
	s.registry.RecordStorageOperation("insert_event", time.Since(start), err)

	return event, err
}

func (s *MetricsStorage) LeaseEligible(ctx context.Context, req broker.LeaseRequest) ([]broker.ConsumableEvent, error) {
	start := time.Now()

	events, err := s.Storage.LeaseEligible(ctx, req)
	s.registry.RecordStorageOperation("lease", time.Since(start), err)

	return events, err
}

func (s *MetricsStorage) AcknowledgeIfKeyMatches(ctx context.Context, id int64, key string) (bool, error) {
	start := time.Now()

	ok, err := s.Storage.AcknowledgeIfKeyMatches(ctx, id, key)
	s.registry.RecordStorageOperation("acknowledge", time.Since(start), err)

	return ok, err
}

func (s *MetricsStorage) FailIfKeyMatches(ctx context.Context, id int64, key string, reason broker.Reason, now time.Time) (bool, error) {
	start := time.Now()

	ok, err := s.Storage.FailIfKeyMatches(ctx, id, key, reason, now)
	s.registry.RecordStorageOperation("fail", time.Since(start), err)

	return ok, err
}
