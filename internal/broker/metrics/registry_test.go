package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"broker/internal/broker"
)

func TestRegistry_RecordConsume(t *testing.T) {
	r := NewRegistry()

	r.RecordConsume("orders", 3, time.Millisecond, nil)
	r.RecordConsume("orders", 0, time.Millisecond, nil)
	r.RecordConsume("orders", 0, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.consumeTotal.WithLabelValues("orders", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.consumeTotal.WithLabelValues("orders", "empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.consumeTotal.WithLabelValues("orders", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.eventsLeased.WithLabelValues("orders")))
}

func TestRegistry_StatusLabels(t *testing.T) {
	r := NewRegistry()

	r.RecordAck(nil)
	r.RecordAck(fmt.Errorf("%w: stale key", broker.ErrConflict))
	r.RecordAck(fmt.Errorf("%w: delivery 7", broker.ErrNotFound))
	r.RecordFail(broker.ReasonTransient, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.ackTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ackTotal.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ackTotal.WithLabelValues("not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failTotal.WithLabelValues("transient", "success")))
}

func TestRegistry_Workers(t *testing.T) {
	r := NewRegistry()

	r.AddRunningWorkers("orders", 1)
	r.AddRunningWorkers("orders", 1)
	r.AddRunningWorkers("orders", -1)
	r.RecordWorkerOutcome("orders", "succeeded", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.workersRunning.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.workerOutcomeTotal.WithLabelValues("orders", "succeeded")))
}

func TestServer_Endpoints(t *testing.T) {
	registry := NewRegistry()
	registry.RecordPublish("orders", 12, time.Millisecond, nil)

	var ready error
	s := NewServer(ServerConfig{Port: 0, Timeout: time.Second}, registry, func(context.Context) error { return ready }, zap.NewNop())

	tests := []struct {
		name     string
		path     string
		ready    error
		wantCode int
		contains string
	}{
		{name: "metrics", path: "/metrics", wantCode: http.StatusOK, contains: "broker_publish_total"},
		{name: "health", path: "/health", wantCode: http.StatusOK, contains: "healthy"},
		{name: "ready", path: "/ready", wantCode: http.StatusOK, contains: "ready"},
		{name: "not ready", path: "/ready", ready: errors.New("db down"), wantCode: http.StatusServiceUnavailable, contains: "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready = tt.ready
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			require.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}
