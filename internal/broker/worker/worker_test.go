package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"broker/internal/broker"
	"broker/internal/broker/consumer"
	"broker/internal/broker/metrics"
	"broker/internal/broker/notify"
	"broker/internal/broker/publisher"
	"broker/internal/storage/memory"
)

type fixture struct {
	store     *memory.Store
	publisher *publisher.Publisher
	consumer  *consumer.Consumer
	sub       broker.Subscription
}

func newFixture(t *testing.T, sub broker.Subscription, opts ...publisher.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	pub, err := publisher.NewPublisher(store, nil, opts...)
	require.NoError(t, err)
	c, err := consumer.NewConsumer(store, nil)
	require.NoError(t, err)

	topic, err := pub.AddOrUpdateTopic(ctx, broker.Topic{Name: "orders"})
	require.NoError(t, err)

	sub.TopicSubscriptions = []broker.TopicSubscription{{TopicID: topic.ID, Enabled: true}}
	sub, err = c.AddOrUpdateSubscription(ctx, sub)
	require.NoError(t, err)

	return &fixture{store: store, publisher: pub, consumer: c, sub: sub}
}

func (f *fixture) publish(t *testing.T, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := f.publisher.Publish(context.Background(), "orders", broker.Publication{Payload: p})
		require.NoError(t, err)
	}
}

func (f *fixture) consumed() int {
	n := 0
	for _, d := range f.store.Deliveries(f.sub.ID) {
		if d.Consumed {
			n++
		}
	}
	return n
}

func fastOptions() []Option {
	return []Option{
		WithVisibilityTimeout(time.Second),
		WithBatchSize(2),
		WithIdleBackoff(5*time.Millisecond, 20*time.Millisecond),
	}
}

func stop(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

func TestWorker_ProcessesAndAcknowledges(t *testing.T) {
	f := newFixture(t, broker.Subscription{Name: "billing"})
	f.publish(t, "a", "b", "c", "d", "e")

	var (
		mu   sync.Mutex
		seen []string
	)
	registry := metrics.NewRegistry()
	w, err := New(f.consumer, "billing", func(_ context.Context, e broker.ConsumableEvent) (Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Payload)
		return Succeeded(), nil
	}, append(fastOptions(), WithMetrics(registry), WithLogger(zap.NewNop()))...)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	require.Eventually(t, func() bool { return f.consumed() == 5 }, 5*time.Second, 10*time.Millisecond)
	stop(t, w)

	assert.Equal(t, Stopped, w.State())
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
	mu.Unlock()

	expected := `
# HELP broker_worker_outcome_total Total number of events processed by workers, per outcome
# TYPE broker_worker_outcome_total counter
broker_worker_outcome_total{outcome="succeeded",subscription="billing"} 5
`
	assert.NoError(t, testutil.GatherAndCompare(registry.Gatherer(), strings.NewReader(expected), "broker_worker_outcome_total"))
}

func TestWorker_HandlerFailuresBecomeRetries(t *testing.T) {
	tests := []struct {
		name    string
		process ProcessFunc
		reason  string
	}{
		{
			name: "returned error",
			process: func(context.Context, broker.ConsumableEvent) (Outcome, error) {
				return Outcome{}, errors.New("downstream unavailable")
			},
			reason: "handler-error: downstream unavailable",
		},
		{
			name: "panic",
			process: func(context.Context, broker.ConsumableEvent) (Outcome, error) {
				panic("nil map")
			},
			reason: "handler-error: process function panicked",
		},
		{
			name: "explicit retry",
			process: func(context.Context, broker.ConsumableEvent) (Outcome, error) {
				return MustRetry(broker.Reason{Message: "not yet"}), nil
			},
			reason: "retry-requested: not yet",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, broker.Subscription{Name: "billing", MaxDeliveries: 2})
			f.publish(t, "x")

			var calls atomic.Int32
			w, err := New(f.consumer, "billing", func(ctx context.Context, e broker.ConsumableEvent) (Outcome, error) {
				calls.Add(1)
				return tt.process(ctx, e)
			}, fastOptions()...)
			require.NoError(t, err)
			require.NoError(t, w.Start(context.Background()))

			require.Eventually(t, func() bool {
				d := f.store.Deliveries(f.sub.ID)
				return len(d) == 1 && d[0].State(time.Now()) == broker.StateFailedTerminal
			}, 5*time.Second, 10*time.Millisecond)
			stop(t, w)

			d := f.store.Deliveries(f.sub.ID)[0]
			assert.Equal(t, 2, d.DeliveryCount)
			assert.Equal(t, tt.reason, d.LastFailReason)
			assert.EqualValues(t, 2, calls.Load(), "the loop survives and redelivers")
		})
	}
}

func TestWorker_FailedOutcome(t *testing.T) {
	f := newFixture(t, broker.Subscription{Name: "billing", MaxDeliveries: 1})
	f.publish(t, "poison")

	w, err := New(f.consumer, "billing", func(context.Context, broker.ConsumableEvent) (Outcome, error) {
		return Failed(broker.Reason{Message: "unknown sku"}), nil
	}, fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		d := f.store.Deliveries(f.sub.ID)
		return d[0].LastFailReason == "rejected: unknown sku"
	}, 5*time.Second, 10*time.Millisecond)
	stop(t, w)

	d := f.store.Deliveries(f.sub.ID)[0]
	assert.Equal(t, broker.StateFailedTerminal, d.State(time.Now()))
}

func TestWorker_StopFinishesInFlightEvent(t *testing.T) {
	f := newFixture(t, broker.Subscription{Name: "billing"})
	f.publish(t, "slow")

	started := make(chan struct{})
	release := make(chan struct{})
	w, err := New(f.consumer, "billing", func(context.Context, broker.ConsumableEvent) (Outcome, error) {
		close(started)
		<-release
		return Succeeded(), nil
	}, fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	<-started

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- w.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return w.State() == Stopping }, time.Second, time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("stop returned while an event was in flight")
	default:
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, Stopped, w.State())
	assert.Equal(t, 1, f.consumed())
}

func TestWorker_Lifecycle(t *testing.T) {
	f := newFixture(t, broker.Subscription{Name: "billing"})
	noop := func(context.Context, broker.ConsumableEvent) (Outcome, error) { return Succeeded(), nil }

	w, err := New(f.consumer, "billing", noop, fastOptions()...)
	require.NoError(t, err)
	assert.Equal(t, Idle, w.State())

	stop(t, w)
	assert.Equal(t, Stopped, w.State())
	assert.ErrorIs(t, w.Start(context.Background()), ErrNotIdle)

	w, err = New(f.consumer, "billing", noop, fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrNotIdle)
	stop(t, w)
	stop(t, w)
}

func TestWorker_RunReturnsOnCancel(t *testing.T) {
	f := newFixture(t, broker.Subscription{Name: "billing"})

	w, err := New(f.consumer, "billing", func(context.Context, broker.ConsumableEvent) (Outcome, error) {
		return Succeeded(), nil
	}, fastOptions()...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, Stopped, w.State())
}

func TestWorker_InvalidOptions(t *testing.T) {
	f := newFixture(t, broker.Subscription{Name: "billing"})
	noop := func(context.Context, broker.ConsumableEvent) (Outcome, error) { return Succeeded(), nil }

	_, err := New(f.consumer, "billing", noop, WithBatchSize(0))
	assert.ErrorIs(t, err, broker.ErrValidation)

	_, err = New(f.consumer, "billing", noop, WithIdleBackoff(time.Second, time.Millisecond))
	assert.ErrorIs(t, err, broker.ErrValidation)

	_, err = New(f.consumer, "", noop)
	assert.Error(t, err)

	_, err = New(nil, "billing", noop)
	assert.Error(t, err)
}

type countingConsumer struct {
	broker.Consumer
	polls atomic.Int32
}

func (c *countingConsumer) ConsumeNext(ctx context.Context, name string, vis time.Duration, max int) ([]broker.ConsumableEvent, error) {
	c.polls.Add(1)
	return c.Consumer.ConsumeNext(ctx, name, vis, max)
}

func TestWorker_NotificationWakesIdleWorker(t *testing.T) {
	notifier := notify.New(zap.NewNop())
	t.Cleanup(func() { _ = notifier.Close() })

	f := newFixture(t, broker.Subscription{Name: "billing"}, publisher.WithNotifier(notifier))
	counting := &countingConsumer{Consumer: f.consumer}

	w, err := New(counting, "billing", func(context.Context, broker.ConsumableEvent) (Outcome, error) {
		return Succeeded(), nil
	},
		WithVisibilityTimeout(time.Second),
		WithIdleBackoff(time.Hour, time.Hour),
		WithNotifier(notifier),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return counting.polls.Load() >= 1 }, time.Second, time.Millisecond)
	f.publish(t, "wake up")

	require.Eventually(t, func() bool { return f.consumed() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, w)
}

type recordingNotifier struct {
	mu  sync.Mutex
	ctx context.Context
}

func (n *recordingNotifier) Subscribe(ctx context.Context, _ string) (<-chan struct{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ctx = ctx
	return make(chan struct{}), nil
}

func (n *recordingNotifier) subscribed() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ctx
}

func TestWorker_StopReleasesNotifierSubscription(t *testing.T) {
	f := newFixture(t, broker.Subscription{Name: "billing"})
	notifier := &recordingNotifier{}

	w, err := New(f.consumer, "billing", func(context.Context, broker.ConsumableEvent) (Outcome, error) {
		return Succeeded(), nil
	}, append(fastOptions(), WithNotifier(notifier))...)
	require.NoError(t, err)

	// the caller's context outlives the worker
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return notifier.subscribed() != nil }, time.Second, time.Millisecond)
	assert.NoError(t, notifier.subscribed().Err())

	stop(t, w)

	select {
	case <-notifier.subscribed().Done():
	case <-time.After(time.Second):
		t.Fatal("notifier subscription still active after stop")
	}
}

type relayNotifier struct {
	*notify.Notifier
	signals chan (<-chan struct{})
}

func (n *relayNotifier) Subscribe(ctx context.Context, subscription string) (<-chan struct{}, error) {
	ch, err := n.Notifier.Subscribe(ctx, subscription)
	if err == nil {
		n.signals <- ch
	}
	return ch, err
}

func TestWorker_StopClosesNotifyRelay(t *testing.T) {
	base := notify.New(zap.NewNop())
	t.Cleanup(func() { _ = base.Close() })
	notifier := &relayNotifier{Notifier: base, signals: make(chan (<-chan struct{}), 1)}

	f := newFixture(t, broker.Subscription{Name: "billing"})
	w, err := New(f.consumer, "billing", func(context.Context, broker.ConsumableEvent) (Outcome, error) {
		return Succeeded(), nil
	}, append(fastOptions(), WithNotifier(notifier))...)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	var signals <-chan struct{}
	select {
	case signals = <-notifier.signals:
	case <-time.After(time.Second):
		t.Fatal("worker never subscribed")
	}

	stop(t, w)

	// the notifier is still open, so only the worker can release the relay
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-signals:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)
}

func TestWorker_ManyWorkersShareSubscription(t *testing.T) {
	f := newFixture(t, broker.Subscription{Name: "billing", Ordered: true})

	const events = 40
	for i := range events {
		_, err := f.publisher.Publish(context.Background(), "orders", broker.Publication{
			Payload:       "e",
			FunctionalKey: []string{"a", "b", "c"}[i%3],
		})
		require.NoError(t, err)
	}

	var (
		mu       sync.Mutex
		inFlight = make(map[string]bool)
		overlap  atomic.Bool
	)
	process := func(_ context.Context, e broker.ConsumableEvent) (Outcome, error) {
		mu.Lock()
		if inFlight[e.FunctionalKey] {
			overlap.Store(true)
		}
		inFlight[e.FunctionalKey] = true
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		delete(inFlight, e.FunctionalKey)
		mu.Unlock()
		return Succeeded(), nil
	}

	workers := make([]*Worker, 0, 4)
	for range 4 {
		w, err := New(f.consumer, "billing", process, fastOptions()...)
		require.NoError(t, err)
		require.NoError(t, w.Start(context.Background()))
		workers = append(workers, w)
	}

	require.Eventually(t, func() bool { return f.consumed() == events }, 10*time.Second, 10*time.Millisecond)
	for _, w := range workers {
		stop(t, w)
	}
	assert.False(t, overlap.Load(), "one key was processed by two workers at once")
}
