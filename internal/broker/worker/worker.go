package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"broker/internal/broker"
	"broker/internal/broker/metrics"
	"broker/internal/validator"
)

// State is the lifecycle state of a Worker.
type State int

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ErrNotIdle is returned when starting a worker that already ran.
var ErrNotIdle = errors.New("worker is not idle")

// Notifier wakes idle workers when their subscription received deliveries.
type Notifier interface {
	Subscribe(ctx context.Context, subscription string) (<-chan struct{}, error)
}

// Config holds the worker settings that come from the environment.
type Config struct {
	VisibilityTimeout time.Duration `env:"WORKER_VISIBILITY_TIMEOUT" envDefault:"30s"`
	BatchSize         int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	IdleMin           time.Duration `env:"WORKER_IDLE_MIN" envDefault:"50ms"`
	IdleMax           time.Duration `env:"WORKER_IDLE_MAX" envDefault:"2s"`
}

// Worker polls one subscription and feeds leased events to a ProcessFunc,
// one at a time, acknowledging or failing each according to its outcome.
// Several workers may poll the same subscription.
type Worker struct {
	consumer     broker.Consumer
	subscription string
	process      ProcessFunc
	logger       *zap.Logger
	notifier     Notifier
	metrics      *metrics.Registry

	visibility time.Duration
	batchSize  int
	idleMin    time.Duration
	idleMax    time.Duration

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

func WithVisibilityTimeout(d time.Duration) Option {
	return func(w *Worker) { w.visibility = d }
}

func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// WithIdleBackoff sets the exponential pause between empty polls.
func WithIdleBackoff(initial, limit time.Duration) Option {
	return func(w *Worker) {
		w.idleMin = initial
		w.idleMax = limit
	}
}

// WithConfig applies environment settings.
func WithConfig(cfg Config) Option {
	return func(w *Worker) {
		w.visibility = cfg.VisibilityTimeout
		w.batchSize = cfg.BatchSize
		w.idleMin = cfg.IdleMin
		w.idleMax = cfg.IdleMax
	}
}

func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(w *Worker) { w.metrics = r }
}

func New(consumer broker.Consumer, subscription string, process ProcessFunc, opts ...Option) (*Worker, error) {
	w := Worker{
		consumer:     consumer,
		subscription: subscription,
		process:      process,
		logger:       zap.NewNop(),
		visibility:   30 * time.Second,
		batchSize:    10,
		idleMin:      50 * time.Millisecond,
		idleMax:      2 * time.Second,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&w)
	}

	if err := validator.Validate("worker", w.consumer, w.subscription, w.process, w.logger); err != nil {
		return nil, fmt.Errorf("failed to validate worker deps: %w", err)
	}
	if w.visibility <= 0 || w.batchSize <= 0 || w.idleMin <= 0 || w.idleMax < w.idleMin {
		return nil, fmt.Errorf("%w: worker for %s: invalid visibility, batch size or idle backoff", broker.ErrValidation, subscription)
	}
	w.logger = w.logger.Named("worker").With(zap.String("subscription", subscription))

	return &w, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsRunning reports whether the worker is polling.
func (w *Worker) IsRunning() bool {
	return w.State() == Running
}

// Start runs the worker in a new goroutine.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.begin(); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Run runs the worker until Stop is called or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.begin(); err != nil {
		return err
	}

	w.loop(ctx)
	return nil
}

func (w *Worker) begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != Idle {
		return fmt.Errorf("%w: %s", ErrNotIdle, w.state)
	}
	w.state = Running

	return nil
}

// Stop asks the worker to finish the events it holds and exit, and waits
// until it did or ctx is done. Stopping a worker that never started moves it
// straight to Stopped.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case Idle:
		w.state = Stopped
		close(w.done)
		w.mu.Unlock()
		return nil
	case Running:
		w.state = Stopping
		close(w.stop)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop worker for %s: %w", w.subscription, ctx.Err())
	}
}

// Done is closed once the worker stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) loop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.logger.Info("worker started")
	if w.metrics != nil {
		w.metrics.AddRunningWorkers(w.subscription, 1)
	}

	defer func() {
		if w.metrics != nil {
			w.metrics.AddRunningWorkers(w.subscription, -1)
		}
		w.mu.Lock()
		w.state = Stopped
		w.mu.Unlock()
		close(w.done)
		w.logger.Info("worker stopped")
	}()

	var wake <-chan struct{}
	if w.notifier != nil {
		ch, err := w.notifier.Subscribe(ctx, w.subscription)
		if err != nil {
			w.logger.Warn("polling without notifications", zap.Error(err))
		}
		wake = ch
	}

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = w.idleMin
	idle.MaxInterval = w.idleMax

	for !w.stopping() && ctx.Err() == nil {
		events, err := w.consumer.ConsumeNext(ctx, w.subscription, w.visibility, w.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to consume events", zap.Error(err))
			wake = w.pause(ctx, idle.NextBackOff(), wake)
			continue
		}
		if len(events) == 0 {
			wake = w.pause(ctx, idle.NextBackOff(), wake)
			continue
		}

		idle.Reset()
		for _, e := range events {
			if ctx.Err() != nil {
				// remaining leases expire and are redelivered
				return
			}
			w.handle(ctx, e)
		}
	}
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// pause waits for d, a stop request, cancellation or a notification. It
// returns the wake channel to keep using, nil once it was closed.
func (w *Worker) pause(ctx context.Context, d time.Duration, wake <-chan struct{}) <-chan struct{} {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.stop:
	case <-ctx.Done():
	case _, ok := <-wake:
		if !ok {
			return nil
		}
	}

	return wake
}

func (w *Worker) handle(ctx context.Context, e broker.ConsumableEvent) {
	logger := w.logger.With(zap.Int64("delivery_id", e.ID), zap.String("functional_key", e.FunctionalKey))

	start := time.Now()
	outcome := w.invoke(ctx, logger, e)
	if w.metrics != nil {
		w.metrics.RecordWorkerOutcome(w.subscription, outcome.kind.String(), time.Since(start))
	}

	// the lease is settled even when the worker is being cancelled
	settleCtx := context.WithoutCancel(ctx)

	var err error
	switch outcome.kind {
	case succeeded:
		err = w.consumer.MarkConsumed(settleCtx, e.ID, e.DeliveryKey)
	default:
		err = w.consumer.MarkFailed(settleCtx, e.ID, e.DeliveryKey, outcome.reason)
	}

	switch {
	case err == nil:
		logger.Debug("settled event", zap.Stringer("outcome", outcome.kind))
	case errors.Is(err, broker.ErrConflict):
		logger.Warn("lease expired before the event was settled", zap.Error(err))
	default:
		logger.Error("failed to settle event", zap.Stringer("outcome", outcome.kind), zap.Error(err))
	}
}

func (w *Worker) invoke(ctx context.Context, logger *zap.Logger, e broker.ConsumableEvent) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("process function panicked", zap.Any("panic", r))
			out = MustRetry(broker.Reason{Kind: broker.ReasonHandlerError, Message: "process function panicked"})
		}
	}()

	out, err := w.process(ctx, e)
	if err != nil {
		logger.Warn("process function failed", zap.Error(err))
		return MustRetry(broker.Reason{Kind: broker.ReasonHandlerError, Message: err.Error()})
	}

	return out
}
