package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"broker/internal/broker"
	"broker/internal/broker/codec"
	"broker/internal/broker/worker"
	"broker/internal/config"
)

var (
	e2eEvents      int
	e2eWorkers     int
	e2eFailureRate float64
)

var e2eCmd = &cobra.Command{
	Use:   "e2e",
	Short: "Publish and consume a batch of ordered events",
	Long: `Create the demo topic and an ordered subscription, publish E2E_EVENT_COUNT
events spread over E2E_KEY_COUNT functional keys, and drain them with
E2E_WORKERS workers that fail randomly at E2E_FAILURE_RATE. Fails if any key
was processed out of publication order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if cmd.Flags().Changed("events") {
			a.cfg.E2E.EventCount = e2eEvents
		}
		if cmd.Flags().Changed("workers") {
			a.cfg.E2E.Workers = e2eWorkers
		}
		if cmd.Flags().Changed("failure-rate") {
			a.cfg.E2E.FailureRate = e2eFailureRate
		}

		return runE2E(ctx, a)
	},
}

func init() {
	e2eCmd.Flags().IntVar(&e2eEvents, "events", 0, "number of events to publish (overrides E2E_EVENT_COUNT)")
	e2eCmd.Flags().IntVar(&e2eWorkers, "workers", 0, "number of workers (overrides E2E_WORKERS)")
	e2eCmd.Flags().Float64Var(&e2eFailureRate, "failure-rate", 0, "share of deliveries failed on purpose (overrides E2E_FAILURE_RATE)")
	rootCmd.AddCommand(e2eCmd)
}

type order struct {
	Run     string  `json:"run"`
	OrderID string  `json:"orderId"`
	Key     string  `json:"key"`
	Seq     int     `json:"seq"`
	Amount  float64 `json:"amount"`
}

func runE2E(ctx context.Context, a *app) error {
	cfg := a.cfg.E2E
	logger := a.logger.Named("e2e")

	if cfg.EventCount < 0 || cfg.Workers <= 0 || cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return fmt.Errorf("%w: e2e: invalid event count, worker count or failure rate", broker.ErrValidation)
	}

	topic, err := ensureTopic(ctx, a.publisher, cfg.Topic)
	if err != nil {
		return err
	}
	if _, err := ensureSubscription(ctx, a.consumer, cfg, topic.ID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := fmt.Sprintf("%x", time.Now().UnixNano())
	t := newTracker(cfg.EventCount)
	process := func(ctx context.Context, e broker.ConsumableEvent) (worker.Outcome, error) {
		var o order
		if err := (codec.JSON{}).Decode(e.Payload, &o); err != nil {
			return worker.Failed(broker.Reason{Message: err.Error()}), nil
		}
		// leftovers from earlier runs
		if o.Run != run {
			return worker.Succeeded(), nil
		}

		if rand.Float64() < cfg.FailureRate {
			if cfg.MaxDeliveries > 0 && e.DeliveryCount >= cfg.MaxDeliveries {
				t.settle(e.EventID, o, false)
			}
			return worker.MustRetry(broker.Reason{
				Kind:       broker.ReasonTransient,
				Message:    "simulated failure",
				RetryAfter: 100 * time.Millisecond,
			}), nil
		}

		t.settle(e.EventID, o, true)
		return worker.Succeeded(), nil
	}

	workers := make([]*worker.Worker, 0, cfg.Workers)
	for range cfg.Workers {
		w, err := worker.New(a.consumer, cfg.Subscription, process,
			worker.WithConfig(a.cfg.Worker),
			worker.WithNotifier(a.notifier),
			worker.WithLogger(a.logger),
			worker.WithMetrics(a.registry),
		)
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		workers = append(workers, w)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	a.background(gctx, g)
	for p := range cfg.Publishers {
		g.Go(func() error {
			return publish(gctx, a.publisher, cfg, run, p)
		})
	}

	select {
	case <-t.done:
		logger.Info("all events settled")
	case <-gctx.Done():
		logger.Warn("e2e interrupted", zap.Error(context.Cause(gctx)))
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stopCancel()
	for _, w := range workers {
		if err := w.Stop(stopCtx); err != nil {
			logger.Error("failed to stop worker", zap.Error(err))
		}
	}

	cancel()
	err = g.Wait()

	summary := t.summary()
	logger.Info("e2e complete",
		zap.Int("published", cfg.EventCount),
		zap.Int("succeeded", summary.succeeded),
		zap.Int("dropped", summary.dropped),
		zap.Int("out_of_order", summary.outOfOrder),
		zap.Duration("elapsed", time.Since(start)),
	)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if summary.outOfOrder > 0 {
		return fmt.Errorf("%d events were processed out of order", summary.outOfOrder)
	}
	if summary.succeeded+summary.dropped < cfg.EventCount {
		return fmt.Errorf("only %d of %d events settled", summary.succeeded+summary.dropped, cfg.EventCount)
	}

	return nil
}

func ensureTopic(ctx context.Context, publisher broker.Publisher, name string) (broker.Topic, error) {
	topic, err := publisher.GetTopicByName(ctx, name)
	if err == nil {
		return topic, nil
	}
	if !errors.Is(err, broker.ErrNotFound) {
		return broker.Topic{}, err
	}

	return publisher.AddOrUpdateTopic(ctx, broker.Topic{Name: name, Notes: "e2e demo topic"})
}

func ensureSubscription(ctx context.Context, consumer broker.Consumer, cfg config.E2E, topicID int64) (broker.Subscription, error) {
	sub, err := consumer.GetSubscriptionByName(ctx, cfg.Subscription)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, broker.ErrNotFound) {
		return broker.Subscription{}, err
	}

	return consumer.AddOrUpdateSubscription(ctx, broker.Subscription{
		Name:          cfg.Subscription,
		Ordered:       true,
		MaxDeliveries: cfg.MaxDeliveries,
		TopicSubscriptions: []broker.TopicSubscription{
			{TopicID: topicID, Enabled: true},
		},
	})
}

// publish sends the events whose key belongs to publisher p, so each key is
// published by a single goroutine in sequence order.
func publish(ctx context.Context, publisher broker.Publisher, cfg config.E2E, run string, p int) error {
	regions := []string{"eu", "us", "apac"}

	for i := range cfg.EventCount {
		k := i % cfg.KeyCount
		if k%cfg.Publishers != p {
			continue
		}

		o := order{
			Run:     run,
			OrderID: fmt.Sprintf("ORD-%06d", i+1),
			Key:     fmt.Sprintf("customer-%03d", k),
			Seq:     i,
			Amount:  10.0 + rand.Float64()*990.0,
		}
		payload, err := (codec.JSON{}).Encode(o)
		if err != nil {
			return err
		}

		_, err = publisher.Publish(ctx, cfg.Topic, broker.Publication{
			Payload:       payload,
			FunctionalKey: o.Key,
			Headers:       map[string]string{"region": regions[k%len(regions)]},
		})
		if err != nil {
			return fmt.Errorf("failed to publish %s: %w", o.OrderID, err)
		}
	}

	return nil
}

// tracker counts settled events and checks that each key's events were
// processed in sequence order. Redeliveries of a settled event are ignored.
type tracker struct {
	mu      sync.Mutex
	target  int
	settled map[int64]bool
	last    map[string]int
	done    chan struct{}

	succeeded  int
	dropped    int
	outOfOrder int
}

type summary struct {
	succeeded  int
	dropped    int
	outOfOrder int
}

func newTracker(target int) *tracker {
	t := tracker{
		target:  target,
		settled: make(map[int64]bool),
		last:    make(map[string]int),
		done:    make(chan struct{}),
	}
	if target == 0 {
		close(t.done)
	}
	return &t
}

func (t *tracker) settle(eventID int64, o order, succeeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.settled[eventID] {
		return
	}
	t.settled[eventID] = true

	if succeeded {
		t.succeeded++
		if last, ok := t.last[o.Key]; ok && o.Seq < last {
			t.outOfOrder++
		}
		t.last[o.Key] = o.Seq
	} else {
		t.dropped++
	}

	if len(t.settled) == t.target {
		close(t.done)
	}
}

func (t *tracker) summary() summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return summary{succeeded: t.succeeded, dropped: t.dropped, outOfOrder: t.outOfOrder}
}
