package worker

import (
	"context"

	"broker/internal/broker"
)

type outcomeKind int

const (
	succeeded outcomeKind = iota
	mustRetry
	failed
)

func (k outcomeKind) String() string {
	switch k {
	case succeeded:
		return "succeeded"
	case mustRetry:
		return "must_retry"
	default:
		return "failed"
	}
}

// Outcome is the result of processing one event. The zero value is
// Succeeded.
type Outcome struct {
	kind   outcomeKind
	reason broker.Reason
}

// Succeeded acknowledges the event.
func Succeeded() Outcome {
	return Outcome{kind: succeeded}
}

// MustRetry releases the event for redelivery, after reason.RetryAfter.
func MustRetry(reason broker.Reason) Outcome {
	if reason.Kind == "" {
		reason.Kind = broker.ReasonRetryRequested
	}
	return Outcome{kind: mustRetry, reason: reason}
}

// Failed reports an event the process function rejects. It is released like
// MustRetry and ends once the subscription's delivery budget is spent.
func Failed(reason broker.Reason) Outcome {
	if reason.Kind == "" {
		reason.Kind = broker.ReasonRejected
	}
	return Outcome{kind: failed, reason: reason}
}

// ProcessFunc handles one leased event. A returned error or a panic is
// treated as MustRetry with a handler-error reason.
type ProcessFunc func(ctx context.Context, event broker.ConsumableEvent) (Outcome, error)
