package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"broker/internal/broker"
	"broker/internal/broker/codec"
)

// DecodeError reports a leased event whose payload did not decode. The lease
// is held; the caller still has to acknowledge or fail the delivery.
type DecodeError struct {
	DeliveryID  int64
	DeliveryKey string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("delivery %d: %v: %v", e.DeliveryID, broker.ErrDeserialization, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{broker.ErrDeserialization, e.Err}
}

// ConsumeNextAs leases like ConsumeNext and decodes every payload into T.
// All leased events are returned, those that failed to decode with a zero
// payload; the decode failures are joined into the returned error.
func ConsumeNextAs[T any](
	ctx context.Context,
	c broker.Consumer,
	cd codec.Codec,
	subscriptionName string,
	visibilityTimeout time.Duration,
	maxCount int,
) ([]broker.ConsumableEventOf[T], error) {
	events, err := c.ConsumeNext(ctx, subscriptionName, visibilityTimeout, maxCount)
	if err != nil {
		return nil, err
	}

	typed := make([]broker.ConsumableEventOf[T], 0, len(events))
	var errs []error
	for _, e := range events {
		var payload T
		if err := cd.Decode(e.Payload, &payload); err != nil {
			errs = append(errs, &DecodeError{DeliveryID: e.ID, DeliveryKey: e.DeliveryKey, Err: err})
		}

		typed = append(typed, broker.ConsumableEventOf[T]{
			ID:                e.ID,
			EventID:           e.EventID,
			FunctionalKey:     e.FunctionalKey,
			DeliveryKey:       e.DeliveryKey,
			InvisibleUntilUTC: e.InvisibleUntilUTC,
			DeliveryCount:     e.DeliveryCount,
			Payload:           payload,
		})
	}

	return typed, errors.Join(errs...)
}
