package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func delivery(id int64, key string, published time.Time, priority int) Delivery {
	return Delivery{
		ID:                 id,
		FunctionalKey:      key,
		PublicationDateUTC: published,
		Priority:           priority,
		InvisibleUntilUTC:  published,
	}
}

func ids(ds []*Delivery) []int64 {
	out := make([]int64, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

func TestSelectForLeaseOrder(t *testing.T) {
	now := t0.Add(time.Second)

	t.Run("publication time first", func(t *testing.T) {
		candidates := []Delivery{
			delivery(3, "", t0.Add(200*time.Millisecond), 0),
			delivery(1, "", t0, 0),
			delivery(2, "", t0.Add(100*time.Millisecond), 1),
		}

		got := SelectForLease(candidates, LeaseRequest{MaxCount: 10, Now: now})
		assert.Equal(t, []int64{1, 2, 3}, ids(got))
	})

	t.Run("priority breaks exact ties", func(t *testing.T) {
		candidates := []Delivery{
			delivery(1, "", t0, 0),
			delivery(2, "", t0, 5),
			delivery(3, "", t0, 0),
		}

		got := SelectForLease(candidates, LeaseRequest{MaxCount: 10, Now: now})
		assert.Equal(t, []int64{2, 1, 3}, ids(got))
	})

	t.Run("priority overtakes inside the window", func(t *testing.T) {
		candidates := []Delivery{
			delivery(1, "", t0, 0),
			delivery(2, "", t0.Add(100*time.Millisecond), 1),
			delivery(3, "", t0.Add(200*time.Millisecond), 0),
			delivery(4, "", t0.Add(1500*time.Millisecond), 9),
		}

		got := SelectForLease(candidates, LeaseRequest{MaxCount: 10, Now: t0.Add(2 * time.Second), OrderingWindow: time.Second})
		assert.Equal(t, []int64{2, 1, 3, 4}, ids(got), "priority never overtakes an older bucket")
	})

	t.Run("max count", func(t *testing.T) {
		candidates := []Delivery{
			delivery(1, "", t0, 0),
			delivery(2, "", t0, 0),
			delivery(3, "", t0, 0),
		}

		got := SelectForLease(candidates, LeaseRequest{MaxCount: 2, Now: now})
		assert.Equal(t, []int64{1, 2}, ids(got))
		assert.Empty(t, SelectForLease(candidates, LeaseRequest{MaxCount: 0, Now: now}))
	})
}

func TestSelectForLeaseEligibility(t *testing.T) {
	now := t0.Add(time.Minute)

	leased := delivery(1, "", t0, 0)
	leased.Lease("k1", now.Add(-time.Second), time.Minute)

	consumed := delivery(2, "", t0, 0)
	consumed.Consumed = true

	exhausted := delivery(3, "", t0, 0)
	exhausted.DeliveryCount, exhausted.DeliveryCountMax = 2, 2

	delayed := delivery(4, "", t0, 0)
	delayed.InvisibleUntilUTC = now.Add(time.Second)

	expired := delivery(5, "", t0, 0)
	expired.Lease("k5", t0, time.Second)

	candidates := []Delivery{leased, consumed, exhausted, delayed, expired}
	got := SelectForLease(candidates, LeaseRequest{MaxCount: 10, Now: now})
	assert.Equal(t, []int64{5}, ids(got))
}

func TestSelectForLeaseOrdered(t *testing.T) {
	now := t0.Add(time.Minute)

	t.Run("one head per key", func(t *testing.T) {
		candidates := []Delivery{
			delivery(1, "a", t0, 0),
			delivery(2, "a", t0.Add(time.Millisecond), 0),
			delivery(3, "b", t0.Add(2*time.Millisecond), 0),
			delivery(4, "", t0.Add(3*time.Millisecond), 0),
			delivery(5, "", t0.Add(4*time.Millisecond), 0),
		}

		got := SelectForLease(candidates, LeaseRequest{Ordered: true, MaxCount: 10, Now: now})
		assert.Equal(t, []int64{1, 3, 4, 5}, ids(got))
	})

	t.Run("leased key is blocked", func(t *testing.T) {
		first := delivery(1, "a", t0, 0)
		first.Lease("k", now.Add(-time.Second), time.Minute)

		candidates := []Delivery{first, delivery(2, "a", t0.Add(time.Millisecond), 0)}
		assert.Empty(t, SelectForLease(candidates, LeaseRequest{Ordered: true, MaxCount: 10, Now: now}))
		assert.Len(t, SelectForLease(candidates, LeaseRequest{Ordered: false, MaxCount: 10, Now: now}), 1)
	})

	t.Run("delayed retry holds back later events", func(t *testing.T) {
		first := delivery(1, "a", t0, 0)
		first.Lease("k", t0, time.Second)
		require.True(t, first.Fail("k", Reason{Kind: ReasonTransient, RetryAfter: time.Hour}, t0.Add(time.Millisecond)))

		candidates := []Delivery{first, delivery(2, "a", t0.Add(time.Millisecond), 0)}
		assert.Empty(t, SelectForLease(candidates, LeaseRequest{Ordered: true, MaxCount: 10, Now: now}))
	})

	t.Run("terminal failure releases the key", func(t *testing.T) {
		first := delivery(1, "a", t0, 0)
		first.DeliveryCountMax = 1
		first.Lease("k", t0, time.Second)
		require.True(t, first.Fail("k", Reason{Kind: ReasonTransient}, t0.Add(time.Millisecond)))
		require.Equal(t, StateFailedTerminal, first.State(now))

		candidates := []Delivery{first, delivery(2, "a", t0.Add(time.Millisecond), 0)}
		assert.Equal(t, []int64{2}, ids(SelectForLease(candidates, LeaseRequest{Ordered: true, MaxCount: 10, Now: now})))
	})
}

func TestDeliveryLifecycle(t *testing.T) {
	d := delivery(1, "", t0, 0)
	d.DeliveryCountMax = 2
	assert.Equal(t, StatePending, d.State(t0))

	d.Lease("k1", t0, time.Minute)
	assert.Equal(t, StateLeased, d.State(t0))
	assert.False(t, d.Acknowledge("other"))
	assert.False(t, d.Fail("other", Reason{}, t0))

	require.True(t, d.Fail("k1", Reason{Kind: ReasonRetryRequested, Message: "later", RetryAfter: time.Second}, t0))
	assert.Equal(t, "retry-requested: later", d.LastFailReason)
	assert.False(t, d.Eligible(t0))
	assert.True(t, d.Eligible(t0.Add(time.Second)))

	d.Lease("k2", t0.Add(time.Second), time.Minute)
	assert.False(t, d.Fail("k1", Reason{}, t0), "stale key")
	require.True(t, d.Acknowledge("k2"))
	assert.Equal(t, StateAcknowledged, d.State(t0))
	assert.False(t, d.Acknowledge("k2"), "already consumed")
}

func TestOrderingBucket(t *testing.T) {
	assert.Equal(t, OrderingBucket(t0, time.Second), OrderingBucket(t0.Add(999*time.Millisecond), time.Second))
	assert.NotEqual(t, OrderingBucket(t0, time.Second), OrderingBucket(t0.Add(time.Second), time.Second))
	assert.Equal(t, t0.UnixNano(), OrderingBucket(t0, 0))
}
