package broker

import (
	"sort"
	"time"
)

// LeaseRequest selects and leases deliveries of one subscription.
type LeaseRequest struct {
	SubscriptionID    int64
	Ordered           bool
	VisibilityTimeout time.Duration
	MaxCount          int
	// OrderingWindow buckets publication times; inside a bucket higher
	// priority goes first. Zero restricts priority to exact timestamp ties.
	OrderingWindow time.Duration
	Now            time.Time
}

// KeyOrderLess is the delivery order within one functional key:
// publication time, then priority descending, then id.
func KeyOrderLess(a, b *Delivery) bool {
	if !a.PublicationDateUTC.Equal(b.PublicationDateUTC) {
		return a.PublicationDateUTC.Before(b.PublicationDateUTC)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

// LeaseOrderLess is the selection order across a subscription.
func LeaseOrderLess(a, b *Delivery, window time.Duration) bool {
	if window > 0 {
		ab, bb := OrderingBucket(a.PublicationDateUTC, window), OrderingBucket(b.PublicationDateUTC, window)
		if ab != bb {
			return ab < bb
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
	}

	return KeyOrderLess(a, b)
}

// OrderingBucket returns the index of the window-sized bucket t falls in.
func OrderingBucket(t time.Time, window time.Duration) int64 {
	if window <= 0 {
		return t.UnixNano()
	}
	n, w := t.UnixNano(), int64(window)
	b := n / w
	if n%w < 0 {
		b--
	}
	return b
}

// SelectForLease picks, in lease order, up to req.MaxCount deliveries that
// may be leased at req.Now. For ordered subscriptions, candidates must hold
// every unfinished delivery of the subscription: a keyed delivery is picked
// only when it heads its key and no delivery with that key is leased.
//
// The returned pointers alias the candidates slice.
func SelectForLease(candidates []Delivery, req LeaseRequest) []*Delivery {
	if req.MaxCount <= 0 {
		return nil
	}

	now := req.Now
	sorted := make([]*Delivery, 0, len(candidates))
	for i := range candidates {
		sorted = append(sorted, &candidates[i])
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return LeaseOrderLess(sorted[i], sorted[j], req.OrderingWindow)
	})

	var (
		heads  map[string]*Delivery
		leased map[string]bool
	)
	if req.Ordered {
		heads = make(map[string]*Delivery)
		leased = make(map[string]bool)
		for _, d := range sorted {
			if d.FunctionalKey == "" {
				continue
			}
			if d.Leased(now) {
				leased[d.FunctionalKey] = true
			}
			if !d.Unfinished(now) {
				continue
			}
			if h, ok := heads[d.FunctionalKey]; !ok || KeyOrderLess(d, h) {
				heads[d.FunctionalKey] = d
			}
		}
	}

	picked := make([]*Delivery, 0, req.MaxCount)
	for _, d := range sorted {
		if !d.Eligible(now) {
			continue
		}
		if req.Ordered && d.FunctionalKey != "" {
			if leased[d.FunctionalKey] || heads[d.FunctionalKey] != d {
				continue
			}
		}

		picked = append(picked, d)
		if len(picked) == req.MaxCount {
			break
		}
	}

	return picked
}
