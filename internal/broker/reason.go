package broker

import "time"

// ReasonKind classifies why a delivery failed.
type ReasonKind string

const (
	ReasonTransient      ReasonKind = "transient"
	ReasonRetryRequested ReasonKind = "retry-requested"
	ReasonHandlerError   ReasonKind = "handler-error"
	ReasonRejected       ReasonKind = "rejected"
)

// Reason describes a failed delivery. RetryAfter delays the next lease.
type Reason struct {
	Kind       ReasonKind    `json:"kind"`
	Message    string        `json:"message,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

func (r Reason) String() string {
	if r.Message == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ": " + r.Message
}
