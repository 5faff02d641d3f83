// Package delivery implements L7: the Delivery Subsystem. It pushes
// admitted intents to a subscribed responder and routes responses back
// to the initiator, at-most-once with acknowledgment, under a bounded
// per-participant pending queue (spec §4.7).
//
// Grounded on the teacher's api.GlobalRateLimiter: a mutex-protected map
// keyed by visitor identity with a background goroutine that reclaims
// idle entries. Here the map is keyed by participant device ID rather
// than client IP, and "idle" means "missed its acknowledgment window"
// rather than "hasn't made a request in a while."
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/intentkeep/broker/internal/domain"
)

// Kind distinguishes the two notification shapes a subscriber can
// receive, per spec §6: "admitted-intent notifications or response
// notifications matching the subscriber's participant."
type Kind string

const (
	KindIntentAdmitted Kind = "intent_admitted"
	KindResponse       Kind = "response"
)

// Notification is one unit of at-most-once delivery: either an admitted
// intent pushed to the responder, or a recorded response pushed to the
// initiator.
type Notification struct {
	Kind           Kind
	RelationshipID string
	Sequence       uint64

	// Set when Kind == KindIntentAdmitted.
	Intent    *domain.Intent
	RiskScore float64

	// Set when Kind == KindResponse.
	Response *domain.Response

	EnqueuedAt time.Time
	// Attempts counts delivery attempts; a single requeue on ack timeout
	// brings this to 2, after which the item is finalized instead of
	// retried again (spec §5: "delivery acknowledgment retries exactly
	// once").
	Attempts int
}

// Queue is the bounded, per-participant pending-notification backend.
// Two implementations exist: an in-process map (queue.go) for
// single-node deployments and tests, and a Redis-backed one
// (redis_queue.go) for multi-node deployments, selected by
// config.Config.RedisURL.
type Queue interface {
	// TryPush appends n to participantID's queue, or reports false
	// without mutating anything if the queue is already at capacity
	// (spec §4.7 backpressure).
	TryPush(ctx context.Context, participantID string, n Notification) (bool, error)
	// TryPushFront requeues n at the head of participantID's queue,
	// bypassing the capacity check — used for the single ack-timeout
	// retry, which must not be dropped by a queue that filled up while
	// the item was in flight.
	TryPushFront(ctx context.Context, participantID string, n Notification) error
	// Pop removes and returns the oldest pending notification for
	// participantID, or ok=false if the queue is empty.
	Pop(ctx context.Context, participantID string) (n Notification, ok bool, err error)
	// Depth reports the current queue length, for the HasCapacity check
	// at admission step 8.
	Depth(ctx context.Context, participantID string) (int, error)
	// Drain removes and returns every notification addressed to
	// relationshipID across all participant queues, for cancellation
	// fanout on relationship close.
	Drain(ctx context.Context, relationshipID string) ([]Notification, error)
}

var (
	// ErrNoSubscriber is returned by operations that require an active
	// subscription session (e.g. Ack) when none exists.
	ErrNoSubscriber = errors.New("delivery: no active subscription for this participant")
	// ErrUnknownPending is returned by Ack when the sequence it names is
	// not currently awaiting acknowledgment.
	ErrUnknownPending = errors.New("delivery: no pending delivery with that sequence")
)
