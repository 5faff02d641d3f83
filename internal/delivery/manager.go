package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/intentkeep/broker/internal/admission"
	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/store"
)

// Manager is the Delivery Subsystem (L7). It implements
// admission.Delivery for the pipeline's backpressure check and intent
// handoff, and separately routes recorded responses back to the
// initiator. One subscription is live per participant at a time (spec
// §4.7: "handed to one subscription session at a time").
type Manager struct {
	queue     Queue
	store     store.Store
	chainKey  eventchain.Key
	queueSize int

	ackTimeout        time.Duration
	heartbeatInterval time.Duration
	clock             func() time.Time

	mu   sync.Mutex
	subs map[string]*activeSub
}

type activeSub struct {
	sub           *Subscription
	lastHeartbeat time.Time
	awaitingAck   map[uint64]*pendingAck
}

type pendingAck struct {
	notification Notification
	deliveredAt  time.Time
}

// NewManager builds a Manager. queueSize must match the capacity the
// given Queue was itself constructed with — Manager only consults it
// for the advisory HasCapacity check at admission step 8.
func NewManager(q Queue, s store.Store, chainKey eventchain.Key, queueSize int, ackTimeout, heartbeatInterval time.Duration) *Manager {
	m := &Manager{
		queue:             q,
		store:             s,
		chainKey:          chainKey,
		queueSize:         queueSize,
		ackTimeout:        ackTimeout,
		heartbeatInterval: heartbeatInterval,
		clock:             time.Now,
		subs:              make(map[string]*activeSub),
	}
	go m.sweep()
	return m
}

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// HasCapacity implements admission.Delivery: the responder's pending
// queue has room for one more. A Depth error fails open — an infra
// hiccup on the advisory pre-check shouldn't itself reject an intent
// that TryPush would in fact have accepted; the real bound is still
// enforced by the Queue's own atomic capacity check at Enqueue time.
func (m *Manager) HasCapacity(responderDeviceID string) bool {
	depth, err := m.queue.Depth(context.Background(), responderDeviceID)
	if err != nil {
		return true
	}
	return depth < m.queueSize
}

// Enqueue implements admission.Delivery: hand an admitted intent to the
// responder's pending queue.
func (m *Manager) Enqueue(ctx context.Context, responderDeviceID string, ai admission.AdmittedIntent) error {
	intent := ai.Intent
	ok, err := m.queue.TryPush(ctx, responderDeviceID, Notification{
		Kind:           KindIntentAdmitted,
		RelationshipID: ai.RelationshipID,
		Sequence:       ai.Sequence,
		Intent:         &intent,
		RiskScore:      ai.RiskScore,
		EnqueuedAt:     ai.AdmittedAt,
	})
	if err != nil {
		return fmt.Errorf("delivery: enqueue to %s: %w", responderDeviceID, err)
	}
	if !ok {
		return fmt.Errorf("delivery: %s's pending queue is at capacity", responderDeviceID)
	}
	return nil
}

// RouteResponse pushes a newly recorded response to the initiator's
// subscription (spec §4.7: "the response is pushed to the initiator's
// subscription under the same at-most-once contract"). Called by the
// caller of admission.Pipeline.Respond once the response event is
// durably recorded.
func (m *Manager) RouteResponse(ctx context.Context, initiatorDeviceID, relationshipID string, sequence uint64, response *domain.Response) error {
	ok, err := m.queue.TryPush(ctx, initiatorDeviceID, Notification{
		Kind:           KindResponse,
		RelationshipID: relationshipID,
		Sequence:       sequence,
		Response:       response,
		EnqueuedAt:     m.clock(),
	})
	if err != nil {
		return fmt.Errorf("delivery: route response to %s: %w", initiatorDeviceID, err)
	}
	if !ok {
		// The initiator's own pending queue filling up isn't a pipeline
		// concern (spec §4.7's backpressure check only governs intents
		// reaching a responder); the push is dropped and reported as an
		// error, while the response itself stays on the event chain.
		return fmt.Errorf("delivery: initiator %s's pending queue is at capacity", initiatorDeviceID)
	}
	return nil
}

// Subscribe opens a subscription session for participantID. Any prior
// session for the same participant is closed and its awaiting-ack
// items requeued, since only one session may be live at a time.
func (m *Manager) Subscribe(ctx context.Context, participantID string, role SubscriptionRole) *Subscription {
	m.mu.Lock()
	if prev, ok := m.subs[participantID]; ok {
		m.requeueLocked(ctx, prev)
		close(prev.sub.closed)
	}

	sub := &Subscription{
		manager:       m,
		participantID: participantID,
		role:          role,
		notifications: make(chan Notification, 16),
		closed:        make(chan struct{}),
	}
	as := &activeSub{sub: sub, lastHeartbeat: m.clock(), awaitingAck: make(map[uint64]*pendingAck)}
	m.subs[participantID] = as
	m.mu.Unlock()

	go m.pump(ctx, as)
	return sub
}

// requeueLocked pushes every awaiting-ack item of as back to the front
// of its participant's queue. Callers hold m.mu.
func (m *Manager) requeueLocked(ctx context.Context, as *activeSub) {
	for _, pending := range as.awaitingAck {
		_ = m.queue.TryPushFront(ctx, as.sub.participantID, pending.notification)
	}
}

// pump repeatedly pops from participantID's queue and pushes onto the
// subscription channel, tracking each delivery as awaiting
// acknowledgment. A simple poll-with-backoff loop: the bound on
// responsiveness is the poll interval, which is fine for a queue
// that's also bounded to a few dozen entries (spec §5's "ordinary
// mutual exclusion," not a wake-on-push notification mechanism).
func (m *Manager) pump(ctx context.Context, as *activeSub) {
	for {
		select {
		case <-as.sub.closed:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, ok, err := m.queue.Pop(ctx, as.sub.participantID)
		if err != nil || !ok {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-as.sub.closed:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		n.Attempts++
		m.mu.Lock()
		as.awaitingAck[n.Sequence] = &pendingAck{notification: n, deliveredAt: m.clock()}
		m.mu.Unlock()

		select {
		case as.sub.notifications <- n:
		case <-as.sub.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ack marks sequence as acknowledged for participantID, stopping any
// further ack-timeout retry for that notification.
func (m *Manager) ack(participantID string, sequence uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	as, ok := m.subs[participantID]
	if !ok {
		return ErrNoSubscriber
	}
	if _, ok := as.awaitingAck[sequence]; !ok {
		return ErrUnknownPending
	}
	delete(as.awaitingAck, sequence)
	return nil
}

// heartbeat records liveness for participantID's session.
func (m *Manager) heartbeat(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if as, ok := m.subs[participantID]; ok {
		as.lastHeartbeat = m.clock()
	}
}

// unsubscribe tears down participantID's session if it still belongs to
// sub, requeueing anything still awaiting acknowledgment.
func (m *Manager) unsubscribe(participantID string, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.subs[participantID]
	if !ok || as.sub != sub {
		return
	}
	m.requeueLocked(context.Background(), as)
	delete(m.subs, participantID)
}

// sweep is the periodic pass that closes sessions missing two
// heartbeats and finalizes notifications that have blown their ack
// timeout after one retry (spec §4.7/§5).
func (m *Manager) sweep() {
	for {
		interval := m.heartbeatInterval
		if m.ackTimeout < interval {
			interval = m.ackTimeout
		}
		if interval <= 0 {
			interval = time.Second
		}
		time.Sleep(interval)
		m.Sweep()
	}
}

// Sweep runs one pass closing sessions that missed two heartbeats and
// finalizing notifications past their ack timeout after one retry. The
// background loop calls this on a fixed cadence; exported so operators
// and tests can also trigger a pass on demand, mirroring
// relationship.Engine.Sweep.
func (m *Manager) Sweep() {
	ctx := context.Background()
	now := m.clock()

	m.mu.Lock()
	var deadSessions []*activeSub
	var toFinalize []Notification
	for participantID, as := range m.subs {
		if now.Sub(as.lastHeartbeat) > 2*m.heartbeatInterval {
			deadSessions = append(deadSessions, as)
			delete(m.subs, participantID)
			continue
		}
		for seq, pending := range as.awaitingAck {
			if now.Sub(pending.deliveredAt) <= m.ackTimeout {
				continue
			}
			if pending.notification.Attempts < 2 {
				_ = m.queue.TryPushFront(ctx, participantID, pending.notification)
			} else {
				toFinalize = append(toFinalize, pending.notification)
			}
			delete(as.awaitingAck, seq)
		}
	}
	m.mu.Unlock()

	for _, as := range deadSessions {
		m.requeueDead(ctx, as)
	}
	for _, n := range toFinalize {
		m.finalizeDeliveryTimeout(ctx, n)
	}
}

// requeueDead requeues every awaiting-ack item of a session whose
// heartbeat lapsed, without counting it as the one ack-timeout retry —
// the session died, the item itself was never given a fair chance to
// be acknowledged.
func (m *Manager) requeueDead(ctx context.Context, as *activeSub) {
	close(as.sub.closed)
	for _, pending := range as.awaitingAck {
		_ = m.queue.TryPushFront(ctx, as.sub.participantID, pending.notification)
	}
}

// finalizeDeliveryTimeout records response_recorded{rejected,
// reason=delivery_timeout} for an admitted intent that was retried once
// and still never acknowledged (spec §5). Response notifications
// (pushed to an initiator) have nothing further to finalize — the
// underlying response event is already durably recorded — so they're
// simply dropped.
func (m *Manager) finalizeDeliveryTimeout(ctx context.Context, n Notification) {
	if n.Kind != KindIntentAdmitted {
		return
	}
	r, err := m.store.Get(ctx, n.RelationshipID)
	if err != nil || r.State == domain.StateClosed {
		// Already closed: either CancelRelationship already finalized this
		// sequence, or the close raced ahead of this sweep — either way
		// relationship_closed must remain the chain's last event.
		return
	}
	if finalized, err := responseAlreadyRecorded(ctx, m.store, n.RelationshipID, n.Sequence); err != nil || finalized {
		return
	}

	payload := map[string]any{
		"intent_sequence":  n.Sequence,
		"outcome":          "rejected",
		"rejection_reason": "delivery_timeout",
	}
	evt, err := eventchain.NewEvent(m.chainKey, r.ID, r.ChainLength, eventchain.EventResponseRecorded, payload, r.ChainHead, m.clock())
	if err != nil {
		return
	}
	_, _ = m.store.AppendEvent(ctx, r.ID, *evt, true)
}

// responseAlreadyRecorded guards against finalizing a sequence the
// responder actually answered in the race between its real response
// landing and this sweep's finalization.
func responseAlreadyRecorded(ctx context.Context, s store.Store, relationshipID string, sequence uint64) (bool, error) {
	events, err := s.ListEvents(ctx, relationshipID, 0)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.Type != eventchain.EventResponseRecorded {
			continue
		}
		raw, ok := e.Payload["intent_sequence"]
		if !ok {
			continue
		}
		if matchesSequence(raw, sequence) {
			return true, nil
		}
	}
	return false, nil
}

// matchesSequence compares a sequence number that may have round-tripped
// through JSON (and so could surface as float64, json.Number, or a plain
// int/uint64 depending on the store backend) against seq. Mirrors
// admission.matchesSequence: both packages scan the same event payload
// shape but neither exports the helper, since each is a three-line
// switch closer to its own call site than to a shared utility package.
func matchesSequence(v any, seq uint64) bool {
	switch n := v.(type) {
	case uint64:
		return n == seq
	case int:
		return n >= 0 && uint64(n) == seq
	case int64:
		return n >= 0 && uint64(n) == seq
	case float64:
		return uint64(n) == seq
	case json.Number:
		i, err := n.Int64()
		return err == nil && i >= 0 && uint64(i) == seq
	default:
		return false
	}
}

// CancelRelationship finalizes every pending notification addressed to
// relationshipID — both still queued and mid-flight to an active
// subscription — with response_recorded{rejected,
// reason=relationship_closed} (spec §4.7: "if a relationship is closed
// while intents are pending, every pending intent is finalized").
//
// Must be called before the Lifecycle Engine appends the
// relationship_closed event, not after: spec §4.5 requires
// relationship_closed to always be the chain's last event, so every
// cancellation finalize has to land while the relationship is still
// active. Returns an error without finalizing anything if the
// relationship is already closed, since appending past that point
// would violate the invariant.
func (m *Manager) CancelRelationship(ctx context.Context, relationshipID string) error {
	r, err := m.store.Get(ctx, relationshipID)
	if err != nil {
		return fmt.Errorf("delivery: cancel %s: %w", relationshipID, err)
	}
	if r.State == domain.StateClosed {
		return fmt.Errorf("delivery: cancel %s: relationship is already closed", relationshipID)
	}

	drained, err := m.queue.Drain(ctx, relationshipID)
	if err != nil {
		return fmt.Errorf("delivery: drain %s: %w", relationshipID, err)
	}

	m.mu.Lock()
	for _, as := range m.subs {
		for seq, pending := range as.awaitingAck {
			if pending.notification.RelationshipID == relationshipID {
				drained = append(drained, pending.notification)
				delete(as.awaitingAck, seq)
			}
		}
	}
	m.mu.Unlock()

	for _, n := range drained {
		if n.Kind != KindIntentAdmitted {
			continue
		}
		if finalized, err := responseAlreadyRecorded(ctx, m.store, relationshipID, n.Sequence); err != nil || finalized {
			continue
		}
		payload := map[string]any{
			"intent_sequence":  n.Sequence,
			"outcome":          "rejected",
			"rejection_reason": "relationship_closed",
		}
		evt, err := eventchain.NewEvent(m.chainKey, relationshipID, r.ChainLength, eventchain.EventResponseRecorded, payload, r.ChainHead, m.clock())
		if err != nil {
			continue
		}
		updated, err := m.store.AppendEvent(ctx, relationshipID, *evt, true)
		if err != nil {
			continue
		}
		r = updated
	}
	return nil
}
