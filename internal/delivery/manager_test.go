package delivery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intentkeep/broker/internal/admission"
	"github.com/intentkeep/broker/internal/delivery"
	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/relationship"
	"github.com/intentkeep/broker/internal/store"
)

func newTestRelationship(t *testing.T, s store.Store, chainKey eventchain.Key) *domain.Relationship {
	t.Helper()
	engine := relationship.NewEngine(s, chainKey)
	r, err := engine.Establish(context.Background(), relationship.EstablishParams{
		Initiator:  domain.Participant{DeviceID: "device-a"},
		Responder:  domain.Participant{DeviceID: "device-b"},
		TrustLevel: 2,
		MaxDepth:   5,
		Timebox:    domain.Timebox{Mode: domain.TimeboxActivityBased, InactivityTimeout: time.Hour},
	})
	require.NoError(t, err)
	return r
}

func TestManager_EnqueueSubscribeAck(t *testing.T) {
	s := store.NewMemoryStore()
	chainKey, err := eventchain.DeriveKey("secret", "salt")
	require.NoError(t, err)
	r := newTestRelationship(t, s, chainKey)

	q := delivery.NewMemoryQueue(8)
	mgr := delivery.NewManager(q, s, chainKey, 8, 10*time.Second, 5*time.Second)

	require.NoError(t, mgr.Enqueue(context.Background(), "device-b", admission.AdmittedIntent{
		RelationshipID: r.ID,
		Sequence:       1,
		Intent:         domain.Intent{RelationshipID: r.ID, Type: "schedule_request", Sender: "device-a"},
		RiskScore:      0.5,
		AdmittedAt:     time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := mgr.Subscribe(ctx, "device-b", delivery.RoleResponder)
	defer sub.Close()

	select {
	case n := <-sub.Notifications():
		require.Equal(t, delivery.KindIntentAdmitted, n.Kind)
		require.Equal(t, uint64(1), n.Sequence)
		require.NoError(t, sub.Ack(n.Sequence))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestManager_HasCapacity(t *testing.T) {
	s := store.NewMemoryStore()
	chainKey, err := eventchain.DeriveKey("secret", "salt")
	require.NoError(t, err)

	q := delivery.NewMemoryQueue(1)
	mgr := delivery.NewManager(q, s, chainKey, 1, 10*time.Second, 5*time.Second)

	require.True(t, mgr.HasCapacity("device-b"))
	require.NoError(t, mgr.Enqueue(context.Background(), "device-b", admission.AdmittedIntent{
		RelationshipID: "r1", Sequence: 1, Intent: domain.Intent{}, AdmittedAt: time.Now(),
	}))
	require.False(t, mgr.HasCapacity("device-b"))
}

func TestManager_AckTimeoutRequeuesOnceThenFinalizes(t *testing.T) {
	s := store.NewMemoryStore()
	chainKey, err := eventchain.DeriveKey("secret", "salt")
	require.NoError(t, err)
	r := newTestRelationship(t, s, chainKey)

	q := delivery.NewMemoryQueue(8)
	mgr := delivery.NewManager(q, s, chainKey, 8, time.Minute, time.Minute)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	mgr.WithClock(func() time.Time { return clock })

	require.NoError(t, mgr.Enqueue(context.Background(), "device-b", admission.AdmittedIntent{
		RelationshipID: r.ID,
		Sequence:       0,
		Intent:         domain.Intent{RelationshipID: r.ID, Type: "schedule_request", Sender: "device-a"},
		AdmittedAt:     base,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := mgr.Subscribe(ctx, "device-b", delivery.RoleResponder)
	defer sub.Close()

	select {
	case <-sub.Notifications():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial delivery")
	}

	// First ack-timeout sweep: one retry, no finalize yet.
	clock = base.Add(2 * time.Minute)
	mgr.Sweep()

	select {
	case n := <-sub.Notifications():
		require.Equal(t, 2, n.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}

	// Second ack-timeout sweep: finalize with delivery_timeout. The
	// session heartbeats first, so the sweep does not drop it as dead.
	clock = base.Add(4 * time.Minute)
	sub.Heartbeat()
	mgr.Sweep()

	require.Eventually(t, func() bool {
		events, err := s.ListEvents(context.Background(), r.ID, 0)
		require.NoError(t, err)
		last := events[len(events)-1]
		return last.Type == eventchain.EventResponseRecorded && last.Payload["rejection_reason"] == "delivery_timeout"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_CancelRelationshipFinalizesPending(t *testing.T) {
	s := store.NewMemoryStore()
	chainKey, err := eventchain.DeriveKey("secret", "salt")
	require.NoError(t, err)
	r := newTestRelationship(t, s, chainKey)

	q := delivery.NewMemoryQueue(8)
	mgr := delivery.NewManager(q, s, chainKey, 8, time.Minute, time.Minute)

	require.NoError(t, mgr.Enqueue(context.Background(), "device-b", admission.AdmittedIntent{
		RelationshipID: r.ID,
		Sequence:       0,
		Intent:         domain.Intent{RelationshipID: r.ID, Type: "schedule_request", Sender: "device-a"},
		AdmittedAt:     time.Now(),
	}))

	require.NoError(t, mgr.CancelRelationship(context.Background(), r.ID))

	engine := relationship.NewEngine(s, chainKey)
	_, err = engine.Close(context.Background(), r.ID, domain.CloseReasonUser)
	require.NoError(t, err)

	events, err := s.ListEvents(context.Background(), r.ID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, eventchain.EventRelationshipClosed, last.Type, "relationship_closed must remain the chain's last event")

	finalize := events[len(events)-2]
	require.Equal(t, eventchain.EventResponseRecorded, finalize.Type)
	require.Equal(t, "relationship_closed", finalize.Payload["rejection_reason"])

	require.Error(t, mgr.CancelRelationship(context.Background(), r.ID), "cancellation after close must be rejected")
}
