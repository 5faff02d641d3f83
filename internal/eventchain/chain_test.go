package eventchain_test

import (
	"testing"
	"time"

	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) eventchain.Key {
	t.Helper()
	key, err := eventchain.DeriveKey("test-secret", "test-salt")
	require.NoError(t, err)
	return key
}

func buildChain(t *testing.T, key eventchain.Key, n int) []eventchain.Event {
	t.Helper()
	events := make([]eventchain.Event, 0, n)
	prev := eventchain.Genesis
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		e, err := eventchain.NewEvent(key, "rel-1", uint64(i), eventchain.EventIntentAdmitted,
			map[string]any{"seq": i}, prev, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		events = append(events, *e)
		prev = e.Hash
	}
	return events
}

func TestVerify_IntactChain(t *testing.T) {
	key := testKey(t)
	events := buildChain(t, key, 5)

	ok, _, reason := eventchain.Verify(key, events)
	require.True(t, ok, reason)
}

func TestVerify_TamperedPayload_BreaksFromThatPointOnward(t *testing.T) {
	key := testKey(t)
	events := buildChain(t, key, 5)

	// Flip a field in event 2's payload — per spec §8 scenario E, every
	// event from the tampered point onward must fail verification.
	events[2].Payload["seq"] = 999

	ok, brokenAt, _ := eventchain.Verify(key, events)
	require.False(t, ok)
	require.Equal(t, uint64(2), brokenAt)
}

func TestVerify_WrongKey_Fails(t *testing.T) {
	key := testKey(t)
	events := buildChain(t, key, 3)

	otherKey, err := eventchain.DeriveKey("different-secret", "test-salt")
	require.NoError(t, err)

	ok, _, _ := eventchain.Verify(otherKey, events)
	require.False(t, ok, "a chain should not verify under a different key")
}

func TestVerify_SequenceGap_Fails(t *testing.T) {
	key := testKey(t)
	events := buildChain(t, key, 3)

	// Delete the middle event: sequence 1 disappears, leaving a gap.
	events = append(events[:1], events[2:]...)

	ok, brokenAt, _ := eventchain.Verify(key, events)
	require.False(t, ok)
	require.Equal(t, uint64(2), brokenAt)
}

func TestNewEvent_Deterministic(t *testing.T) {
	key := testKey(t)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	payload := map[string]any{"type": "greet"}

	e1, err := eventchain.NewEvent(key, "rel-1", 0, eventchain.EventIntentAdmitted, payload, eventchain.Genesis, now)
	require.NoError(t, err)
	e2, err := eventchain.NewEvent(key, "rel-1", 0, eventchain.EventIntentAdmitted, payload, eventchain.Genesis, now)
	require.NoError(t, err)

	require.Equal(t, e1.Hash, e2.Hash)
}

func TestDeriveKey_DifferentSaltsDifferentKeys(t *testing.T) {
	k1, err := eventchain.DeriveKey("same-secret", "salt-a")
	require.NoError(t, err)
	k2, err := eventchain.DeriveKey("same-secret", "salt-b")
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}
