// Package identity implements L1: signature verification on inbound
// messages, and the key registry backing it. Key formats, issuance, and
// the DID/HID identity layer proper are out of scope (spec §1) — this
// package only verifies ed25519 signatures against keys it's told about.
//
// Generalized from the teacher's event-sourced trust-key registry
// (pkg/trust/registry), which tracked tenant->key_id->public_key via
// KEY_ADDED/KEY_REVOKED/KEY_ROTATED events; here the materialized view
// is keyed by device ID and additionally carries an optional bound
// human ID and key expiry, since spec §3 participants may bind a device
// to a human identifier.
package identity

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"
)

// KeyEventType mirrors the teacher's trust registry event vocabulary.
type KeyEventType string

const (
	KeyAdded   KeyEventType = "KEY_ADDED"
	KeyRevoked KeyEventType = "KEY_REVOKED"
	KeyRotated KeyEventType = "KEY_ROTATED"
)

// KeyEvent represents a key lifecycle event for a device identity.
type KeyEvent struct {
	EventType KeyEventType      `json:"event_type"`
	DeviceID  string            `json:"device_id"`
	PublicKey ed25519.PublicKey `json:"public_key,omitempty"`
	HumanID   string            `json:"human_id,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// KeyRecord is the materialized, currently-authoritative state for one
// device identity.
type KeyRecord struct {
	PublicKey ed25519.PublicKey
	HumanID   string
	ExpiresAt time.Time // zero means no expiry
}

// KeyRegistry resolves a device ID to its currently-authorized key.
type KeyRegistry interface {
	Lookup(deviceID string) (*KeyRecord, bool)
}

// InMemoryKeyRegistry is an event-sourced registry of device signing
// keys. State is derived exclusively by replaying KeyEvents, mirroring
// the teacher's TrustRegistry.Apply/replay shape.
type InMemoryKeyRegistry struct {
	mu     sync.RWMutex
	events []KeyEvent
	keys   map[string]*KeyRecord
}

// NewInMemoryKeyRegistry creates an empty registry.
func NewInMemoryKeyRegistry() *InMemoryKeyRegistry {
	return &InMemoryKeyRegistry{
		keys: make(map[string]*KeyRecord),
	}
}

// Apply processes a key lifecycle event, updating the materialized view.
func (r *InMemoryKeyRegistry) Apply(event KeyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.EventType {
	case KeyAdded, KeyRotated:
		if event.PublicKey == nil {
			return fmt.Errorf("identity: %s event must include public_key", event.EventType)
		}
		r.keys[event.DeviceID] = &KeyRecord{
			PublicKey: event.PublicKey,
			HumanID:   event.HumanID,
			ExpiresAt: event.ExpiresAt,
		}
	case KeyRevoked:
		delete(r.keys, event.DeviceID)
	default:
		return fmt.Errorf("identity: unknown key event type: %s", event.EventType)
	}

	r.events = append(r.events, event)
	return nil
}

// Lookup returns the currently-authorized key record for a device, or
// false if none is registered.
func (r *InMemoryKeyRegistry) Lookup(deviceID string) (*KeyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.keys[deviceID]
	return rec, ok
}

// EventCount returns the number of key events processed, for diagnostics.
func (r *InMemoryKeyRegistry) EventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
