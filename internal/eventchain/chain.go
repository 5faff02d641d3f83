// Package eventchain implements the per-relationship tamper-evident event
// log of spec §4.5: each event is linked to its predecessor by a keyed
// hash, so any insertion, deletion, or reordering breaks the chain at the
// point of tampering (spec §8 scenario E).
//
// Generalized from a flat, single hash-chained ledger (the teacher's
// pkg/ledger) into per-relationship chains keyed with a process-wide
// secret, since spec §4.5 requires the continuity hash be a *keyed* hash,
// not a bare content hash — a verifier without the key cannot forge a
// plausible replacement event.
package eventchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/intentkeep/broker/internal/canonicalize"
)

// Genesis is the fixed previous-hash value of the first event on any
// chain (spec §4: "the first event's previous hash is the fixed genesis
// value").
const Genesis = "genesis"

// EventType enumerates the event kinds named in spec §3.
type EventType string

const (
	EventRelationshipEstablished EventType = "relationship_established"
	EventIntentAdmitted          EventType = "intent_admitted"
	EventIntentRejected          EventType = "intent_rejected"
	EventResponseRecorded        EventType = "response_recorded"
	EventRelationshipClosed      EventType = "relationship_closed"
	EventRelationshipContinued   EventType = "relationship_continued"
	EventBreachAttempt           EventType = "breach_attempt"
)

// Event is one append-only, hash-linked record on a relationship's chain.
type Event struct {
	RelationshipID string         `json:"relationship_id"`
	Sequence       uint64         `json:"sequence"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload"`
	PrevHash       string         `json:"prev_hash"`
	Hash           string         `json:"hash"`
}

// Key is the process-wide, read-only-after-startup chain-hashing secret
// (spec §5: "The chain-hashing key is process-wide, read-only after
// startup").
type Key []byte

// DeriveKey derives the process-wide HMAC key from an operator-supplied
// root secret and a broker-ID salt via HKDF-SHA256, so the raw secret
// from the environment is never used directly as a MAC key.
func DeriveKey(secret, salt string) (Key, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte("intentkeep/event-chain/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("eventchain: key derivation failed: %w", err)
	}
	return key, nil
}

// hashInput is the exact struct whose canonical JSON is hashed — the
// fields named in spec §3: "(previous_hash, sequence, type,
// canonical(payload))", plus the relationship ID.
type hashInput struct {
	RelationshipID string         `json:"relationship_id"`
	PrevHash       string         `json:"prev_hash"`
	Sequence       uint64         `json:"sequence"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
}

func computeHash(key Key, relationshipID, prevHash string, seq uint64, typ EventType, payload map[string]any) (string, error) {
	canonical, err := canonicalize.JCS(hashInput{
		RelationshipID: relationshipID,
		PrevHash:       prevHash,
		Sequence:       seq,
		Type:           string(typ),
		Payload:        payload,
	})
	if err != nil {
		return "", fmt.Errorf("eventchain: canonicalization failed: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	sum := mac.Sum(nil)
	return "hmac-sha256:" + hex.EncodeToString(sum), nil
}

// NewEvent computes the continuity hash for the next event on a chain and
// returns the fully-formed Event. The caller (internal/store) is
// responsible for atomically appending it behind the relationship's
// previous-hash check (spec §4.2 "Append event").
func NewEvent(key Key, relationshipID string, seq uint64, typ EventType, payload map[string]any, prevHash string, now time.Time) (*Event, error) {
	if seq == 0 && prevHash != Genesis {
		return nil, fmt.Errorf("eventchain: sequence 0 must chain from genesis, got %q", prevHash)
	}
	hash, err := computeHash(key, relationshipID, prevHash, seq, typ, payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		RelationshipID: relationshipID,
		Sequence:       seq,
		Type:           typ,
		Timestamp:      now,
		Payload:        payload,
		PrevHash:       prevHash,
		Hash:           hash,
	}, nil
}

// Verify replays a full event list and checks sequence contiguity, the
// previous-hash links, and the continuity hash of every event. It
// returns ok=true if the whole chain verifies, or ok=false plus the
// sequence number of the first event that fails (spec §8 scenario E:
// "every event from the tampered point onward must fail verification").
func Verify(key Key, events []Event) (ok bool, brokenAt uint64, reason string) {
	prevHash := Genesis
	for i, e := range events {
		if e.Sequence != uint64(i) {
			return false, e.Sequence, fmt.Sprintf("sequence gap: expected %d, got %d", i, e.Sequence)
		}
		if e.PrevHash != prevHash {
			return false, e.Sequence, fmt.Sprintf("chain broken: expected prev_hash %q, got %q", prevHash, e.PrevHash)
		}
		recomputed, err := computeHash(key, e.RelationshipID, e.PrevHash, e.Sequence, e.Type, e.Payload)
		if err != nil {
			return false, e.Sequence, fmt.Sprintf("hash recomputation failed: %v", err)
		}
		if recomputed != e.Hash {
			return false, e.Sequence, "hash mismatch: payload or metadata was tampered with"
		}
		prevHash = e.Hash
	}
	return true, 0, "chain verified"
}
