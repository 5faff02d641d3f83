// Package oversight implements the compliance fan-out: a copy of every
// breach_attempt event whose intent type the Policy Registry marks
// oversight_copy or legal_hold is written to a separate append-only
// sink, independent of the relationship's own event chain (spec §4.8).
// Grounded on the teacher's pkg/audit.Logger, which writes structured,
// prefixed JSON lines to an injectable io.Writer; generalized here to
// also support the content-addressed archive.Store backends (S3/GCS)
// when one is configured, so a single sink interface covers stdout in
// development and durable cloud storage in production.
package oversight

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/intentkeep/broker/internal/archive"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/policy"
)

// Record is one copied breach event, enriched with the policy reason it
// was copied for.
type Record struct {
	RelationshipID string                `json:"relationship_id"`
	Sequence       uint64                `json:"sequence"`
	IntentType     string                `json:"intent_type"`
	Kind           string                `json:"kind"`
	Detail         string                `json:"detail"`
	Reason         string                `json:"reason"` // "oversight_copy" or "legal_hold"
	OccurredAt     time.Time             `json:"occurred_at"`
	Payload        map[string]any        `json:"payload"`
}

// Sink receives copied records. Implementations must not block the
// caller for long, since Observe runs inline with admission rejection.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// WriterSink writes newline-delimited, prefixed JSON to an injected
// io.Writer — the stdout default (spec §4.8: "stdout JSON lines by
// default").
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink writes to os.Stdout.
func NewWriterSink() *WriterSink {
	return NewWriterSinkWithWriter(os.Stdout)
}

// NewWriterSinkWithWriter writes to w, for tests and custom sinks.
func NewWriterSinkWithWriter(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

func (s *WriterSink) Record(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("oversight: marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(append([]byte("OVERSIGHT: "), append(data, '\n')...))
	return err
}

// ArchiveSink writes each record as its own object in a content-
// addressed archive.Store, for deployments that configure S3 or GCS
// retention (spec §4.8: "S3/GCS when archival is configured").
type ArchiveSink struct {
	store archive.Store
}

// NewArchiveSink wraps store as an oversight Sink.
func NewArchiveSink(store archive.Store) *ArchiveSink {
	return &ArchiveSink{store: store}
}

func (s *ArchiveSink) Record(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("oversight: marshal record: %w", err)
	}
	_, err = s.store.Store(ctx, data)
	return err
}

// Recorder decides, per breach_attempt event, whether the Policy
// Registry's retention flags require a copy, and if so fans it out to
// every configured Sink. A failing sink is logged to stderr but never
// blocks admission: oversight is a side channel, not a gate (spec §4.8
// doesn't make a rejected write here affect the admission result).
type Recorder struct {
	registry *policy.Registry
	sinks    []Sink
	clock    func() time.Time
}

// NewRecorder builds a Recorder over registry, fanning every qualifying
// record out to all of sinks.
func NewRecorder(registry *policy.Registry, sinks ...Sink) *Recorder {
	return &Recorder{registry: registry, sinks: sinks, clock: time.Now}
}

// WithClock overrides the clock used to stamp OccurredAt, for
// deterministic tests.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Observe inspects a single breach_attempt event and, if its intent
// type is currently policy-flagged at trustLevel, fans a Record out to
// every sink. Events of any other type, or with no identifiable intent
// type, are ignored.
func (r *Recorder) Observe(ctx context.Context, trustLevel int, ev eventchain.Event) {
	if ev.Type != eventchain.EventBreachAttempt {
		return
	}
	intentType, _ := ev.Payload["intent_type"].(string)
	if intentType == "" {
		return
	}

	entry := r.registry.Lookup(intentType, trustLevel)
	reason := ""
	switch {
	case entry.LegalHold:
		reason = "legal_hold"
	case entry.OversightCopy:
		reason = "oversight_copy"
	default:
		return
	}

	kind, _ := ev.Payload["kind"].(string)
	detail, _ := ev.Payload["detail"].(string)
	rec := Record{
		RelationshipID: ev.RelationshipID,
		Sequence:       ev.Sequence,
		IntentType:     intentType,
		Kind:           kind,
		Detail:         detail,
		Reason:         reason,
		OccurredAt:     r.clock(),
		Payload:        ev.Payload,
	}

	for _, sink := range r.sinks {
		if err := sink.Record(ctx, rec); err != nil {
			fmt.Fprintf(os.Stderr, "oversight: sink write failed for relationship %s seq %d: %v\n", ev.RelationshipID, ev.Sequence, err)
		}
	}
}
