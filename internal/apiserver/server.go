// Package apiserver implements the HTTP framing spec.md §6 treats as an
// external collaborator: the transport-agnostic Inbound API
// (establish/send_intent/respond/close/continue_from/get_relationship/
// get_events) and the Subscription API, as plain net/http handlers
// wired the way the teacher's pkg/api handlers are (no router
// framework, a ServeMux plus a small middleware chain).
package apiserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/intentkeep/broker/internal/admission"
	"github.com/intentkeep/broker/internal/archive"
	"github.com/intentkeep/broker/internal/delivery"
	"github.com/intentkeep/broker/internal/identity"
	"github.com/intentkeep/broker/internal/relationship"
	"github.com/intentkeep/broker/internal/store"
	"github.com/intentkeep/broker/internal/telemetry"
)

// Server wires the Admission Pipeline, Lifecycle Engine, Relationship
// Store, Delivery Subsystem, and subscription token issuer behind the
// broker's public HTTP surface.
type Server struct {
	pipeline  *admission.Pipeline
	lifecycle *relationship.Engine
	store     store.Store
	delivery  *delivery.Manager
	tokens    *delivery.TokenIssuer
	verifier  *identity.Verifier
	logger    *slog.Logger

	limiter   *GlobalRateLimiter
	exporter  *archive.Exporter
	telemetry *telemetry.Provider

	// live holds the Subscription for every currently-open stream,
	// keyed by participant device ID, so a separate ack/heartbeat
	// request (a distinct HTTP request from the one holding the
	// stream open) can reach it. HTTP framing is an external
	// collaborator per spec.md's overview, so this bookkeeping is new
	// plumbing rather than anything grounded in a teacher file.
	liveMu sync.Mutex
	live   map[string]*delivery.Subscription
}

// New builds a Server. logger defaults to slog.Default() if nil.
func New(
	pipeline *admission.Pipeline,
	lifecycle *relationship.Engine,
	s store.Store,
	deliveryMgr *delivery.Manager,
	tokens *delivery.TokenIssuer,
	verifier *identity.Verifier,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	disabledTelemetry, _ := telemetry.New(context.Background(), nil)
	return &Server{
		pipeline:  pipeline,
		lifecycle: lifecycle,
		store:     s,
		delivery:  deliveryMgr,
		tokens:    tokens,
		verifier:  verifier,
		logger:    logger,
		telemetry: disabledTelemetry,
		limiter:   NewGlobalRateLimiter(50, 100),
		live:      make(map[string]*delivery.Subscription),
	}
}

// Routes builds the broker's HTTP handler, with the request-ID,
// logging, and rate-limit middleware applied ahead of every route.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/relationships", s.handleEstablish)
	mux.HandleFunc("POST /v1/relationships/{id}/close", s.handleClose)
	mux.HandleFunc("POST /v1/relationships/{id}/continue", s.handleContinueFrom)
	mux.HandleFunc("GET /v1/relationships/{id}", s.handleGetRelationship)
	mux.HandleFunc("GET /v1/relationships/{id}/events", s.handleGetEvents)

	mux.HandleFunc("POST /v1/intents", s.handleSendIntent)
	mux.HandleFunc("POST /v1/responses", s.handleRespond)

	mux.HandleFunc("GET /v1/subscriptions", s.handleSubscribe)
	mux.HandleFunc("POST /v1/subscriptions/ack", s.handleAck)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	return requestIDMiddleware(loggingMiddleware(s.logger)(s.limiter.Middleware(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) registerLive(participantID string, sub *delivery.Subscription) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.live[participantID] = sub
}

func (s *Server) unregisterLive(participantID string, sub *delivery.Subscription) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if s.live[participantID] == sub {
		delete(s.live, participantID)
	}
}

func (s *Server) lookupLive(participantID string) (*delivery.Subscription, bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	sub, ok := s.live[participantID]
	return sub, ok
}

// WithExporter attaches the retention exporter (spec §4.8 expansion):
// on a successful close, the server replays the relationship's chain
// and archives it if the Policy Registry currently flags any intent
// type on it oversight_copy or legal_hold. Optional — close works
// without one.
func (s *Server) WithExporter(e *archive.Exporter) *Server {
	s.exporter = e
	return s
}

// WithTelemetry attaches the OpenTelemetry provider tracing and
// RED-metric-instrumenting every send_intent/respond call. Optional —
// a Server built without one still traces through a disabled, safely
// no-op Provider.
func (s *Server) WithTelemetry(t *telemetry.Provider) *Server {
	if t != nil {
		s.telemetry = t
	}
	return s
}

// Shutdown releases server-held resources; currently a no-op hook kept
// symmetrical with http.Server.Shutdown for callers that hold both.
func (s *Server) Shutdown(ctx context.Context) error {
	return nil
}
