package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/intentkeep/broker/internal/apierr"
	"github.com/intentkeep/broker/internal/brokererr"
	"github.com/intentkeep/broker/internal/canonicalize"
	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/identity"
	"github.com/intentkeep/broker/internal/relationship"
	"github.com/intentkeep/broker/internal/store"
)

// establishRequest is the wire format of the `establish` operation
// (spec.md §6: "Create a new relationship from a signed proposal").
type establishRequest struct {
	Initiator      domain.Participant `json:"initiator"`
	Responder      domain.Participant `json:"responder"`
	TrustLevel     int                `json:"trust_level"`
	MaxDepth       int                `json:"max_depth"`
	Timebox        domain.Timebox     `json:"timebox"`
	ContinuationOf string             `json:"continuation_of,omitempty"`
	Sender         string             `json:"sender"`
	Signature      []byte             `json:"signature"`
}

// signableEstablish is the subset of establishRequest that's actually
// signed — everything but the signature, mirroring
// admission.signableIntent's shape.
type signableEstablish struct {
	Initiator      domain.Participant `json:"initiator"`
	Responder      domain.Participant `json:"responder"`
	TrustLevel     int                `json:"trust_level"`
	MaxDepth       int                `json:"max_depth"`
	Timebox        domain.Timebox     `json:"timebox"`
	ContinuationOf string             `json:"continuation_of,omitempty"`
	Sender         string             `json:"sender"`
}

func (s *Server) handleEstablish(w http.ResponseWriter, r *http.Request) {
	var req establishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, r, "invalid request body")
		return
	}

	canonical, err := canonicalize.JCS(signableEstablish{
		Initiator:      req.Initiator,
		Responder:      req.Responder,
		TrustLevel:     req.TrustLevel,
		MaxDepth:       req.MaxDepth,
		Timebox:        req.Timebox,
		ContinuationOf: req.ContinuationOf,
		Sender:         req.Sender,
	})
	if err != nil {
		apierr.WriteBadRequest(w, r, "unable to canonicalize proposal")
		return
	}
	if berr := s.verifier.Verify(identity.SignedMessage{
		Sender:    req.Sender,
		Canonical: canonical,
		Signature: req.Signature,
	}); berr != nil {
		apierr.WriteBrokerError(w, r, berr)
		return
	}
	if req.Sender != req.Initiator.DeviceID {
		apierr.WriteBrokerError(w, r, brokererr.New(brokererr.KindWrongDirection, "establish must be signed by the proposed initiator"))
		return
	}

	rel, err := s.lifecycle.Establish(r.Context(), relationship.EstablishParams{
		Initiator:      req.Initiator,
		Responder:      req.Responder,
		TrustLevel:     req.TrustLevel,
		MaxDepth:       req.MaxDepth,
		Timebox:        req.Timebox,
		ContinuationOf: req.ContinuationOf,
	})
	if err != nil {
		writeRelationshipError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          rel.ID,
		"trust_level": rel.TrustLevel,
	})
}

type closeRequest struct {
	Reason domain.CloseReason `json:"reason"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req closeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteBadRequest(w, r, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = domain.CloseReasonUser
	}

	if s.delivery != nil {
		if err := s.delivery.CancelRelationship(r.Context(), id); err != nil {
			// Already closed is not fatal here: Close itself is
			// idempotent, so a racing second close request should
			// still report success rather than surface the
			// cancellation-ordering guard's internal error.
			s.logger.Debug("cancel-relationship before close", "relationship_id", id, "error", err)
		}
	}

	rel, err := s.lifecycle.Close(r.Context(), id, req.Reason)
	if err != nil {
		writeRelationshipError(w, r, err)
		return
	}

	if s.exporter != nil {
		events, evErr := s.store.ListEvents(r.Context(), id, 0)
		if evErr != nil {
			s.logger.Error("load events for retention export", "relationship_id", id, "error", evErr)
		} else if _, _, expErr := s.exporter.ExportIfRequired(r.Context(), rel, events, time.Now()); expErr != nil {
			// Export failure never unwinds the close: the chain itself
			// is already durable, and a missed archive copy can be
			// retried by re-running export against the closed chain.
			s.logger.Error("retention export", "relationship_id", id, "error", expErr)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            rel.ID,
		"total_events":  rel.ChainLength,
		"chain_head":    rel.ChainHead,
		"close_reason":  rel.CloseReason,
	})
}

func (s *Server) handleContinueFrom(w http.ResponseWriter, r *http.Request) {
	predecessorID := r.PathValue("id")
	var req establishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, r, "invalid request body")
		return
	}
	req.ContinuationOf = predecessorID

	canonical, err := canonicalize.JCS(signableEstablish{
		Initiator:      req.Initiator,
		Responder:      req.Responder,
		TrustLevel:     req.TrustLevel,
		MaxDepth:       req.MaxDepth,
		Timebox:        req.Timebox,
		ContinuationOf: req.ContinuationOf,
		Sender:         req.Sender,
	})
	if err != nil {
		apierr.WriteBadRequest(w, r, "unable to canonicalize proposal")
		return
	}
	if berr := s.verifier.Verify(identity.SignedMessage{
		Sender:    req.Sender,
		Canonical: canonical,
		Signature: req.Signature,
	}); berr != nil {
		apierr.WriteBrokerError(w, r, berr)
		return
	}

	rel, err := s.lifecycle.Establish(r.Context(), relationship.EstablishParams{
		Initiator:      req.Initiator,
		Responder:      req.Responder,
		TrustLevel:     req.TrustLevel,
		MaxDepth:       req.MaxDepth,
		Timebox:        req.Timebox,
		ContinuationOf: predecessorID,
	})
	if err != nil {
		writeRelationshipError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": rel.ID})
}

func (s *Server) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rel, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteNotFound(w, r, "relationship not found")
			return
		}
		apierr.WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "unable to load relationship")
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.store.ListEvents(r.Context(), id, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteNotFound(w, r, "relationship not found")
			return
		}
		apierr.WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "unable to load events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// writeRelationshipError converts a store/relationship error into the
// appropriate problem-detail response: a *brokererr.Error if one was
// returned, ErrNotFound to a 404, and anything else to a correlated
// 500.
func writeRelationshipError(w http.ResponseWriter, r *http.Request, err error) {
	var berr *brokererr.Error
	if errors.As(err, &berr) {
		apierr.WriteBrokerError(w, r, berr)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		apierr.WriteNotFound(w, r, "relationship not found")
		return
	}
	apierr.WriteBrokerError(w, r, brokererr.Internal("apiserver-relationship-op", err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
