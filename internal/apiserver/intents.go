package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/intentkeep/broker/internal/admission"
	"github.com/intentkeep/broker/internal/apierr"
	"github.com/intentkeep/broker/internal/brokererr"
	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/store"
)

func (s *Server) handleSendIntent(w http.ResponseWriter, r *http.Request) {
	var intent domain.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		apierr.WriteBadRequest(w, r, "invalid request body")
		return
	}

	ctx, done := s.telemetry.TrackAdmission(r.Context(), "send_intent")
	result, err := s.pipeline.Admit(ctx, intent)
	done(err)
	if err != nil {
		var berr *brokererr.Error
		if errors.As(err, &berr) {
			s.telemetry.RecordRejection(ctx, string(berr.Kind))
			apierr.WriteBrokerError(w, r, berr)
			return
		}
		apierr.WriteBrokerError(w, r, brokererr.Internal("apiserver-send-intent", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"sequence":       result.Sequence,
		"risk_score":     result.RiskScore,
		"policy_version": result.PolicyVersion,
		"within_grace":   result.WithinGrace,
	})
}

type respondRequest struct {
	RelationshipID  string                 `json:"relationship_id"`
	IntentSequence  uint64                 `json:"intent_sequence"`
	Outcome         domain.ResponseOutcome `json:"outcome"`
	Data            map[string]any         `json:"data,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	Sender          string                 `json:"sender"`
	Signature       []byte                 `json:"signature"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, r, "invalid request body")
		return
	}

	ctx, done := s.telemetry.TrackAdmission(r.Context(), "respond")
	seq, err := s.pipeline.Respond(ctx, admission.RespondParams{
		RelationshipID:  req.RelationshipID,
		IntentSequence:  req.IntentSequence,
		Outcome:         req.Outcome,
		Data:            req.Data,
		RejectionReason: req.RejectionReason,
		Sender:          req.Sender,
		Signature:       req.Signature,
	})
	done(err)
	if err != nil {
		var berr *brokererr.Error
		if errors.As(err, &berr) {
			s.telemetry.RecordRejection(ctx, string(berr.Kind))
			apierr.WriteBrokerError(w, r, berr)
			return
		}
		apierr.WriteBrokerError(w, r, brokererr.Internal("apiserver-respond", err))
		return
	}

	if s.delivery != nil {
		rel, getErr := s.store.Get(r.Context(), req.RelationshipID)
		if getErr != nil && !errors.Is(getErr, store.ErrNotFound) {
			s.logger.Error("load relationship for response routing", "relationship_id", req.RelationshipID, "error", getErr)
		} else if getErr == nil {
			routeErr := s.delivery.RouteResponse(r.Context(), rel.Initiator.DeviceID, req.RelationshipID, req.IntentSequence, &domain.Response{
				RelationshipID:  req.RelationshipID,
				IntentSequence:  req.IntentSequence,
				Outcome:         req.Outcome,
				Data:            req.Data,
				RejectionReason: req.RejectionReason,
				Sender:          req.Sender,
				Signature:       req.Signature,
			})
			if routeErr != nil {
				// Routing failure doesn't unwind the already-appended
				// response_recorded event: the chain is the source of
				// truth, and a subscriber who missed the push can still
				// observe the response via get_events.
				s.logger.Warn("route response to initiator", "relationship_id", req.RelationshipID, "error", routeErr)
			}
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"sequence": seq})
}
