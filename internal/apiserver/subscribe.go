package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/intentkeep/broker/internal/apierr"
	"github.com/intentkeep/broker/internal/delivery"
)

// heartbeatInterval drives this server's own liveness ticks on an open
// subscription stream (spec §4.7: two missed heartbeat intervals close
// the session). The stream's continued presence on the wire is treated
// as its own proof of liveness, since SSE has no client-to-server leg
// for a subscriber to send one itself. It equals the default
// config.HeartbeatInterval that the delivery Manager's sweep measures
// sessions against.
const heartbeatInterval = 5 * time.Second

// handleSubscribe opens a server-sent-events stream of admitted-intent
// and response notifications for the caller. Framing as SSE rather than
// WebSocket or gRPC streaming is a deliberate choice for this
// transport-agnostic core (spec.md overview names HTTP framing an
// external collaborator): net/http's Flusher is all a push stream needs
// and keeps this package dependency-free of a streaming framework.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant_id")
	role := delivery.SubscriptionRole(r.URL.Query().Get("role"))
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}
	if participantID == "" || (role != delivery.RoleInitiator && role != delivery.RoleResponder) {
		apierr.WriteBadRequest(w, r, "participant_id and role (initiator|responder) are required")
		return
	}
	if err := s.tokens.Validate(token, participantID, role); err != nil {
		apierr.WriteError(w, r, http.StatusUnauthorized, "Unauthorized", "invalid or expired subscription token")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "streaming unsupported by response writer")
		return
	}

	sub := s.delivery.Subscribe(r.Context(), participantID, role)
	s.registerLive(participantID, sub)
	defer func() {
		s.unregisterLive(participantID, sub)
		sub.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sub.Heartbeat()
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case n, ok := <-sub.Notifications():
			if !ok {
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				s.logger.Error("marshal notification", "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", n.Sequence, n.Kind, payload)
			flusher.Flush()
		}
	}
}

type ackRequest struct {
	ParticipantID string `json:"participant_id"`
	Sequence      uint64 `json:"sequence"`
}

// handleAck acknowledges the notification carrying sequence on the
// caller's currently-open subscription, reached via the server-side
// live-subscription map since the ack is a separate HTTP request from
// the one holding the stream open.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteBadRequest(w, r, "invalid request body")
		return
	}

	sub, ok := s.lookupLive(req.ParticipantID)
	if !ok {
		apierr.WriteNotFound(w, r, "no open subscription for participant_id")
		return
	}
	if err := sub.Ack(req.Sequence); err != nil {
		apierr.WriteBadRequest(w, r, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
