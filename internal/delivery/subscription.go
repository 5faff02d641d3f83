package delivery

// Subscription is one participant's live stream session (spec §6:
// "Long-lived streams per participant"). The transport layer — HTTP
// long-poll, gRPC stream, websocket, whatever the deployment chooses —
// reads Notifications(), calls Ack after delivering each frame, and
// calls Heartbeat on its own cadence; that framing is an external
// collaborator the core doesn't prescribe (spec.md overview: "HTTP
// framing ... is treated as an external collaborator").
type Subscription struct {
	manager       *Manager
	participantID string
	role          SubscriptionRole

	notifications chan Notification
	closed        chan struct{}
}

// Notifications returns the channel of admitted-intent or response
// notifications addressed to this participant, in delivery order.
func (s *Subscription) Notifications() <-chan Notification {
	return s.notifications
}

// Ack acknowledges receipt of the notification carrying sequence,
// canceling its ack-timeout retry.
func (s *Subscription) Ack(sequence uint64) error {
	return s.manager.ack(s.participantID, sequence)
}

// Heartbeat records liveness; two missed heartbeat intervals close the
// session (spec §4.7).
func (s *Subscription) Heartbeat() {
	s.manager.heartbeat(s.participantID)
}

// Close ends the session, requeueing anything still awaiting
// acknowledgment so a future subscription picks it back up.
func (s *Subscription) Close() {
	s.manager.unsubscribe(s.participantID, s)
}
