// Package apierr renders RFC 7807 Problem Detail responses for the
// broker's HTTP surface, and maps the closed brokererr.Kind taxonomy onto
// HTTP status codes.
package apierr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/intentkeep/broker/internal/brokererr"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All
// API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// statusFor maps each brokererr.Kind to its HTTP status.
var statusFor = map[brokererr.Kind]int{
	brokererr.KindBadSignature:           http.StatusUnauthorized,
	brokererr.KindUnknownSender:          http.StatusUnauthorized,
	brokererr.KindBindingMismatch:        http.StatusUnauthorized,
	brokererr.KindExpiredKey:             http.StatusUnauthorized,
	brokererr.KindUnknownRelationship:    http.StatusNotFound,
	brokererr.KindClosedRelationship:     http.StatusConflict,
	brokererr.KindDepthExceeded:          http.StatusConflict,
	brokererr.KindExpired:                http.StatusConflict,
	brokererr.KindOutsideWindow:          http.StatusForbidden,
	brokererr.KindAlreadyClosed:          http.StatusConflict,
	brokererr.KindParticipantMismatch:    http.StatusConflict,
	brokererr.KindPredecessorActive:      http.StatusConflict,
	brokererr.KindTrustLevelInsufficient: http.StatusForbidden,
	brokererr.KindConsentMissing:         http.StatusForbidden,
	brokererr.KindFilterRejected:         http.StatusUnprocessableEntity,
	brokererr.KindRiskTooLow:             http.StatusForbidden,
	brokererr.KindWrongDirection:         http.StatusForbidden,
	brokererr.KindNotAdmitted:            http.StatusConflict,
	brokererr.KindAlreadyFinal:           http.StatusConflict,
	brokererr.KindDuplicate:              http.StatusConflict,
	brokererr.KindTimeout:                http.StatusGatewayTimeout,
	brokererr.KindDeliveryTimeout:        http.StatusGatewayTimeout,
	brokererr.KindResponderOverloaded:    http.StatusTooManyRequests,
	brokererr.KindInternal:               http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for a pipeline error kind, defaulting
// to 500 for any kind not in the table (should never happen — the table
// is exhaustive over the closed enum).
func StatusFor(kind brokererr.Kind) int {
	if s, ok := statusFor[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteBrokerError writes a ProblemDetail response for a pipeline error,
// enriched with request context (trace ID, instance path).
func WriteBrokerError(w http.ResponseWriter, r *http.Request, err *brokererr.Error) {
	status := StatusFor(err.Kind)
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://intentkeep.dev/errors/%s", err.Kind),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Kind:     string(err.Kind),
		Signal:   err.Signal,
	}
	if err.Kind == brokererr.KindInternal {
		slog.Error("internal error", "correlation_id", problem.TraceID, "site", err.Correlation, "detail", err.Detail)
		problem.Detail = "An unexpected error occurred. Please try again later."
		if problem.TraceID == "" {
			problem.TraceID = err.Correlation
		}
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes a free-form RFC 7807 response not tied to the pipeline
// error taxonomy (malformed requests, routing errors).
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://intentkeep.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "the HTTP method is not supported for this endpoint")
}
