// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for state-machine guard
// rejects and security-sensitive operations. It follows the WHO/WHAT/WHEN
// pattern for forensics.
package audit

import (
	"time"

	"github.com/hitloop/orchestrator/internal/log"
	"github.com/rs/zerolog"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Authentication events
	EventAuthFailure EventType = "auth.failure"
	EventAuthMissing EventType = "auth.missing"

	// Ticket lifecycle events
	EventGuardReject  EventType = "ticket.guard_reject"
	EventLeaseGrant   EventType = "ticket.lease_grant"
	EventLeaseReclaim EventType = "ticket.lease_reclaim"
	EventDirectFill   EventType = "ticket.direct_fill"

	// Readiness events
	EventAdmissionBlock EventType = "admission.block"
)

// Event represents a structured audit event.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Actor     string            `json:"actor"`    // WHO: caller identity or "system"
	Action    string            `json:"action"`   // WHAT: operation attempted
	Resource  string            `json:"resource"` // ticket id, endpoint, dep key
	Result    string            `json:"result"`   // success, rejected, denied
	Code      string            `json:"code,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger provides audit logging functionality.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger with a dedicated "audit" component.
func NewLogger() *Logger {
	auditLogger := log.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()
	return &Logger{logger: auditLogger}
}

// Log writes an audit event to the audit log.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.Code != "" {
		logEvent = logEvent.Str("code", event.Code)
	}
	for key, value := range event.Details {
		logEvent = logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}

// GuardReject logs a guarded state-machine reject.
func (l *Logger) GuardReject(actor, action, ticketID, code string) {
	l.Log(Event{
		Type:     EventGuardReject,
		Actor:    actor,
		Action:   action,
		Resource: ticketID,
		Result:   "rejected",
		Code:     code,
	})
}

// AuthFailure logs a failed bearer check.
func (l *Logger) AuthFailure(remoteAddr, path string) {
	l.Log(Event{
		Type:     EventAuthFailure,
		Actor:    remoteAddr,
		Action:   "bearer token verification",
		Resource: path,
		Result:   "denied",
	})
}

// AdmissionBlock logs a readiness admission reject.
func (l *Logger) AdmissionBlock(path string, missing []string) {
	details := map[string]string{}
	for i, dep := range missing {
		if i == 0 {
			details["missing_required"] = dep
			continue
		}
		details["missing_required"] += "," + dep
	}
	l.Log(Event{
		Type:     EventAdmissionBlock,
		Actor:    "system",
		Action:   "admission gate",
		Resource: path,
		Result:   "denied",
		Code:     "MCP_REQUIRED_UNAVAILABLE",
		Details:  details,
	})
}
