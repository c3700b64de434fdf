// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/hitloop/orchestrator/internal/evidence"
	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/ticket"
	"github.com/hitloop/orchestrator/internal/triage"
)

// TriageFlowID is the flow every ingested TRIAGE ticket carries.
const TriageFlowID = "triage_zh_hant_v1"

// ingestEvent is the webhook payload accepted on POST /events.
type ingestEvent struct {
	Type      string         `json:"type"`
	EventID   string         `json:"event_id"`
	ThreadID  string         `json:"thread_id"`
	Content   string         `json:"content"`
	Actor     string         `json:"actor"`
	Timestamp string         `json:"timestamp"`
	Features  map[string]any `json:"features,omitempty"`
}

func (e *ingestEvent) validate() bool {
	if e.Type == "" || e.EventID == "" || e.ThreadID == "" || e.Actor == "" {
		return false
	}
	if e.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
			return false
		}
	}
	return true
}

// handleIngestEvent admits one external event: duplicate event ids resolve
// idempotently, the triage filter decides skip-vs-ticket, and a passing
// candidate becomes a pending TRIAGE ticket with a content-derived seed.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev ingestEvent
	if err := decodeJSON(r, &ev); err != nil || !ev.validate() {
		writeError(w, http.StatusBadRequest, "ERR_SCHEMA_VALIDATION")
		return
	}

	if ticketID, ok := s.store.TicketByEventID(ev.EventID); ok {
		resp := map[string]any{"status": "duplicate"}
		if ticketID != "" {
			resp["ticket_id"] = ticketID
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	seedValue := evidence.SHA256Hex([]byte(ev.Content))
	event := map[string]any{
		"type":      ev.Type,
		"event_id":  ev.EventID,
		"thread_id": ev.ThreadID,
		"content":   ev.Content,
		"actor":     ev.Actor,
		"timestamp": ev.Timestamp,
		"seed":      map[string]any{"value": seedValue},
	}
	if ev.Features != nil {
		event["features"] = ev.Features
	}

	verdict := s.gates.Evaluate(triage.Candidate{
		Content:  ev.Content,
		Likes:    engagementCount(ev.Features, "likes"),
		Comments: engagementCount(ev.Features, "comments"),
	})
	if !verdict.Pass {
		s.journal.TriageSkipped(ev.EventID, seedValue, verdict.Reason, ev.Features, event)
		s.store.MarkSkipped(ev.EventID, seedValue, verdict.Reason)
		s.store.RegisterEventID(ev.EventID, "")
		writeJSON(w, http.StatusOK, map[string]any{"status": "skipped", "reason": verdict.Reason})
		return
	}

	t := ticket.Ticket{
		Kind:        ticket.KindTriage,
		FlowID:      TriageFlowID,
		CandidateID: ev.EventID,
		Event:       event,
	}
	t.Metadata.Source = "ingest:events"
	created, err := s.store.Create(t)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateCandidate) {
			resp := map[string]any{"status": "duplicate"}
			if created.ID != "" {
				resp["ticket_id"] = created.ID
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		s.logger.Error().Err(err).Str(log.FieldCandidateID, ev.EventID).Msg("ingest create failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	s.journal.TriagePending(created, seedValue)
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "ticket_id": created.ID})
}

// engagementCount digs features.engagement.<key> out of the loosely typed
// feature map.
func engagementCount(features map[string]any, key string) int {
	if features == nil {
		return 0
	}
	eng, ok := features["engagement"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := eng[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
