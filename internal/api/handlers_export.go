// SPDX-License-Identifier: MIT

package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/ticket"
)

// pipelineRow is one candidate's view in the list/export endpoints.
type pipelineRow struct {
	CandidateID string    `json:"candidate_id"`
	TicketID    string    `json:"ticket_id,omitempty"`
	State       string    `json:"state"`
	Decision    string    `json:"decision,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Result      any       `json:"result,omitempty"`
}

// rowFilter narrows list/export output.
type rowFilter struct {
	State      string
	Decision   string
	ReasonLike string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

func rowFilterFromQuery(r *http.Request) rowFilter {
	q := r.URL.Query()
	f := rowFilter{
		State:      strings.ToUpper(q.Get("state")),
		Decision:   strings.ToUpper(q.Get("decision")),
		ReasonLike: q.Get("reason_like"),
		Limit:      500,
	}
	if raw := q.Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Since = t
		}
	}
	if raw := q.Get("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Until = t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if v, err := parseIntParam(raw); err == nil && v > 0 {
			f.Limit = v
		}
	}
	// cursor is the row offset of the next page; offset is accepted as an
	// alias.
	for _, key := range []string{"cursor", "offset"} {
		if raw := q.Get(key); raw != "" {
			if v, err := parseIntParam(raw); err == nil && v > 0 {
				f.Offset = v
			}
		}
	}
	return f
}

func (f rowFilter) matches(row pipelineRow) bool {
	if f.State != "" && row.State != f.State {
		return false
	}
	if f.Decision != "" && row.Decision != f.Decision {
		return false
	}
	if f.ReasonLike != "" && !strings.Contains(row.Reason, f.ReasonLike) {
		return false
	}
	if !f.Since.IsZero() && row.UpdatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && row.UpdatedAt.After(f.Until) {
		return false
	}
	return true
}

// collectRows walks tickets of one kind in insertion order and joins each
// with its candidate index entry.
func (s *Server) collectRows(kind ticket.Kind, f rowFilter) []pipelineRow {
	tickets := s.store.List(store.Filter{Kind: kind, Limit: f.Offset + f.Limit + 1})
	rows := make([]pipelineRow, 0, len(tickets))
	for _, t := range tickets {
		if t.CandidateID == "" {
			continue
		}
		var entry store.IndexEntry
		var ok bool
		if kind == ticket.KindTriage {
			entry, ok = s.store.TriageEntry(t.CandidateID)
		} else {
			entry, ok = s.store.ReplyEntry(t.CandidateID)
		}
		row := pipelineRow{
			CandidateID: t.CandidateID,
			TicketID:    t.ID,
			State:       "PENDING",
			UpdatedAt:   t.Metadata.UpdatedAt,
		}
		if ok {
			row.State = entry.State
			row.Decision = entry.Decision
			row.Reason = entry.Reason
			row.Result = entry.Result
		}
		if !f.matches(row) {
			continue
		}
		rows = append(rows, row)
	}
	if f.Offset >= len(rows) {
		return nil
	}
	rows = rows[f.Offset:]
	if len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	return rows
}

func (s *Server) handleTriageList(w http.ResponseWriter, r *http.Request) {
	rows := s.collectRows(ticket.KindTriage, rowFilterFromQuery(r))
	writeJSON(w, http.StatusOK, map[string]any{"items": rows, "count": len(rows)})
}

func (s *Server) handleReplyList(w http.ResponseWriter, r *http.Request) {
	rows := s.collectRows(ticket.KindReply, rowFilterFromQuery(r))
	writeJSON(w, http.StatusOK, map[string]any{"items": rows, "count": len(rows)})
}

func (s *Server) handleTriageExport(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, ticket.KindTriage)
}

func (s *Server) handleReplyExport(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, ticket.KindReply)
}

// export streams rows as json, ndjson or csv.
func (s *Server) export(w http.ResponseWriter, r *http.Request, kind ticket.Kind) {
	rows := s.collectRows(kind, rowFilterFromQuery(r))
	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, rows)
	case "ndjson":
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				s.logger.Error().Err(err).Msg("ndjson export encode failed")
				return
			}
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"candidate_id", "ticket_id", "state", "decision", "reason", "updated_at"})
		for _, row := range rows {
			_ = cw.Write([]string{
				row.CandidateID,
				row.TicketID,
				row.State,
				row.Decision,
				row.Reason,
				row.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			s.logger.Error().Err(err).Msg("csv export failed")
		}
	default:
		writeError(w, http.StatusBadRequest, "ERR_INVALID_FORMAT")
	}
}

// handleReplyRaw returns the full REPLY ticket record for one candidate's
// reply ticket id.
func (s *Server) handleReplyRaw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.Get(id)
	if err != nil || t.Kind != ticket.KindReply {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	t.LeaseToken = ""
	writeJSON(w, http.StatusOK, t)
}
