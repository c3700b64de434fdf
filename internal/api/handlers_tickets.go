// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitloop/orchestrator/internal/evidence"
	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/ticket"
)

type leaseRequest struct {
	Kind     string `json:"kind"`
	Limit    int    `json:"limit"`
	LeaseSec int    `json:"lease_sec"`
	Owner    string `json:"owner,omitempty"`
}

type leaseItem struct {
	TicketID      string         `json:"ticket_id"`
	Kind          ticket.Kind    `json:"kind"`
	FlowID        string         `json:"flow_id,omitempty"`
	PromptID      string         `json:"prompt_id,omitempty"`
	SchemaRef     string         `json:"schema_ref"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Event         map[string]any `json:"event,omitempty"`
	LeaseID       string         `json:"lease_id"`
	LeaseOwner    string         `json:"lease_owner"`
	LeaseExpireAt any            `json:"lease_expire_at"`
}

// handleLease hands out pending tickets to a worker. The lease token in
// lease_id is the only time the token crosses the wire.
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD")
		return
	}
	kind := ticket.Kind(req.Kind)
	if !ticket.ValidKind(kind) {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_KIND")
		return
	}

	leased := s.store.Lease(kind, req.Limit, req.LeaseSec, req.Owner)
	items := make([]leaseItem, 0, len(leased))
	for _, t := range leased {
		items = append(items, leaseItem{
			TicketID:      t.ID,
			Kind:          t.Kind,
			FlowID:        t.FlowID,
			PromptID:      t.Metadata.PromptID,
			SchemaRef:     ticket.CapabilityOf(t.Kind).FillSchemaRef,
			Inputs:        t.Inputs,
			Event:         t.Event,
			LeaseID:       t.LeaseToken,
			LeaseOwner:    t.LeaseOwner,
			LeaseExpireAt: t.LeaseExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

type fillRequest struct {
	Outputs    map[string]any `json:"outputs"`
	By         string         `json:"by"`
	LeaseOwner string         `json:"lease_owner,omitempty"`
	LeaseToken string         `json:"lease_token,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Tokens     map[string]any `json:"tokens,omitempty"` // usage accounting
}

// handleFill completes (or fails) a leased ticket. Guard rejects map to
// 4xx with the stable code; a lease owner mismatch additionally emits a
// lease_debug_v1 evidence run whose id the caller receives. A successful
// fill triggers derivation of the next pipeline stage; derivation
// failures are logged, never rolled back.
func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req fillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD")
		return
	}

	var proof *store.LeaseProof
	if req.LeaseOwner != "" || req.LeaseToken != "" {
		proof = &store.LeaseProof{Owner: req.LeaseOwner, Token: req.LeaseToken}
	}

	if req.ErrorCode != "" {
		failed, err := s.store.Fail(id, req.ErrorCode, req.By, proof)
		if err != nil {
			s.writeFillError(w, r, id, req, err)
			return
		}
		s.store.RecordTokenUsage(id, req.Tokens)
		writeJSON(w, http.StatusOK, ticketSummary(failed))
		return
	}

	done, err := s.store.Complete(id, req.Outputs, req.By, proof)
	if err != nil {
		s.writeFillError(w, r, id, req, err)
		return
	}
	s.store.RecordTokenUsage(id, req.Tokens)

	s.derive(done, req.Outputs)
	writeJSON(w, http.StatusOK, ticketSummary(done))
}

// derive advances the pipeline after a successful fill.
func (s *Server) derive(done ticket.Ticket, outputs map[string]any) {
	switch done.Kind {
	case ticket.KindTriage:
		out := s.engine.ToolFromTriage(done, outputs)
		s.logger.Debug().
			Str(log.FieldTicketID, done.ID).
			Str(log.FieldReason, out.Reason).
			Msg("tool derivation attempted")
	case ticket.KindTool:
		s.archiveGatheredEvidence(done, outputs)
		out := s.engine.ReplyFromTool(done, outputs)
		s.logger.Debug().
			Str(log.FieldTicketID, done.ID).
			Str(log.FieldReason, out.Reason).
			Msg("reply derivation attempted")
	}
}

// archiveGatheredEvidence persists the raw gathered-evidence payload of a
// TOOL fill to the blob store. Best-effort; the fill already succeeded.
func (s *Server) archiveGatheredEvidence(done ticket.Ticket, outputs map[string]any) {
	raw, ok := outputs["gathered_evidence"]
	if !ok {
		return
	}
	data, err := evidence.Canonicalize(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldTicketID, done.ID).Msg("gathered evidence canonicalize failed")
		return
	}
	path, err := s.blobs.Put("gathered_evidence", data)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldTicketID, done.ID).Msg("gathered evidence archive failed")
		return
	}
	s.logger.Debug().Str(log.FieldTicketID, done.ID).Str(log.FieldPath, path).Msg("gathered evidence archived")
}

// writeFillError maps store errors to responses. Lease mismatches carry
// the evidence run id alongside the code.
func (s *Server) writeFillError(w http.ResponseWriter, r *http.Request, id string, req fillRequest, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	var guard *store.GuardError
	if !errors.As(err, &guard) {
		s.logger.Error().Err(err).Str(log.FieldTicketID, id).Msg("fill failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	status := http.StatusConflict
	body := map[string]any{"error_code": string(guard.Code)}
	if guard.Code == store.CodeLeaseOwnerMismatch {
		status = http.StatusForbidden
		if runID := s.emitLeaseEvidence(id, req, string(guard.Code)); runID != "" {
			body["evidence_run_id"] = runID
		}
	}
	if guard.Code == store.CodeDirectFillNotAllowed || guard.Code == store.CodeDirectFillMissingBy {
		status = http.StatusForbidden
	}
	writeJSON(w, status, body)
}

// emitLeaseEvidence writes the lease_debug_v1 run for a mismatch reject.
// The details carry only the SHA-256 of the held token, never the token.
func (s *Server) emitLeaseEvidence(id string, req fillRequest, code string) string {
	t, err := s.store.Get(id)
	if err != nil {
		return ""
	}
	details := evidence.LeaseDebug(id, t.LeaseOwner, req.LeaseOwner, t.LeaseToken, code)
	runID, err := s.emitter.Emit(id, evidence.KindLeaseDebug, details, code)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldTicketID, id).Msg("lease evidence emission failed")
		return ""
	}
	return runID
}

// ticketSummary is the fill/list response shape for one ticket.
func ticketSummary(t ticket.Ticket) map[string]any {
	out := map[string]any{
		"ticket_id": t.ID,
		"kind":      t.Kind,
		"status":    t.Status,
	}
	if t.CandidateID != "" {
		out["candidate_id"] = t.CandidateID
	}
	if t.FinalOutputs != nil {
		out["final_outputs"] = t.FinalOutputs
	}
	if t.ToolVerdict != nil {
		out["tool_verdict"] = t.ToolVerdict
	}
	if t.Derived != nil {
		out["derived"] = t.Derived
	}
	if t.Metadata.FailureCode != "" {
		out["failure_code"] = t.Metadata.FailureCode
	}
	return out
}

// handleTicketList returns tickets filtered by kind and status.
func (s *Server) handleTicketList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Kind:        ticket.Kind(q.Get("kind")),
		Status:      ticket.Status(q.Get("status")),
		CandidateID: q.Get("candidate_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		if v, err := parseIntParam(raw); err == nil {
			f.Limit = v
		}
	}
	items := s.store.List(f)
	out := make([]map[string]any, 0, len(items))
	for _, t := range items {
		out = append(out, ticketSummary(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTicketGet returns one full ticket record.
func (s *Server) handleTicketGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	// The lease token never leaves the lease response.
	t.LeaseToken = ""
	writeJSON(w, http.StatusOK, t)
}
