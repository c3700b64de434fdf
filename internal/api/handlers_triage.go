// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitloop/orchestrator/internal/evidence"
	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/ticket"
	"github.com/hitloop/orchestrator/internal/triage"
)

// Batch bounds. Requests outside the range are clamped, never rejected.
const (
	maxBatchCandidates = 200
	defaultWaitMs      = 2000
	maxWaitMs          = 30000
	syncPollInterval   = 50 * time.Millisecond
)

type batchSeed struct {
	Value string `json:"value"`
}

type batchCandidate struct {
	CandidateID string         `json:"candidate_id"`
	Content     string         `json:"content"`
	Seed        *batchSeed     `json:"seed,omitempty"`
	Features    map[string]any `json:"features,omitempty"`
}

type batchRequest struct {
	Candidates []batchCandidate `json:"candidates"`
}

type batchResult struct {
	CandidateID    string `json:"candidate_id"`
	State          string `json:"state"`
	TriageTicketID string `json:"triage_ticket_id,omitempty"`
	TriageResult   any    `json:"triage_result,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// handleTriageBatch admits a batch of candidates. Async mode returns the
// admission states immediately; sync mode polls the index until every
// admitted candidate is DONE or the wait budget runs out.
func (s *Server) handleTriageBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Candidates) == 0 {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD")
		return
	}
	if len(req.Candidates) > maxBatchCandidates {
		req.Candidates = req.Candidates[:maxBatchCandidates]
	}

	q := r.URL.Query()
	mode := q.Get("mode")
	if mode != "sync" {
		mode = "async"
	}
	dedupe := q.Get("dedupe") != "false"
	dedupeField := q.Get("dedupe_field")
	if dedupeField != "seed.value" {
		dedupeField = "candidate_id"
	}

	results := make([]batchResult, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		results = append(results, s.admitCandidate(c, dedupe, dedupeField))
	}

	if mode == "sync" {
		waitMs := defaultWaitMs
		if raw := q.Get("wait_ms"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				waitMs = v
			}
		}
		if waitMs < 0 {
			waitMs = 0
		}
		if waitMs > maxWaitMs {
			waitMs = maxWaitMs
		}
		s.awaitBatch(r.Context(), results, time.Duration(waitMs)*time.Millisecond)
	}

	writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "results": results})
}

// admitCandidate runs dedup, the triage filter, and ticket creation for
// one batch entry.
func (s *Server) admitCandidate(c batchCandidate, dedupe bool, dedupeField string) batchResult {
	if c.CandidateID == "" || c.Content == "" {
		return batchResult{CandidateID: c.CandidateID, State: "INVALID", Reason: "ERR_INVALID_PAYLOAD"}
	}

	seedValue := ""
	if c.Seed != nil {
		seedValue = c.Seed.Value
	}
	if seedValue == "" {
		seedValue = evidence.SHA256Hex([]byte(c.Content))
	}

	if dedupe {
		lookupID := c.CandidateID
		if dedupeField == "seed.value" {
			if known, ok := s.store.CandidateBySeed(seedValue); ok {
				lookupID = known
			}
		}
		if entry, ok := s.store.TriageEntry(lookupID); ok {
			return batchResult{
				CandidateID:    c.CandidateID,
				State:          entry.State,
				TriageTicketID: entry.TicketID,
				TriageResult:   entry.Result,
				Reason:         entry.Reason,
			}
		}
	}

	verdict := s.gates.Evaluate(triage.Candidate{
		Content:  c.Content,
		Likes:    engagementCount(c.Features, "likes"),
		Comments: engagementCount(c.Features, "comments"),
	})
	event := map[string]any{
		"candidate_id": c.CandidateID,
		"content":      c.Content,
		"seed":         map[string]any{"value": seedValue},
	}
	if c.Features != nil {
		event["features"] = c.Features
	}
	if !verdict.Pass {
		s.journal.TriageSkipped(c.CandidateID, seedValue, verdict.Reason, c.Features, event)
		s.store.MarkSkipped(c.CandidateID, seedValue, verdict.Reason)
		return batchResult{CandidateID: c.CandidateID, State: "SKIPPED", Reason: verdict.Reason}
	}

	t := ticket.Ticket{
		Kind:        ticket.KindTriage,
		FlowID:      TriageFlowID,
		CandidateID: c.CandidateID,
		Event:       event,
	}
	t.Metadata.Source = "ingest:batch"
	created, err := s.store.Create(t)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateCandidate) {
			if entry, ok := s.store.TriageEntry(c.CandidateID); ok {
				return batchResult{
					CandidateID:    c.CandidateID,
					State:          entry.State,
					TriageTicketID: entry.TicketID,
					TriageResult:   entry.Result,
				}
			}
		}
		s.logger.Error().Err(err).Str(log.FieldCandidateID, c.CandidateID).Msg("batch create failed")
		return batchResult{CandidateID: c.CandidateID, State: "INVALID", Reason: "INTERNAL"}
	}
	s.journal.TriagePending(created, seedValue)
	return batchResult{CandidateID: c.CandidateID, State: "PENDING", TriageTicketID: created.ID}
}

// awaitBatch refreshes PENDING entries until all are terminal or the wait
// budget elapses.
func (s *Server) awaitBatch(ctx context.Context, results []batchResult, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for {
		pending := 0
		for i := range results {
			if results[i].State != "PENDING" {
				continue
			}
			entry, ok := s.store.TriageEntry(results[i].CandidateID)
			if ok && entry.State != "PENDING" {
				results[i].State = entry.State
				results[i].TriageTicketID = entry.TicketID
				results[i].TriageResult = entry.Result
				results[i].Reason = entry.Reason
				continue
			}
			pending++
		}
		if pending == 0 || time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(syncPollInterval):
		}
	}
}

// handleTriageResults resolves triage states for a comma-separated id list.
func (s *Server) handleTriageResults(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD")
		return
	}
	ids := strings.Split(raw, ",")
	results := make([]batchResult, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		entry, ok := s.store.TriageEntry(id)
		if !ok {
			results = append(results, batchResult{CandidateID: id, State: "UNKNOWN"})
			continue
		}
		results = append(results, batchResult{
			CandidateID:    id,
			State:          entry.State,
			TriageTicketID: entry.TicketID,
			TriageResult:   entry.Result,
			Reason:         entry.Reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
