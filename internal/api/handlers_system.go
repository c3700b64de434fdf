// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hitloop/orchestrator/internal/evidence"
	"github.com/hitloop/orchestrator/internal/gateway"
	"github.com/hitloop/orchestrator/internal/metrics"
	"github.com/hitloop/orchestrator/internal/readiness"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/ticket"
)

type toolRequest struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

// handleToolExecute runs one tool call behind the readiness admission
// gate. A missing required dep rejects with 503 and the HTTP-layer code;
// the per-dep counter increments once per missing dep per rejected
// request, and the reject emits a readiness_debug_v1 evidence run.
func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if err := decodeJSON(r, &req); err != nil || req.Server == "" || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD")
		return
	}

	snap := s.evaluator.Evaluate(s.gateway.ProviderStates())
	if missing := snap.MissingRequired(); len(missing) > 0 {
		s.rejectAdmission(w, r, snap, missing)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ToolTimeout)
	defer cancel()
	result, err := s.gateway.ExecuteTool(ctx, req.Server, req.Tool, req.Args)
	if err != nil {
		s.writeToolError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// rejectAdmission writes the canonical 503 body for a readiness block.
func (s *Server) rejectAdmission(w http.ResponseWriter, r *http.Request, snap readiness.Snapshot, missing []string) {
	for _, dep := range missing {
		metrics.RecordRequiredUnavailable(dep)
	}
	s.auditor.AdmissionBlock(r.URL.Path, missing)

	body := map[string]any{
		"error_code":       readiness.CodeRequiredUnavailable,
		"missing_required": missing,
		"degraded":         snap.Degraded,
		"as_of":            snap.AsOf.UTC().Format(time.RFC3339),
	}
	details := evidence.ReadinessDebug(missing, snap.Degraded, snap.AsOf)
	if runID, err := s.emitter.Emit("system", evidence.KindReadinessDebug, details, readiness.CodeRequiredUnavailable); err == nil {
		body["evidence_run_id"] = runID
	} else {
		s.logger.Error().Err(err).Msg("readiness evidence emission failed")
	}
	writeJSON(w, http.StatusServiceUnavailable, body)
}

// writeToolError maps gateway errors: unknown tool gets an evidence run,
// a deadline overrun maps to the filler-visible TOOL_TIMEOUT code.
func (s *Server) writeToolError(w http.ResponseWriter, req toolRequest, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnknownTool):
		body := map[string]any{"error_code": "unknown_tool"}
		details := evidence.ToolDebug(req.Server, req.Tool, "unknown_tool")
		if runID, emitErr := s.emitter.Emit("system", evidence.KindToolDebug, details, "unknown_tool"); emitErr == nil {
			body["evidence_run_id"] = runID
		}
		writeJSON(w, http.StatusNotFound, body)
	case errors.Is(err, gateway.ErrToolTimeout):
		writeError(w, http.StatusGatewayTimeout, "TOOL_TIMEOUT")
	default:
		s.logger.Error().Err(err).Str("tool", req.Server+"/"+req.Tool).Msg("tool execution failed")
		writeError(w, http.StatusInternalServerError, "TOOL_ERROR")
	}
}

// handleHealth reports liveness plus per-dep readiness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.evaluator.Evaluate(s.gateway.ProviderStates())
	status := "ok"
	if snap.Degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"required": snap.Required,
		"optional": snap.Optional,
		"at":       snap.AsOf.UTC().Format(time.RFC3339),
	})
}

// handleMetrics is the JSON operational snapshot. The Prometheus
// exposition lives at /metrics/prom.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts := s.store.CountByStatus()
	total := 0
	for _, n := range counts {
		total += n
	}
	done := counts[ticket.StatusDone]
	failed := counts[ticket.StatusFailed]
	successRate := 1.0
	if done+failed > 0 {
		successRate = float64(done) / float64(done+failed)
	}

	snap := s.evaluator.Evaluate(s.gateway.ProviderStates())
	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": map[string]any{
			"pending":      counts[ticket.StatusPending],
			"running":      counts[ticket.StatusRunning],
			"done":         done,
			"failed":       failed,
			"blocked":      counts[ticket.StatusBlocked],
			"total":        total,
			"success_rate": successRate,
		},
		"replies": map[string]any{
			"done":    s.store.Count(store.Filter{Kind: ticket.KindReply, Status: ticket.StatusDone}),
			"pending": s.store.Count(store.Filter{Kind: ticket.KindReply, Status: ticket.StatusPending}),
		},
		"readiness": snap,
	})
}
