// SPDX-License-Identifier: MIT

package snapshot

import (
	"strings"
	"time"

	"github.com/hitloop/orchestrator/internal/evidence"
	"github.com/hitloop/orchestrator/internal/ticket"
)

// Journal maps ticket transitions onto the append-only decision files.
// It satisfies the store's Observer contract: the store invokes it inside
// its critical section, so the enqueue order matches transition order.
type Journal struct {
	w   *Writer
	now func() time.Time
}

// NewJournal wires a Journal onto a Writer.
func NewJournal(w *Writer) *Journal {
	return &Journal{w: w, now: time.Now}
}

// TicketDone records a terminal fill. TRIAGE fills land in the triage
// decisions file, REPLY fills in the reply results file, TOOL fills in the
// triage audit file.
func (j *Journal) TicketDone(t ticket.Ticket) {
	switch t.Kind {
	case ticket.KindTriage:
		j.w.AppendTriageDecision(j.triageDecision(t))
	case ticket.KindReply:
		j.w.AppendReplyResult(j.replyResult(t))
	case ticket.KindTool:
		j.w.AppendAudit("triage", map[string]any{
			"ver":          1,
			"at":           j.now().UTC().Format(time.RFC3339),
			"event":        "tool_done",
			"ticket_id":    t.ID,
			"candidate_id": t.CandidateID,
			"tool_verdict": t.ToolVerdict,
		})
	}
}

// TicketAudit records a non-terminal operational event (guard reject,
// lease grant, reclaim).
func (j *Journal) TicketAudit(action string, t ticket.Ticket, code, by string) {
	kind := "triage"
	if t.Kind == ticket.KindReply {
		kind = "reply"
	}
	j.w.AppendAudit(kind, map[string]any{
		"ver":          1,
		"at":           j.now().UTC().Format(time.RFC3339),
		"event":        action,
		"ticket_id":    t.ID,
		"candidate_id": t.CandidateID,
		"code":         code,
		"by":           by,
		"status":       t.Status,
	})
}

// TriageSkipped records a filter skip. No ticket exists for the candidate.
func (j *Journal) TriageSkipped(candidateID, seedValue, reason string, features map[string]any, event map[string]any) {
	d := Decision{
		Ver:           1,
		At:            j.now().UTC().Format(time.RFC3339),
		State:         StateSkipped,
		CandidateID:   candidateID,
		Reason:        reason,
		Features:      features,
		ContextDigest: contextDigest(event),
	}
	if seedValue != "" {
		d.Seed = &Seed{Value: seedValue}
	}
	j.w.AppendTriageDecision(d)
}

// TriagePending records ticket creation for a candidate.
func (j *Journal) TriagePending(t ticket.Ticket, seedValue string) {
	d := Decision{
		Ver:           1,
		At:            j.now().UTC().Format(time.RFC3339),
		State:         StatePending,
		CandidateID:   t.CandidateID,
		TicketID:      t.ID,
		Features:      featuresOf(t.Event),
		ContextDigest: contextDigest(t.Event),
	}
	if seedValue != "" {
		d.Seed = &Seed{Value: seedValue}
	}
	j.w.AppendTriageDecision(d)
}

func (j *Journal) triageDecision(t ticket.Ticket) Decision {
	d := Decision{
		Ver:           1,
		At:            j.now().UTC().Format(time.RFC3339),
		State:         StateDone,
		CandidateID:   t.CandidateID,
		TicketID:      t.ID,
		Features:      featuresOf(t.Event),
		ContextDigest: contextDigest(t.Event),
	}
	if seed, ok := t.Event["seed"].(map[string]any); ok {
		if v, ok := seed["value"].(string); ok && v != "" {
			d.Seed = &Seed{Value: v}
		}
	}
	if t.FinalOutputs != nil {
		tr := &TriageResult{}
		if s, ok := t.FinalOutputs["decision"].(string); ok {
			tr.Decision = strings.ToUpper(s)
			d.Decision = tr.Decision
		}
		tr.ShortReason, _ = t.FinalOutputs["short_reason"].(string)
		tr.ReplyStrategy, _ = t.FinalOutputs["reply_strategy"].(string)
		tr.TargetPromptID, _ = t.FinalOutputs["target_prompt_id"].(string)
		if c, ok := t.FinalOutputs["confidence"].(float64); ok {
			tr.Confidence = c
		}
		d.TriageResult = tr
	}
	return d
}

func (j *Journal) replyResult(t ticket.Ticket) Decision {
	return Decision{
		Ver:           1,
		At:            j.now().UTC().Format(time.RFC3339),
		State:         StateDone,
		CandidateID:   t.CandidateID,
		TicketID:      t.ID,
		Features:      featuresOf(t.Event),
		ContextDigest: contextDigest(t.Event),
		ReplyResult:   t.FinalOutputs,
	}
}

func featuresOf(event map[string]any) map[string]any {
	if event == nil {
		return nil
	}
	if f, ok := event["features"].(map[string]any); ok {
		return f
	}
	return nil
}

// contextDigest hashes the canonicalized originating event so a decision
// line can be tied back to its exact input bytes.
func contextDigest(event map[string]any) string {
	if event == nil {
		return ""
	}
	b, err := evidence.Canonicalize(event)
	if err != nil {
		return ""
	}
	return evidence.SHA256Hex(b)
}
