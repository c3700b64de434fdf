// SPDX-License-Identifier: MIT

// Package snapshot owns the append-only decision files and the tail
// watermark. Files grow unbounded; the watermark/tail protocol tolerates
// out-of-band rotation (a truncated file resets the watermark to zero).
package snapshot

// Decision states recorded in the append-only files.
const (
	StatePending = "PENDING"
	StateDone    = "DONE"
	StateSkipped = "SKIPPED"
)

// Seed is the dedup key carried alongside a candidate.
type Seed struct {
	Value string `json:"value"`
}

// TriageResult is the filled triage outcome recorded in a DONE decision.
type TriageResult struct {
	Decision       string  `json:"decision"`
	ShortReason    string  `json:"short_reason,omitempty"`
	ReplyStrategy  string  `json:"reply_strategy,omitempty"`
	TargetPromptID string  `json:"target_prompt_id,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// Decision is one appended line of triage_decisions.jsonl or
// reply_results.jsonl. Exactly one per state transition of interest.
type Decision struct {
	Ver           int            `json:"ver"`
	At            string         `json:"at"` // ISO-8601
	State         string         `json:"state"`
	CandidateID   string         `json:"candidate_id"`
	TicketID      string         `json:"ticket_id,omitempty"`
	Decision      string         `json:"decision,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Features      map[string]any `json:"features,omitempty"`
	Seed          *Seed          `json:"seed,omitempty"`
	ContextDigest string         `json:"context_digest,omitempty"`
	TriageResult  *TriageResult  `json:"triage_result,omitempty"`
	ReplyResult   map[string]any `json:"reply_result,omitempty"`
}

// Watermark records how far the tail follower has consumed the triage
// decisions file.
type Watermark struct {
	TriageBytes int64  `json:"triageBytes"`
	TriageInode uint64 `json:"triageInode"`
}
