// SPDX-License-Identifier: MIT

// Package ticket defines the sole first-class unit of work and its
// lifecycle vocabulary. Tickets are owned exclusively by the store;
// everything here is plain data.
package ticket

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind drives routing, derivation and lease filtering.
type Kind string

const (
	KindTriage Kind = "TRIAGE"
	KindTool   Kind = "TOOL"
	KindReply  Kind = "REPLY"
)

// ValidKind reports whether k is one of the three ticket kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindTriage, KindTool, KindReply:
		return true
	}
	return false
}

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// Capability describes what a kind can do within the pipeline.
// Implemented as a tagged-variant table rather than an inheritance tree.
type Capability struct {
	DerivableTo     Kind   // zero when the kind is terminal
	LeaseFilterable bool   // all kinds are lease filterable today
	FillSchemaRef   string // schema hint handed to fillers at lease time
}

var capabilities = map[Kind]Capability{
	KindTriage: {DerivableTo: KindTool, LeaseFilterable: true, FillSchemaRef: "triage_fill_v1"},
	KindTool:   {DerivableTo: KindReply, LeaseFilterable: true, FillSchemaRef: "tool_fill_v1"},
	KindReply:  {DerivableTo: "", LeaseFilterable: true, FillSchemaRef: "reply_fill_v1"},
}

// CapabilityOf returns the capability set for a kind.
func CapabilityOf(k Kind) Capability {
	return capabilities[k]
}

// TrailEntry is one step of the per-ticket audit trail.
type TrailEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	By     string    `json:"by,omitempty"`
}

// Metadata carries timestamps and linkage mirrors used by derivation
// and orphan recovery.
type Metadata struct {
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Kind           Kind         `json:"kind"`
	CandidateID    string       `json:"candidate_id,omitempty"`
	ParentTicketID string       `json:"parent_ticket_id,omitempty"`
	PromptID       string       `json:"prompt_id,omitempty"`
	Source         string       `json:"source,omitempty"`
	BlockCode      string       `json:"block_code,omitempty"`
	BlockReason    string       `json:"block_reason,omitempty"`
	FailureCode    string       `json:"failure_code,omitempty"`
	RetryCount     int          `json:"retry_count"`
	// TokenUsage is worker-reported accounting attached at fill time.
	// Nothing reads it for control flow.
	TokenUsage map[string]any `json:"token_usage,omitempty"`
	Trail      []TrailEntry   `json:"trail,omitempty"`
}

// Derived is the back-reference to the child a fill produced.
// At most one child per direction ever exists.
type Derived struct {
	ToolTicketID  string    `json:"tool_ticket_id,omitempty"`
	ReplyTicketID string    `json:"reply_ticket_id,omitempty"`
	At            time.Time `json:"at"`
}

// Ticket is the authoritative work record. The id never changes; only
// status, metadata, lease fields, derived, final_outputs and tool_verdict
// are mutated over its lifetime.
type Ticket struct {
	ID                string         `json:"id"`
	Kind              Kind           `json:"kind"`
	Status            Status         `json:"status"`
	FlowID            string         `json:"flow_id,omitempty"`
	CandidateID       string         `json:"candidate_id,omitempty"`
	ParentTicketID    string         `json:"parent_ticket_id,omitempty"`
	TriageReferenceID string         `json:"triage_reference_id,omitempty"`
	Event             map[string]any `json:"event,omitempty"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	FinalOutputs      map[string]any `json:"final_outputs,omitempty"`
	ToolVerdict       *Verdict       `json:"tool_verdict,omitempty"`

	// Lease fields are populated only while Status is running.
	LeaseOwner     string `json:"lease_owner,omitempty"`
	LeaseToken     string `json:"lease_token,omitempty"`
	LeaseExpiresAt any    `json:"lease_expires_at,omitempty"` // epoch ms, or legacy ISO-8601 string

	Derived  *Derived `json:"derived,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// NewID mints a fresh ticket id.
func NewID() string {
	return "tk_" + ulid.Make().String()
}

// LeaseDeadline resolves the lease expiry regardless of representation.
// Epoch milliseconds is the canonical form; ISO-8601 strings survive from
// warm-reindexed records.
func LeaseDeadline(v any) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case int64:
		return time.UnixMilli(x), true
	case int:
		return time.UnixMilli(int64(x)), true
	case float64:
		return time.UnixMilli(int64(x)), true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t, true
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// Clone returns a deep-enough copy for handing outside the store mutex.
// Maps are copied one level; callers treat nested values as read-only.
func (t *Ticket) Clone() Ticket {
	out := *t
	out.Event = copyMap(t.Event)
	out.Inputs = copyMap(t.Inputs)
	out.FinalOutputs = copyMap(t.FinalOutputs)
	if t.ToolVerdict != nil {
		v := *t.ToolVerdict
		out.ToolVerdict = &v
	}
	if t.Derived != nil {
		d := *t.Derived
		out.Derived = &d
	}
	if len(t.Metadata.Trail) > 0 {
		out.Metadata.Trail = append([]TrailEntry(nil), t.Metadata.Trail...)
	}
	out.Metadata.TokenUsage = copyMap(t.Metadata.TokenUsage)
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
