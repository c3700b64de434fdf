// SPDX-License-Identifier: MIT

package store

import (
	"strings"

	"github.com/hitloop/orchestrator/internal/metrics"
	"github.com/hitloop/orchestrator/internal/ticket"
)

// BlockArgs carries the reason a ticket is being blocked.
type BlockArgs struct {
	Code   string
	Reason string
	Source string
}

// Complete transitions a ticket to done and stamps its final outputs.
//
// Allowed entry states:
//   - done: idempotent no-op, the existing record is returned and
//     final_outputs is never overwritten.
//   - running: requires the exact lease proof.
//   - pending: direct fill, only for callers in the allowlist.
//
// When outputs carry a normalizable tool_verdict it is written to the
// canonical ticket.tool_verdict location.
func (s *Store) Complete(id string, outputs map[string]any, by string, proof *LeaseProof) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, ErrNotFound
	}

	switch t.Status {
	case ticket.StatusDone:
		return t.Clone(), nil
	case ticket.StatusRunning:
		if !proofMatches(t, proof) {
			return ticket.Ticket{}, s.rejectLocked(t, "complete", CodeLeaseOwnerMismatch, by)
		}
	case ticket.StatusPending:
		if by == "" {
			return ticket.Ticket{}, s.rejectLocked(t, "complete", CodeDirectFillMissingBy, by)
		}
		if !s.allowlist[by] {
			return ticket.Ticket{}, s.rejectLocked(t, "complete", CodeDirectFillNotAllowed, by)
		}
	default:
		return ticket.Ticket{}, s.rejectLocked(t, "complete", CodeInvalidTransition, by)
	}

	s.clearLeaseLocked(t)
	t.Status = ticket.StatusDone
	if t.FinalOutputs == nil {
		t.FinalOutputs = outputs
	}
	if outputs != nil {
		if raw, ok := outputs["tool_verdict"]; ok {
			if v, err := ticket.NormalizeVerdict(raw); err == nil {
				t.ToolVerdict = v
			}
		}
	}
	s.touchLocked(t, "complete", by)

	// Index maintenance for the candidate pipeline.
	if t.CandidateID != "" {
		entry := s.entryForLocked(t)
		if entry != nil {
			entry.TicketID = t.ID
			entry.State = "DONE"
			if d, ok := t.FinalOutputs["decision"].(string); ok {
				entry.Decision = strings.ToUpper(d)
			}
			entry.Result = t.FinalOutputs
		}
	}

	done := t.Clone()
	if s.observer != nil {
		s.observer.TicketDone(done)
	}
	s.updateGaugesLocked()
	return done, nil
}

// Fail transitions a running ticket to failed. Requires the lease proof.
// The error code is filler-reported (e.g. TOOL_TIMEOUT) and is recorded,
// not evidence-emitted.
func (s *Store) Fail(id string, errCode string, by string, proof *LeaseProof) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, ErrNotFound
	}
	if t.Status != ticket.StatusRunning {
		return ticket.Ticket{}, s.rejectLocked(t, "fail", CodeInvalidTransition, by)
	}
	if !proofMatches(t, proof) {
		return ticket.Ticket{}, s.rejectLocked(t, "fail", CodeLeaseOwnerMismatch, by)
	}

	s.clearLeaseLocked(t)
	t.Status = ticket.StatusFailed
	t.Metadata.FailureCode = errCode
	s.touchLocked(t, "fail", by)
	if s.observer != nil {
		s.observer.TicketAudit("fail", t.Clone(), errCode, by)
	}
	s.updateGaugesLocked()
	return t.Clone(), nil
}

// Block moves a pending or running ticket to blocked, clearing any lease.
func (s *Store) Block(id string, args BlockArgs) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, ErrNotFound
	}
	if t.Status != ticket.StatusPending && t.Status != ticket.StatusRunning {
		return ticket.Ticket{}, s.rejectLocked(t, "block", CodeInvalidTransition, args.Source)
	}

	s.clearLeaseLocked(t)
	t.Status = ticket.StatusBlocked
	t.Metadata.BlockCode = args.Code
	t.Metadata.BlockReason = args.Reason
	if args.Source != "" {
		t.Metadata.Source = args.Source
	}
	s.touchLocked(t, "block", args.Source)
	if s.observer != nil {
		s.observer.TicketAudit("block", t.Clone(), args.Code, args.Source)
	}
	s.updateGaugesLocked()
	return t.Clone(), nil
}

// Unblock returns a blocked ticket to pending.
func (s *Store) Unblock(id string, by string) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, ErrNotFound
	}
	if t.Status != ticket.StatusBlocked {
		return ticket.Ticket{}, s.rejectLocked(t, "unblock", CodeInvalidTransition, by)
	}

	t.Status = ticket.StatusPending
	t.Metadata.BlockCode = ""
	t.Metadata.BlockReason = ""
	s.touchLocked(t, "unblock", by)
	s.updateGaugesLocked()
	return t.Clone(), nil
}

// Retry returns a failed ticket to pending, incrementing its retry count.
func (s *Store) Retry(id string, by string) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, ErrNotFound
	}
	if t.Status != ticket.StatusFailed {
		return ticket.Ticket{}, s.rejectLocked(t, "retry", CodeInvalidTransition, by)
	}

	t.Status = ticket.StatusPending
	t.Metadata.FailureCode = ""
	t.Metadata.RetryCount++
	s.touchLocked(t, "retry", by)
	s.updateGaugesLocked()
	return t.Clone(), nil
}

// Release voluntarily returns a running ticket to pending before the lease
// deadline. Requires the lease proof.
func (s *Store) Release(id string, proof *LeaseProof) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, ErrNotFound
	}
	if t.Status != ticket.StatusRunning {
		return ticket.Ticket{}, s.rejectLocked(t, "release", CodeInvalidTransition, "")
	}
	if !proofMatches(t, proof) {
		return ticket.Ticket{}, s.rejectLocked(t, "release", CodeLeaseOwnerMismatch, "")
	}

	s.clearLeaseLocked(t)
	t.Status = ticket.StatusPending
	s.touchLocked(t, "release", "")
	s.updateGaugesLocked()
	return t.Clone(), nil
}

// rejectLocked records a guarded reject: one metric increment and one
// audit record per reject, then the typed error.
func (s *Store) rejectLocked(t *ticket.Ticket, action string, code GuardCode, by string) error {
	metrics.RecordGuardReject(string(code), action)
	actor := by
	if actor == "" {
		actor = "unknown"
	}
	s.auditor.GuardReject(actor, action, t.ID, string(code))
	if s.observer != nil {
		s.observer.TicketAudit("guard_reject:"+action, t.Clone(), string(code), by)
	}
	return &GuardError{Code: code, Action: action}
}

func (s *Store) touchLocked(t *ticket.Ticket, action, by string) {
	now := s.now()
	t.Metadata.UpdatedAt = now
	t.Metadata.Trail = append(t.Metadata.Trail, ticket.TrailEntry{At: now, Action: action, By: by})
}

func (s *Store) clearLeaseLocked(t *ticket.Ticket) {
	t.LeaseOwner = ""
	t.LeaseToken = ""
	t.LeaseExpiresAt = nil
}

func (s *Store) entryForLocked(t *ticket.Ticket) *IndexEntry {
	var entry *IndexEntry
	switch t.Kind {
	case ticket.KindTriage:
		entry = s.triage[t.CandidateID]
		if entry == nil {
			entry = &IndexEntry{}
			s.triage[t.CandidateID] = entry
		}
	case ticket.KindReply:
		entry = s.reply[t.CandidateID]
		if entry == nil {
			entry = &IndexEntry{}
			s.reply[t.CandidateID] = entry
		}
	}
	return entry
}

func proofMatches(t *ticket.Ticket, proof *LeaseProof) bool {
	if proof == nil {
		return false
	}
	return proof.Owner != "" && proof.Owner == t.LeaseOwner && proof.Token == t.LeaseToken
}
