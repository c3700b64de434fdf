// SPDX-License-Identifier: MIT

// Package store is the authoritative in-memory ticket model: lease
// ownership, TTL reclaim and guarded transitions. A single mutex covers
// every read-modify-write sequence, so all state transitions are globally
// ordered. No I/O happens inside the critical section; snapshot emission
// only enqueues.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hitloop/orchestrator/internal/audit"
	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/metrics"
	"github.com/hitloop/orchestrator/internal/ticket"
	"github.com/rs/zerolog"
)

// Observer receives ticket lifecycle notifications. Calls happen inside
// the store's critical section and must only enqueue, never block.
type Observer interface {
	TicketDone(t ticket.Ticket)
	TicketAudit(action string, t ticket.Ticket, code, by string)
}

// IndexEntry is one row of the triage or reply candidate index.
type IndexEntry struct {
	TicketID string
	State    string // PENDING, DONE or SKIPPED
	Decision string // APPROVE/REJECT for triage entries
	Result   any    // triage_result or reply_result payload for list endpoints
	Reason   string // skip reason, when State is SKIPPED
}

// Filter narrows List and Count.
type Filter struct {
	Kind        ticket.Kind
	Status      ticket.Status
	CandidateID string
	Limit       int
}

// LeaseProof is the (owner, token) pair required to mutate a running ticket.
type LeaseProof struct {
	Owner string
	Token string
}

// Store owns all tickets and candidate indexes.
type Store struct {
	mu       sync.Mutex
	tickets  map[string]*ticket.Ticket
	order    []string // insertion order, drives FIFO leasing
	triage   map[string]*IndexEntry // candidate_id -> triage entry
	reply    map[string]*IndexEntry // candidate_id -> reply entry
	seeds    map[string]string      // seed.value -> candidate_id
	eventIDs map[string]string      // event_id -> ticket_id

	observer  Observer
	auditor   *audit.Logger
	logger    zerolog.Logger
	now       func() time.Time
	tokenFn   func() string
	allowlist map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithObserver wires the snapshot journal (or a test double).
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTokenSource overrides lease token generation for tests.
func WithTokenSource(fn func() string) Option {
	return func(s *Store) { s.tokenFn = fn }
}

// WithDirectFillAllowlist sets the caller identities permitted to complete
// a pending ticket without a lease.
func WithDirectFillAllowlist(callers []string) Option {
	return func(s *Store) {
		s.allowlist = make(map[string]bool, len(callers))
		for _, c := range callers {
			s.allowlist[c] = true
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tickets:   make(map[string]*ticket.Ticket),
		triage:    make(map[string]*IndexEntry),
		reply:     make(map[string]*IndexEntry),
		seeds:     make(map[string]string),
		eventIDs:  make(map[string]string),
		auditor:   audit.NewLogger(),
		logger:    log.WithComponent("store"),
		now:       time.Now,
		tokenFn:   newLeaseToken,
		allowlist: map[string]bool{"http_fill": true},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newLeaseToken returns an unguessable lease token.
func newLeaseToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is unrecoverable for lease integrity.
		panic(err)
	}
	return hex.EncodeToString(b)
}

// Create inserts a new ticket. The id is minted when empty; metadata
// mirrors (kind, candidate, parent) are stamped for derivation and orphan
// recovery. Returns ErrDuplicateCandidate when a non-skipped ticket of the
// same kind already exists for the candidate.
func (s *Store) Create(t ticket.Ticket) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Kind == ticket.KindTriage && t.CandidateID != "" {
		if e, ok := s.triage[t.CandidateID]; ok && e.State != "SKIPPED" {
			if existing, ok := s.tickets[e.TicketID]; ok {
				return existing.Clone(), ErrDuplicateCandidate
			}
			return ticket.Ticket{}, ErrDuplicateCandidate
		}
	}
	if t.Kind == ticket.KindReply && t.CandidateID != "" {
		if e, ok := s.reply[t.CandidateID]; ok {
			if existing, ok := s.tickets[e.TicketID]; ok {
				return existing.Clone(), ErrDuplicateCandidate
			}
			return ticket.Ticket{}, ErrDuplicateCandidate
		}
	}

	if t.ID == "" {
		t.ID = ticket.NewID()
	}
	if t.Status == "" {
		t.Status = ticket.StatusPending
	}
	now := s.now()
	t.Metadata.CreatedAt = now
	t.Metadata.UpdatedAt = now
	t.Metadata.Kind = t.Kind
	t.Metadata.CandidateID = t.CandidateID
	t.Metadata.ParentTicketID = t.ParentTicketID
	t.Metadata.Trail = append(t.Metadata.Trail, ticket.TrailEntry{At: now, Action: "create", By: t.Metadata.Source})

	stored := t.Clone()
	s.tickets[t.ID] = &stored
	s.order = append(s.order, t.ID)
	s.indexLocked(&stored)
	s.updateGaugesLocked()
	return stored.Clone(), nil
}

// indexLocked maintains the candidate and event indexes for a ticket.
func (s *Store) indexLocked(t *ticket.Ticket) {
	if t.CandidateID != "" {
		entry := &IndexEntry{TicketID: t.ID, State: "PENDING"}
		if t.Status == ticket.StatusDone {
			entry.State = "DONE"
		}
		switch t.Kind {
		case ticket.KindTriage:
			s.triage[t.CandidateID] = entry
		case ticket.KindReply:
			s.reply[t.CandidateID] = entry
		}
	}
	if seed := seedValueOf(t.Event); seed != "" && t.CandidateID != "" {
		s.seeds[seed] = t.CandidateID
	}
	if eid, ok := t.Event["event_id"].(string); ok && eid != "" {
		s.eventIDs[eid] = t.ID
	}
}

func seedValueOf(event map[string]any) string {
	if event == nil {
		return ""
	}
	if seed, ok := event["seed"].(map[string]any); ok {
		if v, ok := seed["value"].(string); ok {
			return v
		}
	}
	return ""
}

// Get returns a copy of the ticket.
func (s *Store) Get(id string) (ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, ErrNotFound
	}
	return t.Clone(), nil
}

// RecordTokenUsage attaches worker-reported usage accounting to a
// ticket. It never affects status or guards; unknown ids are a no-op.
func (s *Store) RecordTokenUsage(id string, usage map[string]any) {
	if len(usage) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return
	}
	t.Metadata.TokenUsage = usage
	t.Metadata.UpdatedAt = s.now()
}

// List returns tickets matching the filter in insertion order. The limit
// is clamped into [1, 10000]; zero means the default of 100.
func (s *Store) List(f Filter) []ticket.Ticket {
	limit := clamp(f.Limit, 1, 10000, 100)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ticket.Ticket, 0, min(limit, len(s.order)))
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		t := s.tickets[id]
		if matches(t, f) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Count returns the number of tickets matching the filter.
func (s *Store) Count(f Filter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.order {
		if matches(s.tickets[id], f) {
			n++
		}
	}
	return n
}

func matches(t *ticket.Ticket, f Filter) bool {
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.CandidateID != "" && t.CandidateID != f.CandidateID {
		return false
	}
	return true
}

// CountByStatus returns per-status ticket counts.
func (s *Store) CountByStatus() map[ticket.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countByStatusLocked()
}

func (s *Store) countByStatusLocked() map[ticket.Status]int {
	out := map[ticket.Status]int{
		ticket.StatusPending: 0,
		ticket.StatusRunning: 0,
		ticket.StatusDone:    0,
		ticket.StatusFailed:  0,
		ticket.StatusBlocked: 0,
	}
	for _, t := range s.tickets {
		out[t.Status]++
	}
	return out
}

func (s *Store) updateGaugesLocked() {
	for status, n := range s.countByStatusLocked() {
		metrics.SetTicketsByStatus(string(status), float64(n))
	}
}

// TriageEntry returns the triage index entry for a candidate.
func (s *Store) TriageEntry(candidateID string) (IndexEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.triage[candidateID]
	if !ok {
		return IndexEntry{}, false
	}
	return *e, true
}

// ReplyEntry returns the reply index entry for a candidate.
func (s *Store) ReplyEntry(candidateID string) (IndexEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.reply[candidateID]
	if !ok {
		return IndexEntry{}, false
	}
	return *e, true
}

// CandidateBySeed resolves the dedup seed index.
func (s *Store) CandidateBySeed(seedValue string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.seeds[seedValue]
	return c, ok
}

// TicketByEventID resolves a previously ingested event id.
func (s *Store) TicketByEventID(eventID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.eventIDs[eventID]
	return id, ok
}

// MarkSkipped records a filter skip in the triage index so later ingests
// of the same candidate resolve as skipped rather than new work.
func (s *Store) MarkSkipped(candidateID, seedValue, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triage[candidateID] = &IndexEntry{State: "SKIPPED", Reason: reason}
	if seedValue != "" {
		s.seeds[seedValue] = candidateID
	}
}

// RegisterEventID pins an event id to a ticket for duplicate detection on
// paths that do not go through Create (e.g. skip records).
func (s *Store) RegisterEventID(eventID, ticketID string) {
	if eventID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventIDs[eventID] = ticketID
}

// FindOrphanReply scans for a REPLY whose metadata parent reference points
// at the given TOOL ticket but whose parent lost the back-reference.
func (s *Store) FindOrphanReply(toolTicketID string) (ticket.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		t := s.tickets[id]
		if t.Kind == ticket.KindReply && t.Metadata.ParentTicketID == toolTicketID {
			return t.Clone(), true
		}
	}
	return ticket.Ticket{}, false
}

// SetDerived writes the derivation back-reference on the parent ticket.
// The direction is inferred from the child kind.
func (s *Store) SetDerived(parentID string, childID string, childKind ticket.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[parentID]
	if !ok {
		return ErrNotFound
	}
	if t.Derived == nil {
		t.Derived = &ticket.Derived{}
	}
	switch childKind {
	case ticket.KindTool:
		t.Derived.ToolTicketID = childID
	case ticket.KindReply:
		t.Derived.ReplyTicketID = childID
	}
	t.Derived.At = s.now()
	t.Metadata.UpdatedAt = s.now()
	return nil
}

// RestoreDone reinserts a warm-reindexed ticket in done state without
// emitting snapshots (the ticket came from the snapshot file itself).
func (s *Store) RestoreDone(t ticket.Ticket, seedValue string, indexResult any, decision string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = ticket.NewID()
	}
	if _, exists := s.tickets[t.ID]; exists {
		return
	}
	t.Status = ticket.StatusDone
	t.Metadata.Kind = t.Kind
	t.Metadata.CandidateID = t.CandidateID
	if t.Metadata.CreatedAt.IsZero() {
		t.Metadata.CreatedAt = s.now()
	}
	t.Metadata.UpdatedAt = s.now()
	stored := t.Clone()
	s.tickets[t.ID] = &stored
	s.order = append(s.order, t.ID)

	entry := &IndexEntry{TicketID: t.ID, State: "DONE", Decision: decision, Result: indexResult}
	switch t.Kind {
	case ticket.KindTriage:
		s.triage[t.CandidateID] = entry
		if seedValue != "" {
			s.seeds[seedValue] = t.CandidateID
		}
	case ticket.KindReply:
		s.reply[t.CandidateID] = entry
	}
	s.updateGaugesLocked()
}

func clamp(v, lo, hi, def int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
