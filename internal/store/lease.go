// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/hitloop/orchestrator/internal/ticket"
)

// Lease bounds. Requests outside the range are clamped, never rejected.
const (
	MaxLeaseBatch   = 50
	MinLeaseSeconds = 30
	MaxLeaseSeconds = 600
	DefLeaseSeconds = 300
)

// Lease hands out up to limit pending tickets of the given kind in
// insertion order, transitioning each to running with a fresh
// cryptographically random token. The expiry is stored as epoch
// milliseconds.
func (s *Store) Lease(kind ticket.Kind, limit, leaseSec int, owner string) []ticket.Ticket {
	limit = clamp(limit, 1, MaxLeaseBatch, 1)
	leaseSec = clamp(leaseSec, MinLeaseSeconds, MaxLeaseSeconds, DefLeaseSeconds)
	if owner == "" {
		owner = "anonymous"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expires := now.Add(time.Duration(leaseSec) * time.Second).UnixMilli()
	out := make([]ticket.Ticket, 0, limit)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		t := s.tickets[id]
		if t.Kind != kind || t.Status != ticket.StatusPending {
			continue
		}
		if !ticket.CapabilityOf(t.Kind).LeaseFilterable {
			continue
		}
		t.Status = ticket.StatusRunning
		t.LeaseOwner = owner
		t.LeaseToken = s.tokenFn()
		t.LeaseExpiresAt = expires
		s.touchLocked(t, "lease", owner)
		if s.observer != nil {
			s.observer.TicketAudit("lease", t.Clone(), "", owner)
		}
		out = append(out, t.Clone())
	}
	if len(out) > 0 {
		s.updateGaugesLocked()
	}
	return out
}

// ReleaseExpiredLeases reclaims every running ticket whose lease deadline
// has passed (now >= expiry), clearing the lease fields and reverting to
// pending. Expiry may be epoch-ms or a legacy ISO string. Returns the
// number of reclaimed tickets.
func (s *Store) ReleaseExpiredLeases() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reclaimed := 0
	for _, id := range s.order {
		t := s.tickets[id]
		if t.Status != ticket.StatusRunning {
			continue
		}
		deadline, ok := ticket.LeaseDeadline(t.LeaseExpiresAt)
		if !ok {
			// Unparseable expiry: reclaim rather than strand the ticket.
			s.logger.Warn().Str("ticket_id", t.ID).Msg("running ticket has unparseable lease expiry, reclaiming")
		} else if now.Before(deadline) {
			continue
		}
		owner := t.LeaseOwner
		s.clearLeaseLocked(t)
		t.Status = ticket.StatusPending
		s.touchLocked(t, "lease_reclaim", "reaper")
		if s.observer != nil {
			s.observer.TicketAudit("lease_reclaim", t.Clone(), "", owner)
		}
		reclaimed++
	}
	if reclaimed > 0 {
		s.updateGaugesLocked()
	}
	return reclaimed
}

// StartReaper runs the lease reclaim sweep on a fixed interval until ctx
// is cancelled.
func (s *Store) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.ReleaseExpiredLeases(); n > 0 {
					s.logger.Info().Int("reclaimed", n).Msg("expired leases reclaimed")
				}
			}
		}
	}()
}
