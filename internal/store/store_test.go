// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/hitloop/orchestrator/internal/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock for lease expiry tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func newTriageTicket(candidate string) ticket.Ticket {
	return ticket.Ticket{
		Kind:        ticket.KindTriage,
		CandidateID: candidate,
		Event:       map[string]any{"candidate_id": candidate, "content": "some candidate content"},
	}
}

func TestCreateMintsStableID(t *testing.T) {
	s := New()
	created, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "tk_", created.ID[:3])
	assert.Equal(t, ticket.StatusPending, created.Status)

	leased := s.Lease(ticket.KindTriage, 1, 60, "worker-a")
	require.Len(t, leased, 1)
	assert.Equal(t, created.ID, leased[0].ID, "the id never changes across transitions")

	done, err := s.Complete(leased[0].ID, map[string]any{"decision": "APPROVE"}, "worker-a",
		&LeaseProof{Owner: leased[0].LeaseOwner, Token: leased[0].LeaseToken})
	require.NoError(t, err)
	assert.Equal(t, created.ID, done.ID)
}

func TestCreateRejectsDuplicateCandidate(t *testing.T) {
	s := New()
	first, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)

	dup, err := s.Create(newTriageTicket("c1"))
	require.ErrorIs(t, err, ErrDuplicateCandidate)
	assert.Equal(t, first.ID, dup.ID, "the existing ticket is returned alongside the error")
}

func TestLeaseExclusivity(t *testing.T) {
	s := New()
	_, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)

	a := s.Lease(ticket.KindTriage, 10, 60, "worker-a")
	require.Len(t, a, 1)
	assert.Equal(t, ticket.StatusRunning, a[0].Status)
	assert.Equal(t, "worker-a", a[0].LeaseOwner)
	assert.NotEmpty(t, a[0].LeaseToken)

	b := s.Lease(ticket.KindTriage, 10, 60, "worker-b")
	assert.Empty(t, b, "a running ticket is never leased twice")
}

func TestLeaseFIFOAndKindFilter(t *testing.T) {
	s := New()
	var ids []string
	for i := 0; i < 3; i++ {
		created, err := s.Create(newTriageTicket(fmt.Sprintf("c%d", i)))
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	_, err := s.Create(ticket.Ticket{Kind: ticket.KindTool, CandidateID: "c-tool"})
	require.NoError(t, err)

	leased := s.Lease(ticket.KindTriage, 2, 60, "w")
	require.Len(t, leased, 2)
	assert.Equal(t, ids[0], leased[0].ID)
	assert.Equal(t, ids[1], leased[1].ID)
}

func TestLeaseClamps(t *testing.T) {
	clock := newClock()
	s := New(WithClock(clock.Now))
	for i := 0; i < 60; i++ {
		_, err := s.Create(newTriageTicket(fmt.Sprintf("c%d", i)))
		require.NoError(t, err)
	}

	// limit 0 defaults to 1.
	leased := s.Lease(ticket.KindTriage, 0, 0, "w")
	require.Len(t, leased, 1)

	// lease_sec 0 defaults to 300s.
	deadline, ok := ticket.LeaseDeadline(leased[0].LeaseExpiresAt)
	require.True(t, ok)
	assert.Equal(t, clock.now.Add(300*time.Second).UnixMilli(), deadline.UnixMilli())

	// limit far above the cap clamps to the batch maximum.
	leased = s.Lease(ticket.KindTriage, 10000, 10000, "w")
	assert.Len(t, leased, MaxLeaseBatch)
	deadline, ok = ticket.LeaseDeadline(leased[0].LeaseExpiresAt)
	require.True(t, ok)
	assert.Equal(t, clock.now.Add(MaxLeaseSeconds*time.Second).UnixMilli(), deadline.UnixMilli())
}

func TestReleaseExpiredLeasesBoundary(t *testing.T) {
	clock := newClock()
	s := New(WithClock(clock.Now))
	_, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)
	leased := s.Lease(ticket.KindTriage, 1, 60, "w")
	require.Len(t, leased, 1)

	// One millisecond before the deadline: nothing to reclaim.
	clock.Advance(60*time.Second - time.Millisecond)
	assert.Zero(t, s.ReleaseExpiredLeases())

	// At the deadline (now >= expires_at): reclaimed.
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, s.ReleaseExpiredLeases())

	got, err := s.Get(leased[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusPending, got.Status)
	assert.Empty(t, got.LeaseOwner)
	assert.Empty(t, got.LeaseToken)
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestReleaseExpiredLeasesLegacyISOExpiry(t *testing.T) {
	clock := newClock()
	s := New(WithClock(clock.Now))
	created, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)
	leased := s.Lease(ticket.KindTriage, 1, 60, "w")
	require.Len(t, leased, 1)

	// Simulate a record written by an older build with an ISO expiry.
	s.mu.Lock()
	s.tickets[created.ID].LeaseExpiresAt = clock.now.Add(30 * time.Second).Format(time.RFC3339)
	s.mu.Unlock()

	clock.Advance(29 * time.Second)
	assert.Zero(t, s.ReleaseExpiredLeases())
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.ReleaseExpiredLeases())
}

func TestCompleteRequiresProof(t *testing.T) {
	s := New()
	_, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)
	leased := s.Lease(ticket.KindTriage, 1, 60, "worker-a")
	require.Len(t, leased, 1)
	id := leased[0].ID

	// Wrong owner.
	_, err = s.Complete(id, map[string]any{"decision": "APPROVE"}, "x",
		&LeaseProof{Owner: "worker-b", Token: leased[0].LeaseToken})
	var guard *GuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, CodeLeaseOwnerMismatch, guard.Code)

	// Wrong token.
	_, err = s.Complete(id, map[string]any{"decision": "APPROVE"}, "x",
		&LeaseProof{Owner: "worker-a", Token: "bogus"})
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, CodeLeaseOwnerMismatch, guard.Code)

	// Ticket is unchanged after the rejects.
	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusRunning, got.Status)
	assert.Nil(t, got.FinalOutputs)

	// Correct proof completes.
	done, err := s.Complete(id, map[string]any{"decision": "APPROVE"}, "worker-a",
		&LeaseProof{Owner: "worker-a", Token: leased[0].LeaseToken})
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusDone, done.Status)
}

func TestCompleteWriteOnceFinalOutputs(t *testing.T) {
	s := New()
	_, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)
	leased := s.Lease(ticket.KindTriage, 1, 60, "w")
	require.Len(t, leased, 1)
	proof := &LeaseProof{Owner: leased[0].LeaseOwner, Token: leased[0].LeaseToken}

	first, err := s.Complete(leased[0].ID, map[string]any{"decision": "APPROVE"}, "w", proof)
	require.NoError(t, err)

	// A second complete is an idempotent no-op; outputs never change.
	second, err := s.Complete(leased[0].ID, map[string]any{"decision": "REJECT"}, "w", proof)
	require.NoError(t, err)
	assert.Equal(t, first.FinalOutputs, second.FinalOutputs)
	assert.Equal(t, "APPROVE", second.FinalOutputs["decision"])
}

func TestCompleteDirectFillAllowlist(t *testing.T) {
	s := New(WithDirectFillAllowlist([]string{"http_fill"}))
	created, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)

	var guard *GuardError

	// No caller identity.
	_, err = s.Complete(created.ID, map[string]any{"decision": "APPROVE"}, "", nil)
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, CodeDirectFillMissingBy, guard.Code)

	// Caller not allowlisted.
	_, err = s.Complete(created.ID, map[string]any{"decision": "APPROVE"}, "rogue", nil)
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, CodeDirectFillNotAllowed, guard.Code)

	// Allowlisted caller fills a pending ticket without a lease.
	done, err := s.Complete(created.ID, map[string]any{"decision": "APPROVE"}, "http_fill", nil)
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusDone, done.Status)
}

func TestCompleteNormalizesToolVerdict(t *testing.T) {
	s := New()
	created, err := s.Create(ticket.Ticket{Kind: ticket.KindTool, CandidateID: "c1"})
	require.NoError(t, err)
	leased := s.Lease(ticket.KindTool, 1, 60, "w")
	require.Len(t, leased, 1)

	done, err := s.Complete(created.ID, map[string]any{"tool_verdict": "proceed"}, "w",
		&LeaseProof{Owner: leased[0].LeaseOwner, Token: leased[0].LeaseToken})
	require.NoError(t, err)
	require.NotNil(t, done.ToolVerdict)
	assert.Equal(t, ticket.VerdictProceed, done.ToolVerdict.Status)
}

func TestFailRequiresRunningAndProof(t *testing.T) {
	s := New()
	created, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)

	var guard *GuardError
	_, err = s.Fail(created.ID, "TOOL_TIMEOUT", "w", nil)
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, CodeInvalidTransition, guard.Code)

	leased := s.Lease(ticket.KindTriage, 1, 60, "w")
	require.Len(t, leased, 1)

	_, err = s.Fail(created.ID, "TOOL_TIMEOUT", "w", &LeaseProof{Owner: "other", Token: "x"})
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, CodeLeaseOwnerMismatch, guard.Code)

	failed, err := s.Fail(created.ID, "TOOL_TIMEOUT", "w",
		&LeaseProof{Owner: leased[0].LeaseOwner, Token: leased[0].LeaseToken})
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusFailed, failed.Status)
	assert.Equal(t, "TOOL_TIMEOUT", failed.Metadata.FailureCode)
}

func TestRetryIncrementsCount(t *testing.T) {
	s := New()
	created, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)
	leased := s.Lease(ticket.KindTriage, 1, 60, "w")
	require.Len(t, leased, 1)
	proof := &LeaseProof{Owner: leased[0].LeaseOwner, Token: leased[0].LeaseToken}
	_, err = s.Fail(created.ID, "TOOL_TIMEOUT", "w", proof)
	require.NoError(t, err)

	retried, err := s.Retry(created.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.Metadata.RetryCount)
	assert.Empty(t, retried.Metadata.FailureCode)
}

func TestBlockUnblock(t *testing.T) {
	s := New()
	created, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)

	blocked, err := s.Block(created.ID, BlockArgs{Code: "POLICY_HOLD", Reason: "manual review"})
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusBlocked, blocked.Status)
	assert.Equal(t, "POLICY_HOLD", blocked.Metadata.BlockCode)

	// A blocked ticket is never leased.
	assert.Empty(t, s.Lease(ticket.KindTriage, 10, 60, "w"))

	unblocked, err := s.Unblock(created.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusPending, unblocked.Status)
	assert.Empty(t, unblocked.Metadata.BlockCode)
}

func TestBlockClearsLease(t *testing.T) {
	s := New()
	created, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)
	leased := s.Lease(ticket.KindTriage, 1, 60, "w")
	require.Len(t, leased, 1)

	blocked, err := s.Block(created.ID, BlockArgs{Code: "POLICY_HOLD"})
	require.NoError(t, err)
	assert.Empty(t, blocked.LeaseOwner)
	assert.Nil(t, blocked.LeaseExpiresAt)
}

func TestReleaseReturnsTicketToQueue(t *testing.T) {
	s := New()
	created, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)
	leased := s.Lease(ticket.KindTriage, 1, 60, "w")
	require.Len(t, leased, 1)

	released, err := s.Release(created.ID, &LeaseProof{Owner: leased[0].LeaseOwner, Token: leased[0].LeaseToken})
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusPending, released.Status)

	again := s.Lease(ticket.KindTriage, 1, 60, "other")
	require.Len(t, again, 1)
	assert.Equal(t, created.ID, again[0].ID)
}

func TestListClampAndFilter(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		_, err := s.Create(newTriageTicket(fmt.Sprintf("c%d", i)))
		require.NoError(t, err)
	}
	assert.Len(t, s.List(Filter{Limit: 3}), 3)
	assert.Len(t, s.List(Filter{Limit: -10}), 1, "below-range limits clamp to 1")
	assert.Len(t, s.List(Filter{Kind: ticket.KindReply}), 0)
	assert.Len(t, s.List(Filter{CandidateID: "c2"}), 1)
}

func TestRestoreDoneSkipsExistingIDs(t *testing.T) {
	s := New()
	created, err := s.Create(newTriageTicket("c1"))
	require.NoError(t, err)

	s.RestoreDone(ticket.Ticket{ID: created.ID, Kind: ticket.KindTriage, CandidateID: "c1"}, "", nil, "APPROVE")
	got, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusPending, got.Status, "an existing live ticket wins over a replayed line")
}

func TestRestoreDoneCountsTowardMetrics(t *testing.T) {
	s := New()
	s.RestoreDone(ticket.Ticket{Kind: ticket.KindTriage, CandidateID: "c1"}, "seed-1", map[string]any{"decision": "APPROVE"}, "APPROVE")
	s.RestoreDone(ticket.Ticket{Kind: ticket.KindReply, CandidateID: "c1"}, "", map[string]any{"reply_text": "hi"}, "")

	counts := s.CountByStatus()
	assert.Equal(t, 2, counts[ticket.StatusDone])

	entry, ok := s.TriageEntry("c1")
	require.True(t, ok)
	assert.Equal(t, "DONE", entry.State)
	assert.Equal(t, "APPROVE", entry.Decision)

	cand, ok := s.CandidateBySeed("seed-1")
	require.True(t, ok)
	assert.Equal(t, "c1", cand)
}

func TestMarkSkippedThenCreateAllowed(t *testing.T) {
	s := New()
	s.MarkSkipped("c1", "seed-1", "policy:gate0:min_len")

	entry, ok := s.TriageEntry("c1")
	require.True(t, ok)
	assert.Equal(t, "SKIPPED", entry.State)

	// A skip record does not block later admission of the same candidate.
	_, err := s.Create(newTriageTicket("c1"))
	assert.NoError(t, err)
}
