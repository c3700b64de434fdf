// SPDX-License-Identifier: MIT

package store

import "errors"

// GuardCode is a stable machine-readable reject code. The set is closed;
// HTTP handlers map codes to responses without parsing messages.
type GuardCode string

const (
	CodeInvalidTransition    GuardCode = "invalid_transition"
	CodeLeaseOwnerMismatch   GuardCode = "lease_owner_mismatch"
	CodeDirectFillNotAllowed GuardCode = "direct_fill_not_allowed"
	CodeDirectFillMissingBy  GuardCode = "direct_fill_missing_by"
)

// GuardError is a guarded state-machine reject. The ticket is unchanged
// when one is returned.
type GuardError struct {
	Code   GuardCode
	Action string
}

func (e *GuardError) Error() string {
	return string(e.Code)
}

// ErrNotFound is returned when the ticket id is unknown.
var ErrNotFound = errors.New("ticket_not_found")

// ErrDuplicateCandidate is returned by Create when a non-skipped ticket of
// the same kind already exists for the candidate.
var ErrDuplicateCandidate = errors.New("duplicate_candidate")
