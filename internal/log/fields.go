// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTicketID    = "ticket_id"
	FieldCandidateID = "candidate_id"
	FieldRequestID   = "request_id"
	FieldRunID       = "evidence_run_id"
	FieldFlowID      = "flow_id"
	FieldParentID    = "parent_ticket_id"

	// Lease fields
	FieldLeaseOwner  = "lease_owner"
	FieldLeaseExpiry = "lease_expire_at"

	// Pipeline fields
	FieldComponent = "component"
	FieldKind      = "kind"
	FieldAction    = "action"
	FieldReason    = "reason"
	FieldCode      = "code"
	FieldSource    = "source"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Path fields
	FieldPath = "path"
)
