// SPDX-License-Identifier: MIT

// Package derive creates child tickets from filled parents: TOOL from an
// approved TRIAGE fill, REPLY from a proceeding TOOL fill. Both paths are
// pure decisions followed by at most one store Create; derivation is
// at-most-once per parent via the derived back-reference, with orphan
// recovery as the fallback.
package derive

import (
	"errors"
	"strings"

	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/snapshot"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/ticket"
	"github.com/rs/zerolog"
)

// ReplyFlowID is the flow every derived TOOL and REPLY ticket carries.
const ReplyFlowID = "reply_zh_hant_v1"

// Skip reasons. Closed set; first failing gate wins.
const (
	ReasonCreated         = "created"
	ReasonIdempotent      = "idempotent"
	ReasonRecoveredOrphan = "recovered_orphan"

	SkipToolDerivationDisabled  = "gate_tool_derivation_disabled"
	SkipDecisionNotApprove      = "decision_not_approve"
	SkipKindNotTriage           = "gate_kind_not_triage"
	SkipKindNotTool             = "gate_kind_not_tool"
	SkipReplyDerivationDisabled = "gate_reply_derivation_disabled"
	SkipToolOnlyMode            = "gate_tool_only_mode"
	SkipVerdictNotProceed       = "gate_tool_verdict_not_proceed"
	SkipMissingVerdict          = "missing_tool_verdict"
	SkipMissingParentTriage     = "missing_parent_triage_ticket"
	SkipReplyExists             = "reply_exists"
)

// Config holds the derivation feature flags and fixed inputs.
type Config struct {
	EnableToolDerivation  bool
	EnableReplyDerivation bool
	ToolOnlyMode          bool
	BrandVoice            string
}

// Outcome reports what a derivation call did.
type Outcome struct {
	TicketID string
	Created  bool
	Reason   string
}

// Engine orchestrates derivation against the ticket store.
type Engine struct {
	store  *store.Store
	cfg    Config
	logger zerolog.Logger
}

// New builds an Engine.
func New(st *store.Store, cfg Config) *Engine {
	if cfg.BrandVoice == "" {
		cfg.BrandVoice = "standard"
	}
	return &Engine{store: st, cfg: cfg, logger: log.WithComponent("derive")}
}

// ToolFromTriage derives the TOOL child of an approved TRIAGE fill.
// Idempotent: an existing back-reference short-circuits.
func (e *Engine) ToolFromTriage(tr ticket.Ticket, outputs map[string]any) Outcome {
	if tr.Kind != ticket.KindTriage {
		return Outcome{Reason: SkipKindNotTriage}
	}
	if !e.cfg.EnableToolDerivation {
		return Outcome{Reason: SkipToolDerivationDisabled}
	}
	if tr.Derived != nil && tr.Derived.ToolTicketID != "" {
		return Outcome{TicketID: tr.Derived.ToolTicketID, Reason: ReasonIdempotent}
	}

	decision, _ := outputs["decision"].(string)
	if !strings.EqualFold(decision, "APPROVE") {
		return Outcome{Reason: SkipDecisionNotApprove}
	}

	inputs := map[string]any{}
	if v, ok := outputs["reply_strategy"]; ok {
		inputs["reply_strategy"] = v
	}
	if v, ok := outputs["information_needs"]; ok {
		inputs["information_needs"] = v
	}
	if content, ok := tr.Event["content"]; ok {
		inputs["candidate_snippet"] = content
	}

	promptID, _ := outputs["target_prompt_id"].(string)
	child := ticket.Ticket{
		Kind:              ticket.KindTool,
		FlowID:            ReplyFlowID,
		CandidateID:       tr.CandidateID,
		ParentTicketID:    tr.ID,
		TriageReferenceID: tr.ID,
		Event:             tr.Event,
		Inputs:            inputs,
	}
	child.Metadata.PromptID = promptID
	child.Metadata.Source = "derive:triage"

	created, err := e.store.Create(child)
	if err != nil {
		e.logger.Error().Err(err).Str(log.FieldTicketID, tr.ID).Msg("tool derivation create failed")
		return Outcome{Reason: "create_failed"}
	}
	if err := e.store.SetDerived(tr.ID, created.ID, ticket.KindTool); err != nil {
		e.logger.Error().Err(err).Str(log.FieldTicketID, tr.ID).Msg("tool derivation back-reference failed")
	}
	e.logger.Info().
		Str(log.FieldTicketID, created.ID).
		Str(log.FieldParentID, tr.ID).
		Str(log.FieldCandidateID, tr.CandidateID).
		Msg("tool ticket derived")
	return Outcome{TicketID: created.ID, Created: true, Reason: ReasonCreated}
}

// ReplyFromTool derives the REPLY child of a proceeding TOOL fill. Gates
// run in a fixed order and the first failure wins; a missing parent
// triage ticket is a logged skip, never a crash.
func (e *Engine) ReplyFromTool(tt ticket.Ticket, outputs map[string]any) Outcome {
	if tt.Kind != ticket.KindTool {
		return Outcome{Reason: SkipKindNotTool}
	}
	if !e.cfg.EnableReplyDerivation {
		return Outcome{Reason: SkipReplyDerivationDisabled}
	}
	if e.cfg.ToolOnlyMode {
		return Outcome{Reason: SkipToolOnlyMode}
	}

	verdict, err := ticket.ResolveVerdict(outputs, &tt)
	if err != nil {
		return Outcome{Reason: SkipMissingVerdict}
	}
	if verdict.Status != ticket.VerdictProceed {
		return Outcome{Reason: SkipVerdictNotProceed}
	}

	parent, err := e.store.Get(tt.TriageReferenceID)
	if err != nil {
		e.logger.Warn().
			Str(log.FieldTicketID, tt.ID).
			Str("triage_reference_id", tt.TriageReferenceID).
			Msg("parent triage ticket missing, skipping reply derivation")
		return Outcome{Reason: SkipMissingParentTriage}
	}

	// At-most-once: back-reference first, then orphan recovery.
	if tt.Derived != nil && tt.Derived.ReplyTicketID != "" {
		return Outcome{TicketID: tt.Derived.ReplyTicketID, Reason: ReasonIdempotent}
	}
	if orphan, ok := e.store.FindOrphanReply(tt.ID); ok {
		if err := e.store.SetDerived(tt.ID, orphan.ID, ticket.KindReply); err != nil {
			e.logger.Error().Err(err).Str(log.FieldTicketID, tt.ID).Msg("orphan back-reference failed")
		}
		e.logger.Info().
			Str(log.FieldTicketID, orphan.ID).
			Str(log.FieldParentID, tt.ID).
			Msg("orphan reply ticket recovered")
		return Outcome{TicketID: orphan.ID, Reason: ReasonRecoveredOrphan}
	}

	inputs := map[string]any{
		"brand_voice": e.cfg.BrandVoice,
	}
	if parent.FinalOutputs != nil {
		if sr, ok := parent.FinalOutputs["short_reason"].(string); ok {
			inputs["stance_summary"] = sr
		}
		if rs, ok := parent.FinalOutputs["reply_strategy"]; ok {
			inputs["reply_objectives"] = rs
		}
	}
	if content, ok := parent.Event["content"]; ok {
		inputs["candidate_snippet"] = content
	}
	if evidence, ok := outputs["gathered_evidence"]; ok {
		inputs["context_notes"] = evidence
	} else if evidence, ok := tt.FinalOutputs["gathered_evidence"]; ok {
		inputs["context_notes"] = evidence
	}

	child := ticket.Ticket{
		Kind:              ticket.KindReply,
		FlowID:            ReplyFlowID,
		CandidateID:       tt.CandidateID,
		ParentTicketID:    tt.ID,
		TriageReferenceID: tt.TriageReferenceID,
		Event:             parent.Event,
		Inputs:            inputs,
	}
	child.Metadata.Source = "derive:tool"

	created, err := e.store.Create(child)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateCandidate) {
			// Create returned the REPLY that already exists for this
			// candidate; adopt it as the back-reference.
			if created.ID != "" {
				if setErr := e.store.SetDerived(tt.ID, created.ID, ticket.KindReply); setErr != nil {
					e.logger.Error().Err(setErr).Str(log.FieldTicketID, tt.ID).Msg("duplicate reply back-reference failed")
				}
				return Outcome{TicketID: created.ID, Reason: ReasonRecoveredOrphan}
			}
			return Outcome{Reason: SkipReplyExists}
		}
		e.logger.Error().Err(err).Str(log.FieldTicketID, tt.ID).Msg("reply derivation create failed")
		return Outcome{Reason: "create_failed"}
	}
	if err := e.store.SetDerived(tt.ID, created.ID, ticket.KindReply); err != nil {
		e.logger.Error().Err(err).Str(log.FieldTicketID, tt.ID).Msg("reply derivation back-reference failed")
	}
	e.logger.Info().
		Str(log.FieldTicketID, created.ID).
		Str(log.FieldParentID, tt.ID).
		Str(log.FieldCandidateID, tt.CandidateID).
		Msg("reply ticket derived")
	return Outcome{TicketID: created.ID, Created: true, Reason: ReasonCreated}
}

// SynthesizeReply creates a REPLY directly from an externally appended
// triage decision (tail auto-derive). The source tag distinguishes these
// from fill-path derivations.
func (e *Engine) SynthesizeReply(candidateID string, result *snapshot.TriageResult, features map[string]any, source string) Outcome {
	if !e.cfg.EnableReplyDerivation {
		return Outcome{Reason: SkipReplyDerivationDisabled}
	}
	if e.cfg.ToolOnlyMode {
		return Outcome{Reason: SkipToolOnlyMode}
	}
	if entry, ok := e.store.ReplyEntry(candidateID); ok {
		return Outcome{TicketID: entry.TicketID, Reason: ReasonIdempotent}
	}

	event := map[string]any{"candidate_id": candidateID}
	if features != nil {
		event["features"] = features
	}
	inputs := map[string]any{
		"brand_voice": e.cfg.BrandVoice,
	}
	if result != nil {
		if result.ShortReason != "" {
			inputs["stance_summary"] = result.ShortReason
		}
		if result.ReplyStrategy != "" {
			inputs["reply_objectives"] = result.ReplyStrategy
		}
	}

	child := ticket.Ticket{
		Kind:        ticket.KindReply,
		FlowID:      ReplyFlowID,
		CandidateID: candidateID,
		Event:       event,
		Inputs:      inputs,
	}
	child.Metadata.Source = source

	created, err := e.store.Create(child)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateCandidate) {
			return Outcome{TicketID: created.ID, Reason: ReasonIdempotent}
		}
		e.logger.Error().Err(err).Str(log.FieldCandidateID, candidateID).Msg("reply synthesis failed")
		return Outcome{Reason: "create_failed"}
	}
	e.logger.Info().
		Str(log.FieldTicketID, created.ID).
		Str(log.FieldCandidateID, candidateID).
		Str(log.FieldSource, source).
		Msg("reply ticket synthesized from tail decision")
	return Outcome{TicketID: created.ID, Created: true, Reason: ReasonCreated}
}
