// SPDX-License-Identifier: MIT

// Package reindex rebuilds in-memory indexes from the append-only
// decision files on boot and follows the triage file's tail at runtime,
// auto-deriving REPLYs from externally appended approvals.
package reindex

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"

	"github.com/hitloop/orchestrator/internal/derive"
	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/snapshot"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/ticket"
	"github.com/rs/zerolog"
)

// Reindexer replays decision files into the store and tails for appends.
type Reindexer struct {
	store  *store.Store
	engine *derive.Engine
	writer *snapshot.Writer

	triagePath string
	replyPath  string

	logger   zerolog.Logger
	stepping atomic.Bool // serialization latch: at most one tail step at a time
}

// New wires a Reindexer.
func New(st *store.Store, eng *derive.Engine, w *snapshot.Writer, triagePath, replyPath string) *Reindexer {
	return &Reindexer{
		store:      st,
		engine:     eng,
		writer:     w,
		triagePath: triagePath,
		replyPath:  replyPath,
		logger:     log.WithComponent("reindex"),
	}
}

// ReindexOnBoot streams both decision files and reinserts DONE entries
// into the candidate indexes, then records the triage file position in
// the watermark. Parse errors are logged and skipped, never fatal.
func (r *Reindexer) ReindexOnBoot() error {
	triageCount, err := r.replayFile(r.triagePath, r.restoreTriage)
	if err != nil {
		return err
	}
	replyCount, err := r.replayFile(r.replyPath, r.restoreReply)
	if err != nil {
		return err
	}

	if fi, err := os.Stat(r.triagePath); err == nil {
		r.writer.UpdateWatermark(fi.Size(), fileInode(fi))
	}

	r.logger.Info().
		Int("triage_entries", triageCount).
		Int("reply_entries", replyCount).
		Msg("warm reindex complete")
	return nil
}

// replayFile streams one JSONL file line-by-line. A missing file is an
// empty replay.
func (r *Reindexer) replayFile(path string, restore func(snapshot.Decision) bool) (int, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var d snapshot.Decision
		if err := json.Unmarshal(line, &d); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("skipping unparseable snapshot line")
			continue
		}
		if restore(d) {
			count++
		}
	}
	return count, scanner.Err()
}

// restoreTriage reinserts a DONE triage decision into the TRIAGE index,
// also populating the seed dedup index.
func (r *Reindexer) restoreTriage(d snapshot.Decision) bool {
	if d.State != snapshot.StateDone || d.TriageResult == nil || d.TriageResult.Decision == "" {
		return false
	}
	seedValue := ""
	if d.Seed != nil {
		seedValue = d.Seed.Value
	}
	t := ticket.Ticket{
		ID:           d.TicketID,
		Kind:         ticket.KindTriage,
		CandidateID:  d.CandidateID,
		Event:        eventFromDecision(d, seedValue),
		FinalOutputs: triageOutputs(d.TriageResult),
	}
	r.store.RestoreDone(t, seedValue, d.TriageResult, d.TriageResult.Decision)
	return true
}

// restoreReply reinserts a DONE reply result into the REPLY index.
func (r *Reindexer) restoreReply(d snapshot.Decision) bool {
	if d.State != snapshot.StateDone {
		return false
	}
	t := ticket.Ticket{
		ID:           d.TicketID,
		Kind:         ticket.KindReply,
		CandidateID:  d.CandidateID,
		Event:        eventFromDecision(d, ""),
		FinalOutputs: d.ReplyResult,
	}
	r.store.RestoreDone(t, "", d.ReplyResult, "")
	return true
}

func eventFromDecision(d snapshot.Decision, seedValue string) map[string]any {
	event := map[string]any{"candidate_id": d.CandidateID}
	if d.Features != nil {
		event["features"] = d.Features
	}
	if seedValue != "" {
		event["seed"] = map[string]any{"value": seedValue}
	}
	return event
}

func triageOutputs(tr *snapshot.TriageResult) map[string]any {
	out := map[string]any{"decision": tr.Decision}
	if tr.ShortReason != "" {
		out["short_reason"] = tr.ShortReason
	}
	if tr.ReplyStrategy != "" {
		out["reply_strategy"] = tr.ReplyStrategy
	}
	if tr.TargetPromptID != "" {
		out["target_prompt_id"] = tr.TargetPromptID
	}
	if tr.Confidence != 0 {
		out["confidence"] = tr.Confidence
	}
	return out
}
