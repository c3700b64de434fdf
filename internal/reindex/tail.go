// SPDX-License-Identifier: MIT

package reindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/metrics"
	"github.com/hitloop/orchestrator/internal/snapshot"
)

// StartTail watches the triage decisions file for external appends.
// Filesystem notifications drive the loop, with a fixed-interval poll as
// the fallback for filesystems where fsnotify misses events. Steps are
// serialized through a latch; an overlapping trigger is dropped.
func (r *Reindexer) StartTail(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.triagePath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	target := filepath.Base(r.triagePath)
	go func() {
		defer func() {
			_ = watcher.Close()
		}()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					r.enqueue()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn().Err(err).Msg("tail watcher error")
			case <-ticker.C:
				r.enqueue()
			}
		}
	}()
	r.logger.Info().Str(log.FieldPath, r.triagePath).Msg("tail follower started")
	return nil
}

// enqueue triggers one tail step unless one is already running.
func (r *Reindexer) enqueue() {
	if !r.stepping.CompareAndSwap(false, true) {
		metrics.RecordTailStep("skipped")
		return
	}
	go func() {
		defer r.stepping.Store(false)
		r.step()
	}()
}

// step reads [watermark, size) of the triage file, processes complete
// lines only, and auto-derives a REPLY for each DONE+APPROVE line whose
// candidate has none.
func (r *Reindexer) step() {
	fi, err := os.Stat(r.triagePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn().Err(err).Msg("tail stat failed")
			metrics.RecordTailStep("error")
		}
		return
	}

	wm := r.writer.ReadWatermark()
	inode := fileInode(fi)
	offset := wm.TriageBytes
	if wm.TriageInode != 0 && inode != 0 && inode != wm.TriageInode {
		// Rotated: a new file means a new byte space.
		offset = 0
		metrics.RecordTailStep("reset")
	}
	if fi.Size() < offset {
		// Truncated in place.
		offset = 0
		metrics.RecordTailStep("reset")
	}
	if fi.Size() == offset {
		return
	}

	f, err := os.Open(r.triagePath) // #nosec G304
	if err != nil {
		r.logger.Warn().Err(err).Msg("tail open failed")
		metrics.RecordTailStep("error")
		return
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		r.logger.Warn().Err(err).Msg("tail seek failed")
		metrics.RecordTailStep("error")
		return
	}
	chunk, err := io.ReadAll(io.LimitReader(f, fi.Size()-offset))
	if err != nil {
		r.logger.Warn().Err(err).Msg("tail read failed")
		metrics.RecordTailStep("error")
		return
	}

	// Only complete lines; a partial trailing write stays for next step.
	end := bytes.LastIndexByte(chunk, '\n')
	if end < 0 {
		return
	}
	consumed := offset + int64(end) + 1

	for _, line := range bytes.Split(chunk[:end], []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var d snapshot.Decision
		if err := json.Unmarshal(line, &d); err != nil {
			r.logger.Warn().Err(err).Msg("tail skipping unparseable line")
			continue
		}
		r.applyTailDecision(d)
	}

	r.writer.UpdateWatermark(consumed, inode)
	metrics.RecordTailStep("ok")
}

// applyTailDecision updates the index for a DONE+APPROVE line and
// synthesizes the missing REPLY.
func (r *Reindexer) applyTailDecision(d snapshot.Decision) {
	if d.State != snapshot.StateDone || d.TriageResult == nil {
		return
	}
	if d.TriageResult.Decision != "APPROVE" {
		return
	}
	// Lines whose ticket the store already holds were appended by this
	// process's own fill path; the fill pipeline owns derivation for
	// those, the tail only handles out-of-band appends.
	if d.TicketID != "" {
		if _, err := r.store.Get(d.TicketID); err == nil {
			return
		}
	}
	r.restoreTriage(d)

	outcome := r.engine.SynthesizeReply(d.CandidateID, d.TriageResult, d.Features, "tail:auto")
	if outcome.Created {
		r.logger.Info().
			Str(log.FieldCandidateID, d.CandidateID).
			Str(log.FieldTicketID, outcome.TicketID).
			Msg("reply auto-derived from tailed decision")
	}
}
