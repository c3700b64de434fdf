// SPDX-License-Identifier: MIT

package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/metrics"
	"github.com/rs/zerolog"
)

// Paths locates the append-only files and the watermark.
type Paths struct {
	TriageDecisions string
	ReplyResults    string
	TriageAudit     string
	ReplyAudit      string
	Watermark       string
}

// DefaultPaths derives the standard file layout under logsDir.
func DefaultPaths(logsDir string) Paths {
	return Paths{
		TriageDecisions: filepath.Join(logsDir, "triage_decisions.jsonl"),
		ReplyResults:    filepath.Join(logsDir, "reply_results.jsonl"),
		TriageAudit:     filepath.Join(logsDir, "triage_audit.jsonl"),
		ReplyAudit:      filepath.Join(logsDir, "reply_audit.jsonl"),
		Watermark:       filepath.Join(logsDir, "reply_watermark.json"),
	}
}

// Writer serializes append-only JSONL writes. One appender goroutine owns
// each file, so concurrent in-process writers never interleave lines.
// Write errors are logged and counted but never surfaced to state-machine
// callers.
type Writer struct {
	paths   Paths
	logger  zerolog.Logger
	triage  *appender
	reply   *appender
	tAudit  *appender
	rAudit  *appender
}

// NewWriter creates the writer and starts one appender per file.
func NewWriter(paths Paths) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(paths.TriageDecisions), 0o750); err != nil {
		return nil, err
	}
	logger := log.WithComponent("snapshot")
	return &Writer{
		paths:  paths,
		logger: logger,
		triage: newAppender("triage_decisions", paths.TriageDecisions, logger),
		reply:  newAppender("reply_results", paths.ReplyResults, logger),
		tAudit: newAppender("triage_audit", paths.TriageAudit, logger),
		rAudit: newAppender("reply_audit", paths.ReplyAudit, logger),
	}, nil
}

// AppendTriageDecision enqueues one decision line for the triage file.
func (w *Writer) AppendTriageDecision(obj any) {
	w.triage.enqueue(obj)
}

// AppendReplyResult enqueues one result line for the reply file.
func (w *Writer) AppendReplyResult(obj any) {
	w.reply.enqueue(obj)
}

// AppendAudit enqueues one operational audit line. kind selects the file:
// "triage" or "reply".
func (w *Writer) AppendAudit(kind string, obj any) {
	switch kind {
	case "reply":
		w.rAudit.enqueue(obj)
	default:
		w.tAudit.enqueue(obj)
	}
}

// TriagePath returns the triage decisions file path (tailed by reindex).
func (w *Writer) TriagePath() string {
	return w.paths.TriageDecisions
}

// Close flushes all appenders. Safe to call once during shutdown.
func (w *Writer) Close() {
	w.triage.close()
	w.reply.close()
	w.tAudit.close()
	w.rAudit.close()
}

// appender is the single serial writer for one JSONL file.
type appender struct {
	kind   string
	path   string
	logger zerolog.Logger
	ch     chan []byte
	once   sync.Once
	done   chan struct{}
}

func newAppender(kind, path string, logger zerolog.Logger) *appender {
	a := &appender{
		kind:   kind,
		path:   path,
		logger: logger.With().Str("file_kind", kind).Logger(),
		ch:     make(chan []byte, 1024),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// enqueue marshals obj and hands the line to the appender goroutine.
// It never blocks the caller: a full queue drops the line (counted).
func (a *appender) enqueue(obj any) {
	line, err := json.Marshal(obj)
	if err != nil {
		a.logger.Error().Err(err).Msg("snapshot marshal failed")
		metrics.RecordSnapshotAppend(a.kind, "marshal_error")
		return
	}
	select {
	case a.ch <- line:
	default:
		a.logger.Error().Msg("snapshot queue full, line dropped")
		metrics.RecordSnapshotAppend(a.kind, "dropped")
	}
}

func (a *appender) run() {
	defer close(a.done)
	for line := range a.ch {
		a.write(line)
	}
}

func (a *appender) write(line []byte) {
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304
	if err != nil {
		a.logger.Error().Err(err).Str(log.FieldPath, a.path).Msg("open snapshot file failed")
		metrics.RecordSnapshotAppend(a.kind, "open_error")
		return
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("close snapshot file")
		}
	}()

	if _, err := f.Write(append(line, '\n')); err != nil {
		a.logger.Error().Err(err).Str(log.FieldPath, a.path).Msg("append snapshot line failed")
		metrics.RecordSnapshotAppend(a.kind, "write_error")
		return
	}
	metrics.RecordSnapshotAppend(a.kind, "ok")
}

func (a *appender) close() {
	a.once.Do(func() {
		close(a.ch)
		<-a.done
	})
}
