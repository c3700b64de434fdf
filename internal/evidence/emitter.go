// SPDX-License-Identifier: MIT

package evidence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio/v2"
	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/metrics"
	"github.com/rs/zerolog"
)

// GateMode controls schema validation intensity for emissions.
type GateMode string

const (
	GateOff    GateMode = "off"
	GateWarn   GateMode = "warn"
	GateStrict GateMode = "strict"
)

// ErrSchemaStrictReject is returned when strict-mode validation fails.
var ErrSchemaStrictReject = errors.New("schema_strict_reject")

// Emitter writes single-shot evidence runs. Each run directory is owned
// by the emission that created it; no further writes happen after the
// manifest lands.
type Emitter struct {
	logsDir string
	reg     *Registry
	mode    GateMode
	logger  zerolog.Logger
	now     func() time.Time
}

// NewEmitter builds an Emitter rooted at logsDir.
func NewEmitter(logsDir string, reg *Registry, mode GateMode) *Emitter {
	return &Emitter{
		logsDir: logsDir,
		reg:     reg,
		mode:    mode,
		logger:  log.WithComponent("evidence"),
		now:     time.Now,
	}
}

// RunID composes the deterministic evidence run id from the ticket id
// prefix and monotonic wall time.
func (e *Emitter) RunID(ticketID string) string {
	prefix := ticketID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "gr_" + prefix + "_" + strconv.FormatInt(e.now().UnixMilli(), 36)
}

// Emit writes a complete evidence run for one system-side reject and
// returns its run id. detailsKind selects the schema from the fixed
// registry; code is the stable reject code.
//
// If the manifest cannot be completed, the already-written run report is
// removed and no temp file remains.
func (e *Emitter) Emit(ticketID, detailsKind string, details map[string]any, code string) (string, error) {
	if !e.reg.Known(detailsKind) {
		return "", fmt.Errorf("unregistered details kind %q", detailsKind)
	}
	if err := e.validate(detailsKind, details); err != nil {
		return "", err
	}

	runID := e.RunID(ticketID)
	dir := filepath.Join(e.logsDir, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create evidence run dir: %w", err)
	}

	createdAt := e.now().UTC().Format(time.RFC3339)
	detailsPath := detailsKind + ".json"
	if err := e.writeCanonical(filepath.Join(dir, detailsPath), details); err != nil {
		return "", err
	}

	report := RunReport{
		Ver:           1,
		EvidenceRunID: runID,
		CreatedAt:     createdAt,
		Steps: []StepReport{{
			StepIndex:     1,
			ToolName:      "SYSTEM_REJECT",
			Status:        "failed",
			Code:          code,
			ResultSummary: "system_reject:" + code,
		}},
	}
	if err := e.validate(KindRunReport, report); err != nil {
		return "", err
	}
	reportPath := filepath.Join(dir, "run_report_v1.json")
	if err := e.writeCanonical(reportPath, report); err != nil {
		return "", err
	}

	manifest := Manifest{
		Ver:             1,
		EvidenceRunID:   runID,
		CreatedAt:       createdAt,
		ModeSnapshotRef: "run_report_v1.json",
		Artifacts: []Artifact{
			{Kind: detailsKind, Path: detailsPath},
			{Kind: KindRunReport, Path: "run_report_v1.json"},
			{Kind: KindManifest, Path: "evidence_manifest_v1.json", SHA256: nil},
			{Kind: KindSelfHash, Path: "manifest_self_hash_v1.json", SHA256: nil},
		},
		Checks: []Check{{
			Name:        "guard_rejection_evidence_ok",
			OK:          false,
			ReasonCodes: []string{code},
			DetailsRef:  detailsPath,
		}},
		ReasonCodes: []string{code},
	}
	normalizeManifest(&manifest)

	if err := e.finishManifest(dir, &manifest); err != nil {
		// Rollback: the run report must not outlive a broken manifest.
		if rmErr := os.Remove(reportPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.logger.Warn().Err(rmErr).Str(log.FieldRunID, runID).Msg("rollback of run report failed")
		}
		return "", err
	}

	metrics.RecordEvidenceRun(code)
	e.logger.Info().
		Str(log.FieldRunID, runID).
		Str(log.FieldCode, code).
		Str(log.FieldTicketID, ticketID).
		Msg("evidence run emitted")
	return runID, nil
}

// finishManifest fills artifact hashes, validates, seals the self-hash
// and persists the manifest atomically.
func (e *Emitter) finishManifest(dir string, m *Manifest) error {
	if err := e.fillHashes(dir, m); err != nil {
		return err
	}
	if err := e.validate(KindManifest, m); err != nil {
		return err
	}
	if err := verifyManifest(m); err != nil {
		return fmt.Errorf("manifest invariants: %w", err)
	}

	canonical, err := CanonicalManifestBytes(*m)
	if err != nil {
		return fmt.Errorf("canonicalize manifest: %w", err)
	}
	selfHash := SelfHash{
		Algo:          "sha256",
		Canonicalizer: CanonicalizerID,
		Value:         SHA256Hex(canonical),
	}
	selfHashPath := filepath.Join(dir, "manifest_self_hash_v1.json")
	if err := e.writeCanonical(selfHashPath, selfHash); err != nil {
		return err
	}

	// Refresh the self-hash artifact's bytes/hash now that it exists.
	if err := e.fillHashes(dir, m); err != nil {
		return err
	}

	final, err := Canonicalize(*m)
	if err != nil {
		return fmt.Errorf("canonicalize final manifest: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, "evidence_manifest_v1.json"), append(final, '\n'), 0o640); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// fillHashes computes bytes and sha256 for every listed artifact whose
// bytes exist on disk. The manifest's own entry stays null.
func (e *Emitter) fillHashes(dir string, m *Manifest) error {
	for i := range m.Artifacts {
		a := &m.Artifacts[i]
		if a.Kind == KindManifest {
			a.SHA256 = nil
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, a.Path)) // #nosec G304
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("read artifact %s: %w", a.Path, err)
		}
		a.Bytes = int64(len(data))
		h := SHA256Hex(data)
		a.SHA256 = &h
	}
	return nil
}

func (e *Emitter) writeCanonical(path string, v any) error {
	data, err := Canonicalize(v)
	if err != nil {
		return fmt.Errorf("canonicalize %s: %w", filepath.Base(path), err)
	}
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending file %s: %w", path, err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			e.logger.Debug().Err(cerr).Msg("cleanup pending evidence file")
		}
	}()
	if _, err := pending.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", path, err)
	}
	return nil
}

// validate enforces the schema gate. off skips, warn logs, strict fails.
func (e *Emitter) validate(kind string, doc any) error {
	if e.mode == GateOff {
		return nil
	}
	err := e.reg.Validate(kind, doc)
	if err == nil {
		return nil
	}
	if e.mode == GateWarn {
		e.logger.Warn().Err(err).Str(log.FieldKind, kind).Msg("schema validation failed (warn mode)")
		return nil
	}
	return fmt.Errorf("%w: %v", ErrSchemaStrictReject, err)
}
