// SPDX-License-Identifier: MIT

package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// BlobStore persists raw gathered-evidence bytes outside the hot path.
// Layout: evidence_store/<YYYY-MM-DD>/<uuid>_<kind>.bin.
type BlobStore struct {
	root string
	now  func() time.Time
}

// NewBlobStore roots the blob store under logsDir.
func NewBlobStore(logsDir string) *BlobStore {
	return &BlobStore{root: filepath.Join(logsDir, "evidence_store"), now: time.Now}
}

// Put writes one blob and returns its path relative to the store root.
func (b *BlobStore) Put(kind string, data []byte) (string, error) {
	day := b.now().UTC().Format("2006-01-02")
	dir := filepath.Join(b.root, day)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	name := uuid.NewString() + "_" + kind + ".bin"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return filepath.Join(day, name), nil
}

// LeaseDebug composes the lease_debug_v1 details for a lease guard reject.
// The raw token never appears; only its SHA-256.
func LeaseDebug(ticketID, leaseOwner, attemptedOwner, leaseToken, code string) map[string]any {
	d := map[string]any{
		"ticket_id":       ticketID,
		"code":            code,
		"lease_owner":     leaseOwner,
		"attempted_owner": attemptedOwner,
	}
	if leaseToken != "" {
		d["lease_token_hash"] = SHA256Hex([]byte(leaseToken))
	}
	return d
}

// ReadinessDebug composes the readiness_debug_v1 details for an admission
// block.
func ReadinessDebug(missingRequired []string, degraded bool, asOf time.Time) map[string]any {
	missing := missingRequired
	if missing == nil {
		missing = []string{}
	}
	anyMissing := make([]any, len(missing))
	for i, m := range missing {
		anyMissing[i] = m
	}
	return map[string]any{
		"missing_required": anyMissing,
		"degraded":         degraded,
		"as_of":            asOf.UTC().Format(time.RFC3339),
	}
}

// ToolDebug composes the tool_debug_v1 details for tool-call rejects
// (unknown tool, argument validation).
func ToolDebug(server, tool, code string) map[string]any {
	return map[string]any{
		"server": server,
		"tool":   tool,
		"code":   code,
	}
}
