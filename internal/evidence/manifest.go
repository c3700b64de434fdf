// SPDX-License-Identifier: MIT

package evidence

import (
	"fmt"
	"sort"
)

// Artifact is one manifest row. SHA256 is nil only for the manifest's own
// entry (its hash cannot contain itself) and for the self-hash entry
// before its bytes land on disk.
type Artifact struct {
	Kind   string  `json:"kind"`
	Path   string  `json:"path"`
	Bytes  int64   `json:"bytes"`
	SHA256 *string `json:"sha256"`
}

// Check is one verification row.
type Check struct {
	Name        string   `json:"name"`
	OK          bool     `json:"ok"`
	ReasonCodes []string `json:"reason_codes"`
	DetailsRef  string   `json:"details_ref,omitempty"`
}

// Manifest is the integrity root of an evidence run.
type Manifest struct {
	Ver             int        `json:"ver"`
	EvidenceRunID   string     `json:"evidence_run_id"`
	CreatedAt       string     `json:"created_at"`
	ModeSnapshotRef string     `json:"mode_snapshot_ref"`
	Artifacts       []Artifact `json:"artifacts"`
	Checks          []Check    `json:"checks"`
	ReasonCodes     []string   `json:"reason_codes"`
}

// SelfHash is the content of manifest_self_hash_v1.json.
type SelfHash struct {
	Algo          string `json:"algo"`
	Canonicalizer string `json:"canonicalizer"`
	Value         string `json:"value"`
}

// StepReport is one step of the run report.
type StepReport struct {
	StepIndex     int    `json:"step_index"`
	ToolName      string `json:"tool_name"`
	Status        string `json:"status"`
	Code          string `json:"code"`
	ResultSummary string `json:"result_summary"`
}

// RunReport is the content of run_report_v1.json.
type RunReport struct {
	Ver           int          `json:"ver"`
	EvidenceRunID string       `json:"evidence_run_id"`
	CreatedAt     string       `json:"created_at"`
	Steps         []StepReport `json:"steps"`
}

// normalizeManifest applies the deterministic ordering rules: artifacts
// sorted by (kind, path) with the self-hash entry forced last, checks
// sorted by name, reason codes sorted and deduplicated.
func normalizeManifest(m *Manifest) {
	var selfHash *Artifact
	rest := make([]Artifact, 0, len(m.Artifacts))
	for i := range m.Artifacts {
		if m.Artifacts[i].Kind == KindSelfHash {
			a := m.Artifacts[i]
			selfHash = &a
			continue
		}
		rest = append(rest, m.Artifacts[i])
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].Kind != rest[j].Kind {
			return rest[i].Kind < rest[j].Kind
		}
		return rest[i].Path < rest[j].Path
	})
	if selfHash != nil {
		rest = append(rest, *selfHash)
	}
	m.Artifacts = rest

	sort.Slice(m.Checks, func(i, j int) bool { return m.Checks[i].Name < m.Checks[j].Name })

	seen := map[string]bool{}
	codes := make([]string, 0, len(m.ReasonCodes))
	for _, c := range m.ReasonCodes {
		if !seen[c] {
			seen[c] = true
			codes = append(codes, c)
		}
	}
	sort.Strings(codes)
	m.ReasonCodes = codes
}

// verifyManifest checks the cross-field invariants the schema cannot
// express: mode_snapshot_ref resolves to a listed run_report_v1 artifact,
// every details_ref is listed, and paths and check names are unique.
func verifyManifest(m *Manifest) error {
	paths := map[string]string{} // path -> kind
	for _, a := range m.Artifacts {
		if _, dup := paths[a.Path]; dup {
			return fmt.Errorf("duplicate artifact path %q", a.Path)
		}
		paths[a.Path] = a.Kind
	}

	if kind, ok := paths[m.ModeSnapshotRef]; !ok || kind != KindRunReport {
		return fmt.Errorf("mode_snapshot_ref %q is not a listed %s artifact", m.ModeSnapshotRef, KindRunReport)
	}

	names := map[string]bool{}
	for _, c := range m.Checks {
		if names[c.Name] {
			return fmt.Errorf("duplicate check name %q", c.Name)
		}
		names[c.Name] = true
		if c.DetailsRef != "" {
			if _, ok := paths[c.DetailsRef]; !ok {
				return fmt.Errorf("details_ref %q is not a listed artifact", c.DetailsRef)
			}
		}
	}

	for _, a := range m.Artifacts {
		if a.Kind == KindManifest || a.Kind == KindSelfHash {
			continue
		}
		if a.SHA256 == nil {
			return fmt.Errorf("artifact %q missing sha256", a.Path)
		}
	}
	return nil
}

// CanonicalManifestBytes renders the manifest in its hash-input form:
// the self-hash artifact entry excluded and the manifest's own entry
// forced to a null sha256.
func CanonicalManifestBytes(m Manifest) ([]byte, error) {
	cp := m
	arts := make([]Artifact, 0, len(cp.Artifacts))
	for _, a := range cp.Artifacts {
		if a.Kind == KindSelfHash {
			continue
		}
		if a.Kind == KindManifest {
			a.SHA256 = nil
		}
		arts = append(arts, a)
	}
	cp.Artifacts = arts
	return Canonicalize(cp)
}
