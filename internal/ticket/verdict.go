// SPDX-License-Identifier: MIT

package ticket

import (
	"fmt"
	"strings"
)

// VerdictStatus is the canonical tool verdict outcome.
type VerdictStatus string

const (
	VerdictProceed VerdictStatus = "PROCEED"
	VerdictDefer   VerdictStatus = "DEFER"
	VerdictBlock   VerdictStatus = "BLOCK"
)

// Verdict is the canonical {status, reason} pair a TOOL fill produces.
type Verdict struct {
	Status VerdictStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// InvalidVerdictError reports an unparseable verdict while preserving the
// raw value for diagnostics.
type InvalidVerdictError struct {
	Raw any
}

func (e *InvalidVerdictError) Error() string {
	return fmt.Sprintf("invalid_status: %v", e.Raw)
}

// NormalizeVerdict canonicalizes a filler-supplied verdict. It accepts a
// bare string ("proceed", "DEFER", "BLOCK") or an object {status, reason?}.
func NormalizeVerdict(raw any) (*Verdict, error) {
	switch v := raw.(type) {
	case nil:
		return nil, &InvalidVerdictError{Raw: raw}
	case string:
		if s, ok := parseStatus(v); ok {
			return &Verdict{Status: s}, nil
		}
		return nil, &InvalidVerdictError{Raw: raw}
	case Verdict:
		if s, ok := parseStatus(string(v.Status)); ok {
			return &Verdict{Status: s, Reason: v.Reason}, nil
		}
		return nil, &InvalidVerdictError{Raw: raw}
	case *Verdict:
		if v == nil {
			return nil, &InvalidVerdictError{Raw: raw}
		}
		return NormalizeVerdict(*v)
	case map[string]any:
		status, _ := v["status"].(string)
		reason, _ := v["reason"].(string)
		if s, ok := parseStatus(status); ok {
			return &Verdict{Status: s, Reason: reason}, nil
		}
		return nil, &InvalidVerdictError{Raw: raw}
	}
	return nil, &InvalidVerdictError{Raw: raw}
}

// ResolveVerdict reads the effective verdict for a TOOL ticket.
// outputs.tool_verdict takes precedence over the ticket's stored verdict;
// there are no legacy read locations.
func ResolveVerdict(outputs map[string]any, t *Ticket) (*Verdict, error) {
	if outputs != nil {
		if raw, ok := outputs["tool_verdict"]; ok {
			return NormalizeVerdict(raw)
		}
	}
	if t != nil && t.ToolVerdict != nil {
		return NormalizeVerdict(*t.ToolVerdict)
	}
	return nil, &InvalidVerdictError{Raw: nil}
}

func parseStatus(s string) (VerdictStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(VerdictProceed):
		return VerdictProceed, true
	case string(VerdictDefer):
		return VerdictDefer, true
	case string(VerdictBlock):
		return VerdictBlock, true
	}
	return "", false
}
