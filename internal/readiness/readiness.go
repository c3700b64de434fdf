// SPDX-License-Identifier: MIT

// Package readiness maps tool-gateway provider health onto dependency
// readiness and backs the HTTP admission gate. The set of known deps is
// fixed at build time.
package readiness

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hitloop/orchestrator/internal/metrics"
)

// CodeDepUnavailable is the default dep-level code for a missing or
// unready provider.
const CodeDepUnavailable = "DEP_UNAVAILABLE"

// CodeRequiredUnavailable is the HTTP-layer admission code. It must never
// appear as a dep-level code; the evaluator enforces that.
const CodeRequiredUnavailable = "MCP_REQUIRED_UNAVAILABLE"

// ProviderState is the health report for one provider, as supplied by the
// tool gateway.
type ProviderState struct {
	Ready  bool
	Code   string // DEP_* code when not ready
	Detail string // low-cardinality detail, never free text from providers
}

// DepSpec binds a dependency key to its provider.
type DepSpec struct {
	Key      string
	Provider string
	Required bool
}

// DefaultDeps is the built-in dependency partition.
func DefaultDeps() []DepSpec {
	return []DepSpec{
		{Key: "memory", Provider: "memory", Required: true},
		{Key: "search", Provider: "search", Required: false},
	}
}

// DepStatus is the readiness of one dependency.
type DepStatus struct {
	Ready bool   `json:"ready"`
	Code  string `json:"code,omitempty"`
}

// Snapshot is the aggregated readiness view at one point in time.
type Snapshot struct {
	Degraded bool                 `json:"degraded"`
	Required map[string]DepStatus `json:"required"`
	Optional map[string]DepStatus `json:"optional"`
	AsOf     time.Time            `json:"as_of"`
}

// MissingRequired lists the unready required dep keys, sorted.
func (s Snapshot) MissingRequired() []string {
	out := make([]string, 0, len(s.Required))
	for key, st := range s.Required {
		if !st.Ready {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Evaluator aggregates provider states into snapshots.
type Evaluator struct {
	deps []DepSpec
}

// NewEvaluator validates the dep configuration once at build time:
// unique keys, a provider per dep, and no HTTP-layer code leakage.
func NewEvaluator(deps []DepSpec) (*Evaluator, error) {
	seen := map[string]bool{}
	for _, d := range deps {
		if d.Key == "" || d.Provider == "" {
			return nil, fmt.Errorf("dep spec needs key and provider: %+v", d)
		}
		if seen[d.Key] {
			return nil, fmt.Errorf("duplicate dep key %q", d.Key)
		}
		seen[d.Key] = true
		if d.Key == CodeRequiredUnavailable || d.Provider == CodeRequiredUnavailable {
			return nil, fmt.Errorf("dep %q must not carry the HTTP admission code", d.Key)
		}
	}
	return &Evaluator{deps: deps}, nil
}

// Evaluate maps the current provider states onto dep readiness and pushes
// the readiness gauges. A missing or unready provider yields
// DEP_UNAVAILABLE unless it supplies its own DEP_* code.
func (e *Evaluator) Evaluate(providers map[string]ProviderState) Snapshot {
	snap := Snapshot{
		Required: make(map[string]DepStatus),
		Optional: make(map[string]DepStatus),
		AsOf:     time.Now(),
	}
	for _, d := range e.deps {
		status := DepStatus{Ready: true}
		p, ok := providers[d.Provider]
		if !ok || !p.Ready {
			status.Ready = false
			status.Code = depCode(p.Code)
			snap.Degraded = true
		}
		if d.Required {
			snap.Required[d.Key] = status
		} else {
			snap.Optional[d.Key] = status
		}
	}
	e.publish(snap)
	return snap
}

// depCode keeps dep-level codes in the DEP_* namespace. An HTTP-layer or
// foreign code collapses to DEP_UNAVAILABLE.
func depCode(code string) string {
	if code == "" || code == CodeRequiredUnavailable || !strings.HasPrefix(code, "DEP_") {
		return CodeDepUnavailable
	}
	return code
}

func (e *Evaluator) publish(snap Snapshot) {
	if snap.Degraded {
		metrics.ReadinessDegraded.Set(1)
	} else {
		metrics.ReadinessDegraded.Set(0)
	}
	for key, st := range snap.Required {
		metrics.ReadinessRequiredReady.WithLabelValues(key).Set(boolGauge(st.Ready))
	}
	for key, st := range snap.Optional {
		metrics.ReadinessOptionalReady.WithLabelValues(key).Set(boolGauge(st.Ready))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
