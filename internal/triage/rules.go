// SPDX-License-Identifier: MIT

package triage

import (
	"fmt"
	"os"

	"github.com/hitloop/orchestrator/internal/config"
	"gopkg.in/yaml.v3"
)

// LoadGates resolves the effective gate thresholds: built-in defaults,
// then the optional YAML rule file, then environment overrides from cfg.
func LoadGates(cfg config.Config) (Gates, error) {
	gates := DefaultGates()

	if cfg.TriageRulesPath != "" {
		loaded, err := loadRuleFile(cfg.TriageRulesPath)
		if err != nil {
			return gates, err
		}
		gates = loaded
	}

	// Env overrides win over file values.
	gates.Gate0B.Enabled = cfg.Gate0BEnabled
	if cfg.Gate0BMinLen > 0 {
		gates.Gate0B.MinLen = cfg.Gate0BMinLen
	}
	if cfg.Gate0BMinLikes > 0 {
		gates.Gate0B.MinLikes = cfg.Gate0BMinLikes
	}
	if cfg.Gate0BMinComments > 0 {
		gates.Gate0B.MinComments = cfg.Gate0BMinComments
	}
	return gates, nil
}

func loadRuleFile(path string) (Gates, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return Gates{}, fmt.Errorf("read triage rules: %w", err)
	}
	gates := DefaultGates()
	if err := yaml.Unmarshal(data, &gates); err != nil {
		return Gates{}, fmt.Errorf("parse triage rules: %w", err)
	}
	return gates, nil
}
