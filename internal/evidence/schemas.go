// SPDX-License-Identifier: MIT

package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Detail artifact kinds with registered schemas. The registry is fixed;
// emitting an unregistered kind is a programming error.
const (
	KindLeaseDebug     = "lease_debug_v1"
	KindReadinessDebug = "readiness_debug_v1"
	KindToolDebug      = "tool_debug_v1"
	KindRunReport      = "run_report_v1"
	KindManifest       = "evidence_manifest_v1"
	KindSelfHash       = "manifest_self_hash_v1"
)

var schemaSources = map[string]string{
	KindLeaseDebug: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["ticket_id", "code"],
		"properties": {
			"ticket_id": {"type": "string", "minLength": 1},
			"code": {"type": "string", "minLength": 1},
			"lease_owner": {"type": "string"},
			"attempted_owner": {"type": "string"},
			"lease_token_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
		},
		"not": {"required": ["lease_token"]}
	}`,
	KindReadinessDebug: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["missing_required", "degraded"],
		"properties": {
			"missing_required": {"type": "array", "items": {"type": "string"}},
			"degraded": {"type": "boolean"},
			"as_of": {"type": "string"}
		}
	}`,
	KindToolDebug: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["code"],
		"properties": {
			"server": {"type": "string"},
			"tool": {"type": "string"},
			"code": {"type": "string", "minLength": 1}
		}
	}`,
	KindRunReport: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["ver", "evidence_run_id", "steps"],
		"properties": {
			"ver": {"const": 1},
			"evidence_run_id": {"type": "string", "minLength": 1},
			"created_at": {"type": "string"},
			"steps": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["step_index", "tool_name", "status", "code"],
					"properties": {
						"step_index": {"type": "integer", "minimum": 1},
						"tool_name": {"type": "string"},
						"status": {"enum": ["failed", "ok"]},
						"code": {"type": "string"},
						"result_summary": {"type": "string"}
					}
				}
			}
		}
	}`,
	KindManifest: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["ver", "evidence_run_id", "mode_snapshot_ref", "artifacts", "checks", "reason_codes"],
		"properties": {
			"ver": {"const": 1},
			"evidence_run_id": {"type": "string", "minLength": 1},
			"created_at": {"type": "string"},
			"mode_snapshot_ref": {"type": "string", "minLength": 1},
			"artifacts": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["kind", "path", "sha256"],
					"properties": {
						"kind": {"type": "string", "minLength": 1},
						"path": {"type": "string", "minLength": 1},
						"bytes": {"type": "integer", "minimum": 0},
						"sha256": {
							"oneOf": [
								{"type": "null"},
								{"type": "string", "pattern": "^[0-9a-f]{64}$"}
							]
						}
					}
				}
			},
			"checks": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "ok", "reason_codes"],
					"properties": {
						"name": {"type": "string", "minLength": 1},
						"ok": {"type": "boolean"},
						"reason_codes": {"type": "array", "items": {"type": "string"}},
						"details_ref": {"type": "string"}
					}
				}
			},
			"reason_codes": {"type": "array", "items": {"type": "string"}}
		}
	}`,
}

// Registry holds compiled validators by artifact kind. Schemas compile
// once at startup and are never re-parsed per emission.
type Registry struct {
	schemas map[string]*jsonschema.Schema
}

// NewRegistry compiles every registered schema.
func NewRegistry() (*Registry, error) {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema, len(schemaSources))}
	for kind, src := range schemaSources {
		c := jsonschema.NewCompiler()
		url := "inline://" + kind + ".json"
		if err := c.AddResource(url, bytes.NewReader([]byte(src))); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", kind, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", kind, err)
		}
		r.schemas[kind] = schema
	}
	return r, nil
}

// Known reports whether a detail kind has a registered schema.
func (r *Registry) Known(kind string) bool {
	_, ok := r.schemas[kind]
	return ok
}

// Validate checks doc against the schema registered for kind. doc may be
// any JSON-marshalable value; it is round-tripped before validation.
func (r *Registry) Validate(kind string, doc any) error {
	schema, ok := r.schemas[kind]
	if !ok {
		return fmt.Errorf("no schema registered for %q", kind)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s for validation: %w", kind, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode %s for validation: %w", kind, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("schema %s: %w", kind, err)
	}
	return nil
}
