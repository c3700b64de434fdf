// SPDX-License-Identifier: MIT

// Package config builds the immutable runtime configuration from the
// environment. Subcomponents receive only the slices they need; nothing
// re-reads the environment after startup.
package config

import (
	"path/filepath"
	"time"
)

// SchemaGateMode controls how strictly internal schema validation is enforced.
type SchemaGateMode string

const (
	SchemaGateOff    SchemaGateMode = "off"
	SchemaGateWarn   SchemaGateMode = "warn"
	SchemaGateStrict SchemaGateMode = "strict"
)

// Config is the process-wide configuration, built once at startup.
type Config struct {
	ListenAddr string

	// Storage paths
	LogsDir           string
	TriageSnapshot    string // triage decisions JSONL
	ReplySnapshot     string // reply results JSONL
	SnapshotWatermark string // tail-follow watermark file

	// Derivation flags
	EnableToolDerivation  bool
	EnableReplyDerivation bool
	ToolOnlyMode          bool

	// Auth
	RequireAuth bool
	BearerToken string

	// Warm reindex / tail follower
	ReindexOnBoot bool
	TailSnapshots bool
	TailInterval  time.Duration

	// Triage gate overrides (see triage.Gates)
	TriageRulesPath   string
	Gate0BEnabled     bool
	Gate0BMinLen      int
	Gate0BMinLikes    int
	Gate0BMinComments int

	// Schema validation intensity
	SchemaGate SchemaGateMode

	// Tool gateway provider selection
	RunRealMCPTests bool
	NoMCP           bool
	MCPConfigPath   string
	ToolTimeout     time.Duration

	// Lease bounds
	LeaseReapInterval time.Duration

	// Ingress rate limit
	RateLimitEnabled bool
	RateLimitRPS     int

	// Callers allowed to fill a pending ticket without a lease.
	DirectFillAllowlist []string
}

// FromEnv builds a Config from the environment, with workable defaults
// for local development.
func FromEnv() Config {
	logsDir := ParseString("LOGS_DIR", "logs")
	cfg := Config{
		ListenAddr: ParseString("LISTEN_ADDR", ":8787"),

		LogsDir:           logsDir,
		TriageSnapshot:    ParseString("TRIAGE_SNAPSHOT", filepath.Join(logsDir, "triage_decisions.jsonl")),
		ReplySnapshot:     ParseString("REPLY_SNAPSHOT", filepath.Join(logsDir, "reply_results.jsonl")),
		SnapshotWatermark: ParseString("SNAPSHOT_WATERMARK", filepath.Join(logsDir, "reply_watermark.json")),

		EnableToolDerivation:  ParseBool("ENABLE_TOOL_DERIVATION", true),
		EnableReplyDerivation: ParseBool("ENABLE_REPLY_DERIVATION", true),
		ToolOnlyMode:          ParseBool("TOOL_ONLY_MODE", false),

		RequireAuth: ParseBool("REQUIRE_AUTH", false),
		BearerToken: ParseString("TRIAGE_BEARER_TOKEN", ""),

		ReindexOnBoot: ParseBool("ORCH_REINDEX_ON_BOOT", true),
		TailSnapshots: ParseBool("ORCH_TAIL_SNAPSHOTS", true),
		TailInterval:  ParseDuration("ORCH_TAIL_INTERVAL", 2*time.Second),

		TriageRulesPath:   ParseString("TRIAGE_RULES_PATH", ""),
		Gate0BEnabled:     ParseBool("GATE0B_ENABLED", true),
		Gate0BMinLen:      ParseInt("GATE0B_MIN_LEN", 20),
		Gate0BMinLikes:    ParseInt("GATE0B_MIN_LIKES", 0),
		Gate0BMinComments: ParseInt("GATE0B_MIN_COMMENTS", 0),

		SchemaGate: SchemaGateMode(ParseString("SCHEMA_GATE_MODE", string(SchemaGateWarn))),

		RunRealMCPTests: ParseBool("RUN_REAL_MCP_TESTS", false),
		NoMCP:           ParseBool("NO_MCP", false),
		MCPConfigPath:   ParseString("MCP_CONFIG_PATH", ""),
		ToolTimeout:     ParseDuration("TOOL_TIMEOUT", 30*time.Second),

		LeaseReapInterval: ParseDuration("LEASE_REAP_INTERVAL", 5*time.Second),

		RateLimitEnabled: ParseBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPS:     ParseInt("RATE_LIMIT_RPS", 100),

		DirectFillAllowlist: []string{"http_fill"},
	}
	switch cfg.SchemaGate {
	case SchemaGateOff, SchemaGateWarn, SchemaGateStrict:
	default:
		cfg.SchemaGate = SchemaGateWarn
	}
	return cfg
}
