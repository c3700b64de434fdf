// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitloop/orchestrator/internal/config"
	"github.com/hitloop/orchestrator/internal/derive"
	"github.com/hitloop/orchestrator/internal/evidence"
	"github.com/hitloop/orchestrator/internal/gateway"
	"github.com/hitloop/orchestrator/internal/metrics"
	"github.com/hitloop/orchestrator/internal/readiness"
	"github.com/hitloop/orchestrator/internal/snapshot"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/ticket"
	"github.com/hitloop/orchestrator/internal/triage"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv     *httptest.Server
	store   *store.Store
	gateway *gateway.Static
	logsDir string
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	logsDir := t.TempDir()

	cfg := config.Config{
		LogsDir:               logsDir,
		TriageSnapshot:        filepath.Join(logsDir, "triage_decisions.jsonl"),
		ReplySnapshot:         filepath.Join(logsDir, "reply_results.jsonl"),
		SnapshotWatermark:     filepath.Join(logsDir, "reply_watermark.json"),
		EnableToolDerivation:  true,
		EnableReplyDerivation: true,
		ToolTimeout:           2 * time.Second,
		DirectFillAllowlist:   []string{"http_fill"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	paths := snapshot.DefaultPaths(logsDir)
	writer, err := snapshot.NewWriter(paths)
	require.NoError(t, err)
	t.Cleanup(writer.Close)
	journal := snapshot.NewJournal(writer)

	st := store.New(
		store.WithObserver(journal),
		store.WithDirectFillAllowlist(cfg.DirectFillAllowlist),
	)
	engine := derive.New(st, derive.Config{
		EnableToolDerivation:  cfg.EnableToolDerivation,
		EnableReplyDerivation: cfg.EnableReplyDerivation,
		ToolOnlyMode:          cfg.ToolOnlyMode,
	})

	reg, err := evidence.NewRegistry()
	require.NoError(t, err)
	emitter := evidence.NewEmitter(logsDir, reg, evidence.GateStrict)

	evaluator, err := readiness.NewEvaluator(readiness.DefaultDeps())
	require.NoError(t, err)
	gw := gateway.NewStatic("memory", "search")

	server := NewServer(Deps{
		Config:    cfg,
		Store:     st,
		Engine:    engine,
		Journal:   journal,
		Gates:     triage.DefaultGates(),
		Evaluator: evaluator,
		Gateway:   gw,
		Emitter:   emitter,
		Blobs:     evidence.NewBlobStore(logsDir),
	})

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, gateway: gw, logsDir: logsDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// lease posts a lease request and decodes the response array.
func (e *testEnv) lease(t *testing.T, body map[string]any) []map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+"/v1/tickets/lease", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	return items
}

func ingestBody(eventID, content string) map[string]any {
	return map[string]any{
		"type":      "comment.created",
		"event_id":  eventID,
		"thread_id": "th_1",
		"content":   content,
		"actor":     "user_9",
		"timestamp": "2025-06-01T12:00:00Z",
	}
}

const longContent = "這是一段長度絕對超過二十個字元的測試候選內容，值得處理。"

func TestPipelineHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)

	// Ingest: the candidate passes both gates and queues a TRIAGE ticket.
	resp, body := env.do(t, http.MethodPost, "/events", ingestBody("ev_1", longContent))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	triageID, _ := body["ticket_id"].(string)
	require.NotEmpty(t, triageID)

	// Lease the TRIAGE ticket.
	items := env.lease(t, map[string]any{"kind": "TRIAGE", "limit": 1, "lease_sec": 60, "owner": "worker-a"})
	require.Len(t, items, 1)
	lease := items[0]
	assert.Equal(t, triageID, lease["ticket_id"])
	assert.Equal(t, "triage_fill_v1", lease["schema_ref"])
	leaseToken := lease["lease_id"].(string)
	require.NotEmpty(t, leaseToken)

	// Fill TRIAGE with APPROVE: a TOOL ticket derives.
	resp, body = env.do(t, http.MethodPost, "/v1/tickets/"+triageID+"/fill", map[string]any{
		"outputs": map[string]any{
			"decision":         "APPROVE",
			"short_reason":     "relevant question",
			"reply_strategy":   "clarify",
			"target_prompt_id": "prompt_7",
		},
		"by":          "worker-a",
		"lease_owner": "worker-a",
		"lease_token": leaseToken,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", body["status"])

	parent, err := env.store.Get(triageID)
	require.NoError(t, err)
	require.NotNil(t, parent.Derived)
	toolID := parent.Derived.ToolTicketID
	require.NotEmpty(t, toolID)

	// Lease and fill the TOOL ticket with a proceeding verdict.
	items = env.lease(t, map[string]any{"kind": "TOOL", "owner": "worker-b"})
	require.Len(t, items, 1)
	toolLease := items[0]
	assert.Equal(t, toolID, toolLease["ticket_id"])
	assert.Equal(t, "prompt_7", toolLease["prompt_id"])

	resp, _ = env.do(t, http.MethodPost, "/v1/tickets/"+toolID+"/fill", map[string]any{
		"outputs": map[string]any{
			"tool_verdict":      map[string]any{"status": "PROCEED"},
			"gathered_evidence": []any{"fact one", "fact two"},
		},
		"by":          "worker-b",
		"lease_owner": "worker-b",
		"lease_token": toolLease["lease_id"],
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	toolTicket, err := env.store.Get(toolID)
	require.NoError(t, err)
	require.NotNil(t, toolTicket.Derived)
	replyID := toolTicket.Derived.ReplyTicketID
	require.NotEmpty(t, replyID)

	// Lease and fill the REPLY ticket.
	items = env.lease(t, map[string]any{"kind": "REPLY", "owner": "worker-c"})
	require.Len(t, items, 1)
	replyLease := items[0]

	resp, body = env.do(t, http.MethodPost, "/v1/tickets/"+replyID+"/fill", map[string]any{
		"outputs":     map[string]any{"reply_text": "感謝提問，詳情如下。"},
		"by":          "worker-c",
		"lease_owner": "worker-c",
		"lease_token": replyLease["lease_id"],
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", body["status"])

	// Metrics reflect three completed tickets.
	resp, body = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tickets := body["tickets"].(map[string]any)
	assert.Equal(t, float64(3), tickets["done"])
	assert.Equal(t, float64(1), tickets["success_rate"])
	replies := body["replies"].(map[string]any)
	assert.Equal(t, float64(1), replies["done"])
}

func TestFillLeaseOwnerMismatchEmitsEvidence(t *testing.T) {
	env := newTestEnv(t, nil)

	_, body := env.do(t, http.MethodPost, "/events", ingestBody("ev_1", longContent))
	triageID := body["ticket_id"].(string)

	items := env.lease(t, map[string]any{"kind": "TRIAGE", "owner": "worker-a"})
	require.Len(t, items, 1)
	leaseToken := items[0]["lease_id"].(string)

	// A different worker tries to fill with its own identity.
	resp, body := env.do(t, http.MethodPost, "/v1/tickets/"+triageID+"/fill", map[string]any{
		"outputs":     map[string]any{"decision": "APPROVE"},
		"by":          "worker-b",
		"lease_owner": "worker-b",
		"lease_token": leaseToken,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "lease_owner_mismatch", body["error_code"])
	runID, _ := body["evidence_run_id"].(string)
	require.NotEmpty(t, runID)

	// The ticket is unchanged: still running, still owned by worker-a.
	got, err := env.store.Get(triageID)
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusRunning, got.Status)
	assert.Equal(t, "worker-a", got.LeaseOwner)

	// The evidence run exists on disk and never contains the raw token.
	runDir := filepath.Join(env.logsDir, runID)
	entries, err := os.ReadDir(runDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(runDir, entry.Name()))
		require.NoError(t, err)
		assert.NotContains(t, string(data), leaseToken, entry.Name())
	}
	detailsRaw, err := os.ReadFile(filepath.Join(runDir, "lease_debug_v1.json"))
	require.NoError(t, err)
	var details map[string]any
	require.NoError(t, json.Unmarshal(detailsRaw, &details))
	assert.Equal(t, evidence.SHA256Hex([]byte(leaseToken)), details["lease_token_hash"])

	// The correct owner can still complete afterwards.
	resp, _ = env.do(t, http.MethodPost, "/v1/tickets/"+triageID+"/fill", map[string]any{
		"outputs":     map[string]any{"decision": "APPROVE"},
		"by":          "worker-a",
		"lease_owner": "worker-a",
		"lease_token": leaseToken,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestFilterSkip(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/events", ingestBody("ev_short", "too short"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "skipped", body["status"])
	assert.Equal(t, "policy:gate0:min_len", body["reason"])

	// No ticket was created; the index remembers the skip.
	assert.Zero(t, env.store.Count(store.Filter{}))
	entry, ok := env.store.TriageEntry("ev_short")
	require.True(t, ok)
	assert.Equal(t, "SKIPPED", entry.State)
}

func TestIngestDuplicateEvent(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, first := env.do(t, http.MethodPost, "/events", ingestBody("ev_dup", longContent))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "queued", first["status"])

	resp, second := env.do(t, http.MethodPost, "/events", ingestBody("ev_dup", longContent))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", second["status"])
	assert.Equal(t, first["ticket_id"], second["ticket_id"])
	assert.Equal(t, 1, env.store.Count(store.Filter{}))

	// Skipped events are also remembered.
	resp, _ = env.do(t, http.MethodPost, "/events", ingestBody("ev_skip", "x"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, again := env.do(t, http.MethodPost, "/events", ingestBody("ev_skip", "x"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", again["status"])
}

func TestIngestRejectsMalformedEvent(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/events", map[string]any{"type": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ERR_SCHEMA_VALIDATION", body["error_code"])

	bad := ingestBody("ev_bad_ts", longContent)
	bad["timestamp"] = "not-a-time"
	resp, _ = env.do(t, http.MethodPost, "/events", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriageBatchDedupe(t *testing.T) {
	env := newTestEnv(t, nil)

	req := map[string]any{"candidates": []any{
		map[string]any{"candidate_id": "c1", "content": longContent},
		map[string]any{"candidate_id": "c2", "content": "nope"},
	}}
	resp, body := env.do(t, http.MethodPost, "/v1/triage/batch", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.Equal(t, "PENDING", first["state"])
	assert.NotEmpty(t, first["triage_ticket_id"])
	second := results[1].(map[string]any)
	assert.Equal(t, "SKIPPED", second["state"])

	// Resubmitting dedupes to the existing entries without new tickets.
	before := env.store.Count(store.Filter{})
	resp, body = env.do(t, http.MethodPost, "/v1/triage/batch", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results = body["results"].([]any)
	assert.Equal(t, "PENDING", results[0].(map[string]any)["state"])
	assert.Equal(t, before, env.store.Count(store.Filter{}))
}

func TestTriageResults(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/v1/triage/batch", map[string]any{"candidates": []any{
		map[string]any{"candidate_id": "c1", "content": longContent},
	}})

	resp, body := env.do(t, http.MethodGet, "/v1/triage/results?ids=c1,missing", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "PENDING", results[0].(map[string]any)["state"])
	assert.Equal(t, "UNKNOWN", results[1].(map[string]any)["state"])

	resp, _ = env.do(t, http.MethodGet, "/v1/triage/results", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestToolExecuteAdmissionGate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gateway.Register("memory", "recall", func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"hits": 0}, nil
	})

	// Required dep down: 503 with the canonical body.
	env.gateway.SetProviderState("memory", readiness.ProviderState{Ready: false})

	before := counterValue(t, "memory|MCP_REQUIRED_UNAVAILABLE")
	resp, body := env.do(t, http.MethodPost, "/v1/tools/execute",
		map[string]any{"server": "memory", "tool": "recall"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "MCP_REQUIRED_UNAVAILABLE", body["error_code"])
	assert.Equal(t, []any{"memory"}, body["missing_required"])
	assert.Equal(t, true, body["degraded"])
	assert.NotEmpty(t, body["as_of"])
	assert.NotEmpty(t, body["evidence_run_id"])
	assert.Equal(t, before+1, counterValue(t, "memory|MCP_REQUIRED_UNAVAILABLE"))

	// Optional dep down alone never blocks.
	env.gateway.SetProviderState("memory", readiness.ProviderState{Ready: true})
	env.gateway.SetProviderState("search", readiness.ProviderState{Ready: false})
	resp, body = env.do(t, http.MethodPost, "/v1/tools/execute",
		map[string]any{"server": "memory", "tool": "recall"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["result"])

	// Past the gate, an unregistered tool is a 404 with its own evidence.
	resp, body = env.do(t, http.MethodPost, "/v1/tools/execute",
		map[string]any{"server": "memory", "tool": "no_such_tool"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_tool", body["error_code"])
	assert.NotEmpty(t, body["evidence_run_id"])
}

// counterValue reads the current value of the admission reject counter for
// one label.
func counterValue(t *testing.T, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, metrics.RequiredUnavailableTotal.WithLabelValues(label).Write(m))
	return m.GetCounter().GetValue()
}

func TestHealthDegraded(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	env.gateway.SetProviderState("search", readiness.ProviderState{Ready: false})
	resp, body = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RequireAuth = true
		cfg.BearerToken = "sekrit"
	})

	// /v1 without a token is denied.
	resp, body := env.do(t, http.MethodGet, "/v1/tickets", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", body["error_code"])

	// Health stays open.
	resp, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A valid bearer passes.
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/tickets", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekrit")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestTicketGetHidesLeaseToken(t *testing.T) {
	env := newTestEnv(t, nil)
	_, body := env.do(t, http.MethodPost, "/events", ingestBody("ev_1", longContent))
	triageID := body["ticket_id"].(string)
	env.lease(t, map[string]any{"kind": "TRIAGE", "owner": "w"})

	resp, got := env.do(t, http.MethodGet, "/v1/tickets/"+triageID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, present := got["lease_token"]
	assert.False(t, present, "the token only ever appears in the lease response")
	assert.Equal(t, "w", got["lease_owner"])

	resp, got = env.do(t, http.MethodGet, "/v1/tickets/tk_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", got["error_code"])
}

func TestReplyExportFormats(t *testing.T) {
	env := newTestEnv(t, nil)
	// Run the pipeline far enough to have a done reply.
	env.store.RestoreDone(ticket.Ticket{Kind: ticket.KindReply, CandidateID: "c1"}, "",
		map[string]any{"reply_text": "done"}, "")

	resp, body := env.do(t, http.MethodGet, "/v1/reply/list", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/reply/export?format=csv", nil)
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, "text/csv", raw.Header.Get("Content-Type"))

	resp, _ = env.do(t, http.MethodGet, "/v1/reply/export?format=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFillRecordsTokenUsage(t *testing.T) {
	env := newTestEnv(t, nil)
	_, body := env.do(t, http.MethodPost, "/events", ingestBody("ev_tok", longContent))
	triageID := body["ticket_id"].(string)

	items := env.lease(t, map[string]any{"kind": "TRIAGE", "owner": "worker-a"})
	require.Len(t, items, 1)
	lease := items[0]

	resp, _ := env.do(t, http.MethodPost, "/v1/tickets/"+triageID+"/fill", map[string]any{
		"outputs":     map[string]any{"decision": "REJECT", "short_reason": "off topic"},
		"by":          "worker-a",
		"lease_owner": "worker-a",
		"lease_token": lease["lease_id"],
		"tokens":      map[string]any{"prompt": float64(812), "completion": float64(64)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := env.store.Get(triageID)
	require.NoError(t, err)
	assert.Equal(t, float64(812), got.Metadata.TokenUsage["prompt"])
	assert.Equal(t, float64(64), got.Metadata.TokenUsage["completion"])
}

func TestTriageListFilters(t *testing.T) {
	env := newTestEnv(t, nil)
	// One skipped candidate (short content) and one queued.
	resp, body := env.do(t, http.MethodPost, "/events", ingestBody("ev_short", "hi"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "skipped", body["status"])
	_, body = env.do(t, http.MethodPost, "/events", ingestBody("ev_long", longContent))
	require.Equal(t, "queued", body["status"])

	resp, body = env.do(t, http.MethodGet, "/v1/triage/list?reason_like=gate0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// Skipped candidates never become tickets; the reason filter applies
	// to rows that exist.
	assert.Equal(t, float64(0), body["count"])

	resp, body = env.do(t, http.MethodGet, "/v1/triage/list?state=PENDING", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	// since far in the future excludes everything.
	resp, body = env.do(t, http.MethodGet, "/v1/triage/list?since=2099-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])

	// cursor past the only row yields an empty page.
	resp, body = env.do(t, http.MethodGet, "/v1/triage/list?cursor=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])
}
