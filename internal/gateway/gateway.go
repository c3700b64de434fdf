// SPDX-License-Identifier: MIT

// Package gateway is the narrow port to the external tool-execution
// collaborator. The core never executes tools itself; it consumes this
// interface and the provider health it reports.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hitloop/orchestrator/internal/config"
	"github.com/hitloop/orchestrator/internal/readiness"
)

// ErrUnknownTool is returned when the gateway has no such server/tool.
var ErrUnknownTool = errors.New("unknown_tool")

// ErrToolTimeout is returned when the bounded call deadline elapses.
var ErrToolTimeout = errors.New("TOOL_TIMEOUT")

// Client is the tool gateway port.
type Client interface {
	// ExecuteTool runs one tool call. The context carries the bounded
	// timeout; exceeding it yields ErrToolTimeout.
	ExecuteTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
	// ProviderStates reports current provider health for the readiness
	// evaluator.
	ProviderStates() map[string]readiness.ProviderState
}

// ToolFunc is a single registered tool implementation.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Static is an in-process gateway with settable provider states. It
// serves the NO_MCP deployment mode and tests; a real MCP-backed client
// satisfies the same interface.
type Static struct {
	mu     sync.RWMutex
	states map[string]readiness.ProviderState
	tools  map[string]ToolFunc // "server/tool" -> impl
}

// NewStatic builds a Static gateway with every listed provider ready.
func NewStatic(providers ...string) *Static {
	s := &Static{
		states: make(map[string]readiness.ProviderState, len(providers)),
		tools:  make(map[string]ToolFunc),
	}
	for _, p := range providers {
		s.states[p] = readiness.ProviderState{Ready: true}
	}
	return s
}

// SetProviderState overrides one provider's health.
func (s *Static) SetProviderState(provider string, state readiness.ProviderState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[provider] = state
}

// Register adds a tool implementation under server/tool.
func (s *Static) Register(server, tool string, fn ToolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[server+"/"+tool] = fn
}

// ExecuteTool implements Client.
func (s *Static) ExecuteTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	s.mu.RLock()
	fn, ok := s.tools[server+"/"+tool]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownTool, server, tool)
	}

	type result struct {
		out any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := fn(ctx, args)
		ch <- result{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ErrToolTimeout
	case r := <-ch:
		return r.out, r.err
	}
}

// ProviderStates implements Client.
func (s *Static) ProviderStates() map[string]readiness.ProviderState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]readiness.ProviderState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// New selects the gateway implementation from configuration. NO_MCP
// yields a gateway with no providers at all (every dep reads unready);
// otherwise an in-process static gateway covers the default providers.
// RUN_REAL_MCP_TESTS and MCP_CONFIG_PATH select an external MCP client in
// deployments that ship one; the port is identical.
func New(cfg config.Config) Client {
	if cfg.NoMCP {
		return NewStatic()
	}
	providers := make([]string, 0, len(readiness.DefaultDeps()))
	for _, d := range readiness.DefaultDeps() {
		providers = append(providers, d.Provider)
	}
	return NewStatic(providers...)
}
