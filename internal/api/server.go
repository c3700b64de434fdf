// SPDX-License-Identifier: MIT

// Package api is the HTTP surface: ingest, batch triage, the lease/fill
// worker protocol, list/export views, tool execution behind the
// readiness admission gate, and operational endpoints.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitloop/orchestrator/internal/audit"
	"github.com/hitloop/orchestrator/internal/config"
	"github.com/hitloop/orchestrator/internal/derive"
	"github.com/hitloop/orchestrator/internal/evidence"
	"github.com/hitloop/orchestrator/internal/gateway"
	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/readiness"
	"github.com/hitloop/orchestrator/internal/snapshot"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/triage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps carries everything the HTTP surface needs. All fields except
// Journal are required.
type Deps struct {
	Config    config.Config
	Store     *store.Store
	Engine    *derive.Engine
	Journal   *snapshot.Journal
	Gates     triage.Gates
	Evaluator *readiness.Evaluator
	Gateway   gateway.Client
	Emitter   *evidence.Emitter
	Blobs     *evidence.BlobStore
}

// Server holds the wired handler set.
type Server struct {
	cfg       config.Config
	store     *store.Store
	engine    *derive.Engine
	journal   *snapshot.Journal
	gates     triage.Gates
	evaluator *readiness.Evaluator
	gateway   gateway.Client
	emitter   *evidence.Emitter
	blobs     *evidence.BlobStore
	auditor   *audit.Logger
	logger    zerolog.Logger
}

// NewServer wires a Server from its dependencies.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:       deps.Config,
		store:     deps.Store,
		engine:    deps.Engine,
		journal:   deps.Journal,
		gates:     deps.Gates,
		evaluator: deps.Evaluator,
		gateway:   deps.Gateway,
		emitter:   deps.Emitter,
		blobs:     deps.Blobs,
		auditor:   audit.NewLogger(),
		logger:    log.WithComponent("api"),
	}
}

// Router assembles the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	ApplyStack(r, StackConfig{
		EnableMetrics:    true,
		EnableLogging:    true,
		RateLimitEnabled: s.cfg.RateLimitEnabled,
		RateLimitRPS:     s.cfg.RateLimitRPS,
	})

	// Operational endpoints stay outside auth.
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Handle("/metrics/prom", promhttp.Handler())

	// Ingest is webhook-shaped and carries its own idempotency.
	r.Post("/events", s.handleIngestEvent)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.RequireBearer)

		v1.Post("/triage/batch", s.handleTriageBatch)
		v1.Get("/triage/results", s.handleTriageResults)
		v1.Get("/triage/list", s.handleTriageList)
		v1.Get("/triage/export", s.handleTriageExport)

		v1.Post("/tickets/lease", s.handleLease)
		v1.Post("/tickets/{id}/fill", s.handleFill)
		v1.Get("/tickets", s.handleTicketList)
		v1.Get("/tickets/{id}", s.handleTicketGet)

		v1.Get("/reply/list", s.handleReplyList)
		v1.Get("/reply/export", s.handleReplyExport)
		v1.Get("/reply/tickets/{id}/raw", s.handleReplyRaw)

		v1.Post("/tools/execute", s.handleToolExecute)
	})

	return r
}
