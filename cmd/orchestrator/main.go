// SPDX-License-Identifier: MIT

// Command orchestrator runs the ticket pipeline daemon: HTTP ingest and
// worker protocol, snapshot journaling, warm reindex, tail follower and
// the lease reaper.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitloop/orchestrator/internal/api"
	"github.com/hitloop/orchestrator/internal/config"
	"github.com/hitloop/orchestrator/internal/derive"
	"github.com/hitloop/orchestrator/internal/evidence"
	"github.com/hitloop/orchestrator/internal/gateway"
	"github.com/hitloop/orchestrator/internal/log"
	"github.com/hitloop/orchestrator/internal/readiness"
	"github.com/hitloop/orchestrator/internal/reindex"
	"github.com/hitloop/orchestrator/internal/snapshot"
	"github.com/hitloop/orchestrator/internal/store"
	"github.com/hitloop/orchestrator/internal/triage"
	"golang.org/x/sync/errgroup"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func main() {
	log.Configure(log.Config{Service: "orchestrator", Version: Version})
	logger := log.WithComponent("main")

	cfg := config.FromEnv()
	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("orchestrator exited with error")
	}
	logger.Info().Msg("orchestrator stopped")
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.LogsDir, 0o750); err != nil {
		return err
	}

	paths := snapshot.DefaultPaths(cfg.LogsDir)
	paths.TriageDecisions = cfg.TriageSnapshot
	paths.ReplyResults = cfg.ReplySnapshot
	paths.Watermark = cfg.SnapshotWatermark
	writer, err := snapshot.NewWriter(paths)
	if err != nil {
		return err
	}
	defer writer.Close()
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

	gates, err := triage.LoadGates(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("triage rules load failed, using defaults")
		gates = triage.DefaultGates()
	}

	reg, err := evidence.NewRegistry()
	if err != nil {
		return err
	}
	emitter := evidence.NewEmitter(cfg.LogsDir, reg, evidence.GateMode(cfg.SchemaGate))
	blobs := evidence.NewBlobStore(cfg.LogsDir)

	evaluator, err := readiness.NewEvaluator(readiness.DefaultDeps())
	if err != nil {
		return err
	}
	gw := gateway.New(cfg)

	indexer := reindex.New(st, engine, writer, cfg.TriageSnapshot, cfg.ReplySnapshot)
	if cfg.ReindexOnBoot {
		if err := indexer.ReindexOnBoot(); err != nil {
			return err
		}
	}
	if cfg.TailSnapshots {
		if err := indexer.StartTail(ctx, cfg.TailInterval); err != nil {
			return err
		}
	}

	st.StartReaper(ctx, cfg.LeaseReapInterval)

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     st,
		Engine:    engine,
		Journal:   journal,
		Gates:     gates,
		Evaluator: evaluator,
		Gateway:   gw,
		Emitter:   emitter,
		Blobs:     blobs,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
