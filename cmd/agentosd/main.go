// Package main is the entry point for the agentosd daemon.
// agentosd watches trigger files written by outside collaborators (the voice
// pipeline, editor plugins, the status API) and dispatches their content to
// long-lived local agents, arbitrating the machine's single GPU between the
// text model and exclusive capture work.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentos/agentos/internal/agent"
	"github.com/agentos/agentos/internal/api"
	"github.com/agentos/agentos/internal/assistant"
	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/constants"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/events"
	"github.com/agentos/agentos/internal/history"
	"github.com/agentos/agentos/internal/lock"
	"github.com/agentos/agentos/internal/modelserver"
	"github.com/agentos/agentos/internal/registry"
	"github.com/agentos/agentos/internal/router"
	"github.com/agentos/agentos/internal/tracing"
	"github.com/agentos/agentos/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	// Two daemons polling the same triggers would double-dispatch every
	// request, so the instance lock is the one fatal startup gate besides
	// unusable config.
	instanceLock, err := lock.Acquire(cfg.Lock)
	if err != nil {
		log.Error("failed to acquire instance lock", zap.Error(err))
		os.Exit(1)
	}
	defer instanceLock.Release()

	log.Info("starting agentosd",
		zap.String("transcript_dir", cfg.Watcher.TranscriptDir),
		zap.String("history_dir", cfg.History.Dir),
		zap.Int("api_port", cfg.API.Port),
	)

	if err := os.MkdirAll(cfg.Watcher.TranscriptDir, 0755); err != nil {
		log.Error("failed to create transcript directory", zap.Error(err))
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.History.Dir, 0755); err != nil {
		log.Error("failed to create history directory", zap.Error(err))
		os.Exit(1)
	}

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Warn("event bus cleanup error", zap.Error(err))
		}
	}()

	reg := registry.NewRegistry(log)
	if cfg.Channels.File != "" {
		if err := reg.LoadFromFile(cfg.Channels.File); err != nil {
			log.Error("failed to load channels file", zap.Error(err))
			os.Exit(1)
		}
	} else {
		reg.LoadDefaults()
	}

	hist := history.NewStore(cfg.History, log)
	arbiter := modelserver.NewServer(cfg.Models, eventBus, log)
	agents := agent.NewManager(reg, cfg.Agents, hist, eventBus, log)
	asst := assistant.New(cfg.Assistant, eventBus, log)

	agentLookup := router.AgentsFunc(func(name string) (router.Agent, bool) {
		h, exists := agents.Get(name)
		if !exists {
			return nil, false
		}
		return h, true
	})
	rt := router.NewRouter(agentLookup, arbiter, asst, hist, cfg.Capture, cfg.Models, eventBus, log)
	w := watcher.NewWatcher(cfg.Watcher, reg, rt, arbiter, eventBus, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, api.Deps{
			Registry:      reg,
			Agents:        agents,
			Arbiter:       arbiter,
			Watcher:       w,
			History:       hist,
			Bus:           eventBus,
			TranscriptDir: cfg.Watcher.TranscriptDir,
		}, log)
		g.Go(func() error {
			return apiServer.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("daemon error", zap.Error(err))
	}

	log.Info("shutting down agentosd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	agents.StopAll()
	arbiter.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("agentosd stopped")
}
