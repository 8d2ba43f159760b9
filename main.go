package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hivemind/server/config"
	"github.com/hivemind/server/contextstore"
	"github.com/hivemind/server/llm"
	"github.com/hivemind/server/logger"
	"github.com/hivemind/server/middleware"
	"github.com/hivemind/server/orchestrator"
	"github.com/hivemind/server/plugin"
	"github.com/hivemind/server/plugin/agenda"
	"github.com/hivemind/server/plugin/weather"
	"github.com/hivemind/server/session"
	"github.com/hivemind/server/stream"
	"github.com/hivemind/server/ws"
)

func newHandler(cfg *config.Settings, store *contextstore.Store, registry *plugin.Registry, manager *session.Manager, orch *orchestrator.Orchestrator) http.Handler {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /api/plugins", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, registry.Manifests())
	})

	mux.HandleFunc("GET /api/context", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"entries":  store.Len(),
			"last_seq": store.LastSeq(),
		})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		plugins := registry.HealthCheck(ctx)
		status := "ok"
		code := http.StatusOK
		for _, healthy := range plugins {
			if !healthy {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":   status,
			"sessions": manager.Len(),
			"plugins":  plugins,
		})
	})

	// WebSocket endpoint (handles its own auth via query param)
	mux.Handle("GET /ws", ws.NewHandler(cfg.AuthToken, false, manager, orch))

	return middleware.Auth(cfg.AuthToken)(mux)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	slog.Info("starting hivemind server", "config", cfg.MaskedMap())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared context log, with a Redis mirror when configured. The in-memory
	// log stays authoritative; a missing mirror only degrades durability.
	var storeOpts []contextstore.Option
	var restored []contextstore.Entry
	if cfg.RedisURL != "" {
		backend, err := contextstore.NewRedisBackend(ctx, cfg.RedisURL, cfg.ContextTTL)
		if err != nil {
			slog.Warn("redis unavailable, running without durable context", "error", err)
		} else {
			storeOpts = append(storeOpts, contextstore.WithBackend(backend))
			restored, err = backend.Load(ctx)
			if err != nil {
				slog.Warn("failed to load mirrored context", "error", err)
			}
		}
	}

	store := contextstore.New(cfg.ContextTTL, storeOpts...)
	if len(restored) > 0 {
		slog.Info("restoring mirrored context", "entries", len(restored))
		store.Restore(restored)
	}
	return serve(ctx, cfg, store)
}

func serve(ctx context.Context, cfg *config.Settings, store *contextstore.Store) error {
	store.StartSweeper(cfg.SweepInterval)
	defer store.Stop()

	registry := plugin.NewRegistry()
	defer registry.Close(context.Background())
	if cfg.OpenWeatherAPIKey != "" {
		if err := registry.Load(ctx, weather.New(cfg.OpenWeatherAPIKey)); err != nil {
			slog.Error("failed to load weather plugin", "error", err)
		}
	}
	if err := registry.Load(ctx, agenda.New()); err != nil {
		slog.Error("failed to load agenda plugin", "error", err)
	}
	if err := registry.ApplyManifestDir(cfg.PluginsDir); err != nil {
		slog.Warn("failed to apply plugin manifests", "dir", cfg.PluginsDir, "error", err)
	}
	if _, err := os.Stat(cfg.PluginsDir); err == nil {
		if err := registry.WatchManifestDir(cfg.PluginsDir); err != nil {
			slog.Warn("manifest watching disabled", "dir", cfg.PluginsDir, "error", err)
		}
	}

	dispatcher := plugin.NewDispatcher(registry, cfg.PluginTimeout, int64(cfg.PluginMaxInFlight), cfg.ActionConfirmTTL)
	dispatcher.StartReaper(time.Minute)
	defer dispatcher.Stop()

	engine := llm.NewHTTPClient(cfg.LLMEndpoint, cfg.LLMModel, cfg.LLMTimeout)
	agg := stream.New(cfg.ReorderWindow, cfg.StreamBuffer)

	manager := session.NewManager(cfg.HeartbeatInterval, cfg.HeartbeatMissMax)
	manager.SetOnClose(func(s *session.Session, reason session.CloseReason) {
		agg.CancelSession(s.ID)
	})
	defer manager.Shutdown()

	orch := orchestrator.New(store, registry, dispatcher, engine, agg, manager,
		orchestrator.WithGeneration(cfg.LLMMaxTokens, cfg.LLMTemperature))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler: newHandler(cfg, store, registry, manager, orch),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
