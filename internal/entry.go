// Package internal provides the main application initialization and
// runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/vellum/internal/actions"
	"github.com/starford/vellum/internal/api"
	"github.com/starford/vellum/internal/ipc"
	"github.com/starford/vellum/internal/relay"
	"github.com/starford/vellum/internal/storage"
	"github.com/starford/vellum/internal/store"
	"github.com/starford/vellum/internal/watch"
	"github.com/starford/vellum/internal/windows"
)

// Run starts the coordination process with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	if app.dialogs == nil {
		app.dialogs = actions.UnattendedDialogs{}
	}
	if app.displays == nil {
		app.displays = windows.StaticDisplays{{ID: "primary", WorkArea: store.Bounds{Width: 1920, Height: 1080}, Primary: true}}
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("state_dir", cfg.State.Dir),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure state directory exists.
	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	fs, err := storage.NewFS(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	st := store.New(fs, logger)

	bridge := api.NewBridge()
	registry := windows.NewRegistry(st, bridge.NewTransport, logger, windows.Options{
		Warm:          cfg.Windows.Warm,
		CloseDebounce: cfg.Windows.CloseDebounce(),
		OnAllClosed: func() {
			logger.Info("All windows closed, surfacing launch screen")
		},
	})
	hub := relay.NewHub(st, registry, logger)
	registry.SetHub(hub)

	watcher := watch.New(nil, logger, cfg.Watcher.Debounce())
	coordinator := actions.NewCoordinator(ctx, st, hub, watcher, registry, app.dialogs, app.displays, logger)
	watcher.SetHandler(coordinator)

	// Fan store changes out to windows: preferences are global, and
	// document-dirty notifications drive the edited marker in window
	// chrome.
	unsubscribe := st.Subscribe(func(ch store.Change) {
		switch ch.Kind {
		case store.ChangePreferences:
			if ev, err := ipc.NewEvent(ipc.EventPreferences, st.Preferences()); err == nil {
				registry.Broadcast(ev)
			}
		case store.ChangeDocumentEdited:
			payload := map[string]string{"documentId": string(ch.DocumentID)}
			if ev, err := ipc.NewEvent(ipc.EventDocumentDirty, payload); err == nil {
				registry.Broadcast(ev)
			}
		}
	})
	defer unsubscribe()

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints.
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	handler := api.NewHandler(bridge, coordinator, registry, st, logger)
	r.Mount("/api", api.NewRouter(handler))

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Coordinator starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gCtx := errgroup.WithContext(runCtx)

	// Periodic dirty-state flush.
	g.Go(func() error {
		st.FlushLoop(gCtx, cfg.State.FlushInterval())
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		// Release the flush loop once teardown is done.
		defer stop()
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down coordinator...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		watcher.Close()
		registry.Close()
		hub.Close()
		if err := st.Flush(); err != nil {
			logger.Error("Final flush error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Coordinator stopped successfully")
	return nil
}
