// Package server provides the local HTTP status API for a gestalyze session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rbcorrales/gestalyze/internal/server/api"
	"github.com/rbcorrales/gestalyze/internal/session"
)

// Session is the part of session.Coordinator the server uses.
type Session interface {
	api.Session
	OnUpdate(fn func(session.Snapshot))
}

// Camera is the part of capture.Controller that feeds the raw camera preview.
type Camera interface {
	OnPreview(fn func([]byte))
	Preview() []byte
}

// Config holds the server configuration.
type Config struct {
	Session Session
	// Camera is optional. Without it the camera preview stays empty.
	Camera Camera
	Logger *slog.Logger
}

// Server represents the HTTP server for the session.
type Server struct {
	config  Config
	router  *mux.Router
	events  *EventsHandler
	preview *PreviewHandler
	camera  *PreviewHandler
	start   time.Time
	logger  *slog.Logger
}

// New creates a new Server and subscribes it to session updates.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	s := &Server{
		config:  config,
		router:  mux.NewRouter(),
		events:  NewEventsHandler(logger),
		preview: NewPreviewHandler(),
		camera:  NewPreviewHandler(),
		start:   time.Now(),
		logger:  logger,
	}
	s.setupRoutes()

	if config.Session != nil {
		config.Session.OnUpdate(s.update)
		s.update(config.Session.Snapshot())
	}
	if config.Camera != nil {
		config.Camera.OnPreview(s.camera.Set)
		s.camera.Set(config.Camera.Preview())
	}
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/api/events", s.events).Methods(http.MethodGet)
	s.router.Handle("/api/preview", s.preview).Methods(http.MethodGet)
	s.router.HandleFunc("/api/preview/frame", s.preview.ServeFrame).Methods(http.MethodGet)
	s.router.Handle("/api/camera/preview", s.camera).Methods(http.MethodGet)
	s.router.HandleFunc("/api/camera/preview/frame", s.camera.ServeFrame).Methods(http.MethodGet)

	if s.config.Session != nil {
		api.NewSessionHandler(s.config.Session).Register(s.router)
	}
}

func (s *Server) update(snap session.Snapshot) {
	if snap.Annotation.Image != nil {
		s.preview.Update(*snap.Annotation.Image)
	}
	s.events.Broadcast(snap)
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	if s.config.Session != nil {
		response["connection"] = s.config.Session.Snapshot().Connection
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Streaming handlers never return on their own.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects event clients and ends preview streams.
func (s *Server) Close() {
	s.events.Close()
	s.preview.Close()
	s.camera.Close()
}
