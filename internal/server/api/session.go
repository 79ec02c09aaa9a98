// Package api provides the HTTP handlers that read and drive a gestalyze session.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rbcorrales/gestalyze/internal/capture"
	"github.com/rbcorrales/gestalyze/internal/protocol"
	"github.com/rbcorrales/gestalyze/internal/session"
)

// Session is the part of session.Coordinator the handlers use.
type Session interface {
	Snapshot() session.Snapshot
	PatchControl(ctx context.Context, enableASL *bool, model *protocol.ModelType) (protocol.Control, error)
	SelectCamera(ctx context.Context, id string) error
	RefreshCameras(ctx context.Context) error
	SetInterval(d time.Duration) (time.Duration, error)
	IncrementInterval() (time.Duration, error)
	DecrementInterval() (time.Duration, error)
}

// SessionHandler serves the session state and control endpoints.
type SessionHandler struct {
	session Session
}

// NewSessionHandler creates a SessionHandler for s.
func NewSessionHandler(s Session) *SessionHandler {
	return &SessionHandler{session: s}
}

// Register adds the session routes to r.
func (h *SessionHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/state", h.state).Methods(http.MethodGet)
	r.HandleFunc("/api/control", h.putControl).Methods(http.MethodPut)
	r.HandleFunc("/api/camera", h.putCamera).Methods(http.MethodPut)
	r.HandleFunc("/api/cameras/refresh", h.refreshCameras).Methods(http.MethodPost)
	r.HandleFunc("/api/interval", h.putInterval).Methods(http.MethodPut)
	r.HandleFunc("/api/interval/increment", h.stepInterval(h.session.IncrementInterval)).Methods(http.MethodPost)
	r.HandleFunc("/api/interval/decrement", h.stepInterval(h.session.DecrementInterval)).Methods(http.MethodPost)
}

// Request and response types

type controlRequest struct {
	EnableASL *bool               `json:"enable_asl"`
	ModelType *protocol.ModelType `json:"model_type"`
}

type cameraRequest struct {
	ID string `json:"id"`
}

type intervalRequest struct {
	IntervalMS int64 `json:"interval_ms"`
}

type intervalResponse struct {
	IntervalMS int64 `json:"interval_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps session and capture errors to HTTP status codes.
func statusFor(err error) int {
	var (
		enumErr *capture.DeviceEnumerationError
		acqErr  *capture.DeviceAcquisitionError
	)
	switch {
	case errors.Is(err, session.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoCamera):
		return http.StatusNotFound
	case errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &enumErr), errors.As(err, &acqErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// state handles GET /api/state.
func (h *SessionHandler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// putControl handles PUT /api/control. Omitted toggles keep their current value.
func (h *SessionHandler) putControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	control, err := h.session.PatchControl(r.Context(), req.EnableASL, req.ModelType)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, control)
}

// putCamera handles PUT /api/camera.
func (h *SessionHandler) putCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "Camera id is required")
		return
	}

	if err := h.session.SelectCamera(r.Context(), req.ID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// refreshCameras handles POST /api/cameras/refresh.
func (h *SessionHandler) refreshCameras(w http.ResponseWriter, r *http.Request) {
	if err := h.session.RefreshCameras(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// putInterval handles PUT /api/interval. The response carries the clamped value.
func (h *SessionHandler) putInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.IntervalMS <= 0 {
		writeError(w, http.StatusBadRequest, "interval_ms must be positive")
		return
	}

	// Larger values overflow a Duration; they clamp to the maximum either way.
	ms := min(req.IntervalMS, math.MaxInt64/int64(time.Millisecond))
	got, err := h.session.SetInterval(time.Duration(ms) * time.Millisecond)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, intervalResponse{IntervalMS: got.Milliseconds()})
}

func (h *SessionHandler) stepInterval(step func() (time.Duration, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, err := step()
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, intervalResponse{IntervalMS: got.Milliseconds()})
	}
}
