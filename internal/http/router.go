// Package http exposes the REST surface and the WebSocket gateway.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/observability"
	"asr-stream-relay/internal/service/call"
	"asr-stream-relay/internal/service/transcode"
)

// Info describes the running service.
type Info struct {
	Version   string
	StartedAt time.Time
	// Ready reports whether the service accepts traffic. Nil means always ready.
	Ready func() bool
	// MaxAudioBytes limits audio request bodies. 0 means 1 MiB.
	MaxAudioBytes int64
}

type handlers struct {
	registry *call.Registry
	info     Info
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(registry *call.Registry, info Info) http.Handler {
	if info.MaxAudioBytes <= 0 {
		info.MaxAudioBytes = 1 << 20
	}
	h := &handlers{registry: registry, info: info}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RecoverMiddleware)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", h.readiness)

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", h.version)
		r.Get("/ws", NewGateway(registry).ServeHTTP)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.createSession)
			r.Route("/{callID}", func(r chi.Router) {
				r.Get("/", h.getSession)
				r.Delete("/", h.finishSession)
				r.Post("/audio", h.routeAudio)
				r.Post("/actions", h.addActions)
				r.Put("/summarizing", h.setSummarizing)
			})
		})
	})

	return r
}

func (h *handlers) readiness(w http.ResponseWriter, _ *http.Request) {
	if h.info.Ready != nil && !h.info.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   h.info.Version,
		"timestamp": h.info.StartedAt.UTC().Format(time.RFC3339),
	})
}

type createSessionRequest struct {
	CallID string `json:"callId"`
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var (
		s   *call.Session
		err error
	)
	if req.CallID == "" {
		s, err = h.registry.CreateSession()
	} else {
		s, err = h.registry.Create(req.CallID)
	}
	switch {
	case errors.Is(err, call.ErrSessionExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, call.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"callId": s.CallID()})
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Session(chi.URLParam(r, "callID"))
	if !ok {
		writeError(w, http.StatusNotFound, call.ErrUnknownSession.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *handlers) finishSession(w http.ResponseWriter, r *http.Request) {
	err := h.registry.Destroy(r.Context(), chi.URLParam(r, "callID"), call.ReasonFinished)
	if errors.Is(err, call.ErrUnknownSession) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) routeAudio(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if _, ok := h.registry.Session(callID); !ok {
		writeError(w, http.StatusNotFound, call.ErrUnknownSession.Error())
		return
	}

	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.info.MaxAudioBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("audio body: %v", err))
		return
	}

	err = h.registry.RouteAudio(r.Context(), callID, audio)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, call.ErrFrameTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, transcode.ErrTranscode):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, call.ErrReadyTimeout):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *handlers) addActions(w http.ResponseWriter, r *http.Request) {
	var actions []models.Action
	if err := json.NewDecoder(r.Body).Decode(&actions); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a list of actions")
		return
	}
	if err := h.registry.AddSystemAction(chi.URLParam(r, "callID"), actions...); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type summarizingRequest struct {
	Summarizing *bool `json:"summarizing"`
}

func (h *handlers) setSummarizing(w http.ResponseWriter, r *http.Request) {
	var req summarizingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Summarizing == nil {
		writeError(w, http.StatusBadRequest, `body must be {"summarizing": bool}`)
		return
	}
	if err := h.registry.SetSummarizing(chi.URLParam(r, "callID"), *req.Summarizing); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
