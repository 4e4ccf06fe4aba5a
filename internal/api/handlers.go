package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/miradorstack/mirador-agent/internal/graph"
	"github.com/miradorstack/mirador-agent/internal/models"
	"github.com/miradorstack/mirador-agent/internal/services"
)

// InvestigationService is the slice of the investigator the handlers consume.
type InvestigationService interface {
	Start(query, incidentID string) (*services.Run, error)
	Cancel(id string) bool
	Release(id string)
	State(id string) (*models.InvestigationState, error)
}

// Handler serves the agent's REST surface.
type Handler struct {
	service InvestigationService
	graph   *graph.Graph
	logger  *slog.Logger
}

// NewHandler constructs the handler set. graph may be nil when no dependency
// graph is configured.
func NewHandler(service InvestigationService, g *graph.Graph, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, graph: g, logger: logger}
}

// Routes returns the route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/investigations", h.startInvestigation)
	mux.HandleFunc("GET /api/v1/investigations/{id}", h.getInvestigation)
	mux.HandleFunc("POST /api/v1/investigations/{id}/cancel", h.cancelInvestigation)
	mux.HandleFunc("GET /api/v1/graph", h.getGraph)
	mux.HandleFunc("GET /health", h.health)
	return mux
}

type startRequest struct {
	Query      string `json:"query"`
	IncidentID string `json:"incidentId,omitempty"`
}

// startInvestigation launches a run and streams its events as NDJSON until
// the terminal event. Disconnecting does not abort the investigation; the
// remaining events are drained so the run can finish and persist.
func (h *Handler) startInvestigation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	run, err := h.service.Start(req.Query, req.IncidentID)
	if err != nil {
		h.logger.Error("start investigation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to start investigation")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Investigation-Id", run.ID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-run.Events:
			if !ok {
				h.service.Release(run.ID)
				return
			}
			if err := enc.Encode(ev); err != nil {
				h.drain(run)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			h.drain(run)
			return
		}
	}
}

// drain consumes remaining events in the background so the engine never
// blocks on an abandoned stream.
func (h *Handler) drain(run *services.Run) {
	go func() {
		for range run.Events {
		}
		h.service.Release(run.ID)
	}()
}

func (h *Handler) getInvestigation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := h.service.State(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "investigation not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) cancelInvestigation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.service.Cancel(id) {
		writeError(w, http.StatusNotFound, "no running investigation with that id")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "id": id})
}

func (h *Handler) getGraph(w http.ResponseWriter, _ *http.Request) {
	if h.graph == nil {
		writeError(w, http.StatusNotFound, "no service graph configured")
		return
	}
	data, err := h.graph.ToJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to serialize graph")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
