// Package server exposes the analysis engine over HTTP: JSON endpoints
// for one-shot and batch analysis, a registry inspection endpoint, and
// a websocket for incremental realtime analysis.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"markerengine/internal/engine"
	"markerengine/internal/interpret"
	"markerengine/internal/registry"
	"markerengine/internal/types"
)

// maxBatchSize bounds one batch request.
const maxBatchSize = 100

type Server struct {
	engine   *engine.Engine
	bridge   *interpret.Bridge
	snapshot func() *registry.Registry
}

func New(eng *engine.Engine, bridge *interpret.Bridge, snapshot func() *registry.Registry) *Server {
	return &Server{engine: eng, bridge: bridge, snapshot: snapshot}
}

func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze", s.handleAnalyze)
	mux.HandleFunc("/api/analyze/batch", s.handleAnalyzeBatch)
	mux.HandleFunc("/api/registry", s.handleRegistry)
	mux.HandleFunc("/ws/analyze", s.handleAnalyzeWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req types.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.engine.Analyze(r.Context(), req)
	if err != nil {
		writeAnalyzeError(w, err)
		return
	}
	s.attachInterpretation(r, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var reqs []types.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(reqs) == 0 {
		writeJSON(w, http.StatusOK, []*types.AnalyzeResponse{})
		return
	}
	if len(reqs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "batch too large")
		return
	}

	results := s.engine.AnalyzeBatch(r.Context(), reqs)
	out := make([]*types.AnalyzeResponse, len(results))
	for i, res := range results {
		if res.Err != nil {
			out[i] = &types.AnalyzeResponse{
				Status:  engine.StatusFailed,
				Markers: []types.DetectedMarker{},
				Phases: types.PhaseSummary{
					Initial: types.InitialPhase{Error: res.Err.Error()},
				},
			}
			continue
		}
		out[i] = res.Response
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRegistry reports the loaded snapshot: version, marker count,
// and the definitions themselves, optionally filtered by schema_id.
func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reg := s.snapshot()
	if reg == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not loaded")
		return
	}
	schemaID := r.URL.Query().Get("schema_id")

	var markers []*types.MarkerDefinition
	for _, id := range append(append([]string{}, reg.Atomic()...), reg.Contextual()...) {
		m, ok := reg.Get(id)
		if !ok || !registry.InSchema(m, schemaID) {
			continue
		}
		markers = append(markers, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      reg.Version(),
		"marker_count": len(markers),
		"markers":      markers,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reg := s.snapshot()
	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	if reg == nil {
		status = http.StatusServiceUnavailable
		body["status"] = "no registry"
	} else {
		body["registry_version"] = reg.Version()
		body["marker_count"] = reg.Len()
	}
	writeJSON(w, status, body)
}

// attachInterpretation runs the LLM bridge when one is configured and
// the request asked for it via ?interpret=1.
func (s *Server) attachInterpretation(r *http.Request, resp *types.AnalyzeResponse) {
	if s.bridge == nil || r.URL.Query().Get("interpret") == "" {
		return
	}
	out := s.bridge.Interpret(r.Context(), resp)
	resp.Interpretation = out.Text
	resp.ModelUsed = out.ModelUsed
}

func writeAnalyzeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrTextTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoRegistry):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
