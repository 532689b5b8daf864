package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"markerengine/internal/config"
	"markerengine/internal/engine"
	"markerengine/internal/enrich"
	"markerengine/internal/registry"
	"markerengine/internal/types"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	var all types.ActivationRule
	if err := json.Unmarshal([]byte(`{"type": "ALL", "components": ["A_ONE", "A_TWO"]}`), &all); err != nil {
		t.Fatalf("unmarshal rule: %v", err)
	}
	reg, err := registry.Build([]types.MarkerDefinition{
		{ID: "A_ONE", Examples: []string{"hallo"}},
		{ID: "A_TWO", Examples: []string{"danke"}},
		{ID: "C_BOTH", Activation: &all},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	snapshot := func() *registry.Registry { return reg }
	eng := engine.New(snapshot, enrich.Whitespace{}, config.EngineConfig{MaxTextLen: 100})

	srv := httptest.NewServer(CORS(New(eng, nil, snapshot).BuildMux()))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAnalyzeEndpoint(t *testing.T) {
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/analyze", `{"text": "hallo und danke"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out types.AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MarkerCount != 3 {
		t.Fatalf("expected 3 markers, got %d: %+v", out.MarkerCount, out.Markers)
	}
	if out.Status != engine.StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Status)
	}
}

func TestAnalyzeEndpointRejectsBadBody(t *testing.T) {
	srv := testServer(t)
	if resp := postJSON(t, srv.URL+"/api/analyze", `{not json`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAnalyzeEndpointRejectsOversizedText(t *testing.T) {
	srv := testServer(t)
	body := `{"text": "` + strings.Repeat("x", 101) + `"}`
	if resp := postJSON(t, srv.URL+"/api/analyze", body); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAnalyzeEndpointMethodNotAllowed(t *testing.T) {
	srv := testServer(t)
	resp, err := http.Get(srv.URL + "/api/analyze")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestBatchEndpoint(t *testing.T) {
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/analyze/batch", `[{"text": "hallo"}, {"text": "danke"}]`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out []types.AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].Markers[0].MarkerID != "A_ONE" || out[1].Markers[0].MarkerID != "A_TWO" {
		t.Fatalf("order not preserved: %+v", out)
	}
}

func TestBatchEndpointMixedFailure(t *testing.T) {
	srv := testServer(t)
	body := `[{"text": "hallo"}, {"text": "` + strings.Repeat("x", 101) + `"}]`

	resp := postJSON(t, srv.URL+"/api/analyze/batch", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch itself should succeed, got %d", resp.StatusCode)
	}
	var out []types.AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out[0].Status != engine.StatusCompleted {
		t.Fatalf("first entry should complete, got %+v", out[0])
	}
	if out[1].Status != engine.StatusFailed || out[1].Phases.Initial.Error == "" {
		t.Fatalf("second entry should fail with a reason, got %+v", out[1])
	}
}

func TestRegistryEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/registry")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Version     string                   `json:"version"`
		MarkerCount int                      `json:"marker_count"`
		Markers     []types.MarkerDefinition `json:"markers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Version == "" || out.MarkerCount != 3 || len(out.Markers) != 3 {
		t.Fatalf("unexpected registry payload: %+v", out)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := testServer(t)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/analyze", nil)
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("expected echoed origin, got %q", got)
	}
}
