package matcher

import (
	"encoding/json"
	"math"
	"testing"

	"markerengine/internal/registry"
	"markerengine/internal/types"
)

func buildRegistry(t *testing.T, defs []types.MarkerDefinition) *registry.Registry {
	t.Helper()
	reg, err := registry.Build(defs)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func rule(t *testing.T, raw string) *types.ActivationRule {
	t.Helper()
	var r types.ActivationRule
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("unmarshal rule: %v", err)
	}
	return &r
}

func TestScanKeywordSpans(t *testing.T) {
	reg := buildRegistry(t, []types.MarkerDefinition{
		{ID: "GREETING", Examples: []string{"hallo"}},
	})

	got := Scan("Hallo zusammen, und nochmal hallo!", reg, "", 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 detections, got %d: %+v", len(got), got)
	}
	for _, d := range got {
		if d.MarkerID != "GREETING" || d.DetectionPhase != types.PhaseInitial {
			t.Fatalf("unexpected detection %+v", d)
		}
		if d.Position == nil || d.Position.SentenceIndex != -1 {
			t.Fatalf("expected unmapped position, got %+v", d.Position)
		}
	}
	if got[0].Position.Start != 0 || got[0].Position.End != 5 {
		t.Fatalf("first span wrong: %+v", got[0].Position)
	}
	if got[1].Position.Start != 28 {
		t.Fatalf("second span wrong: %+v", got[1].Position)
	}
}

func TestScanRegexFallback(t *testing.T) {
	reg := buildRegistry(t, []types.MarkerDefinition{
		{ID: "QUESTION", Pattern: `\bwarum\b.*\?`},
	})

	got := Scan("Warum ist das so?", reg, "", 0)
	if len(got) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(got))
	}
	if got[0].Position.Start != 0 || got[0].Position.End != 17 {
		t.Fatalf("span wrong: %+v", got[0].Position)
	}
}

func TestScanKeywordWinsOverRegex(t *testing.T) {
	reg := buildRegistry(t, []types.MarkerDefinition{
		{ID: "M", Examples: []string{"genau das"}, Pattern: `genau`},
	})

	got := Scan("genau das meine ich", reg, "", 0)
	if len(got) != 1 {
		t.Fatalf("expected single keyword detection, got %d", len(got))
	}
	if got[0].Position.End != len("genau das") {
		t.Fatalf("regex matched instead of keyword: %+v", got[0].Position)
	}
}

func TestScanSimilarity(t *testing.T) {
	reg := buildRegistry(t, []types.MarkerDefinition{
		{ID: "SOFT", Examples: []string{"ich bin mir nicht sicher"}},
	})

	// No exact containment, but 4 of 5 example tokens are present.
	got := Scan("bin mir echt nicht sicher glaube", reg, "", 0.6)
	if len(got) != 1 {
		t.Fatalf("expected similarity detection, got %d", len(got))
	}
	if got[0].Position != nil {
		t.Fatalf("similarity hits carry no span, got %+v", got[0].Position)
	}
	if math.Abs(got[0].Confidence-0.8) > 1e-9 {
		t.Fatalf("confidence must be the overlap ratio 0.8, got %f", got[0].Confidence)
	}
}

func TestScanSimilarityIgnoresConfidenceDefault(t *testing.T) {
	reg := buildRegistry(t, []types.MarkerDefinition{
		{
			ID:       "SOFT",
			Examples: []string{"ich bin mir nicht sicher"},
			Metadata: types.MarkerMetadata{ConfidenceDefault: 0.5},
		},
	})

	got := Scan("bin mir echt nicht sicher glaube", reg, "", 0.6)
	if len(got) != 1 {
		t.Fatalf("expected similarity detection, got %d", len(got))
	}
	if math.Abs(got[0].Confidence-0.8) > 1e-9 {
		t.Fatalf("confidence_default must not scale the ratio, got %f", got[0].Confidence)
	}
}

func TestScanSimilarityBelowThreshold(t *testing.T) {
	reg := buildRegistry(t, []types.MarkerDefinition{
		{ID: "SOFT", Examples: []string{"ich bin mir nicht sicher"}},
	})
	if got := Scan("heute scheint die sonne", reg, "", 0.6); len(got) != 0 {
		t.Fatalf("expected no detections, got %+v", got)
	}
}

func TestScanSchemaFiltering(t *testing.T) {
	reg := buildRegistry(t, []types.MarkerDefinition{
		{ID: "THERAPY_ONLY", SchemaID: "therapy", Examples: []string{"hallo"}},
		{ID: "GLOBAL", Examples: []string{"hallo"}},
	})

	got := Scan("hallo", reg, "sales", 0)
	if len(got) != 1 || got[0].MarkerID != "GLOBAL" {
		t.Fatalf("schema filter failed: %+v", got)
	}
}

func TestScanSkipsComposedMarkers(t *testing.T) {
	reg := buildRegistry(t, []types.MarkerDefinition{
		{ID: "A", Examples: []string{"hallo"}},
		{ID: "PAIR", Examples: []string{"hallo"}, Activation: rule(t, `{"type": "ALL", "components": ["A"]}`)},
	})

	got := Scan("hallo", reg, "", 0)
	if len(got) != 1 || got[0].MarkerID != "A" {
		t.Fatalf("composed marker leaked into initial phase: %+v", got)
	}
}

func TestScanConfidenceDefault(t *testing.T) {
	reg := buildRegistry(t, []types.MarkerDefinition{
		{ID: "A", Examples: []string{"hallo"}, Metadata: types.MarkerMetadata{ConfidenceDefault: 0.7}},
	})
	got := Scan("hallo", reg, "", 0)
	if len(got) != 1 || got[0].Confidence != 0.7 {
		t.Fatalf("expected confidence_default 0.7, got %+v", got)
	}
}
