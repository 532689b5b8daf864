package scoring

import (
	"math"
	"testing"

	"markerengine/internal/registry"
	"markerengine/internal/types"
)

func TestTotalWeightsConfidence(t *testing.T) {
	reg, err := registry.Build([]types.MarkerDefinition{
		{ID: "A", Examples: []string{"a"}},
		{ID: "B", Examples: []string{"b"}, Metadata: types.MarkerMetadata{Weight: 2.5}},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	detected := []types.DetectedMarker{
		{MarkerID: "A", Confidence: 0.8},
		{MarkerID: "B", Confidence: 0.5},
		{MarkerID: "A", Confidence: 1.0},
	}
	// 1*0.8 + 2.5*0.5 + 1*1.0
	if got := Total(detected, reg); math.Abs(got-3.05) > 1e-9 {
		t.Fatalf("expected 3.05, got %f", got)
	}
}

func TestTotalEmpty(t *testing.T) {
	reg, err := registry.Build(nil)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if got := Total(nil, reg); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
}
